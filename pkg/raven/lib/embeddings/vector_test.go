// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package embeddings

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResample_LengthAlwaysTarget(t *testing.T) {
	inputs := [][]float32{
		nil,
		{0},
		{3.5},
		{1, 2},
		{1, 2, 3, 4, 5, 6, 7},
		make([]float32, 100),
	}
	for _, dim := range []int{1, 2, 3, 16, 1000} {
		for _, in := range inputs {
			out := ToFixedDimension(in, dim)
			assert.Len(t, out, dim, "input len %d dim %d", len(in), dim)
		}
	}
}

func TestResample_Midpoint(t *testing.T) {
	out, degenerate := Resample([]float32{0, 10}, 3)
	assert.False(t, degenerate)
	assert.Equal(t, []float32{0, 5, 10}, out)
}

func TestResample_EndpointsExact(t *testing.T) {
	in := []float32{-1.25, 3, 7.5, 2.125}
	out := ToFixedDimension(in, 11)
	assert.Equal(t, in[0], out[0])
	assert.Equal(t, in[len(in)-1], out[len(out)-1])

	down := ToFixedDimension([]float32{1, 2, 3, 4, 5}, 2)
	assert.Equal(t, []float32{1, 5}, down)
}

func TestResample_Identity(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out, degenerate := Resample(in, 3)
	assert.False(t, degenerate)
	assert.Equal(t, in, out)

	out[0] = 99
	assert.InDelta(t, 0.1, in[0], 1e-9, "output must be a copy")
}

func TestResample_Broadcast(t *testing.T) {
	out, degenerate := Resample([]float32{0.7}, 5)
	assert.False(t, degenerate)
	for _, v := range out {
		assert.Equal(t, float32(0.7), v)
	}
}

func TestResample_DegenerateDeterministic(t *testing.T) {
	a, degA := Resample([]float32{0}, 64)
	b, degB := Resample(nil, 64)
	c := FallbackVector(64)

	assert.True(t, degA)
	assert.True(t, degB)
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)

	var sum float64
	for _, v := range a {
		sum += math.Abs(float64(v))
	}
	assert.Greater(t, sum, 0.0, "fallback is not all zeros")
}

func TestResample_ZeroDimension(t *testing.T) {
	out := ToFixedDimension([]float32{1, 2}, 0)
	assert.Empty(t, out)
}

func TestIsDegenerate(t *testing.T) {
	assert.True(t, IsDegenerate(nil))
	assert.True(t, IsDegenerate([]float32{0}))
	assert.False(t, IsDegenerate([]float32{0, 0}))
	assert.False(t, IsDegenerate([]float32{1e-9}))
}

func TestL2Normalize(t *testing.T) {
	v := L2Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.InDelta(t, 1.0, Norm(v), 1e-6)

	long := make([]float32, 1000)
	for i := range long {
		long[i] = float32(i%7) - 3
	}
	assert.InDelta(t, 1.0, Norm(L2Normalize(long)), 1e-5)
}

func TestL2Normalize_Zero(t *testing.T) {
	v := L2Normalize([]float32{0, 0, 0})
	for _, x := range v {
		assert.False(t, math.IsNaN(float64(x)))
		assert.Zero(t, x)
	}
	assert.Empty(t, L2Normalize(nil))
}
