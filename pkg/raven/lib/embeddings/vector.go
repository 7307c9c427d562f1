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
	"math/rand/v2"

	"gonum.org/v1/gonum/blas/blas32"
)

// DefaultDimension is the fixed embedding length stored by the backend.
const DefaultDimension = 16000

// Degenerate-input fallback parameters.
const (
	fallbackSeed   = 42
	fallbackStdDev = 0.1
)

// L2Normalize scales v in place to unit Euclidean norm and returns it.
// A zero-norm vector is returned unchanged.
func L2Normalize(v []float32) []float32 {
	if len(v) == 0 {
		return v
	}
	vec := blas32.Vector{N: len(v), Inc: 1, Data: v}
	norm := blas32.Nrm2(vec)
	if norm == 0 || math.IsNaN(float64(norm)) {
		return v
	}
	blas32.Scal(1/norm, vec)
	return v
}

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	return blas32.Nrm2(blas32.Vector{N: len(v), Inc: 1, Data: v})
}

// IsDegenerate reports whether v carries no usable signal: it is empty or a
// single exact zero.
func IsDegenerate(v []float32) bool {
	return len(v) == 0 || (len(v) == 1 && v[0] == 0)
}

// FallbackVector returns the deterministic pseudo-random vector used for
// degenerate inputs: dim samples of N(0, 0.1) from a fixed seed.
func FallbackVector(dim int) []float32 {
	rng := rand.New(rand.NewPCG(fallbackSeed, fallbackSeed))
	out := make([]float32, dim)
	for i := range out {
		out[i] = float32(rng.NormFloat64() * fallbackStdDev)
	}
	return out
}

// Resample returns v at exactly dim elements. The second result reports whether
// the degenerate fallback was used instead of v.
//
// Equal lengths are copied, a single value is broadcast, and anything else is
// linearly interpolated with both endpoints preserved.
func Resample(v []float32, dim int) ([]float32, bool) {
	if dim <= 0 {
		return []float32{}, IsDegenerate(v)
	}
	if IsDegenerate(v) {
		return FallbackVector(dim), true
	}

	n := len(v)
	out := make([]float32, dim)
	switch {
	case n == dim:
		copy(out, v)
	case n == 1:
		for i := range out {
			out[i] = v[0]
		}
	default:
		for i := range out {
			var x float64
			if dim > 1 {
				x = float64(i) / float64(dim-1)
			}
			pos := x * float64(n-1)
			lo := int(pos)
			if lo >= n-1 {
				out[i] = v[n-1]
				continue
			}
			frac := pos - float64(lo)
			out[i] = float32(float64(v[lo]) + (float64(v[lo+1])-float64(v[lo]))*frac)
		}
	}
	return out, false
}

// ToFixedDimension returns v resampled to exactly dim elements.
func ToFixedDimension(v []float32, dim int) []float32 {
	out, _ := Resample(v, dim)
	return out
}
