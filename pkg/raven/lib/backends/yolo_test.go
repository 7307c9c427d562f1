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

package backends

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// predTensor lays out anchors as a [1, channels, len(anchors)] tensor.
func predTensor(anchors ...[]float32) ([]float32, []int64) {
	channels := len(anchors[0])
	n := len(anchors)
	data := make([]float32, channels*n)
	for i, a := range anchors {
		for c, v := range a {
			data[c*n+i] = v
		}
	}
	return data, []int64{1, int64(channels), int64(n)}
}

func TestDecodeYOLO_ThresholdAndNMS(t *testing.T) {
	pred, shape := predTensor(
		[]float32{50, 50, 20, 20, 0.9, 0.0},
		[]float32{52, 50, 20, 20, 0.8, 0.0},
		[]float32{200, 200, 10, 10, 0.0, 0.1},
	)

	cands, err := decodeYOLO(pred, shape, 0, DefaultYOLOConfig())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, 0, cands[0].classID)
	assert.InDelta(t, 0.9, cands[0].conf, 1e-6)
	assert.InDelta(t, 40, cands[0].x1, 1e-6)
	assert.InDelta(t, 60, cands[0].y2, 1e-6)
}

func TestDecodeYOLO_NMSIsClassAware(t *testing.T) {
	pred, shape := predTensor(
		[]float32{50, 50, 20, 20, 0.9, 0.0},
		[]float32{52, 50, 20, 20, 0.0, 0.8},
	)

	cands, err := decodeYOLO(pred, shape, 0, DefaultYOLOConfig())
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, 0, cands[0].classID)
	assert.Equal(t, 1, cands[1].classID)
}

func TestDecodeYOLO_MaskCoefficients(t *testing.T) {
	pred, shape := predTensor(
		[]float32{50, 50, 20, 20, 0.9, 0.5, -0.5},
	)

	cands, err := decodeYOLO(pred, shape, 2, DefaultYOLOConfig())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, []float32{0.5, -0.5}, cands[0].coef)
}

func TestDecodeYOLO_BadShape(t *testing.T) {
	_, err := decodeYOLO(make([]float32, 12), []int64{1, 6}, 0, DefaultYOLOConfig())
	require.Error(t, err)

	_, err = decodeYOLO(make([]float32, 12), []int64{1, 6, 2}, 2, DefaultYOLOConfig())
	require.Error(t, err, "no class channels left after mask coefficients")
}

func TestNonMaxSuppression_MaxDetections(t *testing.T) {
	cands := []candidate{
		{x1: 0, y1: 0, x2: 10, y2: 10, conf: 0.5},
		{x1: 100, y1: 100, x2: 110, y2: 110, conf: 0.9},
		{x1: 200, y1: 200, x2: 210, y2: 210, conf: 0.7},
	}
	kept := nonMaxSuppression(cands, 0.5, 2)
	require.Len(t, kept, 2)
	assert.InDelta(t, 0.9, kept[0].conf, 1e-6)
	assert.InDelta(t, 0.7, kept[1].conf, 1e-6)
}

func TestSourceBox_ClampsToImage(t *testing.T) {
	lb := Letterbox{Scale: 2, PadX: 0, PadY: 10, SrcWidth: 50, SrcHeight: 40}
	c := candidate{x1: -4, y1: 10, x2: 40, y2: 200}
	assert.Equal(t, image.Rect(0, 0, 20, 40), sourceBox(c, lb))
}

func TestAssembleMask_CropsToBoxAndRemovesPadding(t *testing.T) {
	const mh, mw = 4, 4
	protos := make([]float32, mh*mw)
	for i := range protos {
		protos[i] = 10
	}
	// Input 8x8 with 2 rows of padding top and bottom; prototypes are half resolution
	lb := Letterbox{Scale: 1, PadY: 2, SrcWidth: 8, SrcHeight: 4}
	c := candidate{x1: 0, y1: 2, x2: 4, y2: 6, coef: []float32{1}}

	mask := assembleMask(c, protos, 1, mh, mw, 8, 8, lb, 0.5)
	require.Equal(t, 4, mask.Width)
	require.Equal(t, 2, mask.Height)

	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			assert.Equal(t, x < 2, mask.At(x, y), "pixel (%d,%d)", x, y)
		}
	}
}

func TestAssembleMask_NegativeActivationsAreBackground(t *testing.T) {
	protos := make([]float32, 4)
	for i := range protos {
		protos[i] = -10
	}
	lb := Letterbox{Scale: 1, SrcWidth: 2, SrcHeight: 2}
	c := candidate{x1: 0, y1: 0, x2: 2, y2: 2, coef: []float32{1}}

	mask := assembleMask(c, protos, 1, 2, 2, 2, 2, lb, 0.5)
	for _, v := range mask.Data {
		assert.Zero(t, v)
	}
}
