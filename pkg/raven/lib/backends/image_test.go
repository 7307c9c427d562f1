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
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeImage(t *testing.T) {
	t.Run("valid png", func(t *testing.T) {
		src := image.NewRGBA(image.Rect(0, 0, 8, 4))
		img, err := DecodeImage(encodePNG(t, src))
		require.NoError(t, err)
		assert.Equal(t, 8, img.Bounds().Dx())
		assert.Equal(t, 4, img.Bounds().Dy())
	})

	t.Run("empty", func(t *testing.T) {
		_, err := DecodeImage(nil)
		require.Error(t, err)
		assert.True(t, IsInvalidInput(err))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := DecodeImage([]byte("definitely not an image"))
		require.Error(t, err)
		assert.True(t, IsInvalidInput(err))
	})
}

func TestBlankImage(t *testing.T) {
	img := BlankImage(320, 320)
	assert.Equal(t, image.Rect(0, 0, 320, 320), img.Bounds())
	assert.Equal(t, color.RGBA{A: 255}, img.RGBAAt(10, 10))
}

func TestToRGBA_RebasesBounds(t *testing.T) {
	src := image.NewRGBA(image.Rect(5, 5, 9, 7))
	src.SetRGBA(5, 5, color.RGBA{R: 200, A: 255})

	out := ToRGBA(src)
	assert.Equal(t, image.Rect(0, 0, 4, 2), out.Bounds())
	assert.Equal(t, uint8(200), out.RGBAAt(0, 0).R)
}

func TestToRGBA_PacksSubImage(t *testing.T) {
	parent := image.NewRGBA(image.Rect(0, 0, 100, 100))
	parent.SetRGBA(49, 49, color.RGBA{G: 180, A: 255})
	sub := parent.SubImage(image.Rect(0, 0, 50, 50))

	out := ToRGBA(sub)
	assert.Equal(t, image.Rect(0, 0, 50, 50), out.Bounds())
	assert.Equal(t, 4*50, out.Stride)
	assert.Len(t, out.Pix, 4*50*50)
	assert.Equal(t, uint8(180), out.RGBAAt(49, 49).G)

	packed := image.NewRGBA(image.Rect(0, 0, 3, 3))
	assert.Same(t, packed, ToRGBA(packed))
}

func TestPreprocess_Letterbox(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 200, 100))
	for i := range src.Pix {
		src.Pix[i] = 255
	}

	pixels, lb := Preprocess(src, DefaultDetectionImageConfig())
	require.Len(t, pixels, 3*640*640)

	assert.InDelta(t, 3.2, lb.Scale, 1e-9)
	assert.Equal(t, 0, lb.PadX)
	assert.Equal(t, 160, lb.PadY)

	// Padding rows carry the gray fill, content rows the source color
	assert.InDelta(t, 114.0/255.0, pixels[0], 1e-6)
	assert.InDelta(t, 1.0, pixels[320*640+320], 1e-2)

	x, y := lb.ToSource(320, 320)
	assert.InDelta(t, 100, x, 1e-9)
	assert.InDelta(t, 50, y, 1e-9)
}

func TestPreprocess_Stretch(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 50, 10))
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i] = 255
		src.Pix[i+3] = 255
	}

	cfg := DefaultClassificationImageConfig()
	pixels, lb := Preprocess(src, cfg)
	require.Len(t, pixels, 3*224*224)
	assert.Equal(t, 0, lb.PadX)
	assert.Equal(t, 0, lb.PadY)

	plane := 224 * 224
	assert.InDelta(t, 1.0, pixels[112*224+112], 1e-2)
	assert.InDelta(t, 0.0, pixels[plane+112*224+112], 1e-2)
}
