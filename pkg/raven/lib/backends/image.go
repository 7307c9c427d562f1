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
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"math"

	_ "golang.org/x/image/bmp" // Register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// letterboxFill is the padding color used by YOLO letterboxing.
var letterboxFill = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// DecodeImage decodes an encoded image. Failures wrap ErrInvalidInput.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding image: %v", ErrInvalidInput, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrInvalidInput)
	}
	return img, nil
}

// ToRGBA returns img as a tightly packed *image.RGBA anchored at (0, 0).
// Sub-images of a wider parent are copied.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) && rgba.Stride == 4*rgba.Bounds().Dx() {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// BlankImage returns a zero-filled RGB image, used for warm-up passes.
func BlankImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

// Letterbox describes how a source image was placed inside the model input.
type Letterbox struct {
	Scale float64
	PadX  int
	PadY  int
	// SrcWidth and SrcHeight are the source image dimensions.
	SrcWidth  int
	SrcHeight int
}

// ToSource maps a point in model input space back to source pixel coordinates.
func (l Letterbox) ToSource(x, y float64) (float64, float64) {
	return (x - float64(l.PadX)) / l.Scale, (y - float64(l.PadY)) / l.Scale
}

// Preprocess resizes img to the configured input size and returns
// normalized pixel values in NCHW format [3, height, width] as a flat slice.
func Preprocess(img image.Image, cfg *ImageConfig) ([]float32, Letterbox) {
	src := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))
	lb := Letterbox{Scale: 1, SrcWidth: src.Dx(), SrcHeight: src.Dy()}

	if cfg.Letterbox {
		scale := math.Min(float64(cfg.Width)/float64(src.Dx()), float64(cfg.Height)/float64(src.Dy()))
		newW := int(math.Round(float64(src.Dx()) * scale))
		newH := int(math.Round(float64(src.Dy()) * scale))
		lb.Scale = scale
		lb.PadX = (cfg.Width - newW) / 2
		lb.PadY = (cfg.Height - newH) / 2

		draw.Draw(dst, dst.Bounds(), image.NewUniform(letterboxFill), image.Point{}, draw.Src)
		target := image.Rect(lb.PadX, lb.PadY, lb.PadX+newW, lb.PadY+newH)
		draw.ApproxBiLinear.Scale(dst, target, img, src, draw.Src, nil)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	}

	return toTensor(dst, cfg), lb
}

// toTensor converts an RGBA image to a normalized float tensor in NCHW format.
func toTensor(img *image.RGBA, cfg *ImageConfig) []float32 {
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	plane := width * height
	pixels := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			r := float32(row[x*4]) * cfg.RescaleFactor
			g := float32(row[x*4+1]) * cfg.RescaleFactor
			b := float32(row[x*4+2]) * cfg.RescaleFactor

			i := y*width + x
			pixels[i] = (r - cfg.Mean[0]) / cfg.Std[0]
			pixels[plane+i] = (g - cfg.Mean[1]) / cfg.Std[1]
			pixels[2*plane+i] = (b - cfg.Mean[2]) / cfg.Std[2]
		}
	}

	return pixels
}
