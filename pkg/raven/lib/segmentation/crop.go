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

package segmentation

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
	"golang.org/x/image/draw"
)

// CropJPEGQuality is the JPEG quality used for encoded crops.
const CropJPEGQuality = 90

// CropMaskOnWhite returns a copy of img where every pixel outside mask is white.
// The mask is resized to the image dimensions with nearest-neighbour sampling
// when the shapes differ.
func CropMaskOnWhite(img image.Image, mask *backends.Mask) *image.RGBA {
	src := backends.ToRGBA(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()

	gray := mask.Gray()
	if mask.Width != w || mask.Height != h {
		resized := image.NewGray(image.Rect(0, 0, w, h))
		draw.NearestNeighbor.Scale(resized, resized.Bounds(), gray, gray.Bounds(), draw.Src, nil)
		gray = resized
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if gray.Pix[y*gray.Stride+x] == 0 {
				continue
			}
			i := y*src.Stride + x*4
			o := y*out.Stride + x*4
			copy(out.Pix[o:o+4], src.Pix[i:i+4])
		}
	}
	return out
}

// BoxMask builds a full-resolution mask covering box, for detection-only models.
func BoxMask(width, height int, box image.Rectangle) *backends.Mask {
	mask := backends.NewMask(width, height)
	box = box.Intersect(image.Rect(0, 0, width, height))
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			mask.Data[y*width+x] = 1
		}
	}
	return mask
}

// EncodeCrop encodes img as base64 JPEG.
func EncodeCrop(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: CropJPEGQuality}); err != nil {
		return "", fmt.Errorf("encoding crop: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
