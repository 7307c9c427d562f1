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

// Package segmentation runs the segmentation model over images and produces
// per-object detections with optional white-background crops.
package segmentation

import (
	"context"
	"fmt"
	"image"
	"math"
	"strconv"
	"time"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
	"go.uber.org/zap"
)

// ModelSource provides the segmentation model and its class table.
// The model lifecycle manager implements it.
type ModelSource interface {
	// SegmentationModel returns the loaded model, or nil.
	SegmentationModel() backends.Model
	// WaitForModels blocks until background loading finishes or timeout elapses.
	WaitForModels(timeout time.Duration) bool
	// SegmentClasses returns the class-id-to-name table.
	SegmentClasses() map[int]string
}

// Options controls a segmentation run.
type Options struct {
	// WaitForModel blocks up to WaitTimeout for the model when it is not loaded yet.
	WaitForModel bool
	WaitTimeout  time.Duration
	// IncludeCrops produces a white-background crop per object.
	IncludeCrops bool
}

// DefaultOptions returns options that wait up to 30 seconds and skip crops.
func DefaultOptions() Options {
	return Options{
		WaitForModel: true,
		WaitTimeout:  30 * time.Second,
	}
}

// Object is one detected instance.
type Object struct {
	Index      int             `json:"index"`
	ClassID    int             `json:"class_id"`
	ClassName  string          `json:"detection_type"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"-"`
	BBox       [4]int          `json:"bbox"`
	// Crop is the white-background crop; nil unless crops were requested.
	Crop image.Image `json:"-"`
	// CropBase64 is the JPEG encoding of Crop; empty when encoding failed.
	CropBase64 string `json:"crop_base64,omitempty"`
	// Mask is the raw instance mask; nil for detection-only models.
	Mask *backends.Mask `json:"-"`
}

// Result is the outcome of a segmentation run.
type Result struct {
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Objects []Object `json:"objects"`
}

// Segmenter runs segmentation against the model provided by a ModelSource.
type Segmenter struct {
	source ModelSource
	logger *zap.Logger
}

// NewSegmenter creates a Segmenter.
func NewSegmenter(source ModelSource, logger *zap.Logger) *Segmenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Segmenter{source: source, logger: logger.Named("segmentation")}
}

// Model returns the segmentation model, waiting for background loading when
// opts.WaitForModel is set. Returns ErrModelUnavailable when none is loaded.
func (s *Segmenter) Model(opts Options) (backends.Model, error) {
	model := s.source.SegmentationModel()
	if model == nil && opts.WaitForModel {
		s.source.WaitForModels(opts.WaitTimeout)
		model = s.source.SegmentationModel()
	}
	if model == nil {
		return nil, fmt.Errorf("%w: segmentation model not loaded", backends.ErrModelUnavailable)
	}
	return model, nil
}

// Run decodes data and segments it.
func (s *Segmenter) Run(ctx context.Context, data []byte, opts Options) (*Result, error) {
	img, err := backends.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return s.RunImage(ctx, img, opts)
}

// RunImage segments an already decoded image.
func (s *Segmenter) RunImage(ctx context.Context, img image.Image, opts Options) (*Result, error) {
	model, err := s.Model(opts)
	if err != nil {
		return nil, err
	}

	out, err := model.Infer(ctx, img)
	if err != nil {
		if backends.IsModelExecution(err) || backends.IsModelUnavailable(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: segmentation: %v", backends.ErrModelExecution, err)
	}

	b := img.Bounds()
	result := &Result{
		Width:   b.Dx(),
		Height:  b.Dy(),
		Objects: make([]Object, 0, len(out.Detections)),
	}
	classes := s.source.SegmentClasses()

	for i, det := range out.Detections {
		obj := Object{
			Index:      i,
			ClassID:    det.ClassID,
			ClassName:  ClassName(classes, det.ClassID),
			Confidence: Round(float64(det.Confidence), 4),
			Box:        det.Box,
			BBox:       [4]int{det.Box.Min.X, det.Box.Min.Y, det.Box.Max.X, det.Box.Max.Y},
			Mask:       det.Mask,
		}

		if opts.IncludeCrops {
			obj.Crop = Crop(img, det)
			encoded, err := EncodeCrop(obj.Crop)
			if err != nil {
				s.logger.Warn("Failed to encode crop",
					zap.Int("object", i),
					zap.String("class", obj.ClassName),
					zap.Error(err))
			} else {
				obj.CropBase64 = encoded
			}
		}

		result.Objects = append(result.Objects, obj)
	}

	s.logger.Debug("Segmentation complete",
		zap.String("model", model.Name()),
		zap.Int("objects", len(result.Objects)))

	return result, nil
}

// Crop returns the white-background crop of a detection. Detections without a
// mask use their bounding box.
func Crop(img image.Image, det backends.Detection) *image.RGBA {
	mask := det.Mask
	if mask == nil {
		b := img.Bounds()
		mask = BoxMask(b.Dx(), b.Dy(), det.Box)
	}
	return CropMaskOnWhite(img, mask)
}

// ClassName looks up classID, falling back to its decimal string.
func ClassName(classes map[int]string, classID int) string {
	if name, ok := classes[classID]; ok {
		return name
	}
	return strconv.Itoa(classID)
}

// Round rounds v to the given number of decimal digits.
func Round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
