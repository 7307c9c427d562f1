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

// Package backends defines the inference capability the rest of raven depends on
// and the ONNX Runtime adapter that implements it.
//
// Every model (segmentation, narcotic classifier, brand classifiers) is exposed through
// the single Model interface. Adapters normalize their runtime's output at the boundary:
// detection models fill Output.Detections, classification models fill Output.Probs.
package backends

import (
	"context"
	"image"
)

// Task identifies what a model artifact does.
type Task string

const (
	// TaskAuto lets the adapter infer the task from model metadata and output shapes
	TaskAuto Task = ""
	// TaskSegment produces per-instance boxes, classes and masks
	TaskSegment Task = "segment"
	// TaskDetect produces per-instance boxes and classes
	TaskDetect Task = "detect"
	// TaskClassify produces a class-probability vector
	TaskClassify Task = "classify"
)

// Model is the capability every loaded model provides.
// Implementations must be safe for concurrent Infer calls.
type Model interface {
	// Infer runs one forward pass over img.
	Infer(ctx context.Context, img image.Image) (*Output, error)

	// Names returns the model's class-index-to-name table (may be empty).
	Names() map[int]string

	// Task returns the model's task.
	Task() Task

	// Name returns the model name for logging and debugging.
	Name() string

	// Close releases resources associated with the model.
	Close() error
}

// FeatureExtractor is implemented by classification models that can return the
// backbone's feature vector with the classification head removed.
//
//	if fe, ok := model.(FeatureExtractor); ok {
//	    features, err := fe.ExtractFeatures(ctx, img)
//	}
type FeatureExtractor interface {
	Model

	// ExtractFeatures returns the flattened feature vector for img.
	ExtractFeatures(ctx context.Context, img image.Image) ([]float32, error)
}

// Output holds the result of a forward pass.
type Output struct {
	// Detections is set by segmentation and detection models, in model order.
	Detections []Detection

	// Probs is set by classification models, indexed by class id.
	Probs []float32
}

// Detection is one detected instance.
type Detection struct {
	ClassID    int
	Confidence float32
	// Box is the bounding box in source image pixel coordinates.
	Box image.Rectangle
	// Mask is nil for detection-only models.
	Mask *Mask
}

// Mask is a binary instance mask. Its resolution may differ from the source image;
// consumers resize it with nearest-neighbour sampling.
type Mask struct {
	Width  int
	Height int
	// Data holds Width*Height row-major values, non-zero inside the instance.
	Data []uint8
}

// NewMask allocates an empty mask.
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Data: make([]uint8, width*height)}
}

// At reports whether (x, y) is inside the instance.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Data[y*m.Width+x] != 0
}

// Gray returns the mask as an 8-bit image with 255 inside the instance.
func (m *Mask) Gray() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for i, v := range m.Data {
		if v != 0 {
			g.Pix[i] = 255
		}
	}
	return g
}

// ImageConfig holds configuration for image preprocessing.
type ImageConfig struct {
	// Width is the target image width.
	Width int
	// Height is the target image height.
	Height int
	// Mean is the per-channel mean for normalization.
	Mean [3]float32
	// Std is the per-channel standard deviation for normalization.
	Std [3]float32
	// RescaleFactor scales pixel values (e.g., 1/255 to convert 0-255 to 0-1).
	RescaleFactor float32
	// Letterbox keeps the aspect ratio and pads with gray instead of stretching.
	Letterbox bool
}

// DefaultDetectionImageConfig returns YOLO detection/segmentation preprocessing defaults.
func DefaultDetectionImageConfig() *ImageConfig {
	return &ImageConfig{
		Width:         640,
		Height:        640,
		Mean:          [3]float32{0, 0, 0},
		Std:           [3]float32{1, 1, 1},
		RescaleFactor: 1.0 / 255.0,
		Letterbox:     true,
	}
}

// DefaultClassificationImageConfig returns YOLO classification preprocessing defaults.
func DefaultClassificationImageConfig() *ImageConfig {
	return &ImageConfig{
		Width:         224,
		Height:        224,
		Mean:          [3]float32{0, 0, 0},
		Std:           [3]float32{1, 1, 1},
		RescaleFactor: 1.0 / 255.0,
	}
}
