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

// Package embeddings turns images into fixed-dimension feature vectors using the
// narcotic classifier's backbone, optionally cropping to the most confident drug
// detection first.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
	"github.com/0n6k4v/raven/pkg/raven/lib/segmentation"
	"go.uber.org/zap"
)

// DefaultDrugClasses are the segmentation classes considered drug evidence.
var DefaultDrugClasses = []string{"Drug", "PackageDrug"}

// ModelSource provides the models the embedder runs.
type ModelSource interface {
	segmentation.ModelSource
	// NarcoticModel returns the loaded narcotic classifier, or nil.
	NarcoticModel() backends.Model
}

// Config configures an Embedder.
type Config struct {
	// Dimension is the fixed output length (default 16000).
	Dimension int
	// DrugClasses restricts segment-first cropping to these class names.
	DrugClasses []string
	// WaitTimeout bounds how long a request waits for models still loading.
	WaitTimeout time.Duration
	// DebugDir, when set, receives a JPEG of every drug crop.
	DebugDir string
}

// DefaultConfig returns the default embedder configuration.
func DefaultConfig() Config {
	return Config{
		Dimension:   DefaultDimension,
		DrugClasses: DefaultDrugClasses,
		WaitTimeout: 30 * time.Second,
	}
}

// VectorOptions controls ImageToVector.
type VectorOptions struct {
	Normalize    bool
	SegmentFirst bool
}

// SegmentationInfo describes the drug crop chosen before embedding.
type SegmentationInfo struct {
	FoundDrug      bool    `json:"found_drug"`
	Confidence     float64 `json:"confidence"`
	ClassName      string  `json:"class_name"`
	DebugImagePath string  `json:"debug_image_path,omitempty"`
}

// Embedding is a serialized fixed-dimension vector.
type Embedding struct {
	VectorBase64 string           `json:"vector_base64"`
	Dimension    int              `json:"vector_dimension"`
	Segmentation SegmentationInfo `json:"segmentation_info"`
	// Degenerate is set when the backbone produced no usable signal and the
	// deterministic fallback vector was stored instead.
	Degenerate bool      `json:"degenerate"`
	Vector     []float32 `json:"-"`
}

// Embedder produces image embeddings.
type Embedder struct {
	source    ModelSource
	segmenter *segmentation.Segmenter
	config    Config
	logger    *zap.Logger
	debugSeq  atomic.Uint64
}

// NewEmbedder creates an Embedder over the models provided by source.
func NewEmbedder(source ModelSource, config Config, logger *zap.Logger) *Embedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Dimension <= 0 {
		config.Dimension = DefaultDimension
	}
	if len(config.DrugClasses) == 0 {
		config.DrugClasses = DefaultDrugClasses
	}
	return &Embedder{
		source:    source,
		segmenter: segmentation.NewSegmenter(source, logger),
		config:    config,
		logger:    logger.Named("embeddings"),
	}
}

// Dimension returns the configured output length.
func (e *Embedder) Dimension() int {
	return e.config.Dimension
}

// SelectDrug segments img and crops the highest-confidence drug detection onto
// a white background. When no detection matches, img is returned with
// FoundDrug unset. Segmentation errors are returned.
func (e *Embedder) SelectDrug(ctx context.Context, img image.Image) (image.Image, SegmentationInfo, error) {
	info := SegmentationInfo{}

	model, err := e.segmenter.Model(segmentation.Options{WaitForModel: true, WaitTimeout: e.config.WaitTimeout})
	if err != nil {
		return nil, info, err
	}
	out, err := model.Infer(ctx, img)
	if err != nil {
		if backends.IsModelExecution(err) {
			return nil, info, err
		}
		return nil, info, fmt.Errorf("%w: segmentation: %v", backends.ErrModelExecution, err)
	}

	classes := e.source.SegmentClasses()
	best := -1
	for i, det := range out.Detections {
		if !slices.Contains(e.config.DrugClasses, segmentation.ClassName(classes, det.ClassID)) {
			continue
		}
		// Strictly greater keeps the earliest detection on ties
		if best < 0 || det.Confidence > out.Detections[best].Confidence {
			best = i
		}
	}
	if best < 0 {
		return img, info, nil
	}

	det := out.Detections[best]
	crop := segmentation.Crop(img, det)
	info.FoundDrug = true
	info.Confidence = segmentation.Round(float64(det.Confidence), 2)
	info.ClassName = segmentation.ClassName(classes, det.ClassID)

	if e.config.DebugDir != "" {
		path, err := e.saveDebugImage(crop, info.ClassName)
		if err != nil {
			e.logger.Warn("Failed to save debug crop", zap.Error(err))
		} else {
			info.DebugImagePath = path
		}
	}
	return crop, info, nil
}

func (e *Embedder) saveDebugImage(img image.Image, className string) (string, error) {
	if err := os.MkdirAll(e.config.DebugDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("cropped_%s_%d_%d.jpg", className, time.Now().UnixNano(), e.debugSeq.Add(1))
	path := filepath.Join(e.config.DebugDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: segmentation.CropJPEGQuality}); err != nil {
		_ = f.Close()
		return "", err
	}
	return path, f.Close()
}

// ImageToVector extracts the raw (not resampled) feature vector for img.
// With SegmentFirst, segmentation failures fall back to the full image.
func (e *Embedder) ImageToVector(ctx context.Context, img image.Image, opts VectorOptions) ([]float32, error) {
	processed := img
	if opts.SegmentFirst {
		crop, _, err := e.SelectDrug(ctx, img)
		switch {
		case err == nil:
			processed = crop
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			e.logger.Warn("Segmentation before embedding failed, using full image", zap.Error(err))
		}
	}

	vector, err := e.features(ctx, processed)
	if err != nil {
		return nil, err
	}
	if opts.Normalize {
		L2Normalize(vector)
	}
	return vector, nil
}

// features runs the narcotic backbone, preferring the head-less feature output.
func (e *Embedder) features(ctx context.Context, img image.Image) ([]float32, error) {
	model := e.source.NarcoticModel()
	if model == nil {
		e.source.WaitForModels(e.config.WaitTimeout)
		model = e.source.NarcoticModel()
	}
	if model == nil {
		return nil, fmt.Errorf("%w: narcotic model not loaded", backends.ErrModelUnavailable)
	}

	if fe, ok := model.(backends.FeatureExtractor); ok {
		v, err := fe.ExtractFeatures(ctx, img)
		if err == nil {
			return v, nil
		}
		e.logger.Debug("Feature output unavailable, using model output", zap.Error(err))
	}

	out, err := model.Infer(ctx, img)
	if err != nil {
		if backends.IsModelExecution(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: narcotic backbone: %v", backends.ErrModelExecution, err)
	}
	return append([]float32(nil), out.Probs...), nil
}

// CreateEmbedding decodes data and embeds it.
func (e *Embedder) CreateEmbedding(ctx context.Context, data []byte, segmentFirst bool) (*Embedding, error) {
	img, err := backends.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return e.CreateEmbeddingImage(ctx, img, segmentFirst)
}

// CreateEmbeddingImage embeds img: optional drug crop, normalized backbone
// features, fixed-dimension resampling, then base64 serialization.
// Segmentation and model availability errors are returned as is.
func (e *Embedder) CreateEmbeddingImage(ctx context.Context, img image.Image, segmentFirst bool) (*Embedding, error) {
	info := SegmentationInfo{}
	processed := img
	if segmentFirst {
		crop, segInfo, err := e.SelectDrug(ctx, img)
		if err != nil {
			return nil, err
		}
		processed, info = crop, segInfo
	}

	raw, err := e.ImageToVector(ctx, processed, VectorOptions{Normalize: true})
	if err != nil {
		return nil, err
	}

	vector, degenerate := Resample(raw, e.config.Dimension)
	if degenerate {
		e.logger.Warn("Degenerate feature vector, using fallback embedding",
			zap.Int("raw_length", len(raw)),
			zap.Int("dimension", e.config.Dimension))
	}

	return &Embedding{
		VectorBase64: EncodeVector(vector),
		Dimension:    len(vector),
		Degenerate:   degenerate,
		Segmentation: info,
		Vector:       vector,
	}, nil
}
