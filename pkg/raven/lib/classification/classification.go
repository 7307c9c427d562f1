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

// Package classification runs the firearm brand classifier and the
// brand-specific firearm model classifiers over object crops.
package classification

import (
	"context"
	"image"
	"math"
	"sort"
	"strconv"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
	"go.uber.org/zap"
)

// Unknown is reported when no model is available or classification fails.
const Unknown = "Unknown"

// DefaultTopK is the number of candidates reported per classification.
const DefaultTopK = 3

// Label is one ranked class.
type Label struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// TopK returns the k most probable classes in descending order. NaN and
// infinite probabilities count as 0, ties keep the lower class index, and
// classes missing from names are labelled with their index. An empty names
// table yields no labels.
func TopK(probs []float32, names map[int]string, k int) []Label {
	if len(probs) == 0 || len(names) == 0 || k <= 0 {
		return []Label{}
	}

	clean := make([]float64, len(probs))
	idx := make([]int, len(probs))
	for i, p := range probs {
		v := float64(p)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		clean[i] = v
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return clean[idx[a]] > clean[idx[b]]
	})

	k = min(k, len(idx))
	labels := make([]Label, 0, k)
	for _, i := range idx[:k] {
		name, ok := names[i]
		if !ok {
			name = strconv.Itoa(i)
		}
		labels = append(labels, Label{Label: name, Confidence: clean[i]})
	}
	return labels
}

// classify runs model and ranks its probabilities.
func classify(ctx context.Context, model backends.Model, img image.Image) ([]Label, error) {
	out, err := model.Infer(ctx, img)
	if err != nil {
		return nil, err
	}
	return TopK(out.Probs, model.Names(), DefaultTopK), nil
}

// BrandSource provides the generic brand classifier.
type BrandSource interface {
	BrandModel() backends.Model
}

// BrandResult is the outcome of brand classification.
type BrandResult struct {
	SelectedBrand string  `json:"selected_brand"`
	BrandTop3     []Label `json:"brand_top3"`
}

// BrandClassifier identifies firearm brands.
type BrandClassifier struct {
	source BrandSource
	logger *zap.Logger
}

// NewBrandClassifier creates a BrandClassifier.
func NewBrandClassifier(source BrandSource, logger *zap.Logger) *BrandClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrandClassifier{source: source, logger: logger.Named("brand")}
}

// Analyze classifies the brand of img. Failures degrade to Unknown.
func (c *BrandClassifier) Analyze(ctx context.Context, img image.Image) BrandResult {
	result := BrandResult{SelectedBrand: Unknown, BrandTop3: []Label{}}

	model := c.source.BrandModel()
	if model == nil {
		return result
	}
	labels, err := classify(ctx, model, img)
	if err != nil {
		c.logger.Warn("Brand classification failed", zap.Error(err))
		return result
	}
	result.BrandTop3 = labels
	if len(labels) > 0 {
		result.SelectedBrand = labels[0].Label
	}
	return result
}

// ModelSource provides brand-specific firearm model classifiers.
type ModelSource interface {
	// BrandSpecificModel returns the classifier for brand, or nil.
	BrandSpecificModel(brand string) backends.Model
}

// ModelResult is the outcome of firearm model classification.
type ModelResult struct {
	SelectedModel string  `json:"selected_model"`
	ModelTop3     []Label `json:"model_top3"`
}

// ModelClassifier identifies the firearm model within a brand.
type ModelClassifier struct {
	source ModelSource
	logger *zap.Logger
}

// NewModelClassifier creates a ModelClassifier.
func NewModelClassifier(source ModelSource, logger *zap.Logger) *ModelClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelClassifier{source: source, logger: logger.Named("firearm_model")}
}

// Classify runs the classifier registered for brand. Failures degrade to Unknown.
func (c *ModelClassifier) Classify(ctx context.Context, img image.Image, brand string) ModelResult {
	result := ModelResult{SelectedModel: Unknown, ModelTop3: []Label{}}

	model := c.source.BrandSpecificModel(brand)
	if model == nil {
		return result
	}
	labels, err := classify(ctx, model, img)
	if err != nil {
		c.logger.Warn("Firearm model classification failed",
			zap.String("brand", brand),
			zap.Error(err))
		return result
	}
	result.ModelTop3 = labels
	if len(labels) > 0 {
		result.SelectedModel = labels[0].Label
	}
	return result
}
