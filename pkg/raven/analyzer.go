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

package raven

import (
	"context"
	"image"
	"slices"
	"strings"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
	"github.com/0n6k4v/raven/pkg/raven/lib/classification"
	"github.com/0n6k4v/raven/pkg/raven/lib/embeddings"
	"github.com/0n6k4v/raven/pkg/raven/lib/segmentation"
	"go.uber.org/zap"
)

// DefaultWeaponClasses are the segmentation classes sent to brand classification.
var DefaultWeaponClasses = []string{"Gun", "Pistol", "Rifle", "Weapon"}

// ImageEmbedder embeds an already decoded image.
type ImageEmbedder interface {
	CreateEmbeddingImage(ctx context.Context, img image.Image, segmentFirst bool) (*embeddings.Embedding, error)
}

// ObjectAnalysis is the per-object outcome of Analyze.
type ObjectAnalysis struct {
	segmentation.Object
	Embedding *embeddings.Embedding       `json:"embedding,omitempty"`
	Brand     *classification.BrandResult `json:"brand,omitempty"`
	Model     *classification.ModelResult `json:"model,omitempty"`
	Error     string                      `json:"error,omitempty"`
}

// AnalysisResult is the outcome of Analyze.
type AnalysisResult struct {
	Width   int              `json:"width"`
	Height  int              `json:"height"`
	Objects []ObjectAnalysis `json:"detected_objects"`
}

// Analyzer segments an image and routes each object to the matching pipeline:
// drug objects are embedded, weapon objects get brand and model top-3.
type Analyzer struct {
	segmenter     *segmentation.Segmenter
	embedder      ImageEmbedder
	brands        *classification.BrandClassifier
	models        *classification.ModelClassifier
	drugClasses   []string
	weaponClasses []string
	logger        *zap.Logger
}

// NewAnalyzer creates an Analyzer backed by the manager's models.
func NewAnalyzer(manager *ModelManager, embedder ImageEmbedder, drugClasses, weaponClasses []string, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(drugClasses) == 0 {
		drugClasses = embeddings.DefaultDrugClasses
	}
	if len(weaponClasses) == 0 {
		weaponClasses = DefaultWeaponClasses
	}
	return &Analyzer{
		segmenter:     segmentation.NewSegmenter(manager, logger),
		embedder:      embedder,
		brands:        classification.NewBrandClassifier(manager, logger),
		models:        classification.NewModelClassifier(manager, logger),
		drugClasses:   drugClasses,
		weaponClasses: weaponClasses,
		logger:        logger.Named("analyzer"),
	}
}

func matchClass(classes []string, name string) bool {
	return slices.ContainsFunc(classes, func(c string) bool {
		return strings.EqualFold(c, name)
	})
}

// Analyze decodes data and analyzes every detected object. Decoding and
// segmentation errors fail the call; per-object failures are reported on the
// object.
func (a *Analyzer) Analyze(ctx context.Context, data []byte, opts segmentation.Options) (*AnalysisResult, error) {
	img, err := backends.DecodeImage(data)
	if err != nil {
		return nil, err
	}

	opts.IncludeCrops = true
	seg, err := a.segmenter.RunImage(ctx, img, opts)
	if err != nil {
		RecordSegmentation("error", 0)
		return nil, err
	}
	RecordSegmentation("ok", len(seg.Objects))

	result := &AnalysisResult{
		Width:   seg.Width,
		Height:  seg.Height,
		Objects: make([]ObjectAnalysis, 0, len(seg.Objects)),
	}
	for _, obj := range seg.Objects {
		result.Objects = append(result.Objects, a.analyzeObject(ctx, obj))
	}
	return result, nil
}

func (a *Analyzer) analyzeObject(ctx context.Context, obj segmentation.Object) ObjectAnalysis {
	out := ObjectAnalysis{Object: obj}
	if obj.Crop == nil {
		return out
	}

	switch {
	case matchClass(a.drugClasses, obj.ClassName):
		if a.embedder == nil {
			return out
		}
		emb, err := a.embedder.CreateEmbeddingImage(ctx, obj.Crop, false)
		if err != nil {
			a.logger.Warn("Failed to embed drug object",
				zap.Int("object", obj.Index),
				zap.Error(err))
			out.Error = err.Error()
			return out
		}
		emb.Segmentation = embeddings.SegmentationInfo{
			FoundDrug:  true,
			Confidence: segmentation.Round(obj.Confidence, 2),
			ClassName:  obj.ClassName,
		}
		out.Embedding = emb

	case matchClass(a.weaponClasses, obj.ClassName):
		brand := a.brands.Analyze(ctx, obj.Crop)
		out.Brand = &brand
		if brand.SelectedBrand != classification.Unknown {
			model := a.models.Classify(ctx, obj.Crop, brand.SelectedBrand)
			out.Model = &model
		}
	}
	return out
}
