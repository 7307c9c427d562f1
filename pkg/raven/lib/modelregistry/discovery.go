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

// Package modelregistry discovers model artifacts on the filesystem.
//
// The expected layout under the models directory is:
//
//	segment_model.onnx
//	narcotics/narcotic_model.onnx
//	firearms/brand/gun_brand.onnx
//	firearms/model/<BrandDir>/{best,model,weights}.onnx (or any *.onnx)
//
// Missing fixed-role files are not discovery errors; they fail at load time.
package modelregistry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
	"go.uber.org/zap"
)

// Logical keys of the fixed-role artifacts.
const (
	KeySegmentation = "segmentation"
	KeyNarcotic     = "narcotic-classifier"
	KeyBrand        = "brand-classifier"
)

// DefaultExtension is the model file extension used when none is configured.
const DefaultExtension = ".onnx"

// brandDirSuffix is stripped from brand directory names to form display names.
const brandDirSuffix = "_Model"

// preferredStems are tried in order inside each brand directory.
var preferredStems = []string{"best", "model", "weights"}

// Artifact identifies a loadable model. Immutable once discovered.
type Artifact struct {
	// Key is the logical key: a fixed-role key or a normalized brand key.
	Key string
	// Display is the human readable name (brand directory name for brand models).
	Display string
	// Path is the model file path.
	Path string
	// Task is the task hint passed to the loader.
	Task backends.Task
}

// Exists reports whether the artifact file is present.
func (a Artifact) Exists() bool {
	info, err := os.Stat(a.Path)
	return err == nil && !info.IsDir()
}

// Discovery is the result of scanning a models directory.
type Discovery struct {
	BasePath     string
	Segmentation Artifact
	Narcotic     Artifact
	Brand        Artifact
	// BrandModels holds one artifact per brand directory in lexical directory order.
	BrandModels []Artifact
}

// Artifacts returns every artifact in load priority order: segmentation,
// narcotic classifier, brand classifier, then brand-specific models.
func (d *Discovery) Artifacts() []Artifact {
	out := make([]Artifact, 0, 3+len(d.BrandModels))
	out = append(out, d.Segmentation, d.Narcotic, d.Brand)
	return append(out, d.BrandModels...)
}

type options struct {
	ext    string
	logger *zap.Logger
}

// Option configures Discover.
type Option func(*options)

// WithExtension sets the model file extension (e.g. ".onnx").
func WithExtension(ext string) Option {
	return func(o *options) {
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		o.ext = ext
	}
}

// WithLogger sets the logger used to report discovered artifacts.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Discover scans basePath for model artifacts.
// Only an unreadable brand-models directory is reported as an error.
func Discover(basePath string, opts ...Option) (*Discovery, error) {
	o := &options{ext: DefaultExtension}
	for _, opt := range opts {
		opt(o)
	}
	if o.ext == "" {
		o.ext = DefaultExtension
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Discovery{
		BasePath: basePath,
		Segmentation: Artifact{
			Key:     KeySegmentation,
			Display: "segmentation",
			Path:    filepath.Join(basePath, "segment_model"+o.ext),
			Task:    backends.TaskSegment,
		},
		Narcotic: Artifact{
			Key:     KeyNarcotic,
			Display: "narcotic",
			Path:    filepath.Join(basePath, "narcotics", "narcotic_model"+o.ext),
			Task:    backends.TaskClassify,
		},
		Brand: Artifact{
			Key:     KeyBrand,
			Display: "brand",
			Path:    filepath.Join(basePath, "firearms", "brand", "gun_brand"+o.ext),
			Task:    backends.TaskClassify,
		},
	}

	brandRoot := filepath.Join(basePath, "firearms", "model")
	entries, err := os.ReadDir(brandRoot)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Brand model directory does not exist",
			zap.String("dir", brandRoot))
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading brand model directory: %w", err)
	}

	// ReadDir returns entries sorted by filename
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(brandRoot, entry.Name())
		path := pickModelFile(dir, o.ext)
		if path == "" {
			logger.Debug("Skipping directory without model files",
				zap.String("dir", entry.Name()))
			continue
		}

		display := strings.TrimSuffix(entry.Name(), brandDirSuffix)
		art := Artifact{
			Key:     NormalizeBrand(display),
			Display: display,
			Path:    path,
			Task:    backends.TaskClassify,
		}
		d.BrandModels = append(d.BrandModels, art)

		logger.Info("Discovered brand-specific model (not loaded)",
			zap.String("brand", display),
			zap.String("key", art.Key),
			zap.String("path", path))
	}

	logger.Info("Model discovery complete",
		zap.String("base_path", basePath),
		zap.Int("brand_models_discovered", len(d.BrandModels)))

	return d, nil
}

// pickModelFile returns the first preferred model file in dir, falling back to
// the lexically first file with the extension. Returns "" when none exists.
func pickModelFile(dir, ext string) string {
	for _, stem := range preferredStems {
		p := filepath.Join(dir, stem+ext)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}

	// Brand directory names may contain glob metacharacters
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}
