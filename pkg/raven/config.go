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

// Package raven coordinates model loading, warm-up and the image analysis
// pipelines (segmentation, embedding, brand classification, similarity search)
// behind a single process-wide model manager.
package raven

import (
	"time"

	"github.com/0n6k4v/raven/pkg/raven/lib/embeddings"
	"github.com/0n6k4v/raven/pkg/raven/lib/modelregistry"
)

// Config configures a raven node.
type Config struct {
	// ApiUrl is the address the API server listens on.
	ApiUrl string `json:"api_url,omitempty"`

	// ModelsDir is the root of the model filesystem layout.
	ModelsDir string `json:"models_dir,omitempty"`

	// ModelExtension is the model file extension (default ".onnx").
	ModelExtension string `json:"model_extension,omitempty"`

	// NumThreads sets intra-op threads per model session (0 = runtime default).
	NumThreads int `json:"num_threads,omitempty"`

	// MaxConcurrency bounds concurrent forward passes per model.
	MaxConcurrency int `json:"max_concurrency,omitempty"`

	// Dimension is the fixed embedding length.
	Dimension int `json:"dimension,omitempty"`

	// DrugClasses are the segmentation classes embedded as drug evidence.
	DrugClasses []string `json:"drug_classes,omitempty"`

	// WaitTimeout bounds how long requests wait for models still loading.
	WaitTimeout time.Duration `json:"wait_timeout,omitempty"`

	// DebugDir, when set, receives JPEGs of drug crops used for embeddings.
	DebugDir string `json:"debug_dir,omitempty"`

	// Warmup configures the startup warm-up. Disabled when WarmupEnabled is false.
	WarmupEnabled bool          `json:"warmup_enabled"`
	Warmup        WarmupOptions `json:"warmup"`

	// CacheTTL is the embedding cache TTL (0 disables caching).
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`

	// VectorsFile is an optional JSONL file of stored vectors served by /api/search.
	VectorsFile string `json:"vectors_file,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ApiUrl:         "http://localhost:8000",
		ModelsDir:      "/app/ai_models",
		ModelExtension: modelregistry.DefaultExtension,
		MaxConcurrency: 1,
		Dimension:      embeddings.DefaultDimension,
		DrugClasses:    embeddings.DefaultDrugClasses,
		WaitTimeout:    30 * time.Second,
		WarmupEnabled:  true,
		Warmup:         DefaultWarmupOptions(),
		CacheTTL:       EmbeddingCacheTTL,
	}
}

// EmbedderConfig derives the embedding pipeline configuration.
func (c Config) EmbedderConfig() embeddings.Config {
	cfg := embeddings.DefaultConfig()
	if c.Dimension > 0 {
		cfg.Dimension = c.Dimension
	}
	if len(c.DrugClasses) > 0 {
		cfg.DrugClasses = c.DrugClasses
	}
	if c.WaitTimeout > 0 {
		cfg.WaitTimeout = c.WaitTimeout
	}
	cfg.DebugDir = c.DebugDir
	return cfg
}
