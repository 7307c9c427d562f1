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
	"fmt"
	"sync"
)

// Loader loads model artifacts from disk.
type Loader interface {
	// Load opens the artifact at path. Errors are returned, never panicked.
	Load(path string, opts ...LoadOption) (Model, error)

	// Name identifies the runtime behind the loader.
	Name() string
}

// LoadConfig holds configuration for model loading.
// Created via LoadOption functions.
type LoadConfig struct {
	// Task forces the model task; TaskAuto infers it from metadata and outputs.
	Task Task

	// NumThreads sets intra-op threads per session (0 = runtime default).
	NumThreads int

	// MaxConcurrency bounds concurrent forward passes per model (0 = 1).
	MaxConcurrency int

	// Image overrides the preprocessing defaults for the task.
	Image *ImageConfig

	// YOLO holds detection post-processing thresholds.
	YOLO YOLOConfig

	// FeatureOutput names the output used by ExtractFeatures. Empty selects
	// the last rank>2 output, falling back to the first output.
	FeatureOutput string
}

// DefaultLoadConfig returns a LoadConfig with sensible defaults.
func DefaultLoadConfig() *LoadConfig {
	return &LoadConfig{
		Task:           TaskAuto,
		MaxConcurrency: 1,
		YOLO:           DefaultYOLOConfig(),
	}
}

// LoadOption is a functional option for configuring model loading.
type LoadOption func(*LoadConfig)

// WithTask forces the model task.
func WithTask(task Task) LoadOption {
	return func(c *LoadConfig) {
		c.Task = task
	}
}

// WithNumThreads sets the number of intra-op threads.
func WithNumThreads(threads int) LoadOption {
	return func(c *LoadConfig) {
		c.NumThreads = threads
	}
}

// WithMaxConcurrency bounds concurrent forward passes per model.
func WithMaxConcurrency(n int) LoadOption {
	return func(c *LoadConfig) {
		c.MaxConcurrency = n
	}
}

// WithImageConfig overrides preprocessing.
func WithImageConfig(cfg *ImageConfig) LoadOption {
	return func(c *LoadConfig) {
		c.Image = cfg
	}
}

// WithYOLOConfig sets detection thresholds.
func WithYOLOConfig(cfg YOLOConfig) LoadOption {
	return func(c *LoadConfig) {
		c.YOLO = cfg
	}
}

// WithFeatureOutput selects the output tensor returned by ExtractFeatures.
func WithFeatureOutput(name string) LoadOption {
	return func(c *LoadConfig) {
		c.FeatureOutput = name
	}
}

// ApplyOptions applies LoadOptions to a default config.
func ApplyOptions(opts ...LoadOption) *LoadConfig {
	config := DefaultLoadConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	return config
}

var (
	// defaultLoader is set by runtime adapters in init()
	defaultLoader   Loader
	defaultLoaderMu sync.RWMutex
)

// RegisterLoader installs the process default loader. Called by runtime adapters in init().
func RegisterLoader(l Loader) {
	defaultLoaderMu.Lock()
	defer defaultLoaderMu.Unlock()
	defaultLoader = l
}

// DefaultLoader returns the registered loader. When the binary was built without a
// runtime adapter, every Load fails with ErrModelUnavailable.
func DefaultLoader() Loader {
	defaultLoaderMu.RLock()
	defer defaultLoaderMu.RUnlock()
	if defaultLoader == nil {
		return unavailableLoader{}
	}
	return defaultLoader
}

type unavailableLoader struct{}

func (unavailableLoader) Load(path string, _ ...LoadOption) (Model, error) {
	return nil, fmt.Errorf("%w: loading %s: built without ONNX Runtime support (build with -tags onnx,ORT)",
		ErrModelUnavailable, path)
}

func (unavailableLoader) Name() string {
	return "unavailable"
}
