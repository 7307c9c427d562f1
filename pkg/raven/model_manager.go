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
	"fmt"
	"sync"
	"time"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
	"github.com/0n6k4v/raven/pkg/raven/lib/modelregistry"
	"go.uber.org/zap"
)

// ModelManager owns the discovered artifacts, the background loader and the
// warm-up state. Use DefaultModelManager for the process-wide instance.
type ModelManager struct {
	config    Config
	logger    *zap.Logger
	discovery *modelregistry.Discovery
	loader    *ModelLoader

	warmupOnce sync.Once
	warmupMu   sync.RWMutex
	warmupRes  *WarmupResult
	warmupRun  bool
	warmupDone chan struct{}
}

// NewModelManager discovers artifacts under cfg.ModelsDir and starts loading
// them in the background. A nil loader uses backends.DefaultLoader.
func NewModelManager(cfg Config, loader backends.Loader, logger *zap.Logger) (*ModelManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("models")

	discovery, err := modelregistry.Discover(cfg.ModelsDir,
		modelregistry.WithExtension(cfg.ModelExtension),
		modelregistry.WithLogger(logger.Named("discovery")))
	if err != nil {
		return nil, fmt.Errorf("discovering models in %s: %w", cfg.ModelsDir, err)
	}

	var opts []backends.LoadOption
	if cfg.NumThreads > 0 {
		opts = append(opts, backends.WithNumThreads(cfg.NumThreads))
	}
	if cfg.MaxConcurrency > 0 {
		opts = append(opts, backends.WithMaxConcurrency(cfg.MaxConcurrency))
	}

	m := &ModelManager{
		config:     cfg,
		logger:     logger,
		discovery:  discovery,
		loader:     NewModelLoader(discovery, loader, logger.Named("loader"), opts...),
		warmupDone: make(chan struct{}),
	}
	m.loader.StartBackgroundLoad()
	return m, nil
}

var (
	defaultManagerMu sync.Mutex
	defaultManager   *ModelManager

	// defaultManagerLoader supplies the loader for DefaultModelManager.
	defaultManagerLoader = backends.DefaultLoader
)

// DefaultModelManager returns the process-wide manager, creating it on first
// use. Later calls return the same instance and ignore cfg.
func DefaultModelManager(cfg Config, logger *zap.Logger) (*ModelManager, error) {
	defaultManagerMu.Lock()
	defer defaultManagerMu.Unlock()

	if defaultManager != nil {
		return defaultManager, nil
	}
	m, err := NewModelManager(cfg, defaultManagerLoader(), logger)
	if err != nil {
		return nil, err
	}
	defaultManager = m
	return m, nil
}

// Discovery returns the artifacts found at construction.
func (m *ModelManager) Discovery() *modelregistry.Discovery {
	return m.discovery
}

// Loader returns the background loader.
func (m *ModelManager) Loader() *ModelLoader {
	return m.loader
}

func (m *ModelManager) SegmentationModel() backends.Model {
	return m.loader.Model(modelregistry.KeySegmentation)
}

func (m *ModelManager) NarcoticModel() backends.Model {
	return m.loader.Model(modelregistry.KeyNarcotic)
}

func (m *ModelManager) BrandModel() backends.Model {
	return m.loader.Model(modelregistry.KeyBrand)
}

// BrandSpecificModel returns the model for a brand label after normalization,
// or nil when the label is empty or unknown.
func (m *ModelManager) BrandSpecificModel(brand string) backends.Model {
	key := modelregistry.NormalizeBrand(brand)
	if key == "" {
		return nil
	}
	return m.loader.brandModel(key)
}

// BrandSpecificModels returns every loaded brand-specific model by normalized key.
func (m *ModelManager) BrandSpecificModels() map[string]backends.Model {
	return m.loader.BrandModels()
}

func (m *ModelManager) SegmentClasses() map[int]string {
	return m.loader.SegmentClasses()
}

func (m *ModelManager) IsReady() bool {
	return m.loader.IsReady()
}

func (m *ModelManager) LoadingComplete() bool {
	return m.loader.LoadingComplete()
}

func (m *ModelManager) WaitForModels(timeout time.Duration) bool {
	return m.loader.WaitForModels(timeout)
}

func (m *ModelManager) WaitForModelsContext(ctx context.Context) bool {
	return m.loader.WaitForModelsContext(ctx)
}

// Close waits for background loading and releases every loaded model.
func (m *ModelManager) Close() error {
	return m.loader.Close()
}
