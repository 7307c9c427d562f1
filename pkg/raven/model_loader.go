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
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
	"github.com/0n6k4v/raven/pkg/raven/lib/modelregistry"
	"go.uber.org/zap"
)

// LoadStatus is the per-artifact load state. Transitions happen at most once,
// from LoadNotAttempted to LoadLoaded or LoadFailed.
type LoadStatus int

const (
	LoadNotAttempted LoadStatus = iota
	LoadLoaded
	LoadFailed
)

func (s LoadStatus) String() string {
	switch s {
	case LoadLoaded:
		return "loaded"
	case LoadFailed:
		return "failed"
	default:
		return "not_attempted"
	}
}

// LoadState records the outcome of loading one artifact.
type LoadState struct {
	Artifact modelregistry.Artifact
	Status   LoadStatus
	Model    backends.Model
	Err      error
	Duration time.Duration
}

// DefaultSegmentClasses is the class table used until the segmentation model
// provides its own, and whenever it fails to load.
var DefaultSegmentClasses = map[int]string{0: "gun", 1: "pistol", 2: "rifle", 3: "weapon"}

// loadSnapshot is an immutable view of the load state. The loader publishes a
// fresh copy after every artifact; readers never lock.
type loadSnapshot struct {
	fixed          map[string]LoadState
	brand          map[string]LoadState
	brandModels    map[string]backends.Model
	segmentClasses map[int]string
	complete       bool
}

func (s *loadSnapshot) clone() *loadSnapshot {
	return &loadSnapshot{
		fixed:          maps.Clone(s.fixed),
		brand:          maps.Clone(s.brand),
		brandModels:    maps.Clone(s.brandModels),
		segmentClasses: s.segmentClasses,
		complete:       s.complete,
	}
}

func (s *loadSnapshot) model(key string) backends.Model {
	if st, ok := s.fixed[key]; ok && st.Status == LoadLoaded {
		return st.Model
	}
	return nil
}

func (s *loadSnapshot) loaded(key string) bool {
	return s.fixed[key].Status == LoadLoaded
}

// ModelLoader loads discovered artifacts on a single background goroutine and
// signals once when every artifact has been attempted.
type ModelLoader struct {
	discovery *modelregistry.Discovery
	loader    backends.Loader
	opts      []backends.LoadOption
	logger    *zap.Logger

	snapshot atomic.Pointer[loadSnapshot]
	// replaced holds brand models displaced by a key collision. Written by
	// the loader goroutine only, read by Close after done.
	replaced []backends.Model

	startOnce sync.Once
	started   atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once
}

// NewModelLoader creates a loader for the artifacts in discovery. Every
// artifact starts in LoadNotAttempted.
func NewModelLoader(discovery *modelregistry.Discovery, loader backends.Loader, logger *zap.Logger, opts ...backends.LoadOption) *ModelLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loader == nil {
		loader = backends.DefaultLoader()
	}

	snap := &loadSnapshot{
		fixed:          make(map[string]LoadState, 3),
		brand:          make(map[string]LoadState, len(discovery.BrandModels)),
		brandModels:    make(map[string]backends.Model),
		segmentClasses: DefaultSegmentClasses,
	}
	for _, art := range []modelregistry.Artifact{discovery.Segmentation, discovery.Narcotic, discovery.Brand} {
		snap.fixed[art.Key] = LoadState{Artifact: art}
	}
	for _, art := range discovery.BrandModels {
		snap.brand[art.Key] = LoadState{Artifact: art}
	}

	l := &ModelLoader{
		discovery: discovery,
		loader:    loader,
		opts:      opts,
		logger:    logger,
		done:      make(chan struct{}),
	}
	l.snapshot.Store(snap)
	return l
}

// StartBackgroundLoad starts the loading goroutine. Only the first call has an
// effect; it reports whether this call started the worker.
func (l *ModelLoader) StartBackgroundLoad() bool {
	started := false
	l.startOnce.Do(func() {
		started = true
		l.started.Store(true)
		go l.run()
	})
	return started
}

// publish applies mutate to a copy of the current snapshot and swaps it in.
// Only the loader goroutine calls it.
func (l *ModelLoader) publish(mutate func(*loadSnapshot)) {
	next := l.snapshot.Load().clone()
	mutate(next)
	l.snapshot.Store(next)
}

func (l *ModelLoader) run() {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Model loader panicked", zap.Any("panic", r))
		}
		l.publish(func(s *loadSnapshot) { s.complete = true })
		SetModelsReady(l.IsReady())
		l.doneOnce.Do(func() { close(l.done) })
		l.logger.Info("Model loading complete",
			zap.Bool("ready", l.IsReady()),
			zap.Duration("duration", time.Since(start)))
	}()

	l.logger.Info("Loading models in background",
		zap.String("loader", l.loader.Name()),
		zap.String("base_path", l.discovery.BasePath))

	seg := l.loadOne(l.discovery.Segmentation, "segmentation")
	l.publish(func(s *loadSnapshot) {
		s.fixed[seg.Artifact.Key] = seg
		if seg.Status == LoadLoaded {
			if names := seg.Model.Names(); len(names) > 0 {
				s.segmentClasses = maps.Clone(names)
			}
		}
	})

	for _, art := range []modelregistry.Artifact{l.discovery.Narcotic, l.discovery.Brand} {
		st := l.loadOne(art, "classifier")
		l.publish(func(s *loadSnapshot) { s.fixed[st.Artifact.Key] = st })
	}

	for _, art := range l.discovery.BrandModels {
		st := l.loadOne(art, "brand_specific")
		l.publish(func(s *loadSnapshot) {
			prev, collides := s.brandModels[art.Key]
			if collides && st.Status != LoadLoaded {
				l.logger.Warn("Brand key collision, keeping loaded model",
					zap.String("key", art.Key),
					zap.String("path", art.Path),
					zap.Error(st.Err))
				return
			}
			if collides {
				l.logger.Warn("Brand key collision, replacing model",
					zap.String("key", art.Key),
					zap.String("previous", prev.Name()),
					zap.String("path", art.Path))
				l.replaced = append(l.replaced, prev)
			}
			s.brand[art.Key] = st
			if st.Status == LoadLoaded {
				s.brandModels[art.Key] = st.Model
			}
		})
	}
}

// loadOne loads a single artifact, isolating errors and panics.
func (l *ModelLoader) loadOne(art modelregistry.Artifact, role string) (st LoadState) {
	st = LoadState{Artifact: art}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			st.Status = LoadFailed
			st.Model = nil
			st.Err = fmt.Errorf("panic loading %s: %v", art.Path, r)
		}
		st.Duration = time.Since(start)
		RecordModelLoad(art.Key, role, st.Duration.Seconds(), st.Status == LoadLoaded)

		if st.Status == LoadLoaded {
			l.logger.Info("Loaded model",
				zap.String("key", art.Key),
				zap.String("path", art.Path),
				zap.Duration("duration", st.Duration))
		} else {
			l.logger.Warn("Failed to load model",
				zap.String("key", art.Key),
				zap.String("path", art.Path),
				zap.Error(st.Err))
		}
	}()

	if !art.Exists() {
		st.Status = LoadFailed
		st.Err = fmt.Errorf("%w: model file not found: %s", backends.ErrModelUnavailable, art.Path)
		return st
	}

	opts := append([]backends.LoadOption{backends.WithTask(art.Task)}, l.opts...)
	model, err := l.loader.Load(art.Path, opts...)
	if err != nil {
		st.Status = LoadFailed
		st.Err = err
		return st
	}
	if model == nil {
		st.Status = LoadFailed
		st.Err = errors.New("loader returned no model")
		return st
	}
	st.Status = LoadLoaded
	st.Model = model
	return st
}

// Done returns a channel closed when background loading has finished.
func (l *ModelLoader) Done() <-chan struct{} {
	return l.done
}

// LoadingComplete reports whether background loading has finished.
func (l *ModelLoader) LoadingComplete() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// WaitForModels blocks until loading finishes or timeout elapses and reports
// whether loading finished. A non-positive timeout does not block.
func (l *ModelLoader) WaitForModels(timeout time.Duration) bool {
	if timeout <= 0 {
		return l.LoadingComplete()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.done:
		return true
	case <-timer.C:
		return false
	}
}

// WaitForModelsContext blocks until loading finishes or ctx is done.
func (l *ModelLoader) WaitForModelsContext(ctx context.Context) bool {
	select {
	case <-l.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// IsReady reports whether loading has finished with both the segmentation
// model and the narcotic classifier loaded. Once true it stays true.
func (l *ModelLoader) IsReady() bool {
	s := l.snapshot.Load()
	return s.complete &&
		s.loaded(modelregistry.KeySegmentation) &&
		s.loaded(modelregistry.KeyNarcotic)
}

// State returns the load state of a fixed-role artifact.
func (l *ModelLoader) State(key string) LoadState {
	return l.snapshot.Load().fixed[key]
}

// BrandStates returns the load state of every brand-specific artifact.
func (l *ModelLoader) BrandStates() map[string]LoadState {
	return maps.Clone(l.snapshot.Load().brand)
}

// Model returns the loaded model for a fixed-role key, or nil.
func (l *ModelLoader) Model(key string) backends.Model {
	return l.snapshot.Load().model(key)
}

// BrandModels returns the loaded brand-specific models by normalized brand key.
func (l *ModelLoader) BrandModels() map[string]backends.Model {
	return maps.Clone(l.snapshot.Load().brandModels)
}

// brandModel looks up a normalized key without copying the map.
func (l *ModelLoader) brandModel(key string) backends.Model {
	return l.snapshot.Load().brandModels[key]
}

// SegmentClasses returns the segmentation class table.
func (l *ModelLoader) SegmentClasses() map[int]string {
	return maps.Clone(l.snapshot.Load().segmentClasses)
}

// Close waits for loading to finish and closes every loaded model.
func (l *ModelLoader) Close() error {
	if !l.started.Load() {
		return nil
	}
	<-l.done

	s := l.snapshot.Load()
	var errs []error
	for _, st := range s.fixed {
		if st.Model != nil {
			errs = append(errs, st.Model.Close())
		}
	}
	for _, st := range s.brand {
		if st.Model != nil {
			errs = append(errs, st.Model.Close())
		}
	}
	for _, m := range l.replaced {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}
