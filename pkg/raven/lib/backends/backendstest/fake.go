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

// Package backendstest provides in-memory backends.Model implementations for tests.
package backendstest

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
)

// Model is a scriptable backends.FeatureExtractor.
type Model struct {
	ModelName  string
	ModelTask  backends.Task
	ClassNames map[int]string

	// InferFunc produces the forward pass result. Nil returns an empty Output.
	InferFunc func(ctx context.Context, img image.Image) (*backends.Output, error)

	// FeaturesFunc produces the feature vector. Nil returns ErrNoFeatures.
	FeaturesFunc func(ctx context.Context, img image.Image) ([]float32, error)

	calls  atomic.Int64
	mu     sync.Mutex
	images []image.Image
	closed atomic.Bool
}

// ErrNoFeatures is returned by ExtractFeatures when FeaturesFunc is nil.
var ErrNoFeatures = errors.New("fake model has no feature output")

var _ backends.FeatureExtractor = (*Model)(nil)

func (m *Model) record(img image.Image) {
	m.calls.Add(1)
	m.mu.Lock()
	m.images = append(m.images, img)
	m.mu.Unlock()
}

func (m *Model) Infer(ctx context.Context, img image.Image) (*backends.Output, error) {
	m.record(img)
	if m.InferFunc == nil {
		return &backends.Output{}, nil
	}
	return m.InferFunc(ctx, img)
}

func (m *Model) ExtractFeatures(ctx context.Context, img image.Image) ([]float32, error) {
	m.record(img)
	if m.FeaturesFunc == nil {
		return nil, ErrNoFeatures
	}
	return m.FeaturesFunc(ctx, img)
}

func (m *Model) Names() map[int]string { return m.ClassNames }

func (m *Model) Task() backends.Task { return m.ModelTask }

func (m *Model) Name() string { return m.ModelName }

func (m *Model) Close() error {
	m.closed.Store(true)
	return nil
}

// Calls returns the number of Infer and ExtractFeatures calls.
func (m *Model) Calls() int64 { return m.calls.Load() }

// Closed reports whether Close was called.
func (m *Model) Closed() bool { return m.closed.Load() }

// Images returns the images passed to the model, in call order.
func (m *Model) Images() []image.Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]image.Image(nil), m.images...)
}

// Detections returns an InferFunc that always reports dets.
func Detections(dets ...backends.Detection) func(context.Context, image.Image) (*backends.Output, error) {
	return func(context.Context, image.Image) (*backends.Output, error) {
		out := make([]backends.Detection, len(dets))
		copy(out, dets)
		return &backends.Output{Detections: out}, nil
	}
}

// Probs returns an InferFunc that always reports probs.
func Probs(probs ...float32) func(context.Context, image.Image) (*backends.Output, error) {
	return func(context.Context, image.Image) (*backends.Output, error) {
		return &backends.Output{Probs: append([]float32(nil), probs...)}, nil
	}
}

// Loader is a backends.Loader backed by a map of path to model or error.
type Loader struct {
	mu     sync.Mutex
	Models map[string]backends.Model
	Errors map[string]error
	// PanicPaths makes Load panic for the listed paths.
	PanicPaths map[string]bool
	// Hook, when set, runs before every load.
	Hook  func(path string)
	loads []string
}

var _ backends.Loader = (*Loader)(nil)

func (l *Loader) Name() string { return "fake" }

func (l *Loader) Load(path string, _ ...backends.LoadOption) (backends.Model, error) {
	l.mu.Lock()
	l.loads = append(l.loads, path)
	hook := l.Hook
	l.mu.Unlock()

	if hook != nil {
		hook(path)
	}
	if l.PanicPaths[path] {
		panic("fake loader panic: " + path)
	}
	if err, ok := l.Errors[path]; ok {
		return nil, err
	}
	if m, ok := l.Models[path]; ok {
		return m, nil
	}
	return nil, backends.ErrModelUnavailable
}

// Loads returns the paths passed to Load, in call order.
func (l *Loader) Loads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loads...)
}
