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
	"image"
	"slices"
	"time"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WarmupImageSize is the side of the synthetic zero-filled warm-up image.
const WarmupImageSize = 320

// WarmupOptions controls the warm-up batch.
type WarmupOptions struct {
	// TimeoutPerModel bounds each forward pass (0 = no bound).
	TimeoutPerModel time.Duration `json:"timeout_per_model,omitempty"`
	// RetryInterval is the pause between batches.
	RetryInterval time.Duration `json:"retry_interval,omitempty"`
	// MaxRetries is the maximum number of batches.
	MaxRetries int `json:"max_retries,omitempty"`
	// BrandSample is how many brand-specific models are exercised.
	BrandSample int `json:"brand_sample,omitempty"`
}

// DefaultWarmupOptions returns the default warm-up options.
func DefaultWarmupOptions() WarmupOptions {
	return WarmupOptions{
		TimeoutPerModel: 120 * time.Second,
		RetryInterval:   5 * time.Second,
		MaxRetries:      5,
		BrandSample:     3,
	}
}

// WarmupResult is the outcome of the last warm-up batch.
type WarmupResult struct {
	Attempts      int  `json:"attempts"`
	Segmentation  bool `json:"segmentation"`
	Narcotic      bool `json:"narcotic"`
	BrandSpecific int  `json:"brand_specific"`
}

// Succeeded reports whether both critical groups completed a forward pass.
func (r WarmupResult) Succeeded() bool {
	return r.Segmentation && r.Narcotic
}

// Warmup runs one forward pass per loaded model group on a blank image and
// retries the whole batch until segmentation and narcotic both succeed or
// MaxRetries batches have run. It never fails; the last result is returned.
func (m *ModelManager) Warmup(ctx context.Context, opts WarmupOptions) WarmupResult {
	maxRetries := max(opts.MaxRetries, 1)
	logger := m.logger.Named("warmup")

	var result WarmupResult
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result = m.warmupBatch(ctx, opts, logger)
		result.Attempts = attempt
		RecordWarmupAttempt()

		logger.Info("Warm-up batch finished",
			zap.Int("attempt", attempt),
			zap.Bool("segmentation", result.Segmentation),
			zap.Bool("narcotic", result.Narcotic),
			zap.Int("brand_specific", result.BrandSpecific))

		if result.Succeeded() || attempt == maxRetries {
			break
		}

		timer := time.NewTimer(opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn("Warm-up cancelled", zap.Error(ctx.Err()))
			return result
		case <-timer.C:
		}
	}
	return result
}

func (m *ModelManager) warmupBatch(ctx context.Context, opts WarmupOptions, logger *zap.Logger) WarmupResult {
	img := backends.BlankImage(WarmupImageSize, WarmupImageSize)

	seg := m.SegmentationModel()
	narc := m.NarcoticModel()
	brands := m.brandSample(opts.BrandSample)

	var (
		segOK, narcOK bool
		brandOK       = make([]bool, len(brands))
	)

	run := func(group string, model backends.Model) bool {
		start := time.Now()
		err := forwardPass(ctx, model, img, opts.TimeoutPerModel)
		outcome := "ok"
		switch {
		case err == nil:
		case isTimeout(err):
			outcome = "timeout"
		default:
			outcome = "error"
		}
		RecordWarmupForwardPass(group, outcome)
		if err != nil {
			logger.Warn("Warm-up forward pass failed",
				zap.String("group", group),
				zap.String("model", model.Name()),
				zap.String("outcome", outcome),
				zap.Error(err))
			return false
		}
		logger.Debug("Warm-up forward pass",
			zap.String("group", group),
			zap.String("model", model.Name()),
			zap.Duration("duration", time.Since(start)))
		return true
	}

	// Each goroutine writes only its own slot and never returns an error, so
	// one failing group does not cancel the others.
	var g errgroup.Group
	if seg != nil {
		g.Go(func() error {
			segOK = run("segmentation", seg)
			return nil
		})
	}
	if narc != nil {
		g.Go(func() error {
			narcOK = run("narcotic", narc)
			return nil
		})
	}
	for i, model := range brands {
		g.Go(func() error {
			brandOK[i] = run("brand_specific", model)
			return nil
		})
	}
	_ = g.Wait()

	result := WarmupResult{Segmentation: segOK, Narcotic: narcOK}
	for _, ok := range brandOK {
		if ok {
			result.BrandSpecific++
		}
	}
	return result
}

// brandSample picks up to n brand-specific models in key order.
func (m *ModelManager) brandSample(n int) []backends.Model {
	if n <= 0 {
		return nil
	}
	models := m.BrandSpecificModels()
	keys := make([]string, 0, len(models))
	for k := range models {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if len(keys) > n {
		keys = keys[:n]
	}
	out := make([]backends.Model, len(keys))
	for i, k := range keys {
		out[i] = models[k]
	}
	return out
}

type timeoutError struct {
	timeout time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("forward pass exceeded %s", e.timeout)
}

func isTimeout(err error) bool {
	var te *timeoutError
	return errors.As(err, &te)
}

// forwardPass runs model on img in its own goroutine and gives up after
// timeout. A pass that outlives its timeout is left to finish on its own.
func forwardPass(ctx context.Context, model backends.Model, img image.Image, timeout time.Duration) error {
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	errC := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%w: panic during forward pass: %v", backends.ErrModelExecution, r)
			}
		}()
		_, err := model.Infer(passCtx, img)
		errC <- err
	}()

	select {
	case err := <-errC:
		return err
	case <-deadline:
		return &timeoutError{timeout: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartWarmup runs Warmup once on a dedicated goroutine after background
// loading finishes. Later calls do nothing.
func (m *ModelManager) StartWarmup(ctx context.Context, opts WarmupOptions) {
	m.warmupOnce.Do(func() {
		m.warmupMu.Lock()
		m.warmupRun = true
		m.warmupMu.Unlock()

		go func() {
			defer close(m.warmupDone)
			defer func() {
				m.warmupMu.Lock()
				m.warmupRun = false
				m.warmupMu.Unlock()
			}()

			if !m.WaitForModelsContext(ctx) {
				return
			}
			res := m.Warmup(ctx, opts)

			m.warmupMu.Lock()
			m.warmupRes = &res
			m.warmupMu.Unlock()
		}()
	})
}

// WarmupDone is closed when a warm-up started by StartWarmup has returned.
func (m *ModelManager) WarmupDone() <-chan struct{} {
	return m.warmupDone
}

// LastWarmup returns the result of the warm-up started by StartWarmup, if any.
func (m *ModelManager) LastWarmup() (WarmupResult, bool) {
	m.warmupMu.RLock()
	defer m.warmupMu.RUnlock()
	if m.warmupRes == nil {
		return WarmupResult{}, false
	}
	return *m.warmupRes, true
}

func (m *ModelManager) warmupRunning() bool {
	m.warmupMu.RLock()
	defer m.warmupMu.RUnlock()
	return m.warmupRun
}
