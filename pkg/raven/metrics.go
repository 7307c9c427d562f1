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

import "github.com/prometheus/client_golang/prometheus"

var (
	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "raven",
			Subsystem: "models",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model", "role"},
	)
	modelLoadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raven",
			Subsystem: "models",
			Name:      "model_load_failures_total",
			Help:      "The total number of model artifacts that failed to load.",
		},
		[]string{"model", "role"},
	)
	modelsReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "raven",
			Subsystem: "models",
			Name:      "ready",
			Help:      "1 when the critical models are loaded.",
		},
	)

	warmupAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "raven",
			Subsystem: "models",
			Name:      "warmup_attempts_total",
			Help:      "The total number of warm-up batches executed.",
		},
	)
	warmupForwardPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raven",
			Subsystem: "models",
			Name:      "warmup_forward_passes_total",
			Help:      "Warm-up forward passes by model group and outcome.",
		},
		[]string{"group", "outcome"}, // outcome: ok, error, timeout
	)

	segmentationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raven",
			Subsystem: "pipeline",
			Name:      "segmentation_ops_total",
			Help:      "The total number of segmentation runs.",
		},
		[]string{"status"},
	)
	segmentedObjects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "raven",
			Subsystem: "pipeline",
			Name:      "segmented_objects_total",
			Help:      "The total number of objects detected.",
		},
	)
	embeddingCreationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raven",
			Subsystem: "pipeline",
			Name:      "embedding_creation_ops_total",
			Help:      "The total number of embedding creations.",
		},
		[]string{"status"},
	)
	degenerateVectors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "raven",
			Subsystem: "pipeline",
			Name:      "degenerate_vectors_total",
			Help:      "Embeddings replaced by the deterministic fallback vector.",
		},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "raven",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Time taken to process a request.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raven",
			Subsystem: "api",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "raven",
			Subsystem: "api",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(modelLoadFailures)
	prometheus.MustRegister(modelsReady)
	prometheus.MustRegister(warmupAttempts)
	prometheus.MustRegister(warmupForwardPasses)
	prometheus.MustRegister(segmentationOps)
	prometheus.MustRegister(segmentedObjects)
	prometheus.MustRegister(embeddingCreationOps)
	prometheus.MustRegister(degenerateVectors)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
}

// RecordModelLoad records a model load attempt
func RecordModelLoad(model, role string, seconds float64, ok bool) {
	modelLoadDuration.WithLabelValues(model, role).Observe(seconds)
	if !ok {
		modelLoadFailures.WithLabelValues(model, role).Inc()
	}
}

// SetModelsReady updates the readiness gauge
func SetModelsReady(ready bool) {
	if ready {
		modelsReady.Set(1)
	} else {
		modelsReady.Set(0)
	}
}

// RecordWarmupAttempt increments the warm-up batch counter
func RecordWarmupAttempt() {
	warmupAttempts.Inc()
}

// RecordWarmupForwardPass records the outcome of one warm-up forward pass
func RecordWarmupForwardPass(group, outcome string) {
	warmupForwardPasses.WithLabelValues(group, outcome).Inc()
}

// RecordSegmentation records a segmentation run and the number of objects found
func RecordSegmentation(status string, objects int) {
	segmentationOps.WithLabelValues(status).Inc()
	segmentedObjects.Add(float64(objects))
}

// RecordEmbeddingCreation records an embedding creation
func RecordEmbeddingCreation(status string, degenerate bool) {
	embeddingCreationOps.WithLabelValues(status).Inc()
	if degenerate {
		degenerateVectors.Inc()
	}
}

// RecordRequestDuration records how long a request took
func RecordRequestDuration(endpoint, status string, seconds float64) {
	requestDuration.WithLabelValues(endpoint, status).Observe(seconds)
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}
