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
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/0n6k4v/raven/pkg/raven/lib/embeddings"
	"github.com/0n6k4v/raven/pkg/raven/lib/segmentation"
	"github.com/0n6k4v/raven/pkg/raven/lib/similarity"
	"go.uber.org/zap"
)

// RavenNode serves the analysis pipelines over HTTP.
type RavenNode struct {
	logger *zap.Logger
	config Config

	manager   *ModelManager
	segmenter *segmentation.Segmenter
	embedder  EmbeddingCreator
	analyzer  *Analyzer
	index     *similarity.Index

	// embeddingCache is nil when caching is disabled
	embeddingCache *CachedEmbedder
}

// NewRavenNode wires the pipelines on top of manager. The similarity index is
// loaded from config.VectorsFile when set.
func NewRavenNode(config Config, manager *ModelManager, logger *zap.Logger) (*RavenNode, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	embedder := embeddings.NewEmbedder(manager, config.EmbedderConfig(), logger)

	rn := &RavenNode{
		logger:    logger,
		config:    config,
		manager:   manager,
		segmenter: segmentation.NewSegmenter(manager, logger),
		embedder:  embedder,
		analyzer:  NewAnalyzer(manager, embedder, config.DrugClasses, nil, logger),
	}

	if config.CacheTTL > 0 {
		rn.embeddingCache = NewCachedEmbedder(embedder, config.CacheTTL, logger.Named("embedding-cache"))
		rn.embedder = rn.embeddingCache
	}

	if config.VectorsFile != "" {
		index, err := loadIndex(config.VectorsFile, embedder.Dimension())
		if err != nil {
			rn.Close()
			return nil, err
		}
		rn.index = index
		logger.Info("Loaded similarity index",
			zap.String("file", config.VectorsFile),
			zap.Int("vectors", index.Len()))
	}
	return rn, nil
}

func loadIndex(path string, dim int) (*similarity.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening vectors file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return similarity.LoadJSONL(f, dim)
}

// Handler returns the root HTTP handler.
func (rn *RavenNode) Handler() http.Handler {
	rootMux := http.NewServeMux()

	// Health endpoints (outside /api prefix for k8s compatibility)
	rootMux.HandleFunc("GET /healthz", rn.handleHealthz)
	rootMux.HandleFunc("GET /readyz", rn.handleReadyz)

	rootMux.HandleFunc("GET /api/version", rn.handleVersion)
	rootMux.HandleFunc("GET /api/warmup", rn.handleWarmup)
	rootMux.HandleFunc("POST /api/segment", instrument("segment", rn.handleApiSegment))
	rootMux.HandleFunc("POST /api/embed", instrument("embed", rn.handleApiEmbed))
	rootMux.HandleFunc("POST /api/analyze", instrument("analyze", rn.handleApiAnalyze))
	rootMux.HandleFunc("POST /api/search", instrument("search", rn.handleApiSearch))

	return corsMiddleware(rootMux)
}

// Close releases the node's caches. Models are owned by the manager.
func (rn *RavenNode) Close() {
	if rn.embeddingCache != nil {
		rn.embeddingCache.Close()
	}
}

// corsMiddleware adds permissive CORS headers for the Raven API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DefaultShutdownTimeout is the default time to wait for graceful shutdown
const DefaultShutdownTimeout = 30 * time.Second

// RunAsRaven starts model loading, the optional warm-up and the API server,
// and blocks until ctx is cancelled.
// If readyC is non-nil, it will be closed when the server is ready to accept requests.
func RunAsRaven(ctx context.Context, zl *zap.Logger, config Config, readyC chan struct{}) {
	zl = zl.Named("raven")
	zl.Info("Starting raven node", zap.Any("config", config))

	u, err := url.Parse(config.ApiUrl)
	if err != nil {
		zl.Fatal("Invalid API URL", zap.String("url", config.ApiUrl), zap.Error(err))
	}

	manager, err := DefaultModelManager(config, zl)
	if err != nil {
		zl.Fatal("Failed to initialize model manager", zap.Error(err))
	}
	defer func() {
		if err := manager.Close(); err != nil {
			zl.Warn("Closing models", zap.Error(err))
		}
	}()

	if config.WarmupEnabled {
		manager.StartWarmup(ctx, config.Warmup)
	}

	node, err := NewRavenNode(config, manager, zl)
	if err != nil {
		zl.Fatal("Failed to initialize raven node", zap.Error(err))
	}
	defer node.Close()

	srv := &http.Server{
		Addr:              u.Host,
		Handler:           node.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       120 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		zl.Info("Raven's api server starting", zap.String("address", config.ApiUrl))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Signal readiness after server starts
	if readyC != nil {
		close(readyC)
	}

	// Wait for context cancellation or server error
	select {
	case err := <-serverErr:
		if err != nil {
			zl.Fatal("HTTP server error", zap.Error(err))
		}
	case <-ctx.Done():
		zl.Info("Shutdown signal received, starting graceful shutdown...")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections
	srv.SetKeepAlivesEnabled(false)

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Graceful shutdown failed, forcing close",
			zap.Error(err),
			zap.Duration("timeout", DefaultShutdownTimeout))
		_ = srv.Close()
	} else {
		zl.Info("Graceful shutdown completed successfully")
	}

	zl.Info("HTTP server stopped")
}
