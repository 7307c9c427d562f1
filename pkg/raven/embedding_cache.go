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
	"encoding/binary"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/0n6k4v/raven/pkg/raven/lib/embeddings"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// EmbeddingCacheTTL is the default TTL for cached embeddings
const EmbeddingCacheTTL = 2 * time.Minute

// EmbeddingCreator produces an embedding from encoded image bytes.
type EmbeddingCreator interface {
	CreateEmbedding(ctx context.Context, data []byte, segmentFirst bool) (*embeddings.Embedding, error)
	Dimension() int
}

// CachedEmbedder wraps an EmbeddingCreator with a TTL cache and de-duplicates
// concurrent identical requests.
type CachedEmbedder struct {
	creator EmbeddingCreator
	cache   *ttlcache.Cache[string, *embeddings.Embedding]
	sfGroup *singleflight.Group
	logger  *zap.Logger
	cancel  context.CancelFunc

	// Metrics
	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedEmbedder wraps creator with a cache of the given TTL. A
// non-positive ttl uses EmbeddingCacheTTL.
func NewCachedEmbedder(creator EmbeddingCreator, ttl time.Duration, logger *zap.Logger) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = EmbeddingCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *embeddings.Embedding](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	c := &CachedEmbedder{
		creator: creator,
		cache:   cache,
		sfGroup: &singleflight.Group{},
		logger:  logger,
		cancel:  cancel,
	}

	// Log cache stats periodically
	go c.logStats(ctx)

	return c
}

// Dimension returns the underlying embedding dimension.
func (c *CachedEmbedder) Dimension() int {
	return c.creator.Dimension()
}

// CreateEmbedding returns a cached embedding for identical input, or creates one.
// Errors are never cached.
func (c *CachedEmbedder) CreateEmbedding(ctx context.Context, data []byte, segmentFirst bool) (*embeddings.Embedding, error) {
	key := c.cacheKey(data, segmentFirst)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("embedding")
		c.logger.Debug("Embedding cache hit", zap.Int("image_bytes", len(data)))
		return item.Value(), nil
	}

	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("embedding")

		start := time.Now()
		emb, err := c.creator.CreateEmbedding(ctx, data, segmentFirst)
		if err != nil {
			return nil, err
		}

		c.cache.Set(key, emb, ttlcache.DefaultTTL)

		c.logger.Debug("Embedding generated and cached",
			zap.Int("dimension", emb.Dimension),
			zap.Bool("found_drug", emb.Segmentation.FoundDrug),
			zap.Duration("duration", time.Since(start)))
		return emb, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for embedding request")
	}
	return result.(*embeddings.Embedding), nil
}

// cacheKey hashes the image bytes together with the request options.
func (c *CachedEmbedder) cacheKey(data []byte, segmentFirst bool) string {
	h := xxhash.New()
	_, _ = h.WriteString("segment_first=")
	_, _ = h.WriteString(strconv.FormatBool(segmentFirst))
	_, _ = h.WriteString("|dim=")
	_, _ = h.WriteString(strconv.Itoa(c.creator.Dimension()))
	_, _ = h.WriteString("|")
	_, _ = h.Write(data)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// Close stops the cache
func (c *CachedEmbedder) Close() {
	c.cancel()
	c.cache.Stop()
}

// logStats logs cache statistics periodically
func (c *CachedEmbedder) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hits, misses := c.hits.Load(), c.misses.Load()
			if hits == 0 && misses == 0 {
				continue
			}
			hitRate := float64(hits) / float64(hits+misses) * 100
			c.logger.Info("Embedding cache stats",
				zap.Uint64("hits", hits),
				zap.Uint64("misses", misses),
				zap.Uint64("singleflight_hits", c.sfHits.Load()),
				zap.Float64("hit_rate_pct", hitRate),
				zap.Int("items", c.cache.Len()))
		}
	}
}

// EmbeddingCacheStats holds cache statistics.
type EmbeddingCacheStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}

// Stats returns cache statistics.
func (c *CachedEmbedder) Stats() EmbeddingCacheStats {
	return EmbeddingCacheStats{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
		Items:            c.cache.Len(),
	}
}
