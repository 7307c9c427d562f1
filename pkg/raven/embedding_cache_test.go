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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/0n6k4v/raven/pkg/raven/lib/embeddings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingCreator struct {
	calls atomic.Int64
	gate  chan struct{}
	err   error
}

func (c *countingCreator) Dimension() int { return 4 }

func (c *countingCreator) CreateEmbedding(ctx context.Context, data []byte, segmentFirst bool) (*embeddings.Embedding, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return nil, c.err
	}
	v := []float32{float32(len(data)), 0, 0, 0}
	return &embeddings.Embedding{
		VectorBase64: embeddings.EncodeVector(v),
		Dimension:    len(v),
		Segmentation: embeddings.SegmentationInfo{FoundDrug: segmentFirst},
		Vector:       v,
	}, nil
}

func newTestCache(t *testing.T, creator EmbeddingCreator) *CachedEmbedder {
	c := NewCachedEmbedder(creator, time.Minute, zaptest.NewLogger(t))
	t.Cleanup(c.Close)
	return c
}

func TestCachedEmbedder_HitsAndMisses(t *testing.T) {
	creator := &countingCreator{}
	c := newTestCache(t, creator)
	ctx := context.Background()

	first, err := c.CreateEmbedding(ctx, []byte("image-a"), true)
	require.NoError(t, err)
	second, err := c.CreateEmbedding(ctx, []byte("image-a"), true)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, creator.calls.Load())

	// Options are part of the key
	other, err := c.CreateEmbedding(ctx, []byte("image-a"), false)
	require.NoError(t, err)
	assert.False(t, other.Segmentation.FoundDrug)
	_, err = c.CreateEmbedding(ctx, []byte("image-b"), true)
	require.NoError(t, err)
	assert.EqualValues(t, 3, creator.calls.Load())

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 3, stats.Misses)
	assert.Equal(t, 3, stats.Items)
	assert.Equal(t, 4, c.Dimension())
}

func TestCachedEmbedder_ErrorsNotCached(t *testing.T) {
	creator := &countingCreator{err: errors.New("model failed")}
	c := newTestCache(t, creator)

	for range 2 {
		_, err := c.CreateEmbedding(context.Background(), []byte("x"), true)
		require.EqualError(t, err, "model failed")
	}
	assert.EqualValues(t, 2, creator.calls.Load())
	assert.Zero(t, c.Stats().Items)
}

func TestCachedEmbedder_Singleflight(t *testing.T) {
	creator := &countingCreator{gate: make(chan struct{})}
	c := newTestCache(t, creator)

	const n = 8
	results := make([]*embeddings.Embedding, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			emb, err := c.CreateEmbedding(context.Background(), []byte("same"), true)
			assert.NoError(t, err)
			results[i] = emb
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(creator.gate)
	wg.Wait()

	assert.EqualValues(t, 1, creator.calls.Load())
	for _, r := range results[1:] {
		assert.Same(t, results[0], r)
	}
}
