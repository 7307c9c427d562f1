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

// Package similarity ranks stored embedding vectors against a query by cosine distance.
package similarity

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
	"github.com/0n6k4v/raven/pkg/raven/lib/embeddings"
	"github.com/bytedance/sonic"
	"gonum.org/v1/gonum/blas/blas32"
)

// Result is a single search hit.
type Result struct {
	ID string `json:"id"`
	// Similarity is the cosine similarity in [-1, 1].
	Similarity float64 `json:"similarity"`
	// Distance is 1 - Similarity.
	Distance float64 `json:"distance"`
}

// Index is an exact, in-memory cosine similarity index over fixed-dimension vectors.
// It is safe for concurrent use.
type Index struct {
	dim int

	mu      sync.RWMutex
	ids     []string
	vectors [][]float32
	norms   []float32
	pos     map[string]int
}

// NewIndex creates an empty index for vectors of length dim.
func NewIndex(dim int) *Index {
	return &Index{dim: dim, pos: make(map[string]int)}
}

// Dimension returns the vector length accepted by the index.
func (ix *Index) Dimension() int {
	return ix.dim
}

// Len returns the number of stored vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// Add stores v under id, replacing any previous vector with the same id.
func (ix *Index) Add(id string, v []float32) error {
	if len(v) != ix.dim {
		return fmt.Errorf("%w: vector %q has %d dimensions, index expects %d",
			backends.ErrInvalidInput, id, len(v), ix.dim)
	}
	stored := slices.Clone(v)
	norm := vecNorm(stored)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if i, ok := ix.pos[id]; ok {
		ix.vectors[i] = stored
		ix.norms[i] = norm
		return nil
	}
	ix.pos[id] = len(ix.ids)
	ix.ids = append(ix.ids, id)
	ix.vectors = append(ix.vectors, stored)
	ix.norms = append(ix.norms, norm)
	return nil
}

// AddEncoded decodes a base64 vector as produced by embeddings.EncodeVector and stores it.
func (ix *Index) AddEncoded(id, vectorBase64 string) error {
	v, err := embeddings.DecodeVectorDim(vectorBase64, ix.dim)
	if err != nil {
		return fmt.Errorf("vector %q: %w", id, err)
	}
	return ix.Add(id, v)
}

// Remove deletes id and reports whether it was present.
func (ix *Index) Remove(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	i, ok := ix.pos[id]
	if !ok {
		return false
	}
	ix.ids = slices.Delete(ix.ids, i, i+1)
	ix.vectors = slices.Delete(ix.vectors, i, i+1)
	ix.norms = slices.Delete(ix.norms, i, i+1)
	delete(ix.pos, id)
	for j := i; j < len(ix.ids); j++ {
		ix.pos[ix.ids[j]] = j
	}
	return true
}

// Search returns the k nearest vectors to query by cosine distance, nearest
// first. Ties keep insertion order. Zero-norm vectors score similarity 0.
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index expects %d",
			backends.ErrInvalidInput, len(query), ix.dim)
	}
	if k <= 0 {
		return []Result{}, nil
	}
	qv := blas32.Vector{N: ix.dim, Inc: 1, Data: query}
	qnorm := vecNorm(query)

	ix.mu.RLock()
	results := make([]Result, len(ix.ids))
	for i, v := range ix.vectors {
		var sim float64
		if qnorm > 0 && ix.norms[i] > 0 {
			dot := blas32.Dot(qv, blas32.Vector{N: ix.dim, Inc: 1, Data: v})
			sim = float64(dot) / (float64(qnorm) * float64(ix.norms[i]))
		}
		results[i] = Result{ID: ix.ids[i], Similarity: sim, Distance: 1 - sim}
	}
	ix.mu.RUnlock()

	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Distance < results[b].Distance
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// CosineSimilarity returns the cosine similarity of a and b, or 0 when either
// has zero norm or their lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := vecNorm(a), vecNorm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	dot := blas32.Dot(blas32.Vector{N: len(a), Inc: 1, Data: a}, blas32.Vector{N: len(b), Inc: 1, Data: b})
	return float64(dot) / (float64(na) * float64(nb))
}

func vecNorm(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	return blas32.Nrm2(blas32.Vector{N: len(v), Inc: 1, Data: v})
}

// Record is one stored vector as persisted by the backend.
type Record struct {
	ID           string `json:"id"`
	VectorBase64 string `json:"vector_base64"`
}

// maxRecordSize bounds one JSONL line; a 16000-dimension vector is ~85KB encoded.
const maxRecordSize = 16 << 20

// LoadJSONL reads newline-delimited Records into a new index of dimension dim.
// Blank lines are skipped; malformed records wrap ErrInvalidInput.
func LoadJSONL(r io.Reader, dim int) (*Index, error) {
	ix := NewIndex(dim)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256<<10), maxRecordSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var rec Record
		if err := sonic.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", backends.ErrInvalidInput, line, err)
		}
		if rec.ID == "" {
			return nil, fmt.Errorf("%w: line %d: missing id", backends.ErrInvalidInput, line)
		}
		if err := ix.AddEncoded(rec.ID, rec.VectorBase64); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading vectors: %w", err)
	}
	return ix, nil
}

// WriteJSONL writes every stored vector as a Record line, in insertion order.
func (ix *Index) WriteJSONL(w io.Writer) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	bw := bufio.NewWriter(w)
	for i, id := range ix.ids {
		data, err := sonic.Marshal(Record{ID: id, VectorBase64: embeddings.EncodeVector(ix.vectors[i])})
		if err != nil {
			return fmt.Errorf("encoding vector %q: %w", id, err)
		}
		if _, err := bw.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	return bw.Flush()
}
