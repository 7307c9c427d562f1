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
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
	"github.com/0n6k4v/raven/pkg/raven/lib/embeddings"
	"github.com/0n6k4v/raven/pkg/raven/lib/segmentation"
	"github.com/0n6k4v/raven/pkg/raven/lib/similarity"
	"github.com/bytedance/sonic/decoder"
	"go.uber.org/zap"
)

// MaxImageBytes bounds request bodies carrying an image.
const MaxImageBytes = 32 << 20

// DefaultSearchK is the number of neighbours returned when k is not set.
const DefaultSearchK = 10

// SearchRequest is the body of /api/search. Exactly one of VectorBase64 and
// ImageBase64 is expected.
type SearchRequest struct {
	VectorBase64 string `json:"vector_base64,omitempty"`
	ImageBase64  string `json:"image_base64,omitempty"`
	SegmentFirst *bool  `json:"segment_first,omitempty"`
	K            int    `json:"k,omitempty"`
}

// SearchResponse is the response for /api/search.
type SearchResponse struct {
	Results      []similarity.Result          `json:"results"`
	Segmentation *embeddings.SegmentationInfo `json:"segmentation_info,omitempty"`
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records the request duration of next under endpoint.
func instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		RecordRequestDuration(endpoint, strconv.Itoa(rec.status), time.Since(start).Seconds())
	}
}

// writeError maps err onto an HTTP status.
func (rn *RavenNode) writeError(w http.ResponseWriter, op string, err error) {
	status := backends.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		rn.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
	}
	http.Error(w, fmt.Sprintf("%s: %v", op, err), status)
}

func readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", backends.ErrInvalidInput, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", backends.ErrInvalidInput)
	}
	return data, nil
}

func queryBool(r *http.Request, name string, def bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (rn *RavenNode) segmentOptions(r *http.Request) segmentation.Options {
	opts := segmentation.DefaultOptions()
	opts.WaitTimeout = rn.config.WaitTimeout
	opts.WaitForModel = queryBool(r, "wait", true)
	opts.IncludeCrops = queryBool(r, "include_crops", false)
	return opts
}

// handleApiSegment segments the image in the request body.
func (rn *RavenNode) handleApiSegment(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	data, err := readImage(w, r)
	if err != nil {
		rn.writeError(w, "segment", err)
		return
	}
	result, err := rn.segmenter.Run(r.Context(), data, rn.segmentOptions(r))
	if err != nil {
		RecordSegmentation("error", 0)
		rn.writeError(w, "segment", err)
		return
	}
	RecordSegmentation("ok", len(result.Objects))
	writeJSON(w, http.StatusOK, result)
}

// handleApiEmbed embeds the image in the request body.
func (rn *RavenNode) handleApiEmbed(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	data, err := readImage(w, r)
	if err != nil {
		rn.writeError(w, "embed", err)
		return
	}
	emb, err := rn.embedder.CreateEmbedding(r.Context(), data, queryBool(r, "segment_first", true))
	if err != nil {
		RecordEmbeddingCreation("error", false)
		rn.writeError(w, "embed", err)
		return
	}
	RecordEmbeddingCreation("ok", emb.Degenerate)
	writeJSON(w, http.StatusOK, emb)
}

// handleApiAnalyze segments the image and analyzes each object.
func (rn *RavenNode) handleApiAnalyze(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	data, err := readImage(w, r)
	if err != nil {
		rn.writeError(w, "analyze", err)
		return
	}
	result, err := rn.analyzer.Analyze(r.Context(), data, rn.segmentOptions(r))
	if err != nil {
		rn.writeError(w, "analyze", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleApiSearch ranks the stored vectors against a query vector or image.
func (rn *RavenNode) handleApiSearch(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	if rn.index == nil {
		http.Error(w, "search not available: no vectors loaded", http.StatusServiceUnavailable)
		return
	}

	var req SearchRequest
	if err := decoder.NewStreamDecoder(http.MaxBytesReader(w, r.Body, MaxImageBytes)).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %v", err), http.StatusBadRequest)
		return
	}
	k := req.K
	if k <= 0 {
		k = DefaultSearchK
	}

	resp := SearchResponse{}
	var query []float32
	switch {
	case req.VectorBase64 != "":
		v, err := embeddings.DecodeVectorDim(req.VectorBase64, rn.index.Dimension())
		if err != nil {
			rn.writeError(w, "search", err)
			return
		}
		query = v
	case req.ImageBase64 != "":
		data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			rn.writeError(w, "search", fmt.Errorf("%w: image_base64: %v", backends.ErrInvalidInput, err))
			return
		}
		segmentFirst := true
		if req.SegmentFirst != nil {
			segmentFirst = *req.SegmentFirst
		}
		emb, err := rn.embedder.CreateEmbedding(r.Context(), data, segmentFirst)
		if err != nil {
			rn.writeError(w, "search", err)
			return
		}
		query = emb.Vector
		resp.Segmentation = &emb.Segmentation
	default:
		http.Error(w, "vector_base64 or image_base64 is required", http.StatusBadRequest)
		return
	}

	results, err := rn.index.Search(query, k)
	if err != nil {
		rn.writeError(w, "search", err)
		return
	}
	resp.Results = results
	writeJSON(w, http.StatusOK, resp)
}
