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

package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNames(t *testing.T) {
	names := ParseNames(`{0: 'gun', 1: 'pistol', 2: "rifle", 3: 'weapon'}`)
	require.Len(t, names, 4)
	assert.Equal(t, "gun", names[0])
	assert.Equal(t, "rifle", names[2])
	assert.Equal(t, "weapon", names[3])

	assert.Empty(t, ParseNames(""))
	assert.Empty(t, ParseNames("not a dict"))
}

func TestParseNames_MixedQuotes(t *testing.T) {
	names := ParseNames(`{0: "Ruger's", 1: 'Say "hi"', 2: 'O\'Neil', 3: 'Glock'}`)
	require.Len(t, names, 4)
	assert.Equal(t, "Ruger's", names[0])
	assert.Equal(t, `Say "hi"`, names[1])
	assert.Equal(t, "O'Neil", names[2])
	assert.Equal(t, "Glock", names[3])
}

func TestInferTask(t *testing.T) {
	tests := []struct {
		name  string
		meta  string
		ranks []int
		want  Task
	}{
		{"metadata wins", "classify", []int{3, 4}, TaskClassify},
		{"metadata case insensitive", " Segment ", nil, TaskSegment},
		{"prototype output", "", []int{3, 4}, TaskSegment},
		{"detection head", "", []int{3}, TaskDetect},
		{"probabilities", "", []int{2}, TaskClassify},
		{"unknown metadata falls back to ranks", "pose", []int{3}, TaskDetect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferTask(tt.meta, tt.ranks))
		})
	}
}

func TestApplyOptions(t *testing.T) {
	cfg := ApplyOptions(WithTask(TaskClassify), WithNumThreads(2), WithMaxConcurrency(0), WithFeatureOutput("features"))
	assert.Equal(t, TaskClassify, cfg.Task)
	assert.Equal(t, 2, cfg.NumThreads)
	assert.Equal(t, 1, cfg.MaxConcurrency)
	assert.Equal(t, "features", cfg.FeatureOutput)
	assert.Equal(t, DefaultYOLOConfig(), cfg.YOLO)
}

func TestUnavailableLoader(t *testing.T) {
	_, err := unavailableLoader{}.Load("/models/segment_model.onnx")
	require.Error(t, err)
	assert.True(t, IsModelUnavailable(err))
}
