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
	"regexp"
	"strconv"
	"strings"
)

// namesEntry matches one `0: 'gun'` pair of the exporter's names dictionary.
// Each quote style is matched on its own so "Ruger's" survives.
var namesEntry = regexp.MustCompile(`(\d+)\s*:\s*(?:'((?:[^'\\]|\\.)*)'|"((?:[^"\\]|\\.)*)")`)

// ParseNames parses the "names" metadata written by YOLO exporters,
// e.g. `{0: 'gun', 1: 'pistol'}`. Malformed entries are skipped.
func ParseNames(s string) map[int]string {
	names := make(map[int]string)
	for _, m := range namesEntry.FindAllStringSubmatch(s, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		name := m[2]
		if strings.HasSuffix(m[0], `"`) {
			name = m[3]
		}
		names[id] = unescapeName(name)
	}
	return names
}

// unescapeName drops the backslash of escaped characters, e.g. `\'`.
func unescapeName(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// InferTask picks a task from the "task" metadata value, falling back to the
// ranks of the model outputs: a rank-4 second output carries mask prototypes,
// a rank-3 first output is a detection head, anything else is a classifier.
func InferTask(meta string, outputRanks []int) Task {
	switch Task(strings.ToLower(strings.TrimSpace(meta))) {
	case TaskSegment:
		return TaskSegment
	case TaskDetect:
		return TaskDetect
	case TaskClassify:
		return TaskClassify
	}
	if len(outputRanks) >= 2 && outputRanks[1] == 4 {
		return TaskSegment
	}
	if len(outputRanks) >= 1 && outputRanks[0] == 3 {
		return TaskDetect
	}
	return TaskClassify
}
