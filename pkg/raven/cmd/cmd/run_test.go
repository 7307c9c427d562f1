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

package cmd

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeModels struct{ ready atomic.Bool }

func (f *fakeModels) IsReady() bool { return f.ready.Load() }

func TestReadinessCheck(t *testing.T) {
	server := &atomic.Bool{}
	models := &fakeModels{}
	check := readinessCheck(server, models)

	assert.False(t, check())

	// Server up, models still loading
	server.Store(true)
	assert.False(t, check())

	models.ready.Store(true)
	assert.True(t, check())

	server.Store(false)
	assert.False(t, check())
}
