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
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorPredicates(t *testing.T) {
	wrapped := fmt.Errorf("decoding image: %w", ErrInvalidInput)
	assert.True(t, IsInvalidInput(wrapped))
	assert.False(t, IsModelUnavailable(wrapped))

	unavailable := fmt.Errorf("segmentation: %w", ErrModelUnavailable)
	assert.True(t, IsModelUnavailable(unavailable))
	assert.False(t, IsInvalidInput(unavailable))

	exec := fmt.Errorf("%w: boom", ErrModelExecution)
	assert.True(t, IsModelExecution(exec))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(fmt.Errorf("x: %w", ErrInvalidInput)))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(fmt.Errorf("x: %w", ErrModelUnavailable)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("x: %w", ErrModelExecution)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("other")))
}
