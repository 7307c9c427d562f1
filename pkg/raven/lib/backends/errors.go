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
	"net/http"
)

var (
	// ErrInvalidInput signals a malformed or undecodable image or vector payload.
	// Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrModelUnavailable signals that a required model is not loaded (yet or ever).
	// Callers may wait or retry the whole request later.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrModelExecution signals that a model ran but failed.
	ErrModelExecution = errors.New("model execution failed")
)

// IsInvalidInput reports whether err indicates bad input (return 400).
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsModelUnavailable reports whether err indicates a missing model (return 503).
func IsModelUnavailable(err error) bool {
	return errors.Is(err, ErrModelUnavailable)
}

// IsModelExecution reports whether err indicates a failed forward pass (return 500).
func IsModelExecution(err error) bool {
	return errors.Is(err, ErrModelExecution)
}

// HTTPStatus maps an error from this package's taxonomy to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsModelUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
