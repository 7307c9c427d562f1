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

package embeddings

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
)

// EncodeVector serializes v as raw little-endian float32 values, base64 encoded.
// There is no length header; the length is implied by the configured dimension.
func EncodeVector(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeVector is the inverse of EncodeVector.
// Malformed payloads wrap ErrInvalidInput.
func DecodeVector(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding vector base64: %v", backends.ErrInvalidInput, err)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("%w: vector payload of %d bytes is not a float32 array",
			backends.ErrInvalidInput, len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}

// DecodeVectorDim decodes s and checks it holds exactly dim values.
func DecodeVectorDim(s string, dim int) ([]float32, error) {
	v, err := DecodeVector(s)
	if err != nil {
		return nil, err
	}
	if len(v) != dim {
		return nil, fmt.Errorf("%w: vector has %d dimensions, expected %d",
			backends.ErrInvalidInput, len(v), dim)
	}
	return v, nil
}
