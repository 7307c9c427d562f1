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
	"testing"

	"github.com/0n6k4v/raven/pkg/raven/lib/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeVector_LittleEndianNoHeader(t *testing.T) {
	encoded := EncodeVector([]float32{1})
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	// 1.0 is 0x3f800000
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, raw)
}

func TestDecodeVector_RoundTrip(t *testing.T) {
	in := ToFixedDimension([]float32{0.5, -2, 8}, 257)
	out, err := DecodeVectorDim(EncodeVector(in), 257)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeVector_Malformed(t *testing.T) {
	_, err := DecodeVector("***")
	require.Error(t, err)
	assert.True(t, backends.IsInvalidInput(err))

	_, err = DecodeVector(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	require.Error(t, err)
	assert.True(t, backends.IsInvalidInput(err))

	_, err = DecodeVectorDim(EncodeVector([]float32{1, 2}), 3)
	require.Error(t, err)
	assert.True(t, backends.IsInvalidInput(err))
}
