/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package util

import (
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := NewSet("a", "b")
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("c"))

	s.Add("c")
	assert.True(t, s.Has("c"))
	assert.Equal(t, 3, s.Len())

	s.Remove("a")
	assert.False(t, s.Has("a"))
	s.Remove("a") // idempotent
	assert.Equal(t, 2, s.Len())
}

func TestRenderCBORPretty(t *testing.T) {
	raw, err := cbor.Marshal(map[any]any{
		1:     "one",
		"bin": []byte{0xde, 0xad},
		"seq": []any{int64(1), int64(2)},
	})
	require.NoError(t, err)

	out, err := RenderCBORPretty(raw)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, `"1": "one"`))
	assert.True(t, strings.Contains(out, `h'dead'`))

	_, err = RenderCBORPretty([]byte("not cbor at all"))
	assert.Error(t, err)
}
