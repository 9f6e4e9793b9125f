/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasher_SaveRestoreMatchesFreshRun(t *testing.T) {
	payload := make([]byte, 256*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	for _, algo := range []Algo{SHA1, SHA256} {
		fresh, err := NewHasher(algo)
		require.NoError(t, err)
		fresh.Update(payload)

		// hash the first part, suspend, resume, hash the rest
		split := 100 * 1024
		first, err := NewHasher(algo)
		require.NoError(t, err)
		first.Update(payload[:split])
		state, err := first.SaveState()
		require.NoError(t, err)

		resumed, err := RestoreHasher(state)
		require.NoError(t, err)
		assert.Equal(t, algo, resumed.Algo())
		resumed.Update(payload[split:])

		assert.True(t, bytes.Equal(fresh.Sum(), resumed.Sum()),
			"resumed digest must equal fresh digest for algo %d", algo)
	}
}

func TestHasher_SumDoesNotDisturbState(t *testing.T) {
	h, err := NewHasher(SHA256)
	require.NoError(t, err)
	h.Update([]byte("part one "))
	_ = h.Sum()
	h.Update([]byte("part two"))

	want := sha256.Sum256([]byte("part one part two"))
	assert.Equal(t, want[:], h.Sum())
}

func TestHasher_CompareHex(t *testing.T) {
	h, err := NewHasher(SHA256)
	require.NoError(t, err)
	h.Update([]byte("package-bytes"))

	sum := sha256.Sum256([]byte("package-bytes"))
	assert.NoError(t, h.CompareHex(hex.EncodeToString(sum[:])))
	assert.ErrorIs(t, h.CompareHex(hex.EncodeToString(make([]byte, 32))), ErrChecksumMismatch)
	assert.Error(t, h.CompareHex("not-hex"))
}

func TestNewHasher_UnknownAlgo(t *testing.T) {
	_, err := NewHasher(Algo(99))
	assert.ErrorIs(t, err, ErrUnknownAlgo)
}

func TestRestoreHasher_GarbageState(t *testing.T) {
	_, err := RestoreHasher([]byte{0xff, 0x00, 0x13})
	assert.Error(t, err)
}
