/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package crypto provides the incremental digest, signature and
// checksum primitives the package pipeline relies on. Hasher state can
// be serialized so an in-flight digest survives a download suspension
// and a reboot.
package crypto

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"

	"github.com/fxamacker/cbor/v2"
)

// Algo selects the digest algorithm of a Hasher.
type Algo int

const (
	SHA1 Algo = iota + 1
	SHA256
)

var (
	ErrUnknownAlgo      = errors.New("unknown digest algorithm")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Hasher is an incremental digest with serializable state.
type Hasher struct {
	algo Algo
	h    hash.Hash
}

// hasherState is the persisted form of an in-flight digest. The inner
// state bytes come from the digest's own binary marshaling, wrapped in
// an explicit record instead of a raw memory copy.
type hasherState struct {
	Algo  Algo   `cbor:"1,keyasint"`
	State []byte `cbor:"2,keyasint"`
}

// NewHasher starts a fresh digest.
func NewHasher(algo Algo) (*Hasher, error) {
	switch algo {
	case SHA1:
		return &Hasher{algo: algo, h: sha1.New()}, nil
	case SHA256:
		return &Hasher{algo: algo, h: sha256.New()}, nil
	default:
		return nil, ErrUnknownAlgo
	}
}

// Update feeds a chunk into the digest.
func (h *Hasher) Update(chunk []byte) {
	h.h.Write(chunk)
}

// Sum returns the digest of everything fed so far without disturbing
// the running state.
func (h *Hasher) Sum() []byte {
	return h.h.Sum(nil)
}

// Algo returns the digest algorithm.
func (h *Hasher) Algo() Algo {
	return h.algo
}

// SaveState serializes the in-flight digest.
func (h *Hasher) SaveState() ([]byte, error) {
	m, ok := h.h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("digest does not support state export")
	}
	inner, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal digest state: %w", err)
	}
	return cbor.Marshal(hasherState{Algo: h.algo, State: inner})
}

// RestoreHasher resurrects a digest from a SaveState record.
func RestoreHasher(data []byte) (*Hasher, error) {
	var st hasherState
	if err := cbor.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode digest state: %w", err)
	}
	h, err := NewHasher(st.Algo)
	if err != nil {
		return nil, err
	}
	u, ok := h.h.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, fmt.Errorf("digest does not support state import")
	}
	if err := u.UnmarshalBinary(st.State); err != nil {
		return nil, fmt.Errorf("unmarshal digest state: %w", err)
	}
	return h, nil
}

// CompareHex checks the digest against an expected lowercase or
// uppercase hex string. ErrChecksumMismatch when they differ.
func (h *Hasher) CompareHex(expected string) error {
	want, err := hex.DecodeString(expected)
	if err != nil {
		return fmt.Errorf("decode expected checksum: %w", err)
	}
	got := h.Sum()
	if len(want) != len(got) || subtle.ConstantTimeCompare(want, got) != 1 {
		return ErrChecksumMismatch
	}
	return nil
}
