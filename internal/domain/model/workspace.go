/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

// ResumeWorkspace is the persistent descriptor that lets an interrupted
// download continue after a reboot or connectivity loss. It is deleted
// when a job ends and truncated on a fresh start so an interrupted job
// can be told apart from no job at all.
type ResumeWorkspace struct {
	URI             string     `cbor:"1,keyasint"`
	Type            UpdateType `cbor:"2,keyasint"`
	PackageSize     int64      `cbor:"3,keyasint"`
	BytesDownloaded int64      `cbor:"4,keyasint"`
	HasherState     []byte     `cbor:"5,keyasint,omitempty"`
}

// BytesLeft is the remaining byte count, or zero when unknown.
func (w ResumeWorkspace) BytesLeft() int64 {
	if w.PackageSize <= 0 || w.BytesDownloaded >= w.PackageSize {
		return 0
	}
	return w.PackageSize - w.BytesDownloaded
}

// InProgress reports whether the workspace describes a partially
// downloaded package.
func (w ResumeWorkspace) InProgress() bool {
	return w.URI != "" && w.BytesDownloaded > 0 && w.BytesLeft() > 0
}

// PackageMeta carries the verification material delivered alongside a
// package URI. It is persisted next to the resume workspace so a
// download resumed after a reboot can still be verified at end of
// stream.
type PackageMeta struct {
	Signature []byte `cbor:"1,keyasint,omitempty"`
	Envelope  []byte `cbor:"2,keyasint,omitempty"`
	Checksum  string `cbor:"3,keyasint,omitempty"`
}
