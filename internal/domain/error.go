/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package domain

import "errors"

var (
	ErrNotFound = errors.New("item not found")
	ErrCorrupt  = errors.New("item corrupt")
	ErrIO       = errors.New("io failure")
)

// ErrorKind is the stable failure taxonomy surfaced through the
// notification bus. Each kind maps to an LwM2M update result when a job
// is reported upstream.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindBadPackage
	KindBadAddress
	KindOverflow
	KindDeviceSpecific
	KindNetwork
	KindRAM
	KindPipe
	KindSecurityFailure
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBadPackage:
		return "bad package"
	case KindBadAddress:
		return "bad address"
	case KindOverflow:
		return "overflow"
	case KindDeviceSpecific:
		return "device specific"
	case KindNetwork:
		return "network"
	case KindRAM:
		return "ram"
	case KindPipe:
		return "pipe"
	case KindSecurityFailure:
		return "security failure"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Recoverable reports whether a failure of this kind suspends the job
// for a later retry instead of terminating it.
func (k ErrorKind) Recoverable() bool {
	return k == KindNetwork || k == KindRAM
}
