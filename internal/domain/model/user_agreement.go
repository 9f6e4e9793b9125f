/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

// Operation is a potentially disruptive action gated by user agreement.
type Operation int

const (
	OpConnect Operation = iota
	OpDownload
	OpInstall
	OpUninstall
	OpReboot
)

func (o Operation) String() string {
	switch o {
	case OpConnect:
		return "connect"
	case OpDownload:
		return "download"
	case OpInstall:
		return "install"
	case OpUninstall:
		return "uninstall"
	case OpReboot:
		return "reboot"
	default:
		return "unknown"
	}
}

// UserAgreement holds the five independent consent flags. A set flag
// means human approval is required before the operation runs.
type UserAgreement struct {
	Connect   bool `cbor:"1,keyasint"`
	Download  bool `cbor:"2,keyasint"`
	Install   bool `cbor:"3,keyasint"`
	Uninstall bool `cbor:"4,keyasint"`
	Reboot    bool `cbor:"5,keyasint"`
}

// DefaultUserAgreement requires approval for everything.
func DefaultUserAgreement() UserAgreement {
	return UserAgreement{
		Connect:   true,
		Download:  true,
		Install:   true,
		Uninstall: true,
		Reboot:    true,
	}
}

// Required reports whether the given operation needs consent.
func (u UserAgreement) Required(op Operation) bool {
	switch op {
	case OpConnect:
		return u.Connect
	case OpDownload:
		return u.Download
	case OpInstall:
		return u.Install
	case OpUninstall:
		return u.Uninstall
	case OpReboot:
		return u.Reboot
	default:
		return true
	}
}

// Set updates one consent flag.
func (u *UserAgreement) Set(op Operation, required bool) {
	switch op {
	case OpConnect:
		u.Connect = required
	case OpDownload:
		u.Download = required
	case OpInstall:
		u.Install = required
	case OpUninstall:
		u.Uninstall = required
	case OpReboot:
		u.Reboot = required
	}
}
