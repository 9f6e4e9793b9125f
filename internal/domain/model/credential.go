/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// CredentialKind names one slot in the secure credential store.
type CredentialKind int

const (
	CredFwKey CredentialKind = iota
	CredSwKey
	CredCert
	CredBsPublic
	CredBsSecret
	CredBsAddress
	CredDmPublic
	CredDmSecret
	CredDmAddress
)

func (k CredentialKind) String() string {
	switch k {
	case CredFwKey:
		return "fwKey"
	case CredSwKey:
		return "swKey"
	case CredCert:
		return "cert"
	case CredBsPublic:
		return "bsPublic"
	case CredBsSecret:
		return "bsSecret"
	case CredBsAddress:
		return "bsAddress"
	case CredDmPublic:
		return "dmPublic"
	case CredDmSecret:
		return "dmSecret"
	case CredDmAddress:
		return "dmAddress"
	default:
		return "unknown"
	}
}

// IsBootstrap reports whether the kind belongs to the bootstrap
// credential triple. Bootstrap entries always live under the reserved
// bootstrap server id.
func (k CredentialKind) IsBootstrap() bool {
	return k == CredBsPublic || k == CredBsSecret || k == CredBsAddress
}

// Credential is one entry of the secure store. Bytes are handed out as
// short-lived copies; callers zeroise them after use.
type Credential struct {
	Kind      CredentialKind
	ServerID  ServerID
	Bytes     []byte
	CreatedAt time.Time
}

// Zeroise overwrites the credential bytes in place.
func (c *Credential) Zeroise() {
	for i := range c.Bytes {
		c.Bytes[i] = 0
	}
}

// BootstrapKinds is the credential triple required to reach the
// bootstrap server.
var BootstrapKinds = []CredentialKind{CredBsPublic, CredBsSecret, CredBsAddress}

// DMKinds is the credential triple required to reach a DM server.
var DMKinds = []CredentialKind{CredDmPublic, CredDmSecret, CredDmAddress}
