/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

// ServerID identifies one of the device-management endpoints the agent
// can talk to. The bootstrap server always uses the reserved id 0; the
// primary DM server and the extended DM server follow.
type ServerID int

const (
	ServerBootstrap ServerID = 0
	ServerDM        ServerID = 1
	ServerEDM       ServerID = 2
)

func (s ServerID) String() string {
	switch s {
	case ServerBootstrap:
		return "bootstrap"
	case ServerDM:
		return "dm"
	case ServerEDM:
		return "edm"
	default:
		return "unknown"
	}
}

// IsDM reports whether the server is a device-management endpoint
// (primary or extended) rather than the bootstrap server.
func (s ServerID) IsDM() bool {
	return s == ServerDM || s == ServerEDM
}

// SessionPhase tracks the authentication/session lifecycle of one
// server connection.
type SessionPhase int

const (
	SessionIdle SessionPhase = iota
	SessionAuthenticating
	SessionBSActive
	SessionDMActive
	SessionFailed
)

func (p SessionPhase) String() string {
	switch p {
	case SessionIdle:
		return "idle"
	case SessionAuthenticating:
		return "authenticating"
	case SessionBSActive:
		return "bs-active"
	case SessionDMActive:
		return "dm-active"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}
