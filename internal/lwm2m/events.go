/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package lwm2m

import "context"

// OpKind is the class of a parsed server operation.
type OpKind int

const (
	OpCreate OpKind = iota
	OpWrite
	OpExecute
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpExecute:
		return "execute"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Resource ids the core acts on. Only the update-relevant subset of
// objects 5 and 9 appears here.
const (
	ResPackageURI = 1 // object 5 and 9
	ResUpdate     = 2 // object 5 execute
	ResInstall    = 4 // object 9 execute
	ResUninstall  = 6 // object 9 execute
)

// ServerEvent is one parsed operation pushed by a DM server. The codec
// delivers these; the core never sees raw CoAP.
type ServerEvent struct {
	Kind       OpKind
	Object     ObjectID
	InstanceID int
	ResourceID int
	Payload    []byte
}

// RegState is the packet-switched network registration state reported
// by the bearer service.
type RegState int

const (
	RegUnknown RegState = iota
	RegNotRegistered
	RegSearching
	RegDenied
	RegHome
	RegRoaming
)

// Attached reports whether packet-switched data service is usable.
func (r RegState) Attached() bool {
	return r == RegHome || r == RegRoaming
}

// Client is the protocol stack contract (external collaborator). One
// instance serves one server connection and is discarded afterwards.
type Client interface {
	// Register opens the session and registers the object list.
	Register(ctx context.Context, lifetimeSeconds uint32) error
	// Deregister closes the session cleanly.
	Deregister(ctx context.Context) error
	// Update sends a registration update.
	Update(ctx context.Context) error
	// Send pushes an uplink payload; returns the protocol message id.
	Send(ctx context.Context, payload []byte, contentType string) (string, error)
	// PublishObjects replaces the advertised software object instances.
	PublishObjects(instances []ObjectInstance) error
}

// ObjectInstance describes one advertised object 9 instance.
type ObjectInstance struct {
	Object     ObjectID
	InstanceID int
	Name       string
	Version    string
	Activated  bool
}

// Bearer is the network-bearer service contract (external
// collaborator).
type Bearer interface {
	// Request brings the data bearer up. Blocks until up or ctx ends.
	Request(ctx context.Context) error
	// Release drops this client's interest in the bearer.
	Release() error
	// RegistrationState queries the packet-switched attach state.
	RegistrationState() RegState
}
