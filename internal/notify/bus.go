/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package notify fans coalesced status events out to the registered
// observers. Delivery is strictly sequential per observer and never
// reordered.
package notify

import (
	"log"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/nkondo/avc-agent/internal/domain"
)

// Status is one of the fixed event codes delivered to observers.
type Status int

const (
	StatusNoUpdate Status = iota
	StatusConnectionPending
	StatusConnectionStarted
	StatusConnectionFailed
	StatusConnectionStopped
	StatusBootstrapStarted
	StatusBootstrapFailed
	StatusAuthStarted
	StatusAuthFailed
	StatusDownloadPending
	StatusDownloadInProgress
	StatusDownloadComplete
	StatusDownloadFailed
	StatusCertifiedDownloadPending
	StatusInstallPending
	StatusInstallInProgress
	StatusInstallComplete
	StatusInstallFailed
	StatusUninstallPending
	StatusUninstallInProgress
	StatusUninstallComplete
	StatusUninstallFailed
	StatusRebootPending
	StatusCredentialUpdated
	StatusCredentialMissing
)

func (s Status) String() string {
	switch s {
	case StatusNoUpdate:
		return "no-update"
	case StatusConnectionPending:
		return "connection-pending"
	case StatusConnectionStarted:
		return "connection-started"
	case StatusConnectionFailed:
		return "connection-failed"
	case StatusConnectionStopped:
		return "connection-stopped"
	case StatusBootstrapStarted:
		return "bootstrap-started"
	case StatusBootstrapFailed:
		return "bootstrap-failed"
	case StatusAuthStarted:
		return "auth-started"
	case StatusAuthFailed:
		return "auth-failed"
	case StatusDownloadPending:
		return "download-pending"
	case StatusDownloadInProgress:
		return "download-in-progress"
	case StatusDownloadComplete:
		return "download-complete"
	case StatusDownloadFailed:
		return "download-failed"
	case StatusCertifiedDownloadPending:
		return "certified-download-pending"
	case StatusInstallPending:
		return "install-pending"
	case StatusInstallInProgress:
		return "install-in-progress"
	case StatusInstallComplete:
		return "install-complete"
	case StatusInstallFailed:
		return "install-failed"
	case StatusUninstallPending:
		return "uninstall-pending"
	case StatusUninstallInProgress:
		return "uninstall-in-progress"
	case StatusUninstallComplete:
		return "uninstall-complete"
	case StatusUninstallFailed:
		return "uninstall-failed"
	case StatusRebootPending:
		return "reboot-pending"
	case StatusCredentialUpdated:
		return "credential-updated"
	case StatusCredentialMissing:
		return "credential-missing"
	default:
		return "unknown"
	}
}

// Event is one coalesced status notification.
type Event struct {
	Status     Status           `cbor:"1,keyasint"`
	TotalBytes int64            `cbor:"2,keyasint,omitempty"`
	Progress   int              `cbor:"3,keyasint,omitempty"` // percent, 0-100
	Context    domain.ErrorKind `cbor:"4,keyasint,omitempty"`
}

// Encode renders the event as its on-wire CBOR form for observers
// attached over IPC.
func (e Event) Encode() ([]byte, error) {
	return cbor.Marshal(e)
}

// Observer receives events. Callbacks run on the bus caller's
// goroutine; observers must not block.
type Observer func(Event)

// Bus delivers events to zero or more observers in registration order.
// The most recent pending-class event is latched so it can be
// re-announced when a new session starts.
type Bus struct {
	mu        sync.Mutex
	observers map[string]Observer
	order     []string
	last      *Event
	latched   *Event
	logger    *log.Logger
}

func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		observers: make(map[string]Observer),
		logger:    logger,
	}
}

// Register attaches an observer under a client id. Re-registering the
// same id replaces the callback but keeps its delivery position.
func (b *Bus) Register(id string, obs Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.observers[id]; !ok {
		b.order = append(b.order, id)
	}
	b.observers[id] = obs
}

// Unregister detaches an observer.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.observers[id]; !ok {
		return
	}
	delete(b.observers, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// HasObservers reports whether at least one observer is attached.
func (b *Bus) HasObservers() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers) > 0
}

// Publish delivers the event to every observer in order. Consecutive
// duplicate progress events are coalesced away.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.last != nil && *b.last == ev && ev.Status == StatusDownloadInProgress {
		b.mu.Unlock()
		return
	}
	evCopy := ev
	b.last = &evCopy
	if pendingStatus(ev.Status) {
		b.latched = &evCopy
	}
	if b.latched != nil && settles(ev.Status, b.latched.Status) {
		b.latched = nil
	}
	targets := make([]Observer, 0, len(b.order))
	for _, id := range b.order {
		targets = append(targets, b.observers[id])
	}
	b.mu.Unlock()

	b.logger.Printf("notify: %s progress=%d%% total=%d context=%s",
		ev.Status, ev.Progress, ev.TotalBytes, ev.Context)
	for _, obs := range targets {
		obs(ev)
	}
}

// Resend re-announces the latched pending event, if any. The session
// manager calls this when a new session starts so a pending prompt
// survives a disconnect.
func (b *Bus) Resend() {
	b.mu.Lock()
	latched := b.latched
	b.mu.Unlock()
	if latched != nil {
		b.Publish(*latched)
	}
}

func pendingStatus(s Status) bool {
	switch s {
	case StatusDownloadPending, StatusInstallPending, StatusUninstallPending,
		StatusRebootPending, StatusConnectionPending, StatusCertifiedDownloadPending:
		return true
	default:
		return false
	}
}

// settles reports whether a terminal event resolves the latched prompt.
// A terminal from one operation class must not drop a prompt from
// another, so the match is per class.
func settles(terminal, pending Status) bool {
	switch terminal {
	case StatusDownloadComplete, StatusDownloadFailed:
		return pending == StatusDownloadPending || pending == StatusCertifiedDownloadPending
	case StatusInstallComplete, StatusInstallFailed:
		return pending == StatusInstallPending
	case StatusUninstallComplete, StatusUninstallFailed:
		return pending == StatusUninstallPending
	case StatusConnectionStarted, StatusConnectionFailed:
		return pending == StatusConnectionPending
	default:
		return false
	}
}
