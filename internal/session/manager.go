/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package session owns the connection lifecycle towards the bootstrap
// and device-management servers: bearer control, registration, retry
// backoff, the polling timer and the inactivity watchdog.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkondo/avc-agent/internal/domain/model"
	"github.com/nkondo/avc-agent/internal/infra/sqlite"
	"github.com/nkondo/avc-agent/internal/lwm2m"
	"github.com/nkondo/avc-agent/internal/notify"
	"github.com/nkondo/avc-agent/internal/store"
)

var (
	// ErrBusy means a connection attempt or retry is already in flight
	// for the target server.
	ErrBusy = errors.New("session: busy")

	// ErrDuplicate means the requested session is already established.
	ErrDuplicate = errors.New("session: already connected")

	// ErrUnavailable means no session exists to serve the operation.
	ErrUnavailable = errors.New("session: no active session")

	// ErrNoCredentials means neither a complete bootstrap triple nor a
	// complete DM triple exists for the target server.
	ErrNoCredentials = errors.New("session: credentials missing")
)

// DefaultLifetimeSeconds is the registration lifetime used when the
// polling timer is disabled.
const DefaultLifetimeSeconds = 86400

// timeAfterFunc is swappable in tests.
var timeAfterFunc = time.AfterFunc

// ClientFactory creates one protocol client per connection attempt.
// bootstrap selects the bootstrap credential set over the DM one.
type ClientFactory func(serverID model.ServerID, bootstrap bool) (lwm2m.Client, error)

// Options wires the manager's collaborators.
type Options struct {
	Store       *store.Store
	Credentials *sqlite.CredentialRepository
	Bearer      lwm2m.Bearer
	Factory     ClientFactory
	Bus         *notify.Bus

	// ActivityWindow is the inactivity span after which NO_UPDATE is
	// raised. Zero disables the watchdog.
	ActivityWindow time.Duration

	Logger *log.Logger
}

// Manager serves one connection at a time per server id.
type Manager struct {
	mu sync.Mutex

	store   *store.Store
	creds   *sqlite.CredentialRepository
	bearer  lwm2m.Bearer
	factory ClientFactory
	bus     *notify.Bus
	logger  *log.Logger

	phase   map[model.ServerID]model.SessionPhase
	clients map[model.ServerID]lwm2m.Client

	retry      *model.RetryIterator
	retryTimer *time.Timer

	pollTimer *time.Timer

	activityWindow time.Duration
	activityTimer  *time.Timer
	activityPaused bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Credentials == nil || opts.Factory == nil {
		return nil, errors.New("session: store, credentials and factory are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	cfg, err := opts.Store.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return &Manager{
		store:          opts.Store,
		creds:          opts.Credentials,
		bearer:         opts.Bearer,
		factory:        opts.Factory,
		bus:            opts.Bus,
		logger:         logger,
		phase:          make(map[model.ServerID]model.SessionPhase),
		clients:        make(map[model.ServerID]lwm2m.Client),
		retry:          model.NewRetryIterator(cfg.Retry),
		activityWindow: opts.ActivityWindow,
	}, nil
}

// Phase returns the lifecycle phase of one server's session.
func (m *Manager) Phase(serverID model.ServerID) model.SessionPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase[serverID]
}

// Connect brings up a session towards serverID. When the DM credential
// triple is absent but the bootstrap triple exists, a bootstrap session
// is run instead so the device can (re)provision itself.
func (m *Manager) Connect(ctx context.Context, serverID model.ServerID) error {
	m.mu.Lock()
	switch m.phase[serverID] {
	case model.SessionAuthenticating:
		m.mu.Unlock()
		return ErrBusy
	case model.SessionBSActive, model.SessionDMActive:
		m.mu.Unlock()
		return ErrDuplicate
	}
	if m.retryTimer != nil {
		m.mu.Unlock()
		return ErrBusy
	}

	bootstrap, err := m.selectCredentials(ctx, serverID)
	if err != nil {
		m.mu.Unlock()
		m.publish(notify.Event{Status: notify.StatusCredentialMissing})
		return err
	}
	m.phase[serverID] = model.SessionAuthenticating
	m.mu.Unlock()

	if bootstrap {
		m.backupBootstrap(ctx)
	}
	if err := m.establish(ctx, serverID, bootstrap); err != nil {
		m.handleFailure(ctx, serverID, bootstrap, err)
		return err
	}

	m.mu.Lock()
	if bootstrap {
		m.phase[serverID] = model.SessionBSActive
	} else {
		m.phase[serverID] = model.SessionDMActive
	}
	m.retry.Reset()
	m.mu.Unlock()

	m.publish(notify.Event{Status: notify.StatusConnectionStarted})
	if m.bus != nil {
		// Re-announce any pending prompt that was latched before the
		// previous disconnect.
		m.bus.Resend()
	}
	m.touchActivity()
	return nil
}

// selectCredentials enforces the triple invariant: all three DM items
// or all three BS items must be present before a connect may proceed.
func (m *Manager) selectCredentials(ctx context.Context, serverID model.ServerID) (bootstrap bool, err error) {
	if serverID.IsDM() {
		hasDM, err := m.creds.HasTriple(ctx, serverID)
		if err != nil {
			return false, err
		}
		if hasDM {
			return false, nil
		}
	}
	hasBS, err := m.creds.HasTriple(ctx, model.ServerBootstrap)
	if err != nil {
		return false, err
	}
	if !hasBS {
		return false, ErrNoCredentials
	}
	return true, nil
}

func (m *Manager) establish(ctx context.Context, serverID model.ServerID, bootstrap bool) error {
	if bootstrap {
		m.publish(notify.Event{Status: notify.StatusBootstrapStarted})
	} else {
		m.publish(notify.Event{Status: notify.StatusAuthStarted})
	}

	if m.bearer != nil {
		if err := m.bearer.Request(ctx); err != nil {
			return fmt.Errorf("bearer request: %w", err)
		}
	}

	client, err := m.factory(serverID, bootstrap)
	if err != nil {
		return fmt.Errorf("protocol client: %w", err)
	}
	if err := client.Register(ctx, m.lifetimeSeconds()); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	m.mu.Lock()
	m.clients[serverID] = client
	m.mu.Unlock()
	return nil
}

func (m *Manager) lifetimeSeconds() uint32 {
	cfg, err := m.store.LoadSettings()
	if err != nil || !cfg.Polling.Enabled() {
		return DefaultLifetimeSeconds
	}
	return cfg.Polling.LifetimeSeconds()
}

// handleFailure releases the bearer, reports the failure, applies the
// bootstrap rollback when the failed session was a bootstrap one, and
// arms the next retry slot.
func (m *Manager) handleFailure(ctx context.Context, serverID model.ServerID, bootstrap bool, cause error) {
	m.logger.Printf("session: %s connect failed: %v", serverID, cause)
	if m.bearer != nil {
		if err := m.bearer.Release(); err != nil {
			m.logger.Printf("session: bearer release failed: %v", err)
		}
	}

	if bootstrap {
		m.publish(notify.Event{Status: notify.StatusBootstrapFailed})
		m.rollbackBootstrap(ctx)
	} else {
		m.publish(notify.Event{Status: notify.StatusAuthFailed})
	}
	m.publish(notify.Event{Status: notify.StatusConnectionFailed})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase[serverID] = model.SessionFailed
	delete(m.clients, serverID)
	m.armRetryLocked(serverID)
}

// backupBootstrap snapshots the bootstrap triple before the exchange
// may overwrite it. An existing backup is kept: it is the known-good
// set from before the first exchange, possibly factory provisioned.
func (m *Manager) backupBootstrap(ctx context.Context) {
	for _, kind := range model.BootstrapKinds {
		ok, err := m.creds.HasBackup(ctx, kind)
		if err != nil {
			m.logger.Printf("session: backup probe %s failed: %v", kind, err)
			continue
		}
		if ok {
			continue
		}
		if err := m.creds.Backup(ctx, kind); err != nil {
			m.logger.Printf("session: backup %s failed: %v", kind, err)
		}
	}
}

// rollbackBootstrap restores the backed-up bootstrap triple and wipes
// every DM credential, so the next attempt re-bootstraps from the
// factory-provisioned server.
func (m *Manager) rollbackBootstrap(ctx context.Context) {
	for _, kind := range model.BootstrapKinds {
		ok, err := m.creds.HasBackup(ctx, kind)
		if err != nil || !ok {
			continue
		}
		if err := m.creds.Restore(ctx, kind); err != nil {
			m.logger.Printf("session: restore %s failed: %v", kind, err)
		}
	}
	if err := m.creds.DeleteDM(ctx); err != nil {
		m.logger.Printf("session: dm credential wipe failed: %v", err)
	}
	m.logger.Printf("session: bootstrap rollback applied")
}

func (m *Manager) armRetryLocked(serverID model.ServerID) {
	delay, err := m.retry.Next()
	if err != nil {
		m.logger.Printf("session: retry slots exhausted, giving up")
		m.phase[serverID] = model.SessionIdle
		return
	}
	m.logger.Printf("session: retrying %s in %s", serverID, delay)
	m.retryTimer = timeAfterFunc(delay, func() {
		m.mu.Lock()
		m.retryTimer = nil
		m.phase[serverID] = model.SessionIdle
		m.mu.Unlock()
		if err := m.Connect(context.Background(), serverID); err != nil {
			m.logger.Printf("session: retry connect failed: %v", err)
		}
	})
}

// Disconnect tears down every active session. When nothing is
// connected it cancels a pending retry instead. resetRetry rewinds the
// backoff cursor.
func (m *Manager) Disconnect(ctx context.Context, resetRetry bool) error {
	m.mu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.activityTimer != nil {
		m.activityTimer.Stop()
		m.activityTimer = nil
	}
	clients := make(map[model.ServerID]lwm2m.Client, len(m.clients))
	for id, c := range m.clients {
		clients[id] = c
		delete(m.clients, id)
	}
	for id := range m.phase {
		m.phase[id] = model.SessionIdle
	}
	if resetRetry {
		m.retry.Reset()
	}
	m.mu.Unlock()

	var firstErr error
	for id, c := range clients {
		if err := c.Deregister(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deregister %s: %w", id, err)
		}
	}
	if m.bearer != nil && len(clients) > 0 {
		if err := m.bearer.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(clients) > 0 {
		m.publish(notify.Event{Status: notify.StatusConnectionStopped})
	}
	return firstErr
}

// Update sends a registration update on the primary active session.
func (m *Manager) Update(ctx context.Context) error {
	client := m.activeClient()
	if client == nil {
		return ErrUnavailable
	}
	if err := client.Update(ctx); err != nil {
		return err
	}
	m.touchActivity()
	return nil
}

// Push sends an uplink payload on the primary active session and
// returns a message id. A locally generated id is substituted when the
// protocol stack does not assign one.
func (m *Manager) Push(ctx context.Context, payload []byte, contentType string) (string, error) {
	m.mu.Lock()
	for _, ph := range m.phase {
		if ph == model.SessionAuthenticating {
			m.mu.Unlock()
			return "", ErrBusy
		}
	}
	m.mu.Unlock()

	client := m.activeClient()
	if client == nil {
		return "", ErrUnavailable
	}
	id, err := client.Send(ctx, payload, contentType)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}
	m.touchActivity()
	return id, nil
}

// activeClient returns the DM client if up, otherwise any established
// client.
func (m *Manager) activeClient() lwm2m.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[model.ServerDM]; ok {
		return c
	}
	for _, c := range m.clients {
		return c
	}
	return nil
}

func (m *Manager) publish(ev notify.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// PauseActivity suspends the inactivity watchdog while a download or
// install is pending.
func (m *Manager) PauseActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activityPaused = true
	if m.activityTimer != nil {
		m.activityTimer.Stop()
		m.activityTimer = nil
	}
}

// ResumeActivity re-arms the inactivity watchdog.
func (m *Manager) ResumeActivity() {
	m.mu.Lock()
	m.activityPaused = false
	m.mu.Unlock()
	m.touchActivity()
}

// touchActivity restarts the inactivity window after traffic.
func (m *Manager) touchActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activityWindow <= 0 || m.activityPaused {
		return
	}
	if m.activityTimer != nil {
		m.activityTimer.Stop()
	}
	m.activityTimer = timeAfterFunc(m.activityWindow, func() {
		m.publish(notify.Event{Status: notify.StatusNoUpdate})
	})
}

// StartPolling arms the periodic connect timer, replaying the persisted
// epoch first so a power cycle cannot skip a scheduled connection.
func (m *Manager) StartPolling(ctx context.Context) error {
	cfg, err := m.store.LoadSettings()
	if err != nil {
		return err
	}
	if !cfg.Polling.Enabled() {
		return nil
	}
	interval := cfg.Polling.Interval()

	delay := interval
	if cfg.PollingEpochSec > 0 {
		elapsed := time.Since(time.Unix(cfg.PollingEpochSec, 0))
		if elapsed >= interval {
			delay = 0
		} else {
			delay = interval - elapsed
		}
	}
	m.armPoll(delay)
	return nil
}

// StopPolling cancels the periodic connect timer.
func (m *Manager) StopPolling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollTimer != nil {
		m.pollTimer.Stop()
		m.pollTimer = nil
	}
}

func (m *Manager) armPoll(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollTimer != nil {
		m.pollTimer.Stop()
	}
	m.pollTimer = timeAfterFunc(delay, m.pollFire)
}

// pollFire persists the epoch before connecting, so the schedule
// survives a crash between the two steps.
func (m *Manager) pollFire() {
	cfg, err := m.store.LoadSettings()
	if err == nil {
		cfg.PollingEpochSec = time.Now().Unix()
		if err := m.store.SaveSettings(cfg); err != nil {
			m.logger.Printf("session: polling epoch save failed: %v", err)
		}
		m.armPoll(cfg.Polling.Interval())
	}
	if err := m.Connect(context.Background(), model.ServerDM); err != nil &&
		!errors.Is(err, ErrDuplicate) && !errors.Is(err, ErrBusy) {
		m.logger.Printf("session: polled connect failed: %v", err)
	}
}
