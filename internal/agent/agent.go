/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package agent wires the device-management core together and owns its
// event loop. Everything that mutates shared state runs on that loop;
// the exported API posts work to it and the deferral timers drain
// through it.
package agent

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/nkondo/avc-agent/internal/domain/model"
	"github.com/nkondo/avc-agent/internal/download"
	"github.com/nkondo/avc-agent/internal/infra/sqlite"
	"github.com/nkondo/avc-agent/internal/lwm2m"
	"github.com/nkondo/avc-agent/internal/notify"
	"github.com/nkondo/avc-agent/internal/orchestrator"
	"github.com/nkondo/avc-agent/internal/pipeline"
	"github.com/nkondo/avc-agent/internal/registry"
	"github.com/nkondo/avc-agent/internal/session"
	"github.com/nkondo/avc-agent/internal/store"
)

const taskQueueDepth = 32

// Options assembles the agent. Store, Credentials, Bindings and
// Factory are mandatory; the driver interfaces may be nil during
// bring-up at the cost of the corresponding operations failing.
type Options struct {
	Store       *store.Store
	Credentials *sqlite.CredentialRepository
	Bindings    *sqlite.BindingRepository

	Bearer  lwm2m.Bearer
	Factory session.ClientFactory

	Flasher   orchestrator.Flasher
	Installer orchestrator.AppInstaller
	Rebooter  orchestrator.Rebooter
	Apps      registry.AppLister

	// DownloadTimeout overrides the HTTP reader timeout.
	DownloadTimeout time.Duration
	// TLSBundle is the provisioned cipher-suite bundle, nil for the
	// embedded default root.
	TLSBundle *download.Bundle

	// DeniedApps hides system packages from the advertised registry.
	DeniedApps []string

	// ActivityWindow is the session inactivity span before NO_UPDATE.
	ActivityWindow time.Duration

	Logger *log.Logger
}

// Agent is the facade over the update core. One instance per process.
type Agent struct {
	store    *store.Store
	creds    *sqlite.CredentialRepository
	bus      *notify.Bus
	session  *session.Manager
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	apps     registry.AppLister
	logger   *log.Logger

	dlTimeout time.Duration
	dlBundle  *download.Bundle
	bearer    lwm2m.Bearer

	mu     sync.Mutex
	lastDL *download.Client

	tasks   chan func()
	stopped chan struct{}
	once    sync.Once
}

func New(opts Options) (*Agent, error) {
	if opts.Store == nil || opts.Credentials == nil || opts.Bindings == nil || opts.Factory == nil {
		return nil, errors.New("agent: store, credentials, bindings and factory are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	a := &Agent{
		store:     opts.Store,
		creds:     opts.Credentials,
		bus:       notify.NewBus(logger),
		apps:      opts.Apps,
		logger:    logger,
		dlTimeout: opts.DownloadTimeout,
		dlBundle:  opts.TLSBundle,
		bearer:    opts.Bearer,
		tasks:     make(chan func(), taskQueueDepth),
		stopped:   make(chan struct{}),
	}

	mgr, err := session.NewManager(session.Options{
		Store:          opts.Store,
		Credentials:    opts.Credentials,
		Bearer:         opts.Bearer,
		Factory:        opts.Factory,
		Bus:            a.bus,
		ActivityWindow: opts.ActivityWindow,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	a.session = mgr

	a.registry = registry.New(opts.Bindings, opts.DeniedApps, logger)

	pipe := pipeline.New(opts.Store, a.reportProgress, logger)
	creds := opts.Credentials
	orch, err := orchestrator.New(orchestrator.Options{
		Store:         opts.Store,
		Pipeline:      pipe,
		Bus:           a.bus,
		Session:       mgr,
		Flasher:       opts.Flasher,
		Installer:     opts.Installer,
		Rebooter:      opts.Rebooter,
		NewDownloader: a.newDownloader,
		KeyFor: func(ctx context.Context, t model.UpdateType) ([]byte, error) {
			kind := model.CredFwKey
			if t == model.UpdateSoftware {
				kind = model.CredSwKey
			}
			c, err := creds.Get(ctx, kind, model.ServerDM)
			if err != nil {
				return nil, err
			}
			return c.Bytes, nil
		},
		Exec:   a.post,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	a.orch = orch
	return a, nil
}

// Run drains the event loop until ctx ends or Close is called. The
// boot sequence (crash recovery, registry sync, polling replay, the
// deferred connection request) runs first, on the loop itself.
func (a *Agent) Run(ctx context.Context) error {
	a.post(func() {
		if err := a.boot(ctx); err != nil {
			a.logger.Printf("agent: boot: %v", err)
		}
	})

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return ctx.Err()
		case <-a.stopped:
			return nil
		case fn := <-a.tasks:
			fn()
		}
	}
}

func (a *Agent) boot(ctx context.Context) error {
	if err := a.orch.Recover(ctx); err != nil {
		return err
	}
	if a.apps != nil {
		if err := a.registry.Sync(ctx, a.apps); err != nil {
			a.logger.Printf("agent: registry sync: %v", err)
		}
	}
	if err := a.session.StartPolling(ctx); err != nil {
		a.logger.Printf("agent: polling: %v", err)
	}

	pending, err := a.store.ReadBool(store.KeyConnectionPending)
	if err != nil {
		return err
	}
	if pending {
		if err := a.store.WriteBool(store.KeyConnectionPending, false); err != nil {
			return err
		}
		a.logger.Printf("agent: replaying deferred connection request")
		// The replayed connect is still a server connection and runs
		// through the same consent gate as an explicit StartSession.
		if err := a.orch.RequestConnect(func() error {
			err := a.session.Connect(ctx, model.ServerDM)
			if errors.Is(err, session.ErrDuplicate) || errors.Is(err, session.ErrBusy) {
				return nil
			}
			return err
		}); err != nil {
			a.logger.Printf("agent: deferred connect: %v", err)
		}
	}
	return nil
}

// Close stops the loop. Idempotent.
func (a *Agent) Close() {
	a.once.Do(func() { close(a.stopped) })
}

func (a *Agent) shutdown() {
	a.orch.Close()
	a.session.StopPolling()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.session.Disconnect(ctx, true); err != nil {
		a.logger.Printf("agent: disconnect on shutdown: %v", err)
	}
	a.Close()
}

// post hands a closure to the event loop, falling back to inline
// execution once the loop is gone so shutdown never deadlocks.
func (a *Agent) post(fn func()) {
	select {
	case a.tasks <- fn:
	case <-a.stopped:
		fn()
	}
}

func (a *Agent) newDownloader() (pipeline.Downloader, error) {
	var regState func() lwm2m.RegState
	if a.bearer != nil {
		regState = a.bearer.RegistrationState
	}
	c, err := download.NewClient(download.Options{
		Timeout:  a.dlTimeout,
		Bundle:   a.dlBundle,
		RegState: regState,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.lastDL = c
	a.mu.Unlock()
	return c, nil
}

func (a *Agent) reportProgress(done, total int64) {
	pct := 0
	if total > 0 {
		pct = int(done * 100 / total)
	}
	a.bus.Publish(notify.Event{
		Status:     notify.StatusDownloadInProgress,
		TotalBytes: total,
		Progress:   pct,
	})
}

// RegisterObserver attaches a status observer under id.
func (a *Agent) RegisterObserver(id string, obs notify.Observer) {
	a.bus.Register(id, obs)
}

// UnregisterObserver detaches an observer and releases its install
// blocks.
func (a *Agent) UnregisterObserver(id string) {
	a.bus.Unregister(id)
	a.orch.DropClient(id)
}

// StartSession connects to the DM server, falling back to bootstrap
// when DM credentials are missing. With the connection consent flag
// set the connect is held pending and runs on the later Accept;
// StartSession then reports nil.
func (a *Agent) StartSession(ctx context.Context) error {
	return a.orch.RequestConnect(func() error {
		return a.session.Connect(ctx, model.ServerDM)
	})
}

// StopSession tears the active session down. resetRetry clears the
// backoff cursor as well.
func (a *Agent) StopSession(ctx context.Context, resetRetry bool) error {
	return a.session.Disconnect(ctx, resetRetry)
}

// SessionPhase reports the lifecycle phase of one server connection.
func (a *Agent) SessionPhase(serverID model.ServerID) model.SessionPhase {
	return a.session.Phase(serverID)
}

// Push sends an uplink payload over the active session.
func (a *Agent) Push(ctx context.Context, payload []byte, contentType string) (string, error) {
	return a.session.Push(ctx, payload, contentType)
}

// HandleServerEvent queues one parsed server operation onto the loop.
func (a *Agent) HandleServerEvent(ev lwm2m.ServerEvent) {
	a.post(func() {
		if err := a.orch.HandleEvent(context.Background(), ev); err != nil {
			a.logger.Printf("agent: server op %s on object %d: %v", ev.Kind, ev.Object, err)
		}
	})
}

// FinishFwInstall is called by the platform after the post-install
// boot with the verdict of the firmware swap.
func (a *Agent) FinishFwInstall(success bool) error {
	return a.orch.FinishFwInstall(success)
}

// Accept resolves the pending consent prompt of an operation.
func (a *Agent) Accept(op model.Operation) error {
	return a.orch.Accept(op)
}

// Defer postpones the pending prompt of an operation by minutes.
func (a *Agent) Defer(op model.Operation, minutes int) error {
	return a.orch.Defer(op, minutes)
}

// Block returns an opaque handle that holds installs off until
// released.
func (a *Agent) Block(clientID string) string {
	return a.orch.Block(clientID)
}

// Unblock releases one install block.
func (a *Agent) Unblock(handle string) error {
	return a.orch.Unblock(handle)
}

// PollingTimer returns the periodic-connect interval.
func (a *Agent) PollingTimer() (model.PollingTimer, error) {
	cfg, err := a.store.LoadSettings()
	if err != nil {
		return 0, err
	}
	return cfg.Polling, nil
}

// SetPollingTimer validates, persists and re-arms the polling timer.
func (a *Agent) SetPollingTimer(ctx context.Context, p model.PollingTimer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := a.mutateSettings(func(cfg *model.Settings) { cfg.Polling = p }); err != nil {
		return err
	}
	a.session.StopPolling()
	return a.session.StartPolling(ctx)
}

// RetryTimers returns the reconnect backoff schedule.
func (a *Agent) RetryTimers() (model.RetryTimers, error) {
	cfg, err := a.store.LoadSettings()
	if err != nil {
		return model.RetryTimers{}, err
	}
	return cfg.Retry, nil
}

// SetRetryTimers validates and persists a new backoff schedule. It
// takes effect on the next connection failure.
func (a *Agent) SetRetryTimers(timers model.RetryTimers) error {
	if err := timers.Validate(); err != nil {
		return err
	}
	return a.mutateSettings(func(cfg *model.Settings) { cfg.Retry = timers })
}

// APN returns the provisioned access-point settings.
func (a *Agent) APN() (model.APNConfig, error) {
	cfg, err := a.store.LoadSettings()
	if err != nil {
		return model.APNConfig{}, err
	}
	return cfg.APN, nil
}

// SetAPN persists new access-point settings for the next bearer
// request.
func (a *Agent) SetAPN(apn model.APNConfig) error {
	return a.mutateSettings(func(cfg *model.Settings) { cfg.APN = apn })
}

// UserAgreement returns the consent flag of one operation.
func (a *Agent) UserAgreement(op model.Operation) (bool, error) {
	cfg, err := a.store.LoadSettings()
	if err != nil {
		return true, err
	}
	return cfg.Agreement.Required(op), nil
}

// SetUserAgreement persists the consent flag of one operation.
func (a *Agent) SetUserAgreement(op model.Operation, required bool) error {
	return a.mutateSettings(func(cfg *model.Settings) { cfg.Agreement.Set(op, required) })
}

func (a *Agent) mutateSettings(mutate func(*model.Settings)) error {
	cfg, err := a.store.LoadSettings()
	if err != nil {
		return err
	}
	mutate(&cfg)
	return a.store.SaveSettings(cfg)
}

// LastHTTPStatus reports the status code of the most recent download
// transaction, zero when none happened yet.
func (a *Agent) LastHTTPStatus() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastDL == nil {
		return 0
	}
	return a.lastDL.LastHTTPStatus()
}

// JobState returns the state/result pair of one update type.
func (a *Agent) JobState(t model.UpdateType) (model.JobState, int) {
	return a.orch.State(t)
}

// CredentialSummary reports which credential triples are provisioned.
type CredentialSummary struct {
	Bootstrap bool
	DM        bool
}

// Credentials summarises the secure store without exposing bytes.
func (a *Agent) Credentials(ctx context.Context) (CredentialSummary, error) {
	var s CredentialSummary
	var err error
	if s.Bootstrap, err = a.creds.HasTriple(ctx, model.ServerBootstrap); err != nil {
		return s, err
	}
	if s.DM, err = a.creds.HasTriple(ctx, model.ServerDM); err != nil {
		return s, err
	}
	return s, nil
}

// TpfEnabled reports the third-party FOTA flag.
func (a *Agent) TpfEnabled() (bool, error) {
	return a.store.ReadBool(store.KeyTpfEnable)
}

// SetTpfEnabled persists the third-party FOTA flag.
func (a *Agent) SetTpfEnabled(v bool) error {
	return a.store.WriteBool(store.KeyTpfEnable, v)
}

// StartTpfDownload accepts a firmware URI from a third-party source.
func (a *Agent) StartTpfDownload(ctx context.Context, uri string) error {
	return a.orch.StartTpfDownload(ctx, uri)
}

// AppInstalled records an application install and republishes the
// object registry.
func (a *Agent) AppInstalled(ctx context.Context, name, version string, activated bool) error {
	return a.registry.OnInstalled(ctx, name, version, activated)
}

// AppUninstalled records an application removal and republishes the
// object registry.
func (a *Agent) AppUninstalled(ctx context.Context, name string) error {
	return a.registry.OnUninstalled(ctx, name)
}

// Registry exposes the app/object registry for the protocol layer.
func (a *Agent) Registry() *registry.Registry {
	return a.registry
}

// Bus exposes the notification bus for auxiliary observers.
func (a *Agent) Bus() *notify.Bus {
	return a.bus
}
