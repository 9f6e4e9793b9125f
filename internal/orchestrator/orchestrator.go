/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package orchestrator drives the firmware and software update state
// machines: user-agreement gates, deferral timers, install blocks,
// download retries and crash recovery. Every state/result mutation is
// persisted before the in-memory transition is considered committed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkondo/avc-agent/internal/domain"
	"github.com/nkondo/avc-agent/internal/domain/model"
	"github.com/nkondo/avc-agent/internal/lwm2m"
	"github.com/nkondo/avc-agent/internal/notify"
	"github.com/nkondo/avc-agent/internal/pipeline"
	"github.com/nkondo/avc-agent/internal/store"
)

var (
	// ErrJobActive means the update-type slot is already occupied.
	ErrJobActive = errors.New("orchestrator: a job of this type is already active")

	// ErrNoJob means no job exists in the state the operation needs.
	ErrNoJob = errors.New("orchestrator: no job in the required state")

	// ErrNoPending means Accept/Defer arrived with nothing pending.
	ErrNoPending = errors.New("orchestrator: no pending operation")

	// ErrTpfDisabled rejects a third-party package while the TPF flag
	// is off.
	ErrTpfDisabled = errors.New("orchestrator: third-party fota disabled")

	// ErrUnknownBlock rejects an unblock with a stale handle.
	ErrUnknownBlock = errors.New("orchestrator: unknown block handle")
)

const (
	// DefaultBlockedDeferTime is the auto-deferral applied when no
	// observer is attached or an install block is held.
	DefaultBlockedDeferTime = 3 * time.Minute

	// DefaultDownloadRetries is the recoverable-failure budget of one
	// download before the job fails terminally.
	DefaultDownloadRetries = 2
)

// Flasher is the firmware driver contract. Install hands the verified
// image to the bootloader; the platform reboot follows separately.
type Flasher interface {
	pipeline.Writer
	Install() error
}

// AppInstaller is the application manager contract.
type AppInstaller interface {
	pipeline.Writer
	Install(instanceID int) error
	Uninstall(instanceID int) error
}

// Rebooter triggers the platform reboot after a firmware install.
type Rebooter interface {
	Reboot() error
}

// SessionControl is the slice of the session manager the orchestrator
// drives around downloads and installs.
type SessionControl interface {
	PauseActivity()
	ResumeActivity()
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Store     *store.Store
	Pipeline  *pipeline.Pipeline
	Bus       *notify.Bus
	Session   SessionControl
	Flasher   Flasher
	Installer AppInstaller
	Rebooter  Rebooter

	// NewDownloader builds the single-use HTTP client for one
	// transfer.
	NewDownloader func() (pipeline.Downloader, error)

	// KeyFor returns the verification material of one update type:
	// the public key plus the detached signature or envelope.
	KeyFor func(ctx context.Context, t model.UpdateType) (pub []byte, err error)

	BlockedDeferTime time.Duration
	DownloadRetries  int

	// Exec runs deferred-timer actions; the agent passes its event
	// loop. Nil runs them inline.
	Exec func(func())

	Logger *log.Logger
}

type jobSlot struct {
	job       model.UpdateJob
	retries   int
	retryIter *model.RetryIterator
	envelope  []byte
	client    pipeline.Downloader
}

// aborter is the optional cancellation surface of a downloader.
type aborter interface {
	Abort()
}

type pendingOp struct {
	status notify.Status
	action func()
}

// Orchestrator owns both update-type slots and all the gates between
// a server trigger and the disruptive action it requests.
type Orchestrator struct {
	mu sync.Mutex

	store     *store.Store
	pipe      *pipeline.Pipeline
	bus       *notify.Bus
	session   SessionControl
	flasher   Flasher
	installer AppInstaller
	rebooter  Rebooter

	newDownloader func() (pipeline.Downloader, error)
	keyFor        func(ctx context.Context, t model.UpdateType) ([]byte, error)

	jobs     map[model.UpdateType]*jobSlot
	pendings map[model.Operation]*pendingOp
	blocks   map[string]string // handle -> client id

	timers           *deferQueue
	blockedDeferTime time.Duration
	downloadRetries  int

	logger *log.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Pipeline == nil {
		return nil, errors.New("orchestrator: store and pipeline are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.BlockedDeferTime <= 0 {
		opts.BlockedDeferTime = DefaultBlockedDeferTime
	}
	if opts.DownloadRetries <= 0 {
		opts.DownloadRetries = DefaultDownloadRetries
	}
	o := &Orchestrator{
		store:            opts.Store,
		pipe:             opts.Pipeline,
		bus:              opts.Bus,
		session:          opts.Session,
		flasher:          opts.Flasher,
		installer:        opts.Installer,
		rebooter:         opts.Rebooter,
		newDownloader:    opts.NewDownloader,
		keyFor:           opts.KeyFor,
		jobs:             make(map[model.UpdateType]*jobSlot),
		pendings:         make(map[model.Operation]*pendingOp),
		blocks:           make(map[string]string),
		timers:           newDeferQueue(opts.Exec),
		blockedDeferTime: opts.BlockedDeferTime,
		downloadRetries:  opts.DownloadRetries,
		logger:           logger,
	}
	return o, nil
}

// Close cancels every armed timer.
func (o *Orchestrator) Close() {
	o.timers.stop()
}

// State returns the persisted-equivalent state/result pair of one
// update type.
func (o *Orchestrator) State(t model.UpdateType) (model.JobState, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.jobs[t]; ok {
		return s.job.State, s.job.Result
	}
	return model.JobIdle, 0
}

// setState persists the pair first; only then does the in-memory
// transition commit.
func (o *Orchestrator) setState(slot *jobSlot, state model.JobState, result int) error {
	if err := o.store.SaveJobStatus(slot.job.Type, state, result); err != nil {
		return fmt.Errorf("persist %s state: %w", slot.job.Type, err)
	}
	slot.job.State = state
	slot.job.Result = result
	return nil
}

func (o *Orchestrator) setInternal(slot *jobSlot, is model.InternalState) error {
	slot.job.Internal = is
	if slot.job.Type == model.UpdateSoftware {
		return o.store.WriteInt(store.KeySwUpdateInternal, int64(is))
	}
	return nil
}

// HandleEvent dispatches one parsed server operation.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev lwm2m.ServerEvent) error {
	t := model.UpdateFirmware
	if ev.Object == lwm2m.ObjectSoftwareUpdate {
		t = model.UpdateSoftware
	}
	switch ev.Kind {
	case lwm2m.OpCreate:
		return o.CreateInstance(t, ev.InstanceID)
	case lwm2m.OpDelete:
		return o.DeleteInstance(ctx, t)
	case lwm2m.OpWrite:
		if ev.ResourceID == lwm2m.ResPackageURI {
			return o.StartDownload(ctx, t, string(ev.Payload))
		}
		return nil
	case lwm2m.OpExecute:
		switch ev.ResourceID {
		case lwm2m.ResUpdate, lwm2m.ResInstall:
			return o.RequestInstall(ctx, t)
		case lwm2m.ResUninstall:
			return o.RequestUninstall(ctx, t)
		}
		return nil
	default:
		return nil
	}
}

// CreateInstance registers a fresh object instance for an update job.
func (o *Orchestrator) CreateInstance(t model.UpdateType, instanceID int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.jobs[t]; ok && s.job.State.Active() {
		return ErrJobActive
	}
	o.jobs[t] = &jobSlot{job: model.UpdateJob{Type: t, InstanceID: instanceID}}
	if t == model.UpdateSoftware {
		return o.store.WriteInt(store.KeySwUpdateInstance, int64(instanceID))
	}
	return nil
}

// DeleteInstance tears a job down: timers cancelled, workspace gone,
// state and result back to initial.
func (o *Orchestrator) DeleteInstance(ctx context.Context, t model.UpdateType) error {
	o.mu.Lock()
	slot := o.jobs[t]
	delete(o.jobs, t)
	var abort aborter
	if slot != nil && slot.job.State == model.JobDownloading {
		abort, _ = slot.client.(aborter)
	}
	for _, op := range []model.Operation{model.OpDownload, model.OpInstall, model.OpUninstall, model.OpReboot} {
		o.timers.cancel(op)
		delete(o.pendings, op)
	}
	o.mu.Unlock()

	if abort != nil {
		o.logger.Printf("orchestrator: delete while downloading, aborting %s job", t)
		abort.Abort()
	}
	if err := o.store.DeleteWorkspace(); err != nil {
		return err
	}
	if err := o.store.DeletePackageMeta(t); err != nil {
		return err
	}
	if err := o.store.SaveJobStatus(t, model.JobIdle, 0); err != nil {
		return err
	}
	if t == model.UpdateSoftware {
		if err := o.store.WriteInt(store.KeySwUpdateInternal, int64(model.InternalInvalid)); err != nil {
			return err
		}
	}
	if o.session != nil {
		o.session.ResumeActivity()
	}
	return nil
}

// StartDownload accepts a package URI for the given type and runs the
// download gate. The slot must be free or freshly created.
func (o *Orchestrator) StartDownload(ctx context.Context, t model.UpdateType, uri string) error {
	o.mu.Lock()
	slot, ok := o.jobs[t]
	if !ok {
		slot = &jobSlot{job: model.UpdateJob{Type: t}}
		o.jobs[t] = slot
	}
	if slot.job.State.Active() && slot.job.State != model.JobDownloadPending {
		o.mu.Unlock()
		return ErrJobActive
	}
	slot.job.URI = uri
	slot.retries = 0
	cfg, err := o.store.LoadSettings()
	if err != nil {
		o.mu.Unlock()
		return err
	}
	slot.retryIter = model.NewRetryIterator(cfg.Retry)
	if err := o.setState(slot, model.JobDownloadPending, 0); err != nil {
		o.mu.Unlock()
		return err
	}
	if err := o.setInternal(slot, model.InternalDownloadRequested); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	o.gate(model.OpDownload, notify.Event{Status: notify.StatusDownloadPending}, func() {
		o.beginDownload(t)
	})
	return nil
}

// StartTpfDownload accepts a firmware URI from a third-party (non-DM)
// source. Rejected while the TPF flag is off.
func (o *Orchestrator) StartTpfDownload(ctx context.Context, uri string) error {
	enabled, err := o.store.ReadBool(store.KeyTpfEnable)
	if err != nil {
		return err
	}
	if !enabled {
		return ErrTpfDisabled
	}
	return o.StartDownload(ctx, model.UpdateFirmware, uri)
}

// beginDownload transitions to DOWNLOADING and runs the pipeline on
// its own goroutine.
func (o *Orchestrator) beginDownload(t model.UpdateType) {
	o.mu.Lock()
	slot, ok := o.jobs[t]
	if !ok {
		o.mu.Unlock()
		return
	}
	if err := o.setState(slot, model.JobDownloading, slot.job.Result); err != nil {
		o.mu.Unlock()
		o.logger.Printf("orchestrator: %v", err)
		return
	}
	uri := slot.job.URI
	o.mu.Unlock()

	if o.session != nil {
		o.session.PauseActivity()
	}

	job, err := o.buildPipelineJob(t, uri)
	if err != nil {
		o.logger.Printf("orchestrator: download setup failed: %v", err)
		o.onDownloadDone(t, slot, pipeline.Result{Outcome: pipeline.OutcomeFailed, Err: err})
		return
	}
	go func() {
		res := o.pipe.Run(context.Background(), job)
		o.onDownloadDone(t, slot, res)
	}()
}

func (o *Orchestrator) buildPipelineJob(t model.UpdateType, uri string) (pipeline.Job, error) {
	client, err := o.newDownloader()
	if err != nil {
		return pipeline.Job{}, err
	}
	job := pipeline.Job{Type: t, URI: uri, Client: client}
	if t == model.UpdateFirmware {
		job.Writer = o.flasher
	} else {
		job.Writer = o.installer
	}
	o.mu.Lock()
	if slot, ok := o.jobs[t]; ok {
		job.Signature = slot.job.Signature
		job.Checksum = slot.job.ChecksumHex
		job.Envelope = slot.envelope
		slot.client = client
	}
	o.mu.Unlock()
	if o.keyFor != nil {
		pub, err := o.keyFor(context.Background(), t)
		if err != nil {
			return pipeline.Job{}, fmt.Errorf("verification key: %w", err)
		}
		job.PublicKey = pub
	}
	return job, nil
}

// SetPackageMeta attaches the verification material delivered alongside
// the URI: detached signature or envelope plus optional checksum. The
// material is persisted so a download resumed after a reboot can still
// be verified.
func (o *Orchestrator) SetPackageMeta(t model.UpdateType, signature, envelope []byte, checksumHex string) error {
	meta := model.PackageMeta{Signature: signature, Envelope: envelope, Checksum: checksumHex}
	if err := o.store.SavePackageMeta(t, meta); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	slot, ok := o.jobs[t]
	if !ok {
		slot = &jobSlot{job: model.UpdateJob{Type: t}}
		o.jobs[t] = slot
	}
	slot.job.Signature = signature
	slot.job.ChecksumHex = checksumHex
	slot.envelope = envelope
	return nil
}

func (o *Orchestrator) onDownloadDone(t model.UpdateType, started *jobSlot, res pipeline.Result) {
	if o.session != nil {
		o.session.ResumeActivity()
	}

	o.mu.Lock()
	slot, ok := o.jobs[t]
	if !ok || slot != started {
		// The job this result belongs to was deleted or replaced while
		// the pipeline wound down. Its state must not leak into the
		// current slot.
		o.mu.Unlock()
		return
	}
	slot.job.DownloadedBytes = res.BytesDownloaded
	slot.job.TotalBytes = res.PackageSize

	switch {
	case res.Outcome == pipeline.OutcomeComplete:
		if err := o.setState(slot, model.JobDownloaded, downloadedResult(t)); err != nil {
			o.logger.Printf("orchestrator: %v", err)
		}
		o.mu.Unlock()
		if err := o.store.DeletePackageMeta(t); err != nil {
			o.logger.Printf("orchestrator: package meta cleanup: %v", err)
		}
		o.publish(notify.Event{
			Status:     notify.StatusDownloadComplete,
			TotalBytes: res.PackageSize,
			Progress:   100,
		})
		return

	case res.Outcome.Recoverable():
		slot.retries++
		if slot.retries <= o.downloadRetries {
			delay, err := slot.retryIter.Next()
			if err != nil {
				delay = o.blockedDeferTime
			}
			o.logger.Printf("orchestrator: %s download suspended (%s), retry %d/%d in %s",
				t, res.Outcome, slot.retries, o.downloadRetries, delay)
			o.mu.Unlock()
			o.timers.schedule(model.OpDownload, delay, func() { o.beginDownload(t) })
			return
		}
		// budget exhausted: terminal failure
		fallthrough

	default:
		result := failureResult(t, res.Outcome)
		if err := o.setState(slot, model.JobFailed, result); err != nil {
			o.logger.Printf("orchestrator: %v", err)
		}
		o.mu.Unlock()
		if res.Outcome.Recoverable() {
			// retry budget gone: the workspace the pipeline kept for
			// resume is dead weight now
			if err := o.store.DeleteWorkspace(); err != nil {
				o.logger.Printf("orchestrator: workspace cleanup: %v", err)
			}
			o.dropPartial(t)
		}
		if err := o.store.DeletePackageMeta(t); err != nil {
			o.logger.Printf("orchestrator: package meta cleanup: %v", err)
		}
		o.publish(notify.Event{
			Status:  notify.StatusDownloadFailed,
			Context: kindFor(res.Outcome),
		})
	}
}

// downloadedResult is the result code advertised right after a
// verified download.
func downloadedResult(t model.UpdateType) int {
	if t == model.UpdateSoftware {
		return int(lwm2m.SwResultVerified)
	}
	return int(lwm2m.FwResultInitial)
}

func failureResult(t model.UpdateType, o pipeline.Outcome) int {
	fw := t == model.UpdateFirmware
	switch o {
	case pipeline.OutcomeSuspendedNetwork:
		if fw {
			return int(lwm2m.FwResultConnectionLost)
		}
		return int(lwm2m.SwResultConnectionLost)
	case pipeline.OutcomeSuspendedRAM:
		if fw {
			return int(lwm2m.FwResultOutOfMemory)
		}
		return int(lwm2m.SwResultOutOfMemory)
	case pipeline.OutcomeFailedTooBig:
		if fw {
			return int(lwm2m.FwResultNoStorage)
		}
		return int(lwm2m.SwResultNoStorage)
	case pipeline.OutcomeFailedInvalidURI:
		if fw {
			return int(lwm2m.FwResultInvalidURI)
		}
		return int(lwm2m.SwResultInvalidURI)
	case pipeline.OutcomeFailedBadPackage:
		if fw {
			return int(lwm2m.FwResultIntegrityFailure)
		}
		return int(lwm2m.SwResultCheckFailure)
	default:
		if fw {
			return int(lwm2m.FwResultUpdateFailed)
		}
		return int(lwm2m.SwResultUpdateError)
	}
}

func kindFor(o pipeline.Outcome) domain.ErrorKind {
	switch o {
	case pipeline.OutcomeSuspendedNetwork:
		return domain.KindNetwork
	case pipeline.OutcomeSuspendedRAM:
		return domain.KindRAM
	case pipeline.OutcomeFailedTooBig:
		return domain.KindOverflow
	case pipeline.OutcomeFailedBadPackage:
		return domain.KindBadPackage
	case pipeline.OutcomeFailedInvalidURI:
		return domain.KindBadAddress
	default:
		return domain.KindInternal
	}
}

// RequestInstall gates and runs the install of a downloaded package.
func (o *Orchestrator) RequestInstall(ctx context.Context, t model.UpdateType) error {
	o.mu.Lock()
	slot, ok := o.jobs[t]
	if !ok || (slot.job.State != model.JobDownloaded && slot.job.State != model.JobInstallPending) {
		o.mu.Unlock()
		return ErrNoJob
	}
	if err := o.setState(slot, model.JobInstallPending, slot.job.Result); err != nil {
		o.mu.Unlock()
		return err
	}
	if err := o.setInternal(slot, model.InternalInstallRequested); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	o.gate(model.OpInstall, notify.Event{Status: notify.StatusInstallPending}, func() {
		o.runInstall(t)
	})
	return nil
}

func (o *Orchestrator) runInstall(t model.UpdateType) {
	o.mu.Lock()
	slot, ok := o.jobs[t]
	if !ok {
		o.mu.Unlock()
		return
	}
	if err := o.setState(slot, model.JobInstalling, slot.job.Result); err != nil {
		o.mu.Unlock()
		o.logger.Printf("orchestrator: %v", err)
		return
	}
	instanceID := slot.job.InstanceID
	o.mu.Unlock()

	o.publish(notify.Event{Status: notify.StatusInstallInProgress})

	if t == model.UpdateFirmware {
		o.runFwInstall()
		return
	}
	o.runSwInstall(instanceID)
}

// runFwInstall persists the install-pending flag before handing the
// image to the bootloader, so the post-reboot boot knows to resume
// installation rather than re-download.
func (o *Orchestrator) runFwInstall() {
	if err := o.store.WriteBool(store.KeyFwInstallPending, true); err != nil {
		o.failInstall(model.UpdateFirmware, err)
		return
	}
	if err := o.flasher.Install(); err != nil {
		o.failInstall(model.UpdateFirmware, err)
		return
	}
	o.gate(model.OpReboot, notify.Event{Status: notify.StatusRebootPending}, func() {
		if o.rebooter == nil {
			return
		}
		if err := o.rebooter.Reboot(); err != nil {
			o.logger.Printf("orchestrator: reboot trigger failed: %v", err)
		}
	})
}

func (o *Orchestrator) runSwInstall(instanceID int) {
	if err := o.installer.Install(instanceID); err != nil {
		o.failInstall(model.UpdateSoftware, err)
		return
	}
	o.mu.Lock()
	slot := o.jobs[model.UpdateSoftware]
	if slot != nil {
		if err := o.setState(slot, model.JobInstalled, int(lwm2m.SwResultInstalled)); err != nil {
			o.logger.Printf("orchestrator: %v", err)
		}
		if err := o.setInternal(slot, model.InternalInvalid); err != nil {
			o.logger.Printf("orchestrator: %v", err)
		}
	}
	o.mu.Unlock()
	o.publish(notify.Event{Status: notify.StatusInstallComplete})
}

func (o *Orchestrator) failInstall(t model.UpdateType, cause error) {
	o.logger.Printf("orchestrator: %s install failed: %v", t, cause)
	result := int(lwm2m.FwResultUpdateFailed)
	if t == model.UpdateSoftware {
		result = int(lwm2m.SwResultInstallFailure)
	}
	o.mu.Lock()
	if slot := o.jobs[t]; slot != nil {
		if err := o.setState(slot, model.JobFailed, result); err != nil {
			o.logger.Printf("orchestrator: %v", err)
		}
	}
	o.mu.Unlock()
	o.publish(notify.Event{Status: notify.StatusInstallFailed, Context: domain.KindInternal})
}

// FinishFwInstall reports the outcome of a firmware install after the
// post-install boot. It clears the install-pending flag, persists the
// result for next-connection reporting and requests that connection.
func (o *Orchestrator) FinishFwInstall(success bool) error {
	if err := o.store.WriteBool(store.KeyFwInstallPending, false); err != nil {
		return err
	}
	o.mu.Lock()
	slot, ok := o.jobs[model.UpdateFirmware]
	if !ok {
		slot = &jobSlot{job: model.UpdateJob{Type: model.UpdateFirmware}}
		o.jobs[model.UpdateFirmware] = slot
	}
	var stateErr error
	if success {
		stateErr = o.setState(slot, model.JobInstalled, int(lwm2m.FwResultSuccess))
	} else {
		stateErr = o.setState(slot, model.JobFailed, int(lwm2m.FwResultUpdateFailed))
	}
	o.mu.Unlock()
	if stateErr != nil {
		return stateErr
	}
	if err := o.store.WriteBool(store.KeyFwNotification, true); err != nil {
		return err
	}
	if err := o.store.WriteBool(store.KeyConnectionPending, true); err != nil {
		return err
	}
	if success {
		o.publish(notify.Event{Status: notify.StatusInstallComplete})
	} else {
		o.publish(notify.Event{Status: notify.StatusInstallFailed, Context: domain.KindInternal})
	}
	return nil
}

// RequestUninstall gates and runs the removal of a software package.
func (o *Orchestrator) RequestUninstall(ctx context.Context, t model.UpdateType) error {
	if t != model.UpdateSoftware {
		return ErrNoJob
	}
	o.mu.Lock()
	slot, ok := o.jobs[t]
	if !ok {
		o.mu.Unlock()
		return ErrNoJob
	}
	if err := o.setState(slot, model.JobUninstallPending, slot.job.Result); err != nil {
		o.mu.Unlock()
		return err
	}
	if err := o.setInternal(slot, model.InternalUninstallRequested); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	o.gate(model.OpUninstall, notify.Event{Status: notify.StatusUninstallPending}, func() {
		o.runUninstall()
	})
	return nil
}

func (o *Orchestrator) runUninstall() {
	o.mu.Lock()
	slot, ok := o.jobs[model.UpdateSoftware]
	if !ok {
		o.mu.Unlock()
		return
	}
	if err := o.setState(slot, model.JobUninstalling, slot.job.Result); err != nil {
		o.mu.Unlock()
		o.logger.Printf("orchestrator: %v", err)
		return
	}
	instanceID := slot.job.InstanceID
	o.mu.Unlock()

	o.publish(notify.Event{Status: notify.StatusUninstallInProgress})

	if err := o.installer.Uninstall(instanceID); err != nil {
		o.logger.Printf("orchestrator: uninstall failed: %v", err)
		o.mu.Lock()
		if slot := o.jobs[model.UpdateSoftware]; slot != nil {
			if serr := o.setState(slot, model.JobFailed, int(lwm2m.SwResultUninstallFailure)); serr != nil {
				o.logger.Printf("orchestrator: %v", serr)
			}
		}
		o.mu.Unlock()
		o.publish(notify.Event{Status: notify.StatusUninstallFailed, Context: domain.KindInternal})
		return
	}

	o.mu.Lock()
	if slot := o.jobs[model.UpdateSoftware]; slot != nil {
		if err := o.setState(slot, model.JobIdle, int(lwm2m.SwResultInitial)); err != nil {
			o.logger.Printf("orchestrator: %v", err)
		}
		if err := o.setInternal(slot, model.InternalInvalid); err != nil {
			o.logger.Printf("orchestrator: %v", err)
		}
	}
	o.mu.Unlock()
	o.publish(notify.Event{Status: notify.StatusUninstallComplete})
}

// gate reads the consent flag for op. Disabled flag: auto-accept. An
// attached observer gets the pending prompt; with nobody listening the
// decision is auto-deferred so an observer has time to attach. Reports
// whether the action ran inline.
func (o *Orchestrator) gate(op model.Operation, pendingEv notify.Event, action func()) bool {
	cfg, err := o.store.LoadSettings()
	if err != nil {
		o.logger.Printf("orchestrator: settings load failed, requiring consent: %v", err)
		cfg = model.DefaultSettings()
	}
	if !cfg.Agreement.Required(op) {
		action()
		return true
	}

	o.mu.Lock()
	o.pendings[op] = &pendingOp{status: pendingEv.Status, action: action}
	o.mu.Unlock()

	o.publish(pendingEv)

	if o.bus == nil || !o.bus.HasObservers() {
		o.logger.Printf("orchestrator: no observer for %s consent, deferring %s", op, o.blockedDeferTime)
		o.timers.schedule(op, o.blockedDeferTime, func() { o.regate(op) })
	}
	return false
}

// RequestConnect runs a server connection request through the
// connection consent gate. connect's error is returned when it ran
// inline; a deferred connect reports nil and runs on the later Accept.
func (o *Orchestrator) RequestConnect(connect func() error) error {
	var inlineErr error
	ran := o.gate(model.OpConnect, notify.Event{Status: notify.StatusConnectionPending}, func() {
		if err := connect(); err != nil {
			inlineErr = err
			o.logger.Printf("orchestrator: consented connect failed: %v", err)
		}
	})
	if !ran {
		return nil
	}
	return inlineErr
}

// regate re-runs the gate for a still-pending operation after an
// auto-deferral expired.
func (o *Orchestrator) regate(op model.Operation) {
	o.mu.Lock()
	p, ok := o.pendings[op]
	o.mu.Unlock()
	if !ok {
		return
	}
	o.publish(notify.Event{Status: p.status})
	if o.bus == nil || !o.bus.HasObservers() {
		o.timers.schedule(op, o.blockedDeferTime, func() { o.regate(op) })
	}
}

// Accept resolves a pending consent prompt. An accepted install is
// re-deferred for as long as install blocks are held.
func (o *Orchestrator) Accept(op model.Operation) error {
	o.mu.Lock()
	p, ok := o.pendings[op]
	if !ok {
		o.mu.Unlock()
		return ErrNoPending
	}
	if op == model.OpInstall && len(o.blocks) > 0 {
		o.mu.Unlock()
		o.logger.Printf("orchestrator: install accepted but blocked, deferring %s", o.blockedDeferTime)
		o.timers.schedule(op, o.blockedDeferTime, func() {
			if err := o.Accept(op); err != nil && !errors.Is(err, ErrNoPending) {
				o.logger.Printf("orchestrator: blocked install retry: %v", err)
			}
		})
		return nil
	}
	delete(o.pendings, op)
	o.mu.Unlock()

	o.timers.cancel(op)
	p.action()
	return nil
}

// Defer postpones a pending prompt by the given number of minutes. A
// later Accept supersedes the pending deferral.
func (o *Orchestrator) Defer(op model.Operation, minutes int) error {
	o.mu.Lock()
	_, ok := o.pendings[op]
	o.mu.Unlock()
	if !ok {
		return ErrNoPending
	}
	if minutes <= 0 {
		minutes = int(o.blockedDeferTime / time.Minute)
	}
	o.timers.schedule(op, time.Duration(minutes)*time.Minute, func() { o.regate(op) })
	return nil
}

// Block hands the client an opaque handle; installs stay deferred
// while any handle is outstanding.
func (o *Orchestrator) Block(clientID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	handle := uuid.NewString()
	o.blocks[handle] = clientID
	return handle
}

// Unblock releases one handle.
func (o *Orchestrator) Unblock(handle string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.blocks[handle]; !ok {
		return ErrUnknownBlock
	}
	delete(o.blocks, handle)
	return nil
}

// DropClient releases every block held by a disconnected client.
func (o *Orchestrator) DropClient(clientID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for handle, owner := range o.blocks {
		if owner == clientID {
			delete(o.blocks, handle)
		}
	}
}

// BlockCount reports the number of outstanding install blocks.
func (o *Orchestrator) BlockCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.blocks)
}

func (o *Orchestrator) dropPartial(t model.UpdateType) {
	var w pipeline.Writer
	if t == model.UpdateFirmware {
		w = o.flasher
	} else {
		w = o.installer
	}
	if w == nil {
		return
	}
	if err := w.Drop(); err != nil {
		o.logger.Printf("orchestrator: partial data drop failed: %v", err)
	}
}

func (o *Orchestrator) publish(ev notify.Event) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}
