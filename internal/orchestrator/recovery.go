/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package orchestrator

import (
	"context"
	"errors"

	"github.com/nkondo/avc-agent/internal/domain"
	"github.com/nkondo/avc-agent/internal/domain/model"
	"github.com/nkondo/avc-agent/internal/pipeline"
	"github.com/nkondo/avc-agent/internal/store"
)

// Recover rebuilds both job slots from persisted state after a boot and
// restarts whatever a crash or reboot interrupted. Call once before the
// agent accepts events.
//
// The decision order matters. A new-system marker (left by the image
// updater) invalidates any software resume data because the filesystem
// the partial package lived on is gone, while firmware install state
// survives the swap and is what FinishFwInstall reports on. After that,
// a set install-pending flag outranks the workspace: the download
// already completed and verification happened before the flag was set.
func (o *Orchestrator) Recover(ctx context.Context) error {
	newSystem, err := o.store.ReadBool(store.KeyNewSystem)
	if err != nil {
		return err
	}
	if newSystem {
		if err := o.recoverNewSystem(); err != nil {
			return err
		}
	}

	if err := o.recoverFirmware(ctx); err != nil {
		return err
	}
	if err := o.recoverSoftware(ctx); err != nil {
		return err
	}

	// A finished firmware job whose result was never delivered asks
	// for one connection on boot.
	notify, err := o.store.ReadBool(store.KeyFwNotification)
	if err != nil {
		return err
	}
	if notify {
		if err := o.store.WriteBool(store.KeyConnectionPending, true); err != nil {
			return err
		}
	}
	return nil
}

// recoverNewSystem clears software resume state after an image swap.
func (o *Orchestrator) recoverNewSystem() error {
	o.logger.Printf("orchestrator: first boot on new system image")
	ws, err := o.store.LoadWorkspace()
	if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrCorrupt) {
		return err
	}
	if err == nil && ws.Type == model.UpdateSoftware {
		if err := o.store.DeleteWorkspace(); err != nil {
			return err
		}
	}
	for _, key := range []string{store.KeySwUpdateState, store.KeySwUpdateResult, store.KeySwUpdateInternal} {
		if err := o.store.Delete(key); err != nil {
			return err
		}
	}
	return o.store.WriteBool(store.KeyNewSystem, false)
}

func (o *Orchestrator) recoverFirmware(ctx context.Context) error {
	state, result, err := o.store.LoadJobStatus(model.UpdateFirmware)
	if err != nil {
		return err
	}
	installPending, err := o.store.ReadBool(store.KeyFwInstallPending)
	if err != nil {
		return err
	}

	slot := &jobSlot{job: model.UpdateJob{
		Type:   model.UpdateFirmware,
		State:  state,
		Result: result,
	}}

	switch {
	case installPending:
		// Interrupted between flag and reboot, or the platform has
		// not reported the install outcome yet. Hold at pending until
		// FinishFwInstall.
		o.logger.Printf("orchestrator: firmware install outcome pending")
		o.mu.Lock()
		slot.job.State = model.JobInstallPending
		o.jobs[model.UpdateFirmware] = slot
		o.mu.Unlock()
		return o.store.SaveJobStatus(model.UpdateFirmware, model.JobInstallPending, result)

	case state == model.JobDownloading, state == model.JobDownloadPending:
		return o.resumeDownload(ctx, model.UpdateFirmware, slot)

	case state.Active():
		o.mu.Lock()
		o.jobs[model.UpdateFirmware] = slot
		o.mu.Unlock()
		return nil

	default:
		return nil
	}
}

func (o *Orchestrator) recoverSoftware(ctx context.Context) error {
	state, result, err := o.store.LoadJobStatus(model.UpdateSoftware)
	if err != nil {
		return err
	}
	if state == model.JobIdle {
		return nil
	}

	slot := &jobSlot{job: model.UpdateJob{
		Type:   model.UpdateSoftware,
		State:  state,
		Result: result,
	}}
	if id, err := o.store.ReadInt(store.KeySwUpdateInstance); err == nil {
		slot.job.InstanceID = int(id)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if is, err := o.store.ReadInt(store.KeySwUpdateInternal); err == nil {
		slot.job.Internal = model.InternalState(is)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	switch {
	case slot.job.Internal == model.InternalInstallRequested,
		state == model.JobInstalling, state == model.JobInstallPending:
		// An install interrupted mid-flight cannot be trusted to have
		// half-run, so it is re-gated rather than re-driven blindly.
		o.mu.Lock()
		slot.job.State = model.JobInstallPending
		o.jobs[model.UpdateSoftware] = slot
		o.mu.Unlock()
		if err := o.store.SaveJobStatus(model.UpdateSoftware, model.JobInstallPending, result); err != nil {
			return err
		}
		return o.RequestInstall(ctx, model.UpdateSoftware)

	case state == model.JobDownloading, state == model.JobDownloadPending:
		return o.resumeDownload(ctx, model.UpdateSoftware, slot)

	default:
		o.mu.Lock()
		o.jobs[model.UpdateSoftware] = slot
		o.mu.Unlock()
		return nil
	}
}

// resumeDownload re-enters the download gate for a job whose workspace
// survived. Without a workspace the URI is gone and the job fails out.
func (o *Orchestrator) resumeDownload(ctx context.Context, t model.UpdateType, slot *jobSlot) error {
	ws, err := o.store.LoadWorkspace()
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrCorrupt) || (err == nil && ws.URI == "") {
		o.logger.Printf("orchestrator: %s download not resumable, failing job", t)
		o.mu.Lock()
		o.jobs[t] = slot
		serr := o.setState(slot, model.JobFailed, failureResult(t, pipeline.OutcomeFailed))
		o.mu.Unlock()
		if serr != nil {
			return serr
		}
		if derr := o.store.DeleteWorkspace(); derr != nil {
			return derr
		}
		return o.store.DeletePackageMeta(t)
	}
	if err != nil {
		return err
	}

	// The verification material only ever lived in the store across a
	// reboot; without it the resumed package could never verify.
	meta, err := o.store.LoadPackageMeta(t)
	if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrCorrupt) {
		return err
	}

	o.logger.Printf("orchestrator: resuming %s download at %d/%d bytes",
		t, ws.BytesDownloaded, ws.PackageSize)
	o.mu.Lock()
	slot.job.URI = ws.URI
	slot.job.State = model.JobDownloadPending
	slot.job.TotalBytes = ws.PackageSize
	slot.job.DownloadedBytes = ws.BytesDownloaded
	slot.job.Signature = meta.Signature
	slot.job.ChecksumHex = meta.Checksum
	slot.envelope = meta.Envelope
	o.jobs[t] = slot
	o.mu.Unlock()
	return o.StartDownload(ctx, t, ws.URI)
}
