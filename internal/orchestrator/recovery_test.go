/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkondo/avc-agent/internal/crypto"
	"github.com/nkondo/avc-agent/internal/domain"
	"github.com/nkondo/avc-agent/internal/domain/model"
	"github.com/nkondo/avc-agent/internal/lwm2m"
	"github.com/nkondo/avc-agent/internal/store"
)

func TestRecoverResumesInterruptedDownload(t *testing.T) {
	f := newFixture(t, noConsent())

	// simulate a crash 16 KiB into the transfer: job state, persisted
	// verification material, workspace with digest checkpoint, and the
	// partial image on the flasher. Only the store survives the crash;
	// nothing is reinjected into the fresh orchestrator.
	const resumeAt = 16 * 1024
	require.NoError(t, f.store.SaveJobStatus(model.UpdateFirmware, model.JobDownloading, 0))
	require.NoError(t, f.store.SavePackageMeta(model.UpdateFirmware, model.PackageMeta{Signature: f.sig}))
	h, err := crypto.NewHasher(crypto.SHA1)
	require.NoError(t, err)
	h.Update(f.body[:resumeAt])
	state, err := h.SaveState()
	require.NoError(t, err)
	require.NoError(t, f.store.SaveWorkspace(model.ResumeWorkspace{
		URI:             "https://dl.example/fw.bin",
		Type:            model.UpdateFirmware,
		PackageSize:     int64(len(f.body)),
		BytesDownloaded: resumeAt,
		HasherState:     state,
	}))
	_, err = f.flasher.Write(f.body[:resumeAt])
	require.NoError(t, err)

	require.NoError(t, f.orch.Recover(bg()))
	f.waitState(t, model.UpdateFirmware, model.JobDownloaded)

	f.flasher.mu.Lock()
	assert.Equal(t, f.body, f.flasher.buf.Bytes())
	f.flasher.mu.Unlock()
	assert.True(t, f.flasher.committed)

	// the verification material is spent once the download verified
	_, err = f.store.LoadPackageMeta(model.UpdateFirmware)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecoverDownloadWithoutWorkspaceFails(t *testing.T) {
	f := newFixture(t, noConsent())
	require.NoError(t, f.store.SaveJobStatus(model.UpdateFirmware, model.JobDownloading, 0))

	require.NoError(t, f.orch.Recover(bg()))

	state, result := f.orch.State(model.UpdateFirmware)
	assert.Equal(t, model.JobFailed, state)
	assert.Equal(t, int(lwm2m.FwResultUpdateFailed), result)
}

func TestRecoverHoldsFirmwareInstallOutcome(t *testing.T) {
	f := newFixture(t, noConsent())
	require.NoError(t, f.store.SaveJobStatus(model.UpdateFirmware, model.JobInstalling, 0))
	require.NoError(t, f.store.WriteBool(store.KeyFwInstallPending, true))

	require.NoError(t, f.orch.Recover(bg()))

	state, _ := f.orch.State(model.UpdateFirmware)
	assert.Equal(t, model.JobInstallPending, state)

	// the platform reports in after the new image booted
	require.NoError(t, f.orch.FinishFwInstall(true))
	state, result := f.orch.State(model.UpdateFirmware)
	assert.Equal(t, model.JobInstalled, state)
	assert.Equal(t, int(lwm2m.FwResultSuccess), result)
	pending, err := f.store.ReadBool(store.KeyFwInstallPending)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestRecoverRedrivesSoftwareInstall(t *testing.T) {
	f := newFixture(t, noConsent())
	require.NoError(t, f.store.SaveJobStatus(model.UpdateSoftware, model.JobInstalling, int(lwm2m.SwResultVerified)))
	require.NoError(t, f.store.WriteInt(store.KeySwUpdateInternal, int64(model.InternalInstallRequested)))
	require.NoError(t, f.store.WriteInt(store.KeySwUpdateInstance, 7))

	require.NoError(t, f.orch.Recover(bg()))
	f.waitState(t, model.UpdateSoftware, model.JobInstalled)

	f.installer.installMu.Lock()
	defer f.installer.installMu.Unlock()
	assert.Equal(t, 7, f.installer.installedID)
}

func TestRecoverNewSystemDropsSoftwareState(t *testing.T) {
	f := newFixture(t, noConsent())
	require.NoError(t, f.store.WriteBool(store.KeyNewSystem, true))
	require.NoError(t, f.store.SaveJobStatus(model.UpdateSoftware, model.JobDownloading, 0))
	require.NoError(t, f.store.WriteInt(store.KeySwUpdateInternal, int64(model.InternalDownloadRequested)))
	require.NoError(t, f.store.SaveWorkspace(model.ResumeWorkspace{
		URI:             "https://dl.example/app.pkg",
		Type:            model.UpdateSoftware,
		PackageSize:     1024,
		BytesDownloaded: 512,
	}))

	require.NoError(t, f.orch.Recover(bg()))

	state, result := f.orch.State(model.UpdateSoftware)
	assert.Equal(t, model.JobIdle, state)
	assert.Equal(t, 0, result)
	_, err := f.store.LoadWorkspace()
	assert.Error(t, err)
	marker, err := f.store.ReadBool(store.KeyNewSystem)
	require.NoError(t, err)
	assert.False(t, marker)
}

func TestRecoverPendingReportRequestsConnection(t *testing.T) {
	f := newFixture(t, noConsent())
	require.NoError(t, f.store.WriteBool(store.KeyFwNotification, true))

	require.NoError(t, f.orch.Recover(bg()))

	pending, err := f.store.ReadBool(store.KeyConnectionPending)
	require.NoError(t, err)
	assert.True(t, pending)
}
