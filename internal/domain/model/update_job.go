/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

// UpdateType distinguishes firmware (object 5) from software (object 9)
// packages.
type UpdateType int

const (
	UpdateFirmware UpdateType = iota
	UpdateSoftware
)

func (t UpdateType) String() string {
	switch t {
	case UpdateFirmware:
		return "firmware"
	case UpdateSoftware:
		return "software"
	default:
		return "unknown"
	}
}

// JobState is the orchestrator-level phase of an update job. It is
// persisted after every transition together with the result so that a
// power loss can rehydrate the job.
type JobState int

const (
	JobIdle JobState = iota
	JobDownloadPending
	JobDownloading
	JobDownloaded
	JobInstallPending
	JobInstalling
	JobInstalled
	JobUninstallPending
	JobUninstalling
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobIdle:
		return "idle"
	case JobDownloadPending:
		return "download-pending"
	case JobDownloading:
		return "downloading"
	case JobDownloaded:
		return "downloaded"
	case JobInstallPending:
		return "install-pending"
	case JobInstalling:
		return "installing"
	case JobInstalled:
		return "installed"
	case JobUninstallPending:
		return "uninstall-pending"
	case JobUninstalling:
		return "uninstalling"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the job occupies its update-type slot. At most
// one job per type may be active.
func (s JobState) Active() bool {
	return s != JobIdle && s != JobInstalled
}

// InternalState records the operation a server requested before a
// possible reboot, so recovery knows what to resume.
type InternalState int

const (
	InternalInvalid InternalState = iota
	InternalDownloadRequested
	InternalInstallRequested
	InternalUninstallRequested
)

// UpdateJob is the persistent record of one firmware or software
// update.
type UpdateJob struct {
	Type            UpdateType    `cbor:"1,keyasint"`
	InstanceID      int           `cbor:"2,keyasint"`
	State           JobState      `cbor:"3,keyasint"`
	Result          int           `cbor:"4,keyasint"`
	Internal        InternalState `cbor:"5,keyasint"`
	TotalBytes      int64         `cbor:"6,keyasint"`
	DownloadedBytes int64         `cbor:"7,keyasint"`
	URI             string        `cbor:"8,keyasint"`
	Signature       []byte        `cbor:"9,keyasint,omitempty"`
	ChecksumHex     string        `cbor:"10,keyasint,omitempty"`
}
