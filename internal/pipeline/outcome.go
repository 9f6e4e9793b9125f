/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package pipeline

import (
	"errors"
	"syscall"

	"github.com/nkondo/avc-agent/internal/download"
)

// Outcome is the terminal classification of one pipeline run.
type Outcome int

const (
	OutcomeComplete Outcome = iota
	OutcomeSuspendedRAM
	OutcomeSuspendedNetwork
	OutcomeAborted
	OutcomeFailedTooBig
	OutcomeFailedInvalidURI
	OutcomeFailedBadPackage
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeSuspendedRAM:
		return "suspended-ram"
	case OutcomeSuspendedNetwork:
		return "suspended-network"
	case OutcomeAborted:
		return "aborted"
	case OutcomeFailedTooBig:
		return "failed-too-big"
	case OutcomeFailedInvalidURI:
		return "failed-invalid-uri"
	case OutcomeFailedBadPackage:
		return "failed-bad-package"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Recoverable reports whether the run can be retried with the resume
// workspace intact.
func (o Outcome) Recoverable() bool {
	return o == OutcomeSuspendedRAM || o == OutcomeSuspendedNetwork
}

// Result is what Run hands back to the orchestrator.
type Result struct {
	Outcome         Outcome
	BytesDownloaded int64
	PackageSize     int64
	Err             error
}

// mapOutcome combines the downloader and store-worker results into one
// outcome. The downloader's network class dominates, then storage
// capacity, then the abort flag.
func mapOutcome(dlErr, storeErr error) Outcome {
	var status *download.StatusError
	if errors.As(dlErr, &status) {
		if status.Code == 404 || status.Code == 414 {
			return OutcomeFailedInvalidURI
		}
		return OutcomeFailed
	}
	switch {
	case errors.Is(dlErr, download.ErrSuspended),
		errors.Is(dlErr, download.ErrConnection),
		errors.Is(dlErr, download.ErrTimeout),
		errors.Is(dlErr, download.ErrRecv):
		return OutcomeSuspendedNetwork
	}
	switch {
	case errors.Is(storeErr, ErrNoSpace), errors.Is(storeErr, syscall.ENOSPC):
		return OutcomeFailedTooBig
	case errors.Is(storeErr, ErrNoMemory), errors.Is(storeErr, syscall.ENOMEM):
		return OutcomeSuspendedRAM
	}
	if errors.Is(dlErr, download.ErrMemory) {
		return OutcomeSuspendedRAM
	}
	if errors.Is(dlErr, download.ErrAborted) {
		if storeErr != nil {
			return OutcomeFailed
		}
		return OutcomeAborted
	}
	if dlErr != nil || storeErr != nil {
		return OutcomeFailed
	}
	return OutcomeComplete
}
