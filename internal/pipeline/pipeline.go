/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package pipeline streams a signed update package from its URI into
// device storage, keeping the resume offset durable after every chunk
// and verifying the package signature at end of stream.
package pipeline

import (
	"context"
	"errors"
	"log"

	"github.com/nkondo/avc-agent/internal/crypto"
	"github.com/nkondo/avc-agent/internal/domain/model"
	"github.com/nkondo/avc-agent/internal/download"
	"github.com/nkondo/avc-agent/internal/store"
)

// Downloader is the subset of the HTTP client the pipeline drives.
type Downloader interface {
	Head(ctx context.Context, rawURL string) (int64, error)
	Get(ctx context.Context, rawURL string, offset int64, sink download.Sink) error
}

// ProgressFunc receives byte counts as the download advances. total is
// zero when the server did not announce a size.
type ProgressFunc func(done, total int64)

// Job describes one package transfer.
type Job struct {
	Type   model.UpdateType
	URI    string
	Writer Writer
	Client Downloader

	// PublicKey holds the verification key: PKCS#1 or SPKI DER for
	// firmware, a CBOR-encoded COSE key for software.
	PublicKey []byte

	// Signature is the detached RSA-PSS signature over the firmware
	// package digest. Firmware jobs only.
	Signature []byte

	// Envelope is the COSE_Sign1 structure whose payload is the
	// package SHA-256 digest. Software jobs only.
	Envelope []byte

	// Checksum optionally carries a hex digest to compare against,
	// using the job's hash algorithm.
	Checksum string
}

// Pipeline owns the chunk loop and its workspace bookkeeping. One
// instance serves the whole agent; runs are serialised by the
// orchestrator.
type Pipeline struct {
	store    *store.Store
	progress ProgressFunc
	logger   *log.Logger
}

func New(st *store.Store, progress ProgressFunc, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{store: st, progress: progress, logger: logger}
}

func hashAlgoFor(t model.UpdateType) crypto.Algo {
	if t == model.UpdateFirmware {
		return crypto.SHA1
	}
	return crypto.SHA256
}

// Run executes one transfer to completion, suspension or failure. On
// OutcomeComplete the package has been verified and committed; on a
// recoverable outcome the workspace still describes the partial
// transfer; on any other outcome the workspace is gone and partial
// data dropped.
func (p *Pipeline) Run(ctx context.Context, job Job) Result {
	ws, err := p.store.LoadWorkspace()
	if err != nil || ws.URI != job.URI || ws.Type != job.Type {
		ws = model.ResumeWorkspace{URI: job.URI, Type: job.Type}
	}

	offset := p.negotiateOffset(ws, job)
	hasher, err := p.prepareHasher(&ws, &offset, job)
	if err != nil {
		return p.finish(Result{Outcome: OutcomeFailed, Err: err}, job)
	}

	if ws.PackageSize <= 0 {
		if size, err := job.Client.Head(ctx, job.URI); err == nil {
			ws.PackageSize = size
		}
	}
	ws.BytesDownloaded = offset
	if err := p.store.SaveWorkspace(ws); err != nil {
		return p.finish(Result{Outcome: OutcomeFailed, Err: err}, job)
	}

	done := offset
	var conduit Conduit
	var dlErr, storeErr error
	for {
		if job.Type == model.UpdateFirmware {
			conduit = NewFIFO(job.Writer)
		} else {
			conduit = NewSyncPipe(job.Writer)
		}
		sink := func(chunk []byte) error {
			hasher.Update(chunk)
			if err := conduit.Write(chunk); err != nil {
				return err
			}
			done += int64(len(chunk))
			ws.BytesDownloaded = done
			ws.HasherState, _ = hasher.SaveState()
			if err := p.store.SaveWorkspace(ws); err != nil {
				p.logger.Printf("pipeline: workspace checkpoint failed: %v", err)
			}
			if p.progress != nil {
				p.progress(done, ws.PackageSize)
			}
			return nil
		}

		p.logger.Printf("pipeline: %s download start uri=%s offset=%d size=%d",
			job.Type, job.URI, offset, ws.PackageSize)

		dlErr = job.Client.Get(ctx, job.URI, offset, sink)
		conduit.Close()
		storeErr = conduit.Join()

		if !errors.Is(dlErr, download.ErrRangeIgnored) {
			break
		}
		// The server answered the ranged request with a full body.
		// Nothing of that body was consumed, but everything seeded at
		// offset is now invalid: drop the staged data, the digest
		// state and the persisted resume record, then retry from zero.
		if err := job.Writer.Drop(); err != nil {
			return p.finish(Result{Outcome: OutcomeFailed, Err: err}, job)
		}
		if err := p.store.TruncateWorkspace(); err != nil {
			return p.finish(Result{Outcome: OutcomeFailed, Err: err}, job)
		}
		hasher, err = crypto.NewHasher(hashAlgoFor(job.Type))
		if err != nil {
			return p.finish(Result{Outcome: OutcomeFailed, Err: err}, job)
		}
		offset, done = 0, 0
		ws.BytesDownloaded = 0
		ws.HasherState = nil
		if err := p.store.SaveWorkspace(ws); err != nil {
			return p.finish(Result{Outcome: OutcomeFailed, Err: err}, job)
		}
	}

	res := Result{BytesDownloaded: done, PackageSize: ws.PackageSize}
	res.Outcome = mapOutcome(dlErr, storeErr)
	if dlErr != nil {
		res.Err = dlErr
	} else if storeErr != nil {
		res.Err = storeErr
	}
	if res.Outcome != OutcomeComplete {
		return p.finish(res, job)
	}

	if err := p.verify(hasher, job); err != nil {
		res.Outcome = OutcomeFailedBadPackage
		res.Err = err
		return p.finish(res, job)
	}
	if err := job.Writer.Commit(); err != nil {
		res.Outcome = mapOutcome(nil, err)
		if res.Outcome == OutcomeComplete {
			res.Outcome = OutcomeFailed
		}
		res.Err = err
		return p.finish(res, job)
	}

	if err := p.store.DeleteWorkspace(); err != nil {
		p.logger.Printf("pipeline: workspace delete failed: %v", err)
	}
	p.logger.Printf("pipeline: %s download complete, %d bytes", job.Type, done)
	return res
}

// negotiateOffset reconciles the persisted offset with the consumer's
// committed position, taking the lower of the two.
func (p *Pipeline) negotiateOffset(ws model.ResumeWorkspace, job Job) int64 {
	if ws.BytesDownloaded <= 0 {
		return 0
	}
	devOff, err := job.Writer.ResumeOffset()
	if err != nil {
		p.logger.Printf("pipeline: resume position query failed, restarting: %v", err)
		return 0
	}
	if devOff < ws.BytesDownloaded {
		return devOff
	}
	return ws.BytesDownloaded
}

// prepareHasher restores the saved digest state when it matches the
// resume offset exactly; any mismatch forces a restart from zero, as a
// digest cannot be rewound.
func (p *Pipeline) prepareHasher(ws *model.ResumeWorkspace, offset *int64, job Job) (*crypto.Hasher, error) {
	if *offset > 0 && *offset == ws.BytesDownloaded && len(ws.HasherState) > 0 {
		h, err := crypto.RestoreHasher(ws.HasherState)
		if err == nil && h.Algo() == hashAlgoFor(job.Type) {
			return h, nil
		}
		p.logger.Printf("pipeline: saved digest state unusable, restarting")
	}
	*offset = 0
	ws.BytesDownloaded = 0
	ws.HasherState = nil
	return crypto.NewHasher(hashAlgoFor(job.Type))
}

func (p *Pipeline) verify(hasher *crypto.Hasher, job Job) error {
	if job.Checksum != "" {
		if err := hasher.CompareHex(job.Checksum); err != nil {
			return err
		}
	}
	digest := hasher.Sum()
	if job.Type == model.UpdateFirmware {
		return crypto.VerifyPSS(digest, job.Signature, job.PublicKey)
	}
	return crypto.VerifyEnvelope(job.Envelope, digest, job.PublicKey)
}

// finish applies the workspace retention rule: suspended jobs keep it
// for resume, everything else tears it down and drops partial data.
func (p *Pipeline) finish(res Result, job Job) Result {
	p.logger.Printf("pipeline: %s download %s: %v", job.Type, res.Outcome, res.Err)
	if res.Outcome.Recoverable() {
		return res
	}
	if err := p.store.DeleteWorkspace(); err != nil {
		p.logger.Printf("pipeline: workspace delete failed: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		if err := job.Writer.Drop(); err != nil {
			p.logger.Printf("pipeline: partial data drop failed: %v", err)
		}
	}
	return res
}
