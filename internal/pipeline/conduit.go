/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nkondo/avc-agent/internal/download"
)

var (
	// ErrConduitBroken is returned by Write after the consumer side has
	// exited. It wraps download.ErrSinkClosed so the download loop stops
	// cleanly instead of treating the write failure as a network fault.
	ErrConduitBroken = fmt.Errorf("pipeline: conduit broken: %w", download.ErrSinkClosed)

	// ErrNoMemory classifies a store-worker allocation failure. The job
	// is suspended, not failed, so it can retry once memory pressure
	// clears.
	ErrNoMemory = errors.New("pipeline: store worker out of memory")

	// ErrNoSpace classifies a package larger than the storage partition.
	ErrNoSpace = errors.New("pipeline: package exceeds storage capacity")
)

// Writer is the device-side consumer of package bytes. Firmware jobs
// write through the flash driver adapter, software jobs through the
// application manager.
type Writer interface {
	// ResumeOffset returns how many bytes the consumer has already
	// committed, so a resumed download can skip past them.
	ResumeOffset() (int64, error)

	Write(p []byte) (int, error)

	// Commit finalises the stream after successful verification.
	Commit() error

	// Drop discards partially written data.
	Drop() error
}

// Conduit is the single-producer / single-consumer channel between the
// download loop and the consumer. Close signals EOF; Join blocks until
// the consumer is done and returns its error.
type Conduit interface {
	Write(p []byte) error
	Close()
	Join() error
}

const fifoDepth = 8

// fifo runs the consumer on a dedicated worker goroutine. Firmware
// storage is slow relative to the radio, so the channel buffer lets the
// downloader stay a few chunks ahead.
type fifo struct {
	ch        chan []byte
	broken    chan struct{}
	grp       *errgroup.Group
	closeOnce sync.Once
}

// NewFIFO starts the store worker and returns the producer handle.
func NewFIFO(w Writer) Conduit {
	f := &fifo{
		ch:     make(chan []byte, fifoDepth),
		broken: make(chan struct{}),
		grp:    &errgroup.Group{},
	}
	f.grp.Go(func() error {
		defer close(f.broken)
		for p := range f.ch {
			if _, err := w.Write(p); err != nil {
				return err
			}
		}
		return nil
	})
	return f
}

func (f *fifo) Write(p []byte) error {
	// The downloader reuses its read buffer, so the chunk must be
	// copied before it crosses the channel.
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case f.ch <- cp:
		return nil
	case <-f.broken:
		return ErrConduitBroken
	}
}

func (f *fifo) Close() {
	f.closeOnce.Do(func() { close(f.ch) })
}

func (f *fifo) Join() error {
	f.Close()
	return f.grp.Wait()
}

// syncPipe feeds the consumer inline on the caller's goroutine. The
// app-installer IPC is thread-affine, so software jobs must not hop to
// a worker.
type syncPipe struct {
	w   Writer
	err error
}

// NewSyncPipe returns a conduit whose writes go straight through to w.
func NewSyncPipe(w Writer) Conduit {
	return &syncPipe{w: w}
}

func (p *syncPipe) Write(b []byte) error {
	if p.err != nil {
		return ErrConduitBroken
	}
	if _, err := p.w.Write(b); err != nil {
		p.err = err
		return ErrConduitBroken
	}
	return nil
}

func (p *syncPipe) Close() {}

func (p *syncPipe) Join() error { return p.err }
