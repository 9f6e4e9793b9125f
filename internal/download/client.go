/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package download

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nkondo/avc-agent/internal/lwm2m"
)

// DefaultReaderTimeout bounds both header and body reads.
const DefaultReaderTimeout = 30 * time.Second

const chunkSize = 32 * 1024

// Error taxonomy of the downloader.
var (
	ErrInvalidArg = errors.New("invalid argument")
	ErrConnection = errors.New("connection error")
	ErrTimeout    = errors.New("timeout")
	ErrRecv       = errors.New("receive error")
	ErrMemory     = errors.New("out of memory")
	ErrCert       = errors.New("certificate error")
	ErrFailed     = errors.New("download failed")
	ErrAborted    = errors.New("download aborted")
	ErrSuspended  = errors.New("download suspended")
	ErrSinkClosed = errors.New("sink closed")

	// ErrRangeIgnored reports a 200 answer to a ranged request. The
	// body has not been consumed; the caller must discard any partial
	// state and retry from offset zero.
	ErrRangeIgnored = errors.New("range ignored by server")
)

// StatusError reports a non-success HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d", e.Code)
}

// Sink consumes one body chunk. Returning ErrSinkClosed tells the
// downloader the consumer has gone away; any other error aborts the
// transfer.
type Sink func(chunk []byte) error

// Options configures a Client.
type Options struct {
	// Timeout overrides the reader timeout; zero keeps the default.
	Timeout time.Duration
	// Bundle is the provisioned cipher-suite bundle, nil for the
	// baked-in default root.
	Bundle *Bundle
	// RegState queries the packet-switched registration state; nil
	// treats the device as always attached.
	RegState func() lwm2m.RegState
	Logger   *log.Logger
}

// Client performs one HTTP(S) transaction at a time against a package
// URL. The underlying transport is built per request and never reused.
type Client struct {
	timeout  time.Duration
	tlsCfg   *tls.Config
	regState func() lwm2m.RegState
	logger   *log.Logger

	abort   atomic.Bool
	suspend atomic.Bool

	lastStatus atomic.Int64
}

// NewClient builds a downloader from options.
func NewClient(opts Options) (*Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultReaderTimeout
	}
	tlsCfg, err := TLSConfig(opts.Bundle)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		timeout:  timeout,
		tlsCfg:   tlsCfg,
		regState: opts.RegState,
		logger:   logger,
	}, nil
}

// Abort requests a clean cancellation; the next chunk boundary
// observes it.
func (c *Client) Abort() {
	c.abort.Store(true)
}

// Suspend requests a resumable stop; the next chunk boundary observes
// it.
func (c *Client) Suspend() {
	c.suspend.Store(true)
}

// Reset clears latched abort/suspend requests before a new transfer.
func (c *Client) Reset() {
	c.abort.Store(false)
	c.suspend.Store(false)
}

// LastHTTPStatus returns the status code of the most recent
// transaction, zero when none completed the header exchange.
func (c *Client) LastHTTPStatus() int {
	return int(c.lastStatus.Load())
}

func (c *Client) transport() *http.Transport {
	return &http.Transport{
		TLSClientConfig:       c.tlsCfg.Clone(),
		ResponseHeaderTimeout: c.timeout,
		DisableKeepAlives:     true,
	}
}

// Head probes the package size. Returns the Content-Length announced
// by the server.
func (c *Client) Head(ctx context.Context, rawURL string) (int64, error) {
	if _, err := ParseURL(rawURL); err != nil {
		return 0, err
	}

	tr := c.transport()
	defer tr.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}
	resp, err := (&http.Client{Transport: tr}).Do(req)
	if err != nil {
		return 0, c.classify(err)
	}
	defer resp.Body.Close()

	c.lastStatus.Store(int64(resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{Code: resp.StatusCode}
	}
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: missing content length", ErrRecv)
	}
	return size, nil
}

// Get streams the package body into the sink, resuming at offset with
// a Range header when offset is positive. The body is forwarded chunk
// by chunk; nothing is buffered beyond one chunk.
func (c *Client) Get(ctx context.Context, rawURL string, offset int64, sink Sink) error {
	if sink == nil {
		return fmt.Errorf("%w: nil sink", ErrInvalidArg)
	}
	if _, err := ParseURL(rawURL); err != nil {
		return err
	}

	tr := c.transport()
	defer tr.CloseIdleConnections()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var watchdogFired atomic.Bool
	watchdog := time.AfterFunc(c.timeout, func() {
		watchdogFired.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArg, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := (&http.Client{Transport: tr}).Do(req)
	if err != nil {
		if watchdogFired.Load() {
			return c.maybeSuspend(ErrTimeout)
		}
		return c.classify(err)
	}
	defer resp.Body.Close()

	c.lastStatus.Store(int64(resp.StatusCode))
	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	default:
		return &StatusError{Code: resp.StatusCode}
	}
	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		// Consuming the full body here would feed bytes 0..offset into
		// a sink already seeded at offset. Hand the restart decision
		// back to the caller before touching the body.
		c.logger.Printf("server ignored range request, restarting from zero")
		return ErrRangeIgnored
	}

	buf := make([]byte, chunkSize)
	for {
		if c.abort.Load() {
			return ErrAborted
		}
		if c.suspend.Load() {
			return ErrSuspended
		}

		watchdog.Reset(c.timeout)
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if serr := sink(buf[:n]); serr != nil {
				if errors.Is(serr, ErrSinkClosed) {
					// The consumer exited; treat the broken pipe as a
					// cancellation, not an IO failure.
					return ErrAborted
				}
				return serr
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if watchdogFired.Load() {
					return c.maybeSuspend(ErrTimeout)
				}
				return ErrAborted
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return c.maybeSuspend(fmt.Errorf("%w: %v", ErrRecv, err))
		}
	}
}

// maybeSuspend converts a network-class failure into a suspension when
// the device has lost packet-switched registration.
func (c *Client) maybeSuspend(err error) error {
	if c.regState == nil {
		return err
	}
	if !c.regState().Attached() {
		c.logger.Printf("network detached, converting %v into suspend", err)
		return ErrSuspended
	}
	return err
}

// classify maps a transport error onto the downloader taxonomy.
func (c *Client) classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.maybeSuspend(fmt.Errorf("%w: %v", ErrTimeout, err))
	}
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostErr) {
		return fmt.Errorf("%w: %v", ErrCert, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return c.maybeSuspend(fmt.Errorf("%w: %v", ErrConnection, err))
	}
	if errors.Is(err, context.Canceled) {
		return ErrAborted
	}
	return c.maybeSuspend(fmt.Errorf("%w: %v", ErrConnection, err))
}
