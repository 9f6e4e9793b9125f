/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package pipeline

import (
	"bytes"
	"context"
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cose "github.com/veraison/go-cose"

	"github.com/nkondo/avc-agent/internal/domain/model"
	"github.com/nkondo/avc-agent/internal/download"
	"github.com/nkondo/avc-agent/internal/store"
)

type memWriter struct {
	buf       bytes.Buffer
	committed bool
	dropped   bool
	failAfter int
	failWith  error
}

func (w *memWriter) ResumeOffset() (int64, error) { return int64(w.buf.Len()), nil }

func (w *memWriter) Write(p []byte) (int, error) {
	if w.failWith != nil && w.buf.Len()+len(p) > w.failAfter {
		return 0, w.failWith
	}
	return w.buf.Write(p)
}

func (w *memWriter) Commit() error { w.committed = true; return nil }

func (w *memWriter) Drop() error {
	w.dropped = true
	w.buf.Reset()
	return nil
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	st, err := store.New(t.TempDir(), testLogger())
	require.NoError(t, err)
	return New(st, nil, testLogger())
}

func newTestClient(t *testing.T) *download.Client {
	t.Helper()
	c, err := download.NewClient(download.Options{
		Timeout: 5 * time.Second,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	return c
}

func signFirmware(t *testing.T, body []byte) (sig, pubDER []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	digest := sha1.Sum(body)
	sig, err = rsa.SignPSS(rand.Reader, priv, stdcrypto.SHA1, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})
	require.NoError(t, err)
	return sig, x509.MarshalPKCS1PublicKey(&priv.PublicKey)
}

func signSoftware(t *testing.T, body []byte) (envelope, keyBytes []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signer, err := cose.NewSigner(cose.AlgorithmES256, priv)
	require.NoError(t, err)

	digest := sha256.Sum256(body)
	msg := cose.Sign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: cose.AlgorithmES256,
			},
		},
		Payload: digest[:],
	}
	require.NoError(t, msg.Sign(rand.Reader, nil, signer))
	envelope, err = msg.MarshalCBOR()
	require.NoError(t, err)

	key, err := cose.NewKeyFromPublic(&priv.PublicKey)
	require.NoError(t, err)
	keyBytes, err = cbor.Marshal(key)
	require.NoError(t, err)
	return envelope, keyBytes
}

func serveBody(body []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
}

func randomBody(t *testing.T, n int) []byte {
	t.Helper()
	body := make([]byte, n)
	_, err := rand.Read(body)
	require.NoError(t, err)
	return body
}

func TestPipeline_FirmwareComplete(t *testing.T) {
	body := randomBody(t, 96*1024)
	sig, pub := signFirmware(t, body)
	srv := serveBody(body)
	defer srv.Close()

	p := newTestPipeline(t)
	w := &memWriter{}
	res := p.Run(context.Background(), Job{
		Type:      model.UpdateFirmware,
		URI:       srv.URL + "/pkg.bin",
		Writer:    w,
		Client:    newTestClient(t),
		PublicKey: pub,
		Signature: sig,
	})

	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, int64(len(body)), res.BytesDownloaded)
	assert.True(t, w.committed)
	assert.False(t, w.dropped)
	assert.Equal(t, body, w.buf.Bytes())

	_, err := p.store.LoadWorkspace()
	assert.Error(t, err, "workspace must be gone after completion")
}

func TestPipeline_SoftwareComplete(t *testing.T) {
	body := randomBody(t, 40*1024)
	envelope, keyBytes := signSoftware(t, body)
	srv := serveBody(body)
	defer srv.Close()

	p := newTestPipeline(t)
	w := &memWriter{}
	res := p.Run(context.Background(), Job{
		Type:      model.UpdateSoftware,
		URI:       srv.URL + "/app.pkg",
		Writer:    w,
		Client:    newTestClient(t),
		PublicKey: keyBytes,
		Envelope:  envelope,
	})

	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.True(t, w.committed)
	assert.Equal(t, body, w.buf.Bytes())
}

func TestPipeline_SuspendThenResume(t *testing.T) {
	body := randomBody(t, 96*1024)
	sig, pub := signFirmware(t, body)

	var attempts atomic.Int32
	var resumedFrom atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			return
		}
		if attempts.Add(1) == 1 {
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			w.Write(body[:64*1024])
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			panic(http.ErrAbortHandler)
		}
		rng := r.Header.Get("Range")
		var off int64
		fmt.Sscanf(strings.TrimPrefix(rng, "bytes="), "%d-", &off)
		resumedFrom.Store(off)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[off:])
	}))
	defer srv.Close()

	p := newTestPipeline(t)
	w := &memWriter{}
	job := Job{
		Type:      model.UpdateFirmware,
		URI:       srv.URL + "/pkg.bin",
		Writer:    w,
		Client:    newTestClient(t),
		PublicKey: pub,
		Signature: sig,
	}

	res := p.Run(context.Background(), job)
	assert.Equal(t, OutcomeSuspendedNetwork, res.Outcome)

	ws, err := p.store.LoadWorkspace()
	require.NoError(t, err, "suspended run must keep the workspace")
	assert.Equal(t, int64(w.buf.Len()), ws.BytesDownloaded)
	assert.NotEmpty(t, ws.HasherState)

	res = p.Run(context.Background(), job)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, body, w.buf.Bytes())
	assert.Equal(t, ws.BytesDownloaded, resumedFrom.Load(),
		"second attempt must resume where the workspace left off")
}

func TestPipeline_RangeIgnoredRestartsFromZero(t *testing.T) {
	body := randomBody(t, 96*1024)
	sig, pub := signFirmware(t, body)

	var attempts atomic.Int32
	var rangedGets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			return
		}
		if attempts.Add(1) == 1 {
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			w.Write(body[:64*1024])
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			panic(http.ErrAbortHandler)
		}
		// a server without range support answers every GET with 200
		// and the whole body
		if r.Header.Get("Range") != "" {
			rangedGets.Add(1)
		}
		w.Write(body)
	}))
	defer srv.Close()

	p := newTestPipeline(t)
	w := &memWriter{}
	job := Job{
		Type:      model.UpdateFirmware,
		URI:       srv.URL + "/pkg.bin",
		Writer:    w,
		Client:    newTestClient(t),
		PublicKey: pub,
		Signature: sig,
	}

	res := p.Run(context.Background(), job)
	assert.Equal(t, OutcomeSuspendedNetwork, res.Outcome)
	require.Greater(t, w.buf.Len(), 0, "first attempt must stage partial data")

	// the resumed attempt gets the range ignored, so the partial data
	// and digest state are discarded and the run restarts from zero
	res = p.Run(context.Background(), job)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, int64(len(body)), res.BytesDownloaded)
	assert.Equal(t, body, w.buf.Bytes())
	assert.True(t, w.committed)
	assert.True(t, w.dropped, "stale partial data must be discarded")
	assert.Equal(t, int32(1), rangedGets.Load())

	_, err := p.store.LoadWorkspace()
	assert.Error(t, err, "workspace must be gone after completion")
}

func TestGetTreatsClosedConduitAsAbort(t *testing.T) {
	body := randomBody(t, 1024*1024)
	srv := serveBody(body)
	defer srv.Close()

	w := &memWriter{failAfter: 0, failWith: errors.New("flash write fault")}
	conduit := NewFIFO(w)
	err := newTestClient(t).Get(context.Background(), srv.URL+"/pkg.bin", 0,
		func(chunk []byte) error { return conduit.Write(chunk) })
	assert.ErrorIs(t, err, download.ErrAborted,
		"a broken conduit stops the transfer cleanly, not as an IO failure")
	assert.ErrorIs(t, ErrConduitBroken, download.ErrSinkClosed)
	conduit.Close()
	assert.Error(t, conduit.Join())
}

func TestPipeline_NotFoundFailsInvalidURI(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p := newTestPipeline(t)
	w := &memWriter{}
	res := p.Run(context.Background(), Job{
		Type:   model.UpdateFirmware,
		URI:    srv.URL + "/missing.bin",
		Writer: w,
		Client: newTestClient(t),
	})

	assert.Equal(t, OutcomeFailedInvalidURI, res.Outcome)
	assert.True(t, w.dropped)
	_, err := p.store.LoadWorkspace()
	assert.Error(t, err)
}

func TestPipeline_BadSignatureFailsBadPackage(t *testing.T) {
	body := randomBody(t, 16*1024)
	_, pub := signFirmware(t, body)
	sig, _ := signFirmware(t, []byte("different package"))
	srv := serveBody(body)
	defer srv.Close()

	p := newTestPipeline(t)
	w := &memWriter{}
	res := p.Run(context.Background(), Job{
		Type:      model.UpdateFirmware,
		URI:       srv.URL + "/pkg.bin",
		Writer:    w,
		Client:    newTestClient(t),
		PublicKey: pub,
		Signature: sig,
	})

	assert.Equal(t, OutcomeFailedBadPackage, res.Outcome)
	assert.False(t, w.committed)
	assert.True(t, w.dropped)
}

func TestPipeline_ChecksumMismatchFailsBadPackage(t *testing.T) {
	body := randomBody(t, 8*1024)
	sig, pub := signFirmware(t, body)
	srv := serveBody(body)
	defer srv.Close()

	p := newTestPipeline(t)
	res := p.Run(context.Background(), Job{
		Type:      model.UpdateFirmware,
		URI:       srv.URL + "/pkg.bin",
		Writer:    &memWriter{},
		Client:    newTestClient(t),
		PublicKey: pub,
		Signature: sig,
		Checksum:  strings.Repeat("00", 20),
	})

	assert.Equal(t, OutcomeFailedBadPackage, res.Outcome)
}

func TestPipeline_StoreOutOfSpaceFailsTooBig(t *testing.T) {
	body := randomBody(t, 128*1024)
	srv := serveBody(body)
	defer srv.Close()

	p := newTestPipeline(t)
	w := &memWriter{failAfter: 32 * 1024, failWith: ErrNoSpace}
	res := p.Run(context.Background(), Job{
		Type:   model.UpdateFirmware,
		URI:    srv.URL + "/pkg.bin",
		Writer: w,
		Client: newTestClient(t),
	})

	assert.Equal(t, OutcomeFailedTooBig, res.Outcome)
	assert.True(t, w.dropped)
	_, err := p.store.LoadWorkspace()
	assert.Error(t, err)
}

func TestPipeline_StoreOutOfMemorySuspends(t *testing.T) {
	body := randomBody(t, 128*1024)
	srv := serveBody(body)
	defer srv.Close()

	p := newTestPipeline(t)
	w := &memWriter{failAfter: 32 * 1024, failWith: ErrNoMemory}
	res := p.Run(context.Background(), Job{
		Type:   model.UpdateFirmware,
		URI:    srv.URL + "/pkg.bin",
		Writer: w,
		Client: newTestClient(t),
	})

	assert.Equal(t, OutcomeSuspendedRAM, res.Outcome)
	assert.False(t, w.dropped, "suspended run keeps partial data")
	_, err := p.store.LoadWorkspace()
	assert.NoError(t, err)
}

func TestPipeline_ProgressReported(t *testing.T) {
	body := randomBody(t, 64*1024)
	envelope, keyBytes := signSoftware(t, body)
	srv := serveBody(body)
	defer srv.Close()

	st, err := store.New(t.TempDir(), testLogger())
	require.NoError(t, err)
	var lastDone int64
	p := New(st, func(done, total int64) { lastDone = done }, testLogger())

	res := p.Run(context.Background(), Job{
		Type:      model.UpdateSoftware,
		URI:       srv.URL + "/app.pkg",
		Writer:    &memWriter{},
		Client:    newTestClient(t),
		PublicKey: keyBytes,
		Envelope:  envelope,
	})
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, int64(len(body)), lastDone)
}

func TestMapOutcome(t *testing.T) {
	cases := []struct {
		name     string
		dlErr    error
		storeErr error
		want     Outcome
	}{
		{"both ok", nil, nil, OutcomeComplete},
		{"http 404", &download.StatusError{Code: 404}, nil, OutcomeFailedInvalidURI},
		{"http 414", &download.StatusError{Code: 414}, nil, OutcomeFailedInvalidURI},
		{"http 500", &download.StatusError{Code: 500}, nil, OutcomeFailed},
		{"network error dominates", download.ErrConnection, ErrNoSpace, OutcomeSuspendedNetwork},
		{"suspended", download.ErrSuspended, nil, OutcomeSuspendedNetwork},
		{"recv error", download.ErrRecv, nil, OutcomeSuspendedNetwork},
		{"store no space", ErrConduitBroken, ErrNoSpace, OutcomeFailedTooBig},
		{"store oom", ErrConduitBroken, ErrNoMemory, OutcomeSuspendedRAM},
		{"clean abort", download.ErrAborted, nil, OutcomeAborted},
		{"store failed generic", nil, errors.New("disk on fire"), OutcomeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, mapOutcome(tc.dlErr, tc.storeErr))
		})
	}
}

func TestFIFO_OrderAndJoin(t *testing.T) {
	w := &memWriter{}
	c := NewFIFO(w)
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Write([]byte{byte(i)}))
	}
	c.Close()
	require.NoError(t, c.Join())

	got := w.buf.Bytes()
	require.Len(t, got, 20)
	for i, b := range got {
		assert.Equal(t, byte(i), b)
	}
}

func TestFIFO_BrokenAfterConsumerError(t *testing.T) {
	w := &memWriter{failAfter: 0, failWith: ErrNoSpace}
	c := NewFIFO(w)

	var werr error
	for i := 0; i < fifoDepth+4; i++ {
		if werr = c.Write(make([]byte, 16)); werr != nil {
			break
		}
	}
	assert.ErrorIs(t, werr, ErrConduitBroken)
	assert.ErrorIs(t, c.Join(), ErrNoSpace)
}

func TestSyncPipe_PropagatesError(t *testing.T) {
	w := &memWriter{failAfter: 4, failWith: ErrNoSpace}
	c := NewSyncPipe(w)

	require.NoError(t, c.Write([]byte("1234")))
	assert.ErrorIs(t, c.Write([]byte("5678")), ErrConduitBroken)
	assert.ErrorIs(t, c.Join(), ErrNoSpace)
}
