/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package download

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nkondo/avc-agent/internal/lwm2m"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	cases := []struct {
		raw     string
		want    ParsedURL
		wantErr bool
	}{
		{raw: "http://host.example/pkg.bin", want: ParsedURL{Scheme: "http", Host: "host.example", Port: 80, Path: "/pkg.bin"}},
		{raw: "https://host.example/pkg.bin", want: ParsedURL{Scheme: "https", Host: "host.example", Port: 443, Path: "/pkg.bin"}},
		{raw: "https://host.example:8443/a/b", want: ParsedURL{Scheme: "https", Host: "host.example", Port: 8443, Path: "/a/b"}},
		{raw: "http://host.example", want: ParsedURL{Scheme: "http", Host: "host.example", Port: 80, Path: "/"}},
		{raw: "ftp://host.example/pkg", wantErr: true},
		{raw: "http://host.example:0/pkg", wantErr: true},
		{raw: "http://host.example:70000/pkg", wantErr: true},
		{raw: "http://", wantErr: true},
	}
	for _, c := range cases {
		got, err := ParseURL(c.raw)
		if c.wantErr {
			assert.ErrorIs(t, err, ErrInvalidArg, "url %q", c.raw)
			continue
		}
		require.NoError(t, err, "url %q", c.raw)
		assert.Equal(t, c.want, got)
	}
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := NewClient(opts)
	require.NoError(t, err)
	return c
}

func TestClient_HeadReportsSize(t *testing.T) {
	payload := bytes.Repeat([]byte{0xA5}, 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(t, Options{})
	size, err := c.Head(context.Background(), srv.URL+"/pkg.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)
	assert.Equal(t, http.StatusOK, c.LastHTTPStatus())
}

func TestClient_GetStreamsWholeBody(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 8192) // 128 KiB
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	c := newClient(t, Options{})
	var got bytes.Buffer
	err := c.Get(context.Background(), srv.URL, 0, func(chunk []byte) error {
		got.Write(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, payload, got.Bytes())
}

func TestClient_GetResumesWithRange(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 1<<16)
	const offset = 40000
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			t.Errorf("expected Range header on resume")
			http.Error(w, "no range", http.StatusBadRequest)
			return
		}
		if rng != fmt.Sprintf("bytes=%d-", offset) {
			t.Errorf("unexpected range %q", rng)
		}
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", offset, len(payload)-1, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[offset:])
	}))
	defer srv.Close()

	c := newClient(t, Options{})
	var got bytes.Buffer
	err := c.Get(context.Background(), srv.URL, offset, func(chunk []byte) error {
		got.Write(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(payload)-offset, got.Len())
	assert.Equal(t, http.StatusPartialContent, c.LastHTTPStatus())
}

func TestClient_GetRangeIgnoredReturnsBeforeBody(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 1<<16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// range not honored: plain 200 with the full body
		w.Write(payload)
	}))
	defer srv.Close()

	c := newClient(t, Options{})
	sunk := 0
	err := c.Get(context.Background(), srv.URL, 40000, func(chunk []byte) error {
		sunk += len(chunk)
		return nil
	})
	assert.ErrorIs(t, err, ErrRangeIgnored)
	assert.Zero(t, sunk, "no body bytes may reach a sink seeded at offset")
	assert.Equal(t, http.StatusOK, c.LastHTTPStatus())
}

func TestClient_GetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := newClient(t, Options{})
	err := c.Get(context.Background(), srv.URL+"/missing", 0, func([]byte) error { return nil })
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, http.StatusNotFound, c.LastHTTPStatus())
}

func TestClient_AbortAtChunkBoundary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		for i := 0; i < 64; i++ {
			w.Write(bytes.Repeat([]byte{1}, chunkSize))
			f.Flush()
		}
	}))
	defer srv.Close()

	c := newClient(t, Options{})
	seen := 0
	err := c.Get(context.Background(), srv.URL, 0, func(chunk []byte) error {
		seen++
		if seen == 2 {
			c.Abort()
		}
		return nil
	})
	assert.ErrorIs(t, err, ErrAborted)
}

func TestClient_SinkClosedDowngradesToAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{1}, chunkSize*4))
	}))
	defer srv.Close()

	c := newClient(t, Options{})
	err := c.Get(context.Background(), srv.URL, 0, func([]byte) error {
		return ErrSinkClosed
	})
	assert.ErrorIs(t, err, ErrAborted)
}

func TestClient_TimeoutWhileDetachedBecomesSuspend(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(chunkSize*2))
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-block // starve the body
	}))
	defer srv.Close()
	defer close(block)

	c := newClient(t, Options{
		Timeout:  50 * time.Millisecond,
		RegState: func() lwm2m.RegState { return lwm2m.RegSearching },
	})
	err := c.Get(context.Background(), srv.URL, 0, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrSuspended)
}

func TestClient_TimeoutWhileAttachedStaysTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(chunkSize*2))
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := newClient(t, Options{
		Timeout:  50 * time.Millisecond,
		RegState: func() lwm2m.RegState { return lwm2m.RegHome },
	})
	err := c.Get(context.Background(), srv.URL, 0, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_ConnectionRefused(t *testing.T) {
	c := newClient(t, Options{})
	err := c.Get(context.Background(), "http://127.0.0.1:1/pkg", 0, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrConnection)
}

func TestTLSConfig_FallbackOnCorruptRoot(t *testing.T) {
	cfg, err := TLSConfig(&Bundle{RootPEM: []byte("not a pem")})
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)

	cfg, err = TLSConfig(nil)
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)
}

func TestBundle_Mutual(t *testing.T) {
	assert.False(t, (Bundle{}).Mutual())
	assert.True(t, (Bundle{
		ClientCertPEM: []byte(strings.Repeat("c", 4)),
		ClientKeyPEM:  []byte("k"),
	}).Mutual())
}
