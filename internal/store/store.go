/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package store is the typed persistent configuration store. Every
// update-state and update-result mutation of the agent is routed
// through it so that crash recovery stays deterministic.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/nkondo/avc-agent/internal/domain"
)

// Key paths are part of the on-disk contract.
const (
	KeyTpfEnable         = "/avc/fw/isTpfServerEnable"
	KeyPackageURI        = "/avc/packageUri"
	KeyUpdateType        = "/avc/updateType"
	KeyPackageSize       = "/avc/packageSize"
	KeySwUpdateState     = "/avc/swUpdateState"
	KeySwUpdateResult    = "/avc/swUpdateResult"
	KeySwUpdateInstance  = "/avc/swUpdateInstanceId"
	KeySwUpdateInternal  = "/avc/swUpdateInternalState"
	KeySwUpdatePkgSize   = "/avc/swUpdatePkgSize"
	KeySwUpdateBytesDone = "/avc/swUpdateBytesDownloaded"
	KeyFwUpdateState     = "/avc/fwUpdateState"
	KeyFwUpdateResult    = "/avc/fwUpdateResult"
	KeyFwInstallPending  = "/avc/fwUpdateInstallPending"
	KeyFwNotification    = "/avc/fwUpdateNotification"
	KeyConnectionPending = "/avc/connectionPending"
	KeyNewSystem         = "/avc/newSystem"
	KeyConfig            = "/avc/config"
	keyParamPrefix       = "/avc/param"
	workspaceKey         = "/avc/workspace"
	keyFwPackageMeta     = "/avc/fwPackageMeta"
	keySwPackageMeta     = "/avc/swPackageMeta"
)

// Store exposes read/write/delete/exists over a namespaced file tree
// rooted at a single directory. Writes replace the full payload and
// truncate the file to the new size so no stale tail bytes survive, and
// are synced before returning.
type Store struct {
	root   string
	logger *log.Logger
}

// New creates the store rooted at dir, creating it when missing.
func New(dir string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{root: dir, logger: logger}, nil
}

func (s *Store) path(key string) (string, error) {
	clean := filepath.Clean("/" + strings.TrimPrefix(key, "/"))
	if clean == "/" || strings.Contains(clean, "..") {
		return "", fmt.Errorf("%w: bad key %q", domain.ErrIO, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Read returns the full payload stored under key.
func (s *Store) Read(key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrIO, key, err)
	}
	return data, nil
}

// Write stores the full payload under key, truncating any previous
// content to the new length and syncing before returning.
func (s *Store) Write(key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("%w: mkdir for %s: %v", domain.ErrIO, key, err)
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", domain.ErrIO, key, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrIO, key, err)
	}
	// Truncate after the write so a shrinking payload leaves no stale
	// tail bytes behind.
	if err := f.Truncate(int64(len(data))); err != nil {
		return fmt.Errorf("%w: truncate %s: %v", domain.ErrIO, key, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", domain.ErrIO, key, err)
	}
	return nil
}

// Delete removes the payload under key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: delete %s: %v", domain.ErrIO, key, err)
	}
	return nil
}

// Exists reports whether a payload is stored under key.
func (s *Store) Exists(key string) bool {
	p, err := s.path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}
