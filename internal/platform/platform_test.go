/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package platform

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileFlasherLifecycle(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)
	f, err := NewFileFlasher(dir, logger)
	require.NoError(t, err)

	off, err := f.ResumeOffset()
	require.NoError(t, err)
	assert.Zero(t, off)

	_, err = f.Write([]byte("half an "))
	require.NoError(t, err)

	// a fresh instance sees the staged bytes, as after a restart
	f2, err := NewFileFlasher(dir, logger)
	require.NoError(t, err)
	off, err = f2.ResumeOffset()
	require.NoError(t, err)
	assert.Equal(t, int64(8), off)

	_, err = f2.Write([]byte("image"))
	require.NoError(t, err)
	require.NoError(t, f2.Commit())

	img, err := os.ReadFile(filepath.Join(dir, "firmware.img"))
	require.NoError(t, err)
	assert.Equal(t, "half an image", string(img))

	// install only with a committed image present
	require.NoError(t, f2.Install())
	_, err = os.Stat(filepath.Join(dir, "install.requested"))
	assert.NoError(t, err)
}

func TestFileFlasherDrop(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFileFlasher(dir, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	assert.Error(t, f.Install(), "install without a committed image must fail")

	_, err = f.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, f.Drop())
	require.NoError(t, f.Drop())

	off, err := f.ResumeOffset()
	require.NoError(t, err)
	assert.Zero(t, off)
}

func TestFileInstallerLifecycle(t *testing.T) {
	dir := t.TempDir()
	i, err := NewFileInstaller(dir, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	_, err = i.Write([]byte("app payload"))
	require.NoError(t, err)
	require.NoError(t, i.Commit())
	require.NoError(t, i.Install(3))

	pkg, err := os.ReadFile(filepath.Join(dir, "apps", "3.pkg"))
	require.NoError(t, err)
	assert.Equal(t, "app payload", string(pkg))

	require.NoError(t, i.Uninstall(3))
	_, err = os.Stat(filepath.Join(dir, "apps", "3.pkg"))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, i.Uninstall(3))
}
