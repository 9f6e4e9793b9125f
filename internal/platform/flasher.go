/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package platform holds the device-side driver implementations the
// update core is wired to: firmware storage, the application manager
// and the network bearer. The file-backed variants here serve
// development hosts; embedded targets supply their own.
package platform

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// FileFlasher streams a firmware image into a staging file and
// promotes it atomically on commit. ResumeOffset is the staged byte
// count, which makes interrupted downloads resumable across restarts.
type FileFlasher struct {
	dir    string
	f      *os.File
	logger *log.Logger
}

func NewFileFlasher(dir string, logger *log.Logger) (*FileFlasher, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("flasher dir: %w", err)
	}
	return &FileFlasher{dir: dir, logger: logger}, nil
}

func (f *FileFlasher) stagingPath() string { return filepath.Join(f.dir, "firmware.part") }
func (f *FileFlasher) imagePath() string   { return filepath.Join(f.dir, "firmware.img") }
func (f *FileFlasher) markerPath() string  { return filepath.Join(f.dir, "install.requested") }

// ResumeOffset reports the staged byte count, zero when no partial
// image exists.
func (f *FileFlasher) ResumeOffset() (int64, error) {
	info, err := os.Stat(f.stagingPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *FileFlasher) Write(p []byte) (int, error) {
	if f.f == nil {
		file, err := os.OpenFile(f.stagingPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return 0, err
		}
		f.f = file
	}
	return f.f.Write(p)
}

// Commit promotes the staged image. The rename is the durability
// point; a crash before it leaves the staging file for resume.
func (f *FileFlasher) Commit() error {
	if f.f != nil {
		if err := f.f.Sync(); err != nil {
			return err
		}
		if err := f.f.Close(); err != nil {
			return err
		}
		f.f = nil
	}
	return os.Rename(f.stagingPath(), f.imagePath())
}

// Drop discards staged partial data.
func (f *FileFlasher) Drop() error {
	if f.f != nil {
		_ = f.f.Close()
		f.f = nil
	}
	err := os.Remove(f.stagingPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Install hands the committed image to the bootloader. The file
// variant records the request; the swap itself happens on reboot.
func (f *FileFlasher) Install() error {
	if _, err := os.Stat(f.imagePath()); err != nil {
		return fmt.Errorf("no committed image: %w", err)
	}
	f.logger.Printf("platform: firmware install requested")
	return os.WriteFile(f.markerPath(), nil, 0o600)
}
