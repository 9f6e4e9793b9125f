/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package platform

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// FileInstaller stages a software package and installs it as
// apps/<instance-id>.pkg. It mirrors the application-manager IPC on a
// development host.
type FileInstaller struct {
	dir    string
	f      *os.File
	logger *log.Logger
}

func NewFileInstaller(dir string, logger *log.Logger) (*FileInstaller, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, "apps"), 0o755); err != nil {
		return nil, fmt.Errorf("installer dir: %w", err)
	}
	return &FileInstaller{dir: dir, logger: logger}, nil
}

func (i *FileInstaller) stagingPath() string { return filepath.Join(i.dir, "package.part") }

func (i *FileInstaller) pkgPath(instanceID int) string {
	return filepath.Join(i.dir, "apps", fmt.Sprintf("%d.pkg", instanceID))
}

func (i *FileInstaller) ResumeOffset() (int64, error) {
	info, err := os.Stat(i.stagingPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (i *FileInstaller) Write(p []byte) (int, error) {
	if i.f == nil {
		file, err := os.OpenFile(i.stagingPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return 0, err
		}
		i.f = file
	}
	return i.f.Write(p)
}

func (i *FileInstaller) Commit() error {
	if i.f == nil {
		return nil
	}
	if err := i.f.Sync(); err != nil {
		return err
	}
	err := i.f.Close()
	i.f = nil
	return err
}

func (i *FileInstaller) Drop() error {
	if i.f != nil {
		_ = i.f.Close()
		i.f = nil
	}
	err := os.Remove(i.stagingPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Install moves the committed package into the app slot.
func (i *FileInstaller) Install(instanceID int) error {
	i.logger.Printf("platform: installing package into app slot %d", instanceID)
	return os.Rename(i.stagingPath(), i.pkgPath(instanceID))
}

// Uninstall removes the app slot.
func (i *FileInstaller) Uninstall(instanceID int) error {
	i.logger.Printf("platform: removing app slot %d", instanceID)
	err := os.Remove(i.pkgPath(instanceID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
