/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package store

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/nkondo/avc-agent/internal/domain"
	"github.com/nkondo/avc-agent/internal/domain/model"
)

func (s *Store) readCBOR(key string, out any) error {
	data, err := s.Read(key)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrCorrupt, key, err)
	}
	return nil
}

func (s *Store) writeCBOR(key string, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Write(key, data)
}

// ReadBool returns the flag under key, false when absent.
func (s *Store) ReadBool(key string) (bool, error) {
	var v bool
	err := s.readCBOR(key, &v)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return v, err
}

// WriteBool stores a flag under key.
func (s *Store) WriteBool(key string, v bool) error {
	return s.writeCBOR(key, v)
}

// ReadInt returns the integer under key. ErrNotFound when absent.
func (s *Store) ReadInt(key string) (int64, error) {
	var v int64
	if err := s.readCBOR(key, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// WriteInt stores an integer under key.
func (s *Store) WriteInt(key string, v int64) error {
	return s.writeCBOR(key, v)
}

// ReadString returns the string under key. ErrNotFound when absent.
func (s *Store) ReadString(key string) (string, error) {
	var v string
	if err := s.readCBOR(key, &v); err != nil {
		return "", err
	}
	return v, nil
}

// WriteString stores a string under key.
func (s *Store) WriteString(key string, v string) error {
	return s.writeCBOR(key, v)
}

// ReadParam returns the opaque parameter blob with the given small id.
func (s *Store) ReadParam(id int) ([]byte, error) {
	return s.Read(fmt.Sprintf("%s%d", keyParamPrefix, id))
}

// WriteParam stores an opaque parameter blob under a small id.
func (s *Store) WriteParam(id int, data []byte) error {
	return s.Write(fmt.Sprintf("%s%d", keyParamPrefix, id), data)
}

// JobStateKeys returns the state and result keys for one update type.
func JobStateKeys(t model.UpdateType) (stateKey, resultKey string) {
	if t == model.UpdateFirmware {
		return KeyFwUpdateState, KeyFwUpdateResult
	}
	return KeySwUpdateState, KeySwUpdateResult
}

// SaveJobStatus persists the state/result pair of a job. The pair is
// written state first so a crash between the two writes is recovered as
// an in-progress job, never as a spurious success.
func (s *Store) SaveJobStatus(t model.UpdateType, state model.JobState, result int) error {
	stateKey, resultKey := JobStateKeys(t)
	if err := s.WriteInt(stateKey, int64(state)); err != nil {
		return err
	}
	return s.WriteInt(resultKey, int64(result))
}

// LoadJobStatus reads back the persisted state/result pair. Missing
// entries mean no job and come back as idle/zero.
func (s *Store) LoadJobStatus(t model.UpdateType) (model.JobState, int, error) {
	stateKey, resultKey := JobStateKeys(t)
	st, err := s.ReadInt(stateKey)
	if errors.Is(err, domain.ErrNotFound) {
		return model.JobIdle, 0, nil
	}
	if err != nil {
		return model.JobIdle, 0, err
	}
	res, err := s.ReadInt(resultKey)
	if errors.Is(err, domain.ErrNotFound) {
		res = 0
	} else if err != nil {
		return model.JobIdle, 0, err
	}
	return model.JobState(st), int(res), nil
}

// SaveWorkspace persists the resume descriptor. The legacy descriptor
// triple (uri, type, size) is mirrored to its contract paths.
func (s *Store) SaveWorkspace(w model.ResumeWorkspace) error {
	if err := s.WriteString(KeyPackageURI, w.URI); err != nil {
		return err
	}
	if err := s.WriteInt(KeyUpdateType, int64(w.Type)); err != nil {
		return err
	}
	if err := s.WriteInt(KeyPackageSize, w.PackageSize); err != nil {
		return err
	}
	return s.writeCBOR(workspaceKey, w)
}

// LoadWorkspace reads the resume descriptor. ErrNotFound means no job.
func (s *Store) LoadWorkspace() (model.ResumeWorkspace, error) {
	var w model.ResumeWorkspace
	if err := s.readCBOR(workspaceKey, &w); err != nil {
		return model.ResumeWorkspace{}, err
	}
	return w, nil
}

// DeleteWorkspace removes the resume descriptor and its mirrors.
func (s *Store) DeleteWorkspace() error {
	for _, key := range []string{workspaceKey, KeyPackageURI, KeyUpdateType, KeyPackageSize} {
		if err := s.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// TruncateWorkspace resets the descriptor to an empty record without
// deleting it, so a fresh start is distinguishable from no job.
func (s *Store) TruncateWorkspace() error {
	return s.writeCBOR(workspaceKey, model.ResumeWorkspace{})
}

func packageMetaKey(t model.UpdateType) string {
	if t == model.UpdateFirmware {
		return keyFwPackageMeta
	}
	return keySwPackageMeta
}

// SavePackageMeta persists the verification material of a pending job.
func (s *Store) SavePackageMeta(t model.UpdateType, meta model.PackageMeta) error {
	return s.writeCBOR(packageMetaKey(t), meta)
}

// LoadPackageMeta reads back the persisted verification material.
// ErrNotFound when none was delivered.
func (s *Store) LoadPackageMeta(t model.UpdateType) (model.PackageMeta, error) {
	var meta model.PackageMeta
	if err := s.readCBOR(packageMetaKey(t), &meta); err != nil {
		return model.PackageMeta{}, err
	}
	return meta, nil
}

// DeletePackageMeta removes the verification material once the job no
// longer needs it.
func (s *Store) DeletePackageMeta(t model.UpdateType) error {
	return s.Delete(packageMetaKey(t))
}

// LoadSettings returns the persisted device configuration. A corrupt
// record falls back to factory defaults once and rewrites them.
func (s *Store) LoadSettings() (model.Settings, error) {
	var cfg model.Settings
	err := s.readCBOR(KeyConfig, &cfg)
	if errors.Is(err, domain.ErrNotFound) {
		return model.DefaultSettings(), nil
	}
	if errors.Is(err, domain.ErrCorrupt) {
		s.logger.Printf("config record corrupt, falling back to defaults: %v", err)
		cfg = model.DefaultSettings()
		if werr := s.SaveSettings(cfg); werr != nil {
			return cfg, werr
		}
		return cfg, nil
	}
	if err != nil {
		return model.Settings{}, err
	}
	return cfg, nil
}

// SaveSettings persists the device configuration blob.
func (s *Store) SaveSettings(cfg model.Settings) error {
	return s.writeCBOR(KeyConfig, cfg)
}
