/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nkondo/avc-agent/internal/domain"
	"github.com/nkondo/avc-agent/internal/domain/model"
)

const backupSuffix = "_BACKUP"

// CredentialRepository is the secure-storage backend for DM and
// bootstrap credentials.
type CredentialRepository struct {
	db *sql.DB
}

func NewCredentialRepository(db *sql.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// CredentialPath builds the secure-store address of a slot. The server
// id segment is omitted for slots at or below the primary DM id, which
// keeps the legacy single-server layout readable by older firmware.
func CredentialPath(kind model.CredentialKind, serverID model.ServerID) string {
	if kind.IsBootstrap() {
		serverID = model.ServerBootstrap
	}
	if serverID <= model.ServerDM {
		return fmt.Sprintf("/avms/%s", kind)
	}
	return fmt.Sprintf("/avms/%d/%s", serverID, kind)
}

// Set writes a credential slot, replacing any previous content.
func (r *CredentialRepository) Set(ctx context.Context, c *model.Credential) error {
	const q = `
		INSERT INTO credentials (path, kind, server_id, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET kind = excluded.kind,
			server_id = excluded.server_id, data = excluded.data,
			created_at = excluded.created_at
	`
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC().Truncate(time.Second)
	}
	path := CredentialPath(c.Kind, c.ServerID)
	if _, err := r.db.ExecContext(ctx, q, path, c.Kind, c.ServerID, c.Bytes, createdAt); err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// Get returns a copy of the credential bytes for one slot. The caller
// owns the copy and zeroises it after use.
func (r *CredentialRepository) Get(ctx context.Context, kind model.CredentialKind, serverID model.ServerID) (*model.Credential, error) {
	return r.getByPath(ctx, CredentialPath(kind, serverID), kind, serverID)
}

func (r *CredentialRepository) getByPath(ctx context.Context, path string, kind model.CredentialKind, serverID model.ServerID) (*model.Credential, error) {
	const q = `
		SELECT data, created_at
		FROM credentials
		WHERE path = ?
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, q, path)
	c := model.Credential{Kind: kind, ServerID: serverID}
	if err := row.Scan(&c.Bytes, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	return &c, nil
}

// Delete removes a credential slot. Missing slots are not an error.
func (r *CredentialRepository) Delete(ctx context.Context, kind model.CredentialKind, serverID model.ServerID) error {
	const q = `DELETE FROM credentials WHERE path = ?`
	if _, err := r.db.ExecContext(ctx, q, CredentialPath(kind, serverID)); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// Exists reports whether a credential slot is populated.
func (r *CredentialRepository) Exists(ctx context.Context, kind model.CredentialKind, serverID model.ServerID) (bool, error) {
	const q = `SELECT COUNT(1) FROM credentials WHERE path = ?`
	var n int
	if err := r.db.QueryRowContext(ctx, q, CredentialPath(kind, serverID)).Scan(&n); err != nil {
		return false, fmt.Errorf("count credential: %w", err)
	}
	return n > 0, nil
}

// HasTriple reports whether all entries required to connect to the
// given server are present: the bootstrap triple for the bootstrap
// server, the DM triple otherwise.
func (r *CredentialRepository) HasTriple(ctx context.Context, serverID model.ServerID) (bool, error) {
	kinds := model.BootstrapKinds
	if serverID.IsDM() {
		kinds = model.DMKinds
	}
	for _, k := range kinds {
		ok, err := r.Exists(ctx, k, serverID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Backup copies the current content of a bootstrap slot into its
// backup mirror.
func (r *CredentialRepository) Backup(ctx context.Context, kind model.CredentialKind) error {
	cur, err := r.Get(ctx, kind, model.ServerBootstrap)
	if err != nil {
		return err
	}
	defer cur.Zeroise()

	const q = `
		INSERT INTO credentials (path, kind, server_id, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET data = excluded.data,
			created_at = excluded.created_at
	`
	path := CredentialPath(kind, model.ServerBootstrap) + backupSuffix
	if _, err := r.db.ExecContext(ctx, q, path, kind, model.ServerBootstrap, cur.Bytes, cur.CreatedAt); err != nil {
		return fmt.Errorf("insert credential backup: %w", err)
	}
	return nil
}

// Restore copies the backup mirror of a bootstrap slot back over the
// current content and deletes the backup. ErrNotFound when no backup
// exists.
func (r *CredentialRepository) Restore(ctx context.Context, kind model.CredentialKind) error {
	backupPath := CredentialPath(kind, model.ServerBootstrap) + backupSuffix
	bak, err := r.getByPath(ctx, backupPath, kind, model.ServerBootstrap)
	if err != nil {
		return err
	}
	defer bak.Zeroise()

	if err := r.Set(ctx, bak); err != nil {
		return err
	}
	const q = `DELETE FROM credentials WHERE path = ?`
	if _, err := r.db.ExecContext(ctx, q, backupPath); err != nil {
		return fmt.Errorf("delete credential backup: %w", err)
	}
	return nil
}

// HasBackup reports whether a backup mirror exists for the slot.
func (r *CredentialRepository) HasBackup(ctx context.Context, kind model.CredentialKind) (bool, error) {
	const q = `SELECT COUNT(1) FROM credentials WHERE path = ?`
	var n int
	path := CredentialPath(kind, model.ServerBootstrap) + backupSuffix
	if err := r.db.QueryRowContext(ctx, q, path).Scan(&n); err != nil {
		return false, fmt.Errorf("count credential backup: %w", err)
	}
	return n > 0, nil
}

// DeleteDM removes the DM triple of every DM server, forcing the next
// connection attempt to re-bootstrap.
func (r *CredentialRepository) DeleteDM(ctx context.Context) error {
	for _, serverID := range []model.ServerID{model.ServerDM, model.ServerEDM} {
		for _, k := range model.DMKinds {
			if err := r.Delete(ctx, k, serverID); err != nil {
				return err
			}
		}
	}
	return nil
}
