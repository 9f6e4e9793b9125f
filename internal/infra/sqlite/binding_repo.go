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

// BindingRepository persists the application <-> instance-id map.
type BindingRepository struct {
	db *sql.DB
}

func NewBindingRepository(db *sql.DB) *BindingRepository {
	return &BindingRepository{db: db}
}

// FindByName returns the binding for an application name.
func (r *BindingRepository) FindByName(ctx context.Context, appName string) (*model.AppBinding, error) {
	const q = `
		SELECT instance_id, app_name, version, activated, created_at
		FROM app_bindings
		WHERE app_name = ?
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, q, appName))
}

// FindByInstance returns the binding for an instance id.
func (r *BindingRepository) FindByInstance(ctx context.Context, instanceID int) (*model.AppBinding, error) {
	const q = `
		SELECT instance_id, app_name, version, activated, created_at
		FROM app_bindings
		WHERE instance_id = ?
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, q, instanceID))
}

func (r *BindingRepository) scanOne(row *sql.Row) (*model.AppBinding, error) {
	var b model.AppBinding
	var activated int
	if err := row.Scan(&b.InstanceID, &b.AppName, &b.Version, &activated, &b.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan binding: %w", err)
	}
	b.Activated = activated != 0
	return &b, nil
}

// Create allocates the smallest free instance id and inserts the
// binding. Freed ids are reused so the id space stays dense.
func (r *BindingRepository) Create(ctx context.Context, appName, version string, activated bool) (*model.AppBinding, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin binding tx: %w", err)
	}
	defer tx.Rollback()

	// Smallest non-negative integer not currently in use.
	const idQuery = `
		SELECT COALESCE(MIN(b.instance_id + 1), 0)
		FROM app_bindings b
		WHERE b.instance_id + 1 NOT IN (SELECT instance_id FROM app_bindings)
	`
	var id int
	if err := tx.QueryRowContext(ctx, idQuery).Scan(&id); err != nil {
		return nil, fmt.Errorf("allocate instance id: %w", err)
	}
	var zeroUsed int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM app_bindings WHERE instance_id = 0`).Scan(&zeroUsed); err != nil {
		return nil, fmt.Errorf("probe instance id 0: %w", err)
	}
	if zeroUsed == 0 {
		id = 0
	}

	now := time.Now().UTC().Truncate(time.Second)
	const insert = `
		INSERT INTO app_bindings (instance_id, app_name, version, activated, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insert, id, appName, version, boolToInt(activated), now); err != nil {
		return nil, fmt.Errorf("insert binding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit binding tx: %w", err)
	}

	return &model.AppBinding{
		AppName:    appName,
		InstanceID: id,
		Version:    version,
		Activated:  activated,
		CreatedAt:  now,
	}, nil
}

// Update refreshes version and activation state of one binding.
func (r *BindingRepository) Update(ctx context.Context, appName, version string, activated bool) error {
	const q = `
		UPDATE app_bindings
		SET version = ?, activated = ?
		WHERE app_name = ?
	`
	res, err := r.db.ExecContext(ctx, q, version, boolToInt(activated), appName)
	if err != nil {
		return fmt.Errorf("update binding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes the binding of an application, freeing its id.
func (r *BindingRepository) Delete(ctx context.Context, appName string) error {
	const q = `DELETE FROM app_bindings WHERE app_name = ?`
	if _, err := r.db.ExecContext(ctx, q, appName); err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	return nil
}

// All returns every binding ordered by instance id.
func (r *BindingRepository) All(ctx context.Context) ([]model.AppBinding, error) {
	const q = `
		SELECT instance_id, app_name, version, activated, created_at
		FROM app_bindings
		ORDER BY instance_id
	`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query bindings: %w", err)
	}
	defer rows.Close()

	var out []model.AppBinding
	for rows.Next() {
		var b model.AppBinding
		var activated int
		if err := rows.Scan(&b.InstanceID, &b.AppName, &b.Version, &activated, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		b.Activated = activated != 0
		out = append(out, b)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
