/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package registry keeps the bidirectional map between installed
// applications and their advertised object 9 instance ids.
package registry

import (
	"context"
	"errors"
	"log"

	"github.com/nkondo/avc-agent/internal/domain"
	"github.com/nkondo/avc-agent/internal/domain/model"
	"github.com/nkondo/avc-agent/internal/infra/sqlite"
	"github.com/nkondo/avc-agent/internal/lwm2m"
	"github.com/nkondo/avc-agent/internal/util"
)

// AppInfo is one installed application as reported by the package
// manager.
type AppInfo struct {
	Name      string
	Version   string
	Activated bool
}

// AppLister enumerates installed applications (external collaborator,
// the platform package manager).
type AppLister interface {
	ListInstalled(ctx context.Context) ([]AppInfo, error)
}

// Publisher receives the advertised object instance list. Usually the
// active protocol client.
type Publisher interface {
	PublishObjects(instances []lwm2m.ObjectInstance) error
}

// Registry allocates dense instance ids for applications and publishes
// the resulting object list. System applications on the deny-list are
// never advertised.
type Registry struct {
	repo      *sqlite.BindingRepository
	deny      util.Set[string]
	publisher Publisher
	logger    *log.Logger
}

func New(repo *sqlite.BindingRepository, denied []string, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		repo:   repo,
		deny:   util.NewSet(denied...),
		logger: logger,
	}
}

// SetPublisher wires the protocol client that receives object lists.
// Passing nil detaches it; Sync then only maintains the table.
func (r *Registry) SetPublisher(p Publisher) {
	r.publisher = p
}

// Sync reconciles the binding table with the package manager's view and
// publishes the result. Applications that disappeared are removed,
// freeing their ids for reuse. New applications get the smallest free
// id.
func (r *Registry) Sync(ctx context.Context, lister AppLister) error {
	installed, err := lister.ListInstalled(ctx)
	if err != nil {
		return err
	}

	seen := util.NewSet[string]()
	for _, app := range installed {
		if r.deny.Has(app.Name) {
			continue
		}
		seen.Add(app.Name)
		if err := r.upsert(ctx, app); err != nil {
			return err
		}
	}

	existing, err := r.repo.All(ctx)
	if err != nil {
		return err
	}
	for _, b := range existing {
		if !seen.Has(b.AppName) {
			r.logger.Printf("registry: %q no longer installed, dropping instance %d", b.AppName, b.InstanceID)
			if err := r.repo.Delete(ctx, b.AppName); err != nil {
				return err
			}
		}
	}

	return r.Publish(ctx)
}

func (r *Registry) upsert(ctx context.Context, app AppInfo) error {
	version := app.Version
	if version == "" {
		version = model.UnknownVersion
	}
	err := r.repo.Update(ctx, app.Name, version, app.Activated)
	if errors.Is(err, domain.ErrNotFound) {
		b, cerr := r.repo.Create(ctx, app.Name, version, app.Activated)
		if cerr != nil {
			return cerr
		}
		r.logger.Printf("registry: %q bound to instance %d", app.Name, b.InstanceID)
		return nil
	}
	return err
}

// OnInstalled records a freshly installed application and republishes.
func (r *Registry) OnInstalled(ctx context.Context, name, version string, activated bool) error {
	if r.deny.Has(name) {
		return nil
	}
	if err := r.upsert(ctx, AppInfo{Name: name, Version: version, Activated: activated}); err != nil {
		return err
	}
	return r.Publish(ctx)
}

// OnUninstalled removes an application's binding and republishes. The
// freed id is reused by the next install.
func (r *Registry) OnUninstalled(ctx context.Context, name string) error {
	if err := r.repo.Delete(ctx, name); err != nil {
		return err
	}
	return r.Publish(ctx)
}

// InstanceFor resolves an application name to its instance id.
func (r *Registry) InstanceFor(ctx context.Context, name string) (int, error) {
	b, err := r.repo.FindByName(ctx, name)
	if err != nil {
		return 0, err
	}
	return b.InstanceID, nil
}

// NameFor resolves an instance id back to the application name.
func (r *Registry) NameFor(ctx context.Context, instanceID int) (string, error) {
	b, err := r.repo.FindByInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return b.AppName, nil
}

// Publish pushes the current object list to the protocol client, if
// one is attached.
func (r *Registry) Publish(ctx context.Context) error {
	if r.publisher == nil {
		return nil
	}
	bindings, err := r.repo.All(ctx)
	if err != nil {
		return err
	}
	instances := make([]lwm2m.ObjectInstance, 0, len(bindings))
	for _, b := range bindings {
		instances = append(instances, lwm2m.ObjectInstance{
			Object:     lwm2m.ObjectSoftwareUpdate,
			InstanceID: b.InstanceID,
			Name:       b.AppName,
			Version:    b.Version,
			Activated:  b.Activated,
		})
	}
	return r.publisher.PublishObjects(instances)
}
