/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package registry

import (
	"context"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkondo/avc-agent/internal/domain"
	"github.com/nkondo/avc-agent/internal/infra/sqlite"
	"github.com/nkondo/avc-agent/internal/lwm2m"
)

type fakeLister struct {
	apps []AppInfo
}

func (l *fakeLister) ListInstalled(ctx context.Context) ([]AppInfo, error) {
	return l.apps, nil
}

type capturePublisher struct {
	published [][]lwm2m.ObjectInstance
}

func (p *capturePublisher) PublishObjects(instances []lwm2m.ObjectInstance) error {
	p.published = append(p.published, instances)
	return nil
}

func newTestRegistry(t *testing.T, denied []string) (*Registry, *capturePublisher) {
	t.Helper()
	db, err := sqlite.InitDB(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.CloseDB(db) })

	r := New(sqlite.NewBindingRepository(db), denied, log.New(io.Discard, "", 0))
	pub := &capturePublisher{}
	r.SetPublisher(pub)
	return r, pub
}

func TestRegistry_SyncPublishesInstalledApps(t *testing.T) {
	ctx := context.Background()
	r, pub := newTestRegistry(t, nil)

	lister := &fakeLister{apps: []AppInfo{
		{Name: "maps", Version: "1.2", Activated: true},
		{Name: "radio", Version: "", Activated: false},
	}}
	require.NoError(t, r.Sync(ctx, lister))

	require.Len(t, pub.published, 1)
	list := pub.published[0]
	require.Len(t, list, 2)
	assert.Equal(t, lwm2m.ObjectSoftwareUpdate, list[0].Object)
	assert.Equal(t, "maps", list[0].Name)
	assert.Equal(t, 0, list[0].InstanceID)
	assert.Equal(t, "radio", list[1].Name)
	assert.Equal(t, "unknown", list[1].Version, "empty version gets the sentinel")
}

func TestRegistry_DenyListHidesSystemApps(t *testing.T) {
	ctx := context.Background()
	r, pub := newTestRegistry(t, []string{"modemd"})

	lister := &fakeLister{apps: []AppInfo{
		{Name: "modemd", Version: "9.9", Activated: true},
		{Name: "maps", Version: "1.0", Activated: true},
	}}
	require.NoError(t, r.Sync(ctx, lister))

	require.Len(t, pub.published, 1)
	require.Len(t, pub.published[0], 1)
	assert.Equal(t, "maps", pub.published[0][0].Name)

	_, err := r.InstanceFor(ctx, "modemd")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistry_SyncDropsUninstalledApps(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, nil)

	lister := &fakeLister{apps: []AppInfo{
		{Name: "a", Version: "1"},
		{Name: "b", Version: "1"},
	}}
	require.NoError(t, r.Sync(ctx, lister))

	lister.apps = []AppInfo{{Name: "b", Version: "2"}}
	require.NoError(t, r.Sync(ctx, lister))

	_, err := r.InstanceFor(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	id, err := r.InstanceFor(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, id, "survivor keeps its id")
}

func TestRegistry_InstallUninstallRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, pub := newTestRegistry(t, nil)

	require.NoError(t, r.OnInstalled(ctx, "maps", "1.0", true))
	id, err := r.InstanceFor(ctx, "maps")
	require.NoError(t, err)

	name, err := r.NameFor(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "maps", name)

	require.NoError(t, r.OnUninstalled(ctx, "maps"))
	_, err = r.InstanceFor(ctx, "maps")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// freed id is reused by the next install
	require.NoError(t, r.OnInstalled(ctx, "radio", "2.0", false))
	rid, err := r.InstanceFor(ctx, "radio")
	require.NoError(t, err)
	assert.Equal(t, id, rid)

	assert.Len(t, pub.published, 3)
}

func TestRegistry_UpgradeKeepsInstanceID(t *testing.T) {
	ctx := context.Background()
	r, pub := newTestRegistry(t, nil)

	require.NoError(t, r.OnInstalled(ctx, "maps", "1.0", true))
	require.NoError(t, r.OnInstalled(ctx, "maps", "2.0", true))

	id, err := r.InstanceFor(ctx, "maps")
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	last := pub.published[len(pub.published)-1]
	require.Len(t, last, 1)
	assert.Equal(t, "2.0", last[0].Version)
}
