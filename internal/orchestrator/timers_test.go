/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nkondo/avc-agent/internal/domain/model"
)

func TestDeferQueueFiresDueEntries(t *testing.T) {
	q := newDeferQueue(nil)
	defer q.stop()

	var fired []model.Operation
	q.schedule(model.OpInstall, time.Hour, func() { fired = append(fired, model.OpInstall) })
	q.schedule(model.OpDownload, 30*time.Minute, func() { fired = append(fired, model.OpDownload) })
	q.schedule(model.OpReboot, 3*time.Hour, func() { fired = append(fired, model.OpReboot) })

	q.fireAt(timeNow().Add(90 * time.Minute))
	// earlier deadline runs first, the far one stays armed
	assert.Equal(t, []model.Operation{model.OpDownload, model.OpInstall}, fired)
	assert.True(t, q.pending(model.OpReboot))
	assert.False(t, q.pending(model.OpInstall))
}

func TestDeferQueueScheduleSupersedes(t *testing.T) {
	q := newDeferQueue(nil)
	defer q.stop()

	calls := 0
	q.schedule(model.OpInstall, time.Minute, func() { calls++ })
	q.schedule(model.OpInstall, time.Hour, func() { calls += 10 })

	q.fireAt(timeNow().Add(2 * time.Minute))
	assert.Equal(t, 0, calls, "superseded deadline must not fire")

	q.fireAt(timeNow().Add(2 * time.Hour))
	assert.Equal(t, 10, calls)
}

func TestDeferQueueCancel(t *testing.T) {
	q := newDeferQueue(nil)
	defer q.stop()

	fired := false
	q.schedule(model.OpDownload, time.Minute, func() { fired = true })
	q.cancel(model.OpDownload)

	q.fireAt(timeNow().Add(time.Hour))
	assert.False(t, fired)
	_, ok := q.deadline(model.OpDownload)
	assert.False(t, ok)
}

func TestDeferQueueExecCallback(t *testing.T) {
	var ran []string
	q := newDeferQueue(func(fn func()) {
		ran = append(ran, "exec")
		fn()
	})
	defer q.stop()

	q.schedule(model.OpInstall, time.Minute, func() { ran = append(ran, "action") })
	q.fireAt(timeNow().Add(time.Hour))
	assert.Equal(t, []string{"exec", "action"}, ran)
}
