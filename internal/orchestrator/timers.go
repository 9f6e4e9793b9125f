/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package orchestrator

import (
	"container/heap"
	"sync"
	"time"

	"github.com/nkondo/avc-agent/internal/domain/model"
)

// timeNow is swappable in tests.
var timeNow = time.Now

type timerEntry struct {
	deadline time.Time
	op       model.Operation
	action   func()
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// deferQueue is the single priority queue of {deadline, action} pairs
// behind every deferral and retry timer. At most one entry exists per
// operation; scheduling again supersedes the previous deadline.
type deferQueue struct {
	mu    sync.Mutex
	heap  timerHeap
	byOp  map[model.Operation]*timerEntry
	timer *time.Timer
	exec  func(func())
}

func newDeferQueue(exec func(func())) *deferQueue {
	if exec == nil {
		exec = func(fn func()) { fn() }
	}
	return &deferQueue{
		byOp: make(map[model.Operation]*timerEntry),
		exec: exec,
	}
}

// schedule arms (or re-arms) the timer of one operation.
func (q *deferQueue) schedule(op model.Operation, delay time.Duration, action func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if old, ok := q.byOp[op]; ok {
		heap.Remove(&q.heap, old.index)
	}
	e := &timerEntry{deadline: timeNow().Add(delay), op: op, action: action}
	heap.Push(&q.heap, e)
	q.byOp[op] = e
	q.rearmLocked()
}

// cancel drops the pending timer of one operation, if any.
func (q *deferQueue) cancel(op model.Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.byOp[op]; ok {
		heap.Remove(&q.heap, e.index)
		delete(q.byOp, op)
		q.rearmLocked()
	}
}

// pending reports whether a timer is armed for the operation.
func (q *deferQueue) pending(op model.Operation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byOp[op]
	return ok
}

// deadline returns the armed deadline for an operation and whether one
// exists.
func (q *deferQueue) deadline(op model.Operation) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byOp[op]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

func (q *deferQueue) rearmLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if len(q.heap) == 0 {
		return
	}
	d := time.Until(q.heap[0].deadline)
	if d < 0 {
		d = 0
	}
	q.timer = time.AfterFunc(d, func() { q.fireAt(timeNow()) })
}

// fireAt pops every entry due at now and runs its action through the
// executor, outside the lock.
func (q *deferQueue) fireAt(now time.Time) {
	q.mu.Lock()
	var due []*timerEntry
	for len(q.heap) > 0 && !q.heap[0].deadline.After(now) {
		e := heap.Pop(&q.heap).(*timerEntry)
		delete(q.byOp, e.op)
		due = append(due, e)
	}
	q.rearmLocked()
	q.mu.Unlock()

	for _, e := range due {
		q.exec(e.action)
	}
}

// stop cancels everything. Idempotent.
func (q *deferQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.heap = nil
	q.byOp = make(map[model.Operation]*timerEntry)
}
