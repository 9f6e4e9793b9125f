/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import (
	"errors"
	"time"
)

const (
	// RetrySlotCount is the fixed number of retry timer slots.
	RetrySlotCount = 8
	// RetryTimerMaxMinutes caps each retry slot (two weeks).
	RetryTimerMaxMinutes = 20160
	// PollingTimerMaxMinutes caps the polling interval (one year).
	PollingTimerMaxMinutes = 525600
)

var (
	ErrTimerOutOfRange = errors.New("timer value out of range")
	ErrRetryExhausted  = errors.New("retry timers exhausted")
)

// RetryTimers is the ordered sequence of retry delays in minutes. A
// zero slot is disabled and skipped by the iterator.
type RetryTimers [RetrySlotCount]uint32

// DefaultRetryTimers spreads reconnect attempts from 15 minutes out to
// one day.
func DefaultRetryTimers() RetryTimers {
	return RetryTimers{15, 60, 240, 480, 1440, 0, 0, 0}
}

// Validate checks every slot against the allowed range.
func (r RetryTimers) Validate() error {
	for _, v := range r {
		if v > RetryTimerMaxMinutes {
			return ErrTimerOutOfRange
		}
	}
	return nil
}

// RetryIterator walks the retry timer slots in order, skipping disabled
// slots. The cursor is monotonically non-decreasing until Reset.
type RetryIterator struct {
	timers RetryTimers
	cursor int
}

func NewRetryIterator(timers RetryTimers) *RetryIterator {
	return &RetryIterator{timers: timers}
}

// Next returns the delay of the next enabled slot and advances the
// cursor. ErrRetryExhausted once every remaining slot is disabled or
// consumed.
func (it *RetryIterator) Next() (time.Duration, error) {
	for it.cursor < RetrySlotCount {
		v := it.timers[it.cursor]
		it.cursor++
		if v != 0 {
			return time.Duration(v) * time.Minute, nil
		}
	}
	return 0, ErrRetryExhausted
}

// Cursor returns the index of the slot that will be examined next.
func (it *RetryIterator) Cursor() int {
	return it.cursor
}

// Reset rewinds the iterator after a successful connection.
func (it *RetryIterator) Reset() {
	it.cursor = 0
}

// PollingTimer is the periodic connect interval in minutes, mapped
// one-to-one to the protocol lifetime. Zero disables polling.
type PollingTimer uint32

func (p PollingTimer) Validate() error {
	if p > PollingTimerMaxMinutes {
		return ErrTimerOutOfRange
	}
	return nil
}

// Enabled reports whether periodic connects are armed.
func (p PollingTimer) Enabled() bool {
	return p != 0
}

// Interval returns the polling period.
func (p PollingTimer) Interval() time.Duration {
	return time.Duration(p) * time.Minute
}

// LifetimeSeconds is the on-wire protocol lifetime equivalent.
func (p PollingTimer) LifetimeSeconds() uint32 {
	return uint32(p) * 60
}
