// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package hlc implements the hybrid logical clock used to order row deltas.
//
// A Timestamp packs 48 bits of wall-clock milliseconds and a 16-bit logical
// counter into a single uint64, so plain unsigned comparison yields a total
// order across all deltas produced by a single process.
package hlc

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// counterBits is the width of the logical counter in the low bits.
const counterBits = 16

// counterMask extracts the counter component.
const counterMask = (1 << counterBits) - 1

// Timestamp is a hybrid logical clock value: upper 48 bits wall-clock
// milliseconds, lower 16 bits logical counter.
type Timestamp uint64

// New builds a Timestamp from wall milliseconds and a counter.
func New(wallMs uint64, counter uint16) Timestamp {
	return Timestamp(wallMs<<counterBits | uint64(counter))
}

// Wall returns the wall-clock millisecond component.
func (t Timestamp) Wall() uint64 {
	return uint64(t) >> counterBits
}

// Counter returns the logical counter component.
func (t Timestamp) Counter() uint16 {
	return uint16(uint64(t) & counterMask)
}

// Time converts the wall component to a time.Time (UTC).
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t.Wall())).UTC()
}

// String renders the timestamp as "wall.counter" for logs.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.Wall(), t.Counter())
}

// ErrClockOverflow is returned when more than 65536 timestamps are requested
// within the same wall-clock millisecond and the wall component cannot be
// advanced further.
var ErrClockOverflow = errors.New("hlc: counter overflow within one millisecond")

// Clock produces strictly increasing Timestamps.
//
// Clock is safe for concurrent use. The zero value is not usable; call
// NewClock.
type Clock struct {
	mu   sync.Mutex
	last Timestamp
	// nowMs is swappable for tests.
	nowMs func() uint64
}

// NewClock returns a Clock backed by the system wall clock.
func NewClock() *Clock {
	return &Clock{nowMs: func() uint64 { return uint64(time.Now().UnixMilli()) }}
}

// NewClockAt returns a Clock reading wall time from the given function.
// Used by tests to exercise same-millisecond behavior deterministically.
func NewClockAt(nowMs func() uint64) *Clock {
	return &Clock{nowMs: nowMs}
}

// Now returns the next Timestamp, strictly greater than any previously
// returned value. If the wall clock has not advanced since the last call the
// counter is incremented; on counter saturation the wall component advances
// by one millisecond and the counter resets.
func (c *Clock) Now() (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.nowMs()
	if wall > c.last.Wall() {
		c.last = New(wall, 0)
		return c.last, nil
	}

	if c.last.Counter() < counterMask {
		c.last = New(c.last.Wall(), c.last.Counter()+1)
		return c.last, nil
	}

	// Counter saturated: borrow a millisecond. Detect pathological callers
	// that outrun the wall clock by more than one borrowed millisecond.
	if c.last.Wall() >= wall+1 {
		return 0, ErrClockOverflow
	}
	c.last = New(c.last.Wall()+1, 0)
	return c.last, nil
}

// Observe merges a remote timestamp into the clock so subsequent Now calls
// return values greater than ts. Used when resuming from persisted cursor
// state.
func (c *Clock) Observe(ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}

// Last returns the most recently issued timestamp (zero if none).
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
