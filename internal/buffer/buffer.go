// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package buffer implements the in-memory delta buffer: an insertion-ordered
// log with a per-row secondary index, deduplicated by deltaId. All mutation
// goes through a single mutex so concurrent pushers serialize into one
// commit order.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/hlc"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/metrics"
	"github.com/lakesync/lakesync/internal/persistence"
)

// Defaults for the flush triggers.
const (
	DefaultMaxBytes = 4 << 20 // 4 MiB
	DefaultMaxAge   = 30 * time.Second
)

// Sink receives the flushed snapshot. Implemented by storage adapters.
type Sink interface {
	InsertDeltas(ctx context.Context, deltas []*delta.RowDelta) error
}

// Config configures a DeltaBuffer.
type Config struct {
	// MaxBytes triggers NeedsFlush once the encoded size of buffered
	// deltas reaches it. Zero means DefaultMaxBytes.
	MaxBytes int64

	// MaxAge triggers NeedsFlush once the oldest entry is older than it.
	// Zero means DefaultMaxAge.
	MaxAge time.Duration

	// Clock supplies server HLC timestamps. Required.
	Clock *hlc.Clock

	// WAL, when set, journals accepted deltas inside the append critical
	// section and is cleared after a successful flush. Entries that
	// arrived during the flush are re-appended so they stay durable.
	WAL persistence.WAL
}

// AppendResult reports the outcome of a batch append.
type AppendResult struct {
	// ServerHLC is the max HLC among accepted deltas, or a fresh clock
	// reading when the whole batch was duplicate.
	ServerHLC hlc.Timestamp

	Accepted   int
	Duplicates int
}

// Stats is a point-in-time snapshot of buffer occupancy.
type Stats struct {
	LogSize   int           `json:"logSize"`
	IndexSize int           `json:"indexSize"`
	ByteSize  int64         `json:"byteSize"`
	OldestAge time.Duration `json:"oldestAge"`
}

type rowKey struct {
	table string
	rowID string
}

// DeltaBuffer is the shared in-memory buffer between push and flush.
type DeltaBuffer struct {
	config Config

	mu       sync.Mutex
	log      []*delta.RowDelta
	ids      map[string]struct{}
	byRow    map[rowKey][]string
	bytes    int64
	oldestAt time.Time

	// flushMu serializes flushes so two snapshots cannot interleave.
	flushMu sync.Mutex
}

// New creates an empty buffer.
func New(cfg Config) *DeltaBuffer {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	return &DeltaBuffer{
		config: cfg,
		ids:    make(map[string]struct{}),
		byRow:  make(map[rowKey][]string),
	}
}

// Append commits a batch. Deltas whose deltaId is already buffered are
// silently skipped and counted as duplicates; the rest are journaled to
// the WAL and land in submission order, all inside one critical section
// so a concurrent flush can never clear a journal entry it has not
// flushed. Accepted HLCs are observed into the clock so server
// timestamps stay ahead of everything the buffer has seen.
func (b *DeltaBuffer) Append(batch []*delta.RowDelta) (AppendResult, error) {
	return b.append(batch, true)
}

// Rehydrate commits WAL-replayed deltas at startup without journaling
// them a second time.
func (b *DeltaBuffer) Rehydrate(batch []*delta.RowDelta) (AppendResult, error) {
	return b.append(batch, false)
}

func (b *DeltaBuffer) append(batch []*delta.RowDelta, journal bool) (AppendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res AppendResult
	accepted := make([]*delta.RowDelta, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))
	for _, d := range batch {
		if _, dup := b.ids[d.DeltaID]; dup {
			res.Duplicates++
			continue
		}
		if _, dup := seen[d.DeltaID]; dup {
			res.Duplicates++
			continue
		}
		seen[d.DeltaID] = struct{}{}
		accepted = append(accepted, d)
	}

	// Journal before touching buffer state: an acked delta is either in
	// the WAL or already flushed, never in memory alone.
	if journal && b.config.WAL != nil && len(accepted) > 0 {
		if err := b.config.WAL.AppendBatch(accepted); err != nil {
			return AppendResult{}, fmt.Errorf("journal %d deltas: %w", len(accepted), err)
		}
	}

	for _, d := range accepted {
		b.ids[d.DeltaID] = struct{}{}
		b.log = append(b.log, d)
		key := rowKey{table: d.Table, rowID: d.RowID}
		b.byRow[key] = append(b.byRow[key], d.DeltaID)
		b.bytes += int64(d.Size())
		if len(b.log) == 1 {
			b.oldestAt = time.Now()
		}

		b.config.Clock.Observe(d.HLC)
		if d.HLC > res.ServerHLC {
			res.ServerHLC = d.HLC
		}
		res.Accepted++
	}

	if res.Accepted == 0 {
		now, err := b.config.Clock.Now()
		if err != nil {
			return res, err
		}
		res.ServerHLC = now
	}

	if res.Duplicates > 0 {
		metrics.DuplicateDeltas.Add(float64(res.Duplicates))
	}
	metrics.UpdateBuffer(b.bytes, len(b.log))
	return res, nil
}

// QuerySince returns buffered deltas with hlc > since, HLC-sorted, after
// applying the optional filter, capped at limit. The second return reports
// whether matching deltas beyond the cap remain.
func (b *DeltaBuffer) QuerySince(since hlc.Timestamp, limit int, filter func(*delta.RowDelta) bool) ([]*delta.RowDelta, bool) {
	b.mu.Lock()
	matched := make([]*delta.RowDelta, 0, len(b.log))
	for _, d := range b.log {
		if d.HLC <= since {
			continue
		}
		if filter != nil && !filter(d) {
			continue
		}
		matched = append(matched, d)
	}
	b.mu.Unlock()

	delta.SortByHLC(matched)
	if limit > 0 && len(matched) > limit {
		return matched[:limit], true
	}
	return matched, false
}

// NeedsFlush reports whether either flush trigger has fired.
func (b *DeltaBuffer) NeedsFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.log) == 0 {
		return false
	}
	return b.bytes >= b.config.MaxBytes || time.Since(b.oldestAt) >= b.config.MaxAge
}

// Stats returns current occupancy.
func (b *DeltaBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		LogSize:   len(b.log),
		IndexSize: len(b.byRow),
		ByteSize:  b.bytes,
	}
	if len(b.log) > 0 {
		s.OldestAge = time.Since(b.oldestAt)
	}
	return s
}

// Flush snapshots the buffer, hands the snapshot to the sink, and on
// success removes exactly the flushed entries and clears the WAL. Entries
// appended while the sink call was in flight survive and are re-journaled.
// On sink failure the buffer is untouched so a later flush retries.
func (b *DeltaBuffer) Flush(ctx context.Context, sink Sink) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.log) == 0 {
		b.mu.Unlock()
		return nil
	}
	snapshot := make([]*delta.RowDelta, len(b.log))
	copy(snapshot, b.log)
	b.mu.Unlock()

	start := time.Now()
	if err := sink.InsertDeltas(ctx, snapshot); err != nil {
		metrics.RecordFlush(false, time.Since(start).Seconds())
		return fmt.Errorf("flush %d deltas: %w", len(snapshot), err)
	}
	metrics.RecordFlush(true, time.Since(start).Seconds())

	flushed := make(map[string]struct{}, len(snapshot))
	for _, d := range snapshot {
		flushed[d.DeltaID] = struct{}{}
	}

	b.mu.Lock()
	remaining := b.log[:0:0]
	for _, d := range b.log {
		if _, ok := flushed[d.DeltaID]; !ok {
			remaining = append(remaining, d)
		}
	}
	b.log = remaining
	b.ids = make(map[string]struct{}, len(remaining))
	b.byRow = make(map[rowKey][]string, len(remaining))
	b.bytes = 0
	for _, d := range remaining {
		b.ids[d.DeltaID] = struct{}{}
		key := rowKey{table: d.Table, rowID: d.RowID}
		b.byRow[key] = append(b.byRow[key], d.DeltaID)
		b.bytes += int64(d.Size())
	}
	if len(remaining) > 0 {
		b.oldestAt = time.Now()
	}

	if b.config.WAL != nil {
		if err := b.config.WAL.Clear(); err != nil {
			// Replayed deltas dedup on the next start, so a failed clear
			// costs a replay, not correctness.
			logging.Error().Err(err).Msg("WAL clear after flush failed")
		} else if len(remaining) > 0 {
			if err := b.config.WAL.AppendBatch(remaining); err != nil {
				logging.Error().Err(err).Int("deltas", len(remaining)).Msg("WAL re-append after flush failed")
			}
		}
	}
	metrics.UpdateBuffer(b.bytes, len(b.log))
	b.mu.Unlock()

	logging.Debug().Int("deltas", len(snapshot)).Dur("took", time.Since(start)).Msg("buffer flushed")
	return nil
}
