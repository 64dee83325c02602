// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package poller turns external SQL sources into delta streams. A poller
// owns a private HLC clock, runs a non-overlapping schedule, and pushes
// produced deltas into the gateway as a synthetic client. Two change
// detection strategies exist: cursor (incremental column watermark with a
// lookback overlap) and diff (full snapshot compare).
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/hlc"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/metrics"
)

// Strategy names.
const (
	StrategyCursor = "cursor"
	StrategyDiff   = "diff"
)

// diffWarnRows is the snapshot size past which the diff strategy warns
// that a cursor strategy would serve better.
const diffWarnRows = 1000

// PushTarget receives produced deltas. Implemented by the gateway.
type PushTarget interface {
	PushDeltas(ctx context.Context, clientID string, deltas []*delta.RowDelta) error
}

// RowQuerier abstracts the polled source. Rows come back as column→value
// maps in result order.
type RowQuerier interface {
	QueryRows(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

// TableConfig describes one polled table.
type TableConfig struct {
	// Table is the logical table name stamped on produced deltas.
	Table string `json:"table" validate:"required"`

	// Query is the source SQL. The cursor strategy appends its watermark
	// predicate and ordering.
	Query string `json:"query" validate:"required"`

	// RowIDColumn identifies rows. Its value becomes the delta rowId and
	// is excluded from delta columns.
	RowIDColumn string `json:"rowIdColumn" validate:"required"`

	// CursorColumn is the monotone watermark column (cursor strategy).
	CursorColumn string `json:"cursorColumn,omitempty"`

	// LookbackMs re-reads rows within this window behind the watermark to
	// absorb late-committing transactions.
	LookbackMs float64 `json:"lookbackMs,omitempty"`
}

// Config configures one poller.
type Config struct {
	// Name labels logs, metrics and cursor persistence.
	Name string

	// ClientID is the synthetic client identity on produced deltas.
	ClientID string

	// Strategy is StrategyCursor or StrategyDiff.
	Strategy string

	Interval time.Duration

	Tables []TableConfig

	// OnPoll, when set, runs after every completed poll pass. The
	// connector manager uses it to persist cursor state.
	OnPoll func()
}

// Poller drives one source on a recursive schedule: poll, wait Interval,
// poll again. Polls never overlap.
type Poller struct {
	config  Config
	querier RowQuerier
	target  PushTarget
	clock   *hlc.Clock

	mu      sync.Mutex
	cursors map[string]float64                   // table → watermark
	rows    map[string]map[string]map[string]any // table → rowID → columns
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped poller.
func New(cfg Config, querier RowQuerier, target PushTarget) *Poller {
	return &Poller{
		config:  cfg,
		querier: querier,
		target:  target,
		clock:   hlc.NewClock(),
		cursors: make(map[string]float64),
		rows:    make(map[string]map[string]map[string]any),
	}
}

// Start launches the schedule. Idempotent.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
	logging.Info().Str("connector", p.config.Name).Str("strategy", p.config.Strategy).Msg("poller started")
}

// Stop halts the schedule and waits for an in-flight poll. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	logging.Info().Str("connector", p.config.Name).Msg("poller stopped")
}

// IsPolling reports whether the schedule is active.
func (p *Poller) IsPolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Serve adapts the poller to a supervisor-managed service.
func (p *Poller) Serve(ctx context.Context) error {
	p.Start()
	<-ctx.Done()
	p.Stop()
	return ctx.Err()
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		p.Poll(ctx)
		if p.config.OnPoll != nil {
			p.config.OnPoll()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.config.Interval):
		}
	}
}

// Poll runs every configured table once, in sequence. Per-table failures
// are logged and the remaining tables still run.
func (p *Poller) Poll(ctx context.Context) {
	for _, table := range p.config.Tables {
		if ctx.Err() != nil {
			return
		}
		deltas, err := p.pollTable(ctx, table)
		if err != nil {
			logging.Error().Err(err).
				Str("connector", p.config.Name).
				Str("table", table.Table).
				Msg("table poll failed")
			continue
		}
		if len(deltas) == 0 {
			continue
		}
		metrics.PollerDeltas.WithLabelValues(p.config.Name).Add(float64(len(deltas)))
		if err := p.target.PushDeltas(ctx, p.config.ClientID, deltas); err != nil {
			logging.Error().Err(err).
				Str("connector", p.config.Name).
				Str("table", table.Table).
				Int("deltas", len(deltas)).
				Msg("poller push failed")
		}
	}
}

func (p *Poller) pollTable(ctx context.Context, table TableConfig) ([]*delta.RowDelta, error) {
	switch p.config.Strategy {
	case StrategyCursor:
		return p.pollCursor(ctx, table)
	case StrategyDiff:
		return p.pollDiff(ctx, table)
	default:
		return nil, fmt.Errorf("unknown strategy %q", p.config.Strategy)
	}
}

// pollCursor queries rows past the watermark (minus lookback), diffs each
// against buffered prior state, and advances the watermark to the max
// cursor value observed.
func (p *Poller) pollCursor(ctx context.Context, table TableConfig) ([]*delta.RowDelta, error) {
	p.mu.Lock()
	last, seen := p.cursors[table.Table]
	p.mu.Unlock()

	query := table.Query
	var args []any
	if seen {
		query = fmt.Sprintf("%s WHERE %s > ? ORDER BY %s ASC", table.Query, table.CursorColumn, table.CursorColumn)
		args = append(args, last-table.LookbackMs)
	} else {
		query = fmt.Sprintf("%s ORDER BY %s ASC", table.Query, table.CursorColumn)
	}

	rows, err := p.querier.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table.Table, err)
	}
	metrics.PollerRows.WithLabelValues(p.config.Name).Add(float64(len(rows)))

	var out []*delta.RowDelta
	maxCursor := last
	for _, row := range rows {
		if c, ok := toFloat(row[table.CursorColumn]); ok && c > maxCursor {
			maxCursor = c
		}
		d, err := p.diffRow(table, row)
		if err != nil {
			logging.Warn().Err(err).Str("table", table.Table).Msg("skipping row")
			continue
		}
		if d != nil {
			out = append(out, d)
		}
	}

	p.mu.Lock()
	p.cursors[table.Table] = maxCursor
	p.mu.Unlock()
	return out, nil
}

// diffRow turns a source row into an INSERT or UPDATE delta against the
// buffered prior state, updating that state. Returns nil when nothing
// changed.
func (p *Poller) diffRow(table TableConfig, row map[string]any) (*delta.RowDelta, error) {
	rowID, ok := stringValue(row[table.RowIDColumn])
	if !ok {
		return nil, fmt.Errorf("row missing id column %q", table.RowIDColumn)
	}

	current := make(map[string]any, len(row))
	for name, value := range row {
		if name == table.RowIDColumn {
			continue
		}
		current[name] = normalizeValue(value)
	}

	p.mu.Lock()
	byRow := p.rows[table.Table]
	if byRow == nil {
		byRow = make(map[string]map[string]any)
		p.rows[table.Table] = byRow
	}
	prior := byRow[rowID]
	byRow[rowID] = current
	p.mu.Unlock()

	op := delta.OpInsert
	changed := current
	if prior != nil {
		op = delta.OpUpdate
		changed = changedColumns(prior, current)
		if len(changed) == 0 {
			return nil, nil
		}
	}
	return p.stamp(table.Table, rowID, op, changed)
}

// pollDiff fetches the full result set and compares it to the previous
// snapshot, emitting INSERT/UPDATE/DELETE deltas.
func (p *Poller) pollDiff(ctx context.Context, table TableConfig) ([]*delta.RowDelta, error) {
	rows, err := p.querier.QueryRows(ctx, table.Query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table.Table, err)
	}
	metrics.PollerRows.WithLabelValues(p.config.Name).Add(float64(len(rows)))
	if len(rows) > diffWarnRows {
		logging.Warn().
			Str("connector", p.config.Name).
			Str("table", table.Table).
			Int("rows", len(rows)).
			Msg("diff snapshot is large, consider a cursor strategy")
	}

	current := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		rowID, ok := stringValue(row[table.RowIDColumn])
		if !ok {
			logging.Warn().Str("table", table.Table).Str("column", table.RowIDColumn).Msg("skipping row without id")
			continue
		}
		cols := make(map[string]any, len(row))
		for name, value := range row {
			if name == table.RowIDColumn {
				continue
			}
			cols[name] = normalizeValue(value)
		}
		current[rowID] = cols
	}

	p.mu.Lock()
	previous := p.rows[table.Table]
	p.rows[table.Table] = current
	p.mu.Unlock()

	var out []*delta.RowDelta
	for rowID, cols := range current {
		prior, existed := previous[rowID]
		if !existed {
			d, err := p.stamp(table.Table, rowID, delta.OpInsert, cols)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
			continue
		}
		changed := changedColumns(prior, cols)
		if len(changed) == 0 {
			continue
		}
		d, err := p.stamp(table.Table, rowID, delta.OpUpdate, changed)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	for rowID := range previous {
		if _, still := current[rowID]; still {
			continue
		}
		d, err := p.stamp(table.Table, rowID, delta.OpDelete, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// stamp assigns the private HLC and content-derived id.
func (p *Poller) stamp(table, rowID string, op delta.Op, columns map[string]any) (*delta.RowDelta, error) {
	ts, err := p.clock.Now()
	if err != nil {
		return nil, fmt.Errorf("stamp delta: %w", err)
	}
	cols := sortedColumns(columns)
	return &delta.RowDelta{
		DeltaID:  delta.ContentID(table, rowID, ts, op, cols),
		Table:    table,
		RowID:    rowID,
		ClientID: p.config.ClientID,
		Op:       op,
		Columns:  cols,
		HLC:      ts,
	}, nil
}

// pollerState is the serialized cursor snapshot persisted between runs.
type pollerState struct {
	Cursors map[string]float64                   `json:"cursors"`
	Rows    map[string]map[string]map[string]any `json:"rows"`
	HLC     uint64                               `json:"hlc"`
}

// State snapshots the poller's resumption state as JSON.
func (p *Poller) State() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return json.Marshal(pollerState{
		Cursors: p.cursors,
		Rows:    p.rows,
		HLC:     uint64(p.clock.Last()),
	})
}

// Restore loads a State snapshot so resumption skips already-emitted rows.
func (p *Poller) Restore(data []byte) error {
	var state pollerState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("restore poller state: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if state.Cursors != nil {
		p.cursors = state.Cursors
	}
	if state.Rows != nil {
		p.rows = state.Rows
	}
	p.clock.Observe(hlc.Timestamp(state.HLC))
	return nil
}
