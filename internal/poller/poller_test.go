// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package poller

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/logging"
)

//nolint:gochecknoinits // keep test output clean
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

type fakeQuerier struct {
	mu      sync.Mutex
	rows    []map[string]any
	err     error
	queries []string
	args    [][]any
}

func (q *fakeQuerier) QueryRows(_ context.Context, query string, args ...any) ([]map[string]any, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queries = append(q.queries, query)
	q.args = append(q.args, args)
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

type fakeTarget struct {
	mu      sync.Mutex
	batches [][]*delta.RowDelta
}

func (t *fakeTarget) PushDeltas(_ context.Context, _ string, deltas []*delta.RowDelta) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches = append(t.batches, deltas)
	return nil
}

func (t *fakeTarget) all() []*delta.RowDelta {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*delta.RowDelta
	for _, b := range t.batches {
		out = append(out, b...)
	}
	return out
}

func cursorPoller(q RowQuerier, target PushTarget) *Poller {
	return New(Config{
		Name:     "pg-orders",
		ClientID: "connector:pg-orders",
		Strategy: StrategyCursor,
		Interval: time.Hour,
		Tables: []TableConfig{{
			Table:        "orders",
			Query:        "SELECT * FROM orders",
			RowIDColumn:  "id",
			CursorColumn: "updated_at",
			LookbackMs:   5000,
		}},
	}, q, target)
}

func TestCursorFirstPollUnfiltered(t *testing.T) {
	q := &fakeQuerier{rows: []map[string]any{
		{"id": "o1", "updated_at": int64(1000), "total": int64(5)},
		{"id": "o2", "updated_at": int64(2000), "total": int64(7)},
	}}
	target := &fakeTarget{}
	p := cursorPoller(q, target)

	p.Poll(context.Background())

	if len(q.queries) != 1 || strings.Contains(q.queries[0], "WHERE") {
		t.Fatalf("first poll query = %q, want no predicate", q.queries[0])
	}
	got := target.all()
	if len(got) != 2 {
		t.Fatalf("produced %d deltas, want 2", len(got))
	}
	for _, d := range got {
		if d.Op != delta.OpInsert {
			t.Errorf("op = %s, want INSERT for unseen rows", d.Op)
		}
		if d.ClientID != "connector:pg-orders" {
			t.Errorf("clientId = %s", d.ClientID)
		}
		if _, ok := d.Column("id"); ok {
			t.Error("row id column leaked into delta columns")
		}
	}
	if !(got[0].HLC < got[1].HLC) {
		t.Error("HLCs not strictly increasing within a poll")
	}
}

func TestCursorSubsequentPollUsesLookback(t *testing.T) {
	q := &fakeQuerier{rows: []map[string]any{
		{"id": "o1", "updated_at": int64(1000), "total": int64(5)},
	}}
	target := &fakeTarget{}
	p := cursorPoller(q, target)
	ctx := context.Background()

	p.Poll(ctx)
	p.Poll(ctx)

	if len(q.queries) != 2 {
		t.Fatalf("%d queries", len(q.queries))
	}
	second := q.queries[1]
	if !strings.Contains(second, "updated_at > ?") || !strings.Contains(second, "ORDER BY updated_at ASC") {
		t.Errorf("second query = %q", second)
	}
	// Watermark 1000 minus 5000 lookback.
	if len(q.args[1]) != 1 || q.args[1][0] != float64(-4000) {
		t.Errorf("second args = %v", q.args[1])
	}
}

func TestCursorRePollEmitsNothingWhenUnchanged(t *testing.T) {
	q := &fakeQuerier{rows: []map[string]any{
		{"id": "o1", "updated_at": int64(1000), "total": int64(5)},
	}}
	target := &fakeTarget{}
	p := cursorPoller(q, target)
	ctx := context.Background()

	p.Poll(ctx)
	before := len(target.all())

	// Lookback re-reads the same unchanged row.
	p.Poll(ctx)
	if got := len(target.all()); got != before {
		t.Errorf("unchanged re-read produced %d extra deltas", got-before)
	}

	// A changed column yields an UPDATE carrying only that column.
	q.mu.Lock()
	q.rows = []map[string]any{{"id": "o1", "updated_at": int64(3000), "total": int64(9)}}
	q.mu.Unlock()
	p.Poll(ctx)

	all := target.all()
	last := all[len(all)-1]
	if last.Op != delta.OpUpdate {
		t.Fatalf("op = %s, want UPDATE", last.Op)
	}
	names := make([]string, len(last.Columns))
	for i, c := range last.Columns {
		names[i] = c.Name
	}
	if len(names) != 2 { // total and updated_at both changed
		t.Errorf("changed columns = %v", names)
	}
}

func TestDiffStrategy(t *testing.T) {
	q := &fakeQuerier{rows: []map[string]any{
		{"id": "r1", "v": "a"},
		{"id": "r2", "v": "b"},
	}}
	target := &fakeTarget{}
	p := New(Config{
		Name: "snap", ClientID: "connector:snap", Strategy: StrategyDiff, Interval: time.Hour,
		Tables: []TableConfig{{Table: "things", Query: "SELECT * FROM things", RowIDColumn: "id"}},
	}, q, target)
	ctx := context.Background()

	p.Poll(ctx)
	if got := target.all(); len(got) != 2 {
		t.Fatalf("first diff poll produced %d, want 2 INSERTs", len(got))
	}

	// r1 updated, r2 gone, r3 new.
	q.mu.Lock()
	q.rows = []map[string]any{
		{"id": "r1", "v": "a2"},
		{"id": "r3", "v": "c"},
	}
	q.mu.Unlock()
	p.Poll(ctx)

	ops := map[string]delta.Op{}
	for _, d := range target.batches[len(target.batches)-1] {
		ops[d.RowID] = d.Op
	}
	if ops["r1"] != delta.OpUpdate || ops["r3"] != delta.OpInsert || ops["r2"] != delta.OpDelete {
		t.Errorf("ops = %v", ops)
	}

	// Identical snapshot: nothing emitted.
	before := len(target.all())
	p.Poll(ctx)
	if got := len(target.all()); got != before {
		t.Errorf("identical snapshot produced %d deltas", got-before)
	}
}

func TestPollTableErrorDoesNotStopOthers(t *testing.T) {
	calls := 0
	q := &switchQuerier{fn: func(query string) ([]map[string]any, error) {
		calls++
		if strings.Contains(query, "broken") {
			return nil, errors.New("table is gone")
		}
		return []map[string]any{{"id": "r1", "v": "x"}}, nil
	}}
	target := &fakeTarget{}
	p := New(Config{
		Name: "multi", ClientID: "connector:multi", Strategy: StrategyDiff, Interval: time.Hour,
		Tables: []TableConfig{
			{Table: "broken", Query: "SELECT * FROM broken", RowIDColumn: "id"},
			{Table: "healthy", Query: "SELECT * FROM healthy", RowIDColumn: "id"},
		},
	}, q, target)

	p.Poll(context.Background())

	if calls != 2 {
		t.Errorf("polled %d tables, want 2", calls)
	}
	got := target.all()
	if len(got) != 1 || got[0].Table != "healthy" {
		t.Errorf("deltas = %+v", got)
	}
}

type switchQuerier struct {
	fn func(query string) ([]map[string]any, error)
}

func (q *switchQuerier) QueryRows(_ context.Context, query string, _ ...any) ([]map[string]any, error) {
	return q.fn(query)
}

func TestStateRoundTripSkipsEmittedRows(t *testing.T) {
	q := &fakeQuerier{rows: []map[string]any{
		{"id": "o1", "updated_at": int64(1000), "total": int64(5)},
	}}
	target := &fakeTarget{}
	p := cursorPoller(q, target)
	ctx := context.Background()
	p.Poll(ctx)

	state, err := p.State()
	if err != nil {
		t.Fatal(err)
	}

	// Fresh poller restored from the snapshot sees the same row again and
	// emits nothing.
	restoredTarget := &fakeTarget{}
	restored := cursorPoller(q, restoredTarget)
	if err := restored.Restore(state); err != nil {
		t.Fatal(err)
	}
	restored.Poll(ctx)

	if got := restoredTarget.all(); len(got) != 0 {
		t.Errorf("restored poller re-emitted %d deltas", len(got))
	}
	// And its queries are cursor-filtered, not first-poll scans.
	q.mu.Lock()
	lastQuery := q.queries[len(q.queries)-1]
	q.mu.Unlock()
	if !strings.Contains(lastQuery, "WHERE") {
		t.Errorf("restored poller ran an unfiltered first poll: %q", lastQuery)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	q := &fakeQuerier{}
	p := New(Config{
		Name: "idem", ClientID: "c", Strategy: StrategyDiff, Interval: time.Hour,
		Tables: nil,
	}, q, &fakeTarget{})

	p.Start()
	p.Start()
	if !p.IsPolling() {
		t.Fatal("not polling after Start")
	}
	p.Stop()
	p.Stop()
	if p.IsPolling() {
		t.Fatal("still polling after Stop")
	}
}
