// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/lakesync/lakesync/internal/api"
	"github.com/lakesync/lakesync/internal/buffer"
	"github.com/lakesync/lakesync/internal/cluster"
	"github.com/lakesync/lakesync/internal/connector"
	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/gateway"
	"github.com/lakesync/lakesync/internal/hlc"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/persistence"
	"github.com/lakesync/lakesync/internal/storage"
	"github.com/lakesync/lakesync/internal/syncrules"
	"github.com/lakesync/lakesync/internal/websocket"
)

//nolint:gochecknoinits // keep test output clean
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

type serverFixture struct {
	server *Server
	store  persistence.Store
	gw     *gateway.Gateway
	buf    *buffer.DeltaBuffer
	sink   *storage.MemoryTable
}

func newServerFixture(t *testing.T, cfg Config, lock cluster.Lock) *serverFixture {
	t.Helper()

	clock := hlc.NewClock()
	store := persistence.NewMemory()
	sink := storage.NewMemoryTable()
	buf := buffer.New(buffer.Config{Clock: clock, WAL: store, MaxBytes: 1, MaxAge: time.Millisecond})

	gw := gateway.New(gateway.Config{
		ID:        "gw-1",
		Clock:     clock,
		Buffer:    buf,
		FlushSink: sink,
	})
	ws := websocket.NewManager(websocket.ManagerConfig{}, gw)
	connectors := connector.NewManager(store, gw)

	var draining atomic.Bool
	handler := api.NewRouter(api.RouterConfig{}, gw, ws, nil, store, connectors, &draining).Handler()

	srv := New(cfg, gw, buf, store, ws, connectors, handler, lock, &draining)
	return &serverFixture{server: srv, store: store, gw: gw, buf: buf, sink: sink}
}

type fakeLock struct {
	grant    bool
	acquires atomic.Int64
	releases atomic.Int64
}

func (l *fakeLock) Acquire(ctx context.Context, key string, ttlMs int64) (bool, error) {
	l.acquires.Add(1)
	return l.grant, nil
}

func (l *fakeLock) Release(ctx context.Context, key string) error {
	l.releases.Add(1)
	return nil
}

func sampleDelta(id string) *delta.RowDelta {
	return &delta.RowDelta{
		DeltaID:  id,
		Table:    "todos",
		RowID:    "r1",
		ClientID: "c1",
		Op:       delta.OpInsert,
		Columns:  []delta.Column{{Name: "title", Value: "x"}},
		HLC:      hlc.New(100, 0),
	}
}

func TestRestoreRehydratesWALAndRules(t *testing.T) {
	f := newServerFixture(t, Config{Addr: "127.0.0.1:0"}, nil)

	// Seed persisted state as a previous process would have left it.
	if err := f.store.AppendBatch([]*delta.RowDelta{sampleDelta("a"), sampleDelta("b")}); err != nil {
		t.Fatal(err)
	}
	rules, _ := json.Marshal(syncrules.Rules{Buckets: []syncrules.Bucket{{
		Name:   "all-todos",
		Tables: []string{"todos"},
	}}})
	if err := f.store.PutConfig(persistence.KindSyncRules, "gw-1", rules); err != nil {
		t.Fatal(err)
	}

	if err := f.server.restore(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := f.gw.Stats().LogSize; got != 2 {
		t.Errorf("rehydrated %d deltas, want 2", got)
	}
	if f.gw.Rules() == nil {
		t.Error("persisted sync rules not applied")
	}
}

func TestRestoreDedupsReplayedWAL(t *testing.T) {
	f := newServerFixture(t, Config{Addr: "127.0.0.1:0"}, nil)

	// A failed WAL clear leaves the same delta logged twice.
	if err := f.store.AppendBatch([]*delta.RowDelta{sampleDelta("a")}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.AppendBatch([]*delta.RowDelta{sampleDelta("a")}); err != nil {
		t.Fatal(err)
	}

	if err := f.server.restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.gw.Stats().LogSize; got != 1 {
		t.Errorf("buffer holds %d deltas after replay, want 1", got)
	}
}

func TestFlushUnderLockSkipsWhenContended(t *testing.T) {
	lock := &fakeLock{grant: false}
	f := newServerFixture(t, Config{Addr: "127.0.0.1:0"}, lock)

	if _, err := f.gw.HandlePush(context.Background(), &gateway.PushRequest{
		ClientID: "c1",
		Deltas:   []*delta.RowDelta{sampleDelta("a")},
	}); err != nil {
		t.Fatal(err)
	}

	f.server.flushUnderLock(context.Background())

	if lock.acquires.Load() != 1 {
		t.Errorf("acquires = %d", lock.acquires.Load())
	}
	if lock.releases.Load() != 0 {
		t.Errorf("released a lock it never held")
	}
	if got, _ := f.sink.QueryDeltasSince(context.Background(), 0); len(got) != 0 {
		t.Errorf("flushed %d deltas despite losing the lock", len(got))
	}
}

func TestFlushUnderLockFlushesAndReleases(t *testing.T) {
	lock := &fakeLock{grant: true}
	f := newServerFixture(t, Config{Addr: "127.0.0.1:0"}, lock)

	if _, err := f.gw.HandlePush(context.Background(), &gateway.PushRequest{
		ClientID: "c1",
		Deltas:   []*delta.RowDelta{sampleDelta("a")},
	}); err != nil {
		t.Fatal(err)
	}

	f.server.flushUnderLock(context.Background())

	if got, _ := f.sink.QueryDeltasSince(context.Background(), 0); len(got) != 1 {
		t.Errorf("sink holds %d deltas, want 1", len(got))
	}
	if lock.releases.Load() != 1 {
		t.Errorf("releases = %d, want 1", lock.releases.Load())
	}
}

func TestPushKicksFlushLoopBetweenTicks(t *testing.T) {
	// A ticker this slow never fires inside the test; only the push-path
	// kick can wake the loop.
	f := newServerFixture(t, Config{
		Addr:               "127.0.0.1:0",
		FlushCheckInterval: time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.server.flushLoop(ctx) }()

	// MaxBytes is 1 in the fixture, so one delta trips the byte trigger.
	if _, err := f.gw.HandlePush(context.Background(), &gateway.PushRequest{
		ClientID: "c1",
		Deltas:   []*delta.RowDelta{sampleDelta("a")},
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := f.sink.QueryDeltasSince(context.Background(), 0); len(got) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("push did not wake the flush loop")
}

func TestRunServesAndShutsDownCleanly(t *testing.T) {
	f := newServerFixture(t, Config{
		Addr:       "127.0.0.1:0",
		DrainGrace: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Run(ctx) }()

	// Run binds the listener before serving; poll until it answers.
	addr := waitForHealth(t, f)
	if addr == "" {
		cancel()
		t.Fatal("server never became healthy")
	}

	if _, err := f.gw.HandlePush(context.Background(), &gateway.PushRequest{
		ClientID: "c1",
		Deltas:   []*delta.RowDelta{sampleDelta("a")},
	}); err != nil {
		t.Fatal(err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// The final flush drained the buffer into the sink and cleared the WAL.
	if got, _ := f.sink.QueryDeltasSince(context.Background(), 0); len(got) != 1 {
		t.Errorf("sink holds %d deltas after shutdown, want 1", len(got))
	}
}

// waitForHealth polls /health on the bound listener until it answers.
func waitForHealth(t *testing.T, f *serverFixture) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if addr := f.server.listenAddr(); addr != "" {
			resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return addr
				}
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return ""
}
