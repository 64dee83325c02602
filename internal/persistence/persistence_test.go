// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package persistence

import (
	"fmt"
	"io"
	"testing"

	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/hlc"
	"github.com/lakesync/lakesync/internal/logging"
)

//nolint:gochecknoinits // keep test output clean
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

func testDelta(id string, ts uint64) *delta.RowDelta {
	return &delta.RowDelta{
		DeltaID: id, Table: "todos", RowID: "r-" + id, ClientID: "c1",
		Op: delta.OpInsert, Columns: []delta.Column{{Name: "title", Value: id}},
		HLC: hlc.New(ts, 0),
	}
}

// openStores returns both variants so every behavior is tested against each.
func openStores(t *testing.T) map[string]Store {
	t.Helper()
	b, err := OpenBadger(BadgerConfig{Path: t.TempDir(), SyncWrites: false})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return map[string]Store{"memory": NewMemory(), "badger": b}
}

func TestWALAppendLoadClear(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			batch := []*delta.RowDelta{testDelta("a", 100), testDelta("b", 101)}
			if err := store.AppendBatch(batch); err != nil {
				t.Fatal(err)
			}
			if err := store.AppendBatch([]*delta.RowDelta{testDelta("c", 102)}); err != nil {
				t.Fatal(err)
			}

			loaded, err := store.LoadAll()
			if err != nil {
				t.Fatal(err)
			}
			if len(loaded) != 3 {
				t.Fatalf("LoadAll() len = %d, want 3", len(loaded))
			}
			for i, want := range []string{"a", "b", "c"} {
				if loaded[i].DeltaID != want {
					t.Errorf("position %d = %s, want %s (append order lost)", i, loaded[i].DeltaID, want)
				}
			}

			if err := store.Clear(); err != nil {
				t.Fatal(err)
			}
			loaded, err = store.LoadAll()
			if err != nil {
				t.Fatal(err)
			}
			if len(loaded) != 0 {
				t.Errorf("LoadAll() after Clear len = %d, want 0", len(loaded))
			}
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if state, err := store.GetCursor("missing"); err != nil || state != nil {
				t.Fatalf("GetCursor(missing) = (%v, %v), want (nil, nil)", state, err)
			}

			if err := store.PutCursor("pg-orders", []byte(`{"orders":2000}`)); err != nil {
				t.Fatal(err)
			}
			// Upsert semantics.
			if err := store.PutCursor("pg-orders", []byte(`{"orders":3000}`)); err != nil {
				t.Fatal(err)
			}

			state, err := store.GetCursor("pg-orders")
			if err != nil {
				t.Fatal(err)
			}
			if string(state) != `{"orders":3000}` {
				t.Errorf("cursor = %s", state)
			}

			all, err := store.ListCursors()
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 1 {
				t.Errorf("ListCursors len = %d, want 1", len(all))
			}

			if err := store.DeleteCursor("pg-orders"); err != nil {
				t.Fatal(err)
			}
			if state, _ := store.GetCursor("pg-orders"); state != nil {
				t.Error("cursor survived delete")
			}
		})
	}
}

func TestConfigKindsAreIsolated(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.PutConfig(KindSchema, "todos", []byte(`{"columns":[]}`)); err != nil {
				t.Fatal(err)
			}
			if err := store.PutConfig(KindConnector, "todos", []byte(`{"type":"sql-cursor"}`)); err != nil {
				t.Fatal(err)
			}

			doc, err := store.GetConfig(KindSchema, "todos")
			if err != nil {
				t.Fatal(err)
			}
			if string(doc) != `{"columns":[]}` {
				t.Errorf("schema doc = %s", doc)
			}

			connectors, err := store.ListConfigs(KindConnector)
			if err != nil {
				t.Fatal(err)
			}
			if len(connectors) != 1 || string(connectors["todos"]) != `{"type":"sql-cursor"}` {
				t.Errorf("connectors = %v", connectors)
			}
		})
	}
}

func TestBadgerWALSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: false})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := store.AppendBatch([]*delta.RowDelta{testDelta(fmt.Sprintf("d%d", i), uint64(100+i))}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: false})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	loaded, err := reopened.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 5 {
		t.Fatalf("LoadAll() after reopen len = %d, want 5", len(loaded))
	}

	// Sequence continues: a new append lands after the replayed entries.
	if err := reopened.AppendBatch([]*delta.RowDelta{testDelta("d5", 200)}); err != nil {
		t.Fatal(err)
	}
	loaded, _ = reopened.LoadAll()
	if loaded[len(loaded)-1].DeltaID != "d5" {
		t.Error("append after reopen did not extend the sequence")
	}
}

func TestClosedStore(t *testing.T) {
	store := NewMemory()
	_ = store.Close()

	if err := store.AppendBatch(nil); err != ErrClosed {
		t.Errorf("AppendBatch on closed = %v, want ErrClosed", err)
	}
	if _, err := store.LoadAll(); err != ErrClosed {
		t.Errorf("LoadAll on closed = %v, want ErrClosed", err)
	}
}
