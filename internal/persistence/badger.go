// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package persistence

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/logging"
)

// Key layout. WAL keys carry a zero-padded monotone sequence so badger's
// lexicographic iteration order equals append order.
const (
	prefixWAL    = "wal:"
	prefixCursor = "cursor:"
	prefixConfig = "cfg:"
)

// BadgerConfig configures the journaled local store.
type BadgerConfig struct {
	// Path is the badger directory.
	Path string

	// SyncWrites forces fsync on every write. Enabled by default; disabling
	// trades crash durability for throughput.
	SyncWrites bool

	// GCInterval is how often value-log garbage collection runs.
	// Zero disables the GC loop.
	GCInterval time.Duration
}

// DefaultBadgerConfig returns journaling-enabled defaults.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		SyncWrites: true,
		GCInterval: 10 * time.Minute,
	}
}

// Badger is the embedded-file Store. WAL appends are fsynced before they
// return, so an accepted push survives a crash.
type Badger struct {
	db     *badger.DB
	config BadgerConfig

	seq atomic.Uint64

	mu     sync.RWMutex
	closed bool

	gcStop chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens (or creates) the store at cfg.Path.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("persistence: badger path required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	store := &Badger{
		db:     db,
		config: cfg,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	if err := store.restoreSequence(); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.GCInterval > 0 {
		go store.gcLoop()
	} else {
		close(store.gcDone)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Uint64("wal_seq", store.seq.Load()).
		Msg("persistence store opened")
	return store, nil
}

// restoreSequence seeks the highest existing WAL key so appends after a
// restart continue the sequence.
func (b *Badger) restoreSequence() error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse-seek just past the WAL keyspace.
		it.Seek([]byte(prefixWAL + "\xff"))
		if it.ValidForPrefix([]byte(prefixWAL)) {
			var seq uint64
			if _, err := fmt.Sscanf(string(it.Item().Key()), prefixWAL+"%020d", &seq); err == nil {
				b.seq.Store(seq)
			}
		}
		return nil
	})
}

// DB exposes the underlying database so other subsystems (lock store) can
// share one badger instance per node.
func (b *Badger) DB() *badger.DB {
	return b.db
}

func (b *Badger) walKey(seq uint64) []byte {
	return []byte(fmt.Sprintf(prefixWAL+"%020d", seq))
}

func (b *Badger) AppendBatch(deltas []*delta.RowDelta) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for _, d := range deltas {
			data, err := d.Encode()
			if err != nil {
				return fmt.Errorf("encode delta %s: %w", d.DeltaID, err)
			}
			if err := txn.Set(b.walKey(b.seq.Add(1)), data); err != nil {
				return fmt.Errorf("append delta %s: %w", d.DeltaID, err)
			}
		}
		return nil
	})
}

func (b *Badger) LoadAll() ([]*delta.RowDelta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	var out []*delta.RowDelta
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixWAL)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				d, err := delta.Decode(val)
				if err != nil {
					// A torn entry is unrecoverable; skip it rather than
					// refuse startup.
					logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("skipping undecodable WAL entry")
					return nil
				}
				out = append(out, d)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load WAL: %w", err)
	}
	return out, nil
}

func (b *Badger) Clear() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if err := b.db.DropPrefix([]byte(prefixWAL)); err != nil {
		return fmt.Errorf("clear WAL: %w", err)
	}
	return nil
}

func (b *Badger) PutCursor(connector string, state []byte) error {
	return b.put(prefixCursor+connector, state)
}

func (b *Badger) GetCursor(connector string) ([]byte, error) {
	return b.get(prefixCursor + connector)
}

func (b *Badger) DeleteCursor(connector string) error {
	return b.delete(prefixCursor + connector)
}

func (b *Badger) ListCursors() (map[string][]byte, error) {
	return b.list(prefixCursor)
}

func (b *Badger) PutConfig(kind, name string, doc []byte) error {
	return b.put(prefixConfig+kind+":"+name, doc)
}

func (b *Badger) GetConfig(kind, name string) ([]byte, error) {
	return b.get(prefixConfig + kind + ":" + name)
}

func (b *Badger) DeleteConfig(kind, name string) error {
	return b.delete(prefixConfig + kind + ":" + name)
}

func (b *Badger) ListConfigs(kind string) (map[string][]byte, error) {
	return b.list(prefixConfig + kind + ":")
}

func (b *Badger) put(key string, value []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *Badger) get(key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out, nil
}

func (b *Badger) delete(key string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (b *Badger) list(prefix string) (map[string][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.Key())[len(prefix):]] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

// gcLoop runs badger value-log GC until Close.
func (b *Badger) gcLoop() {
	defer close(b.gcDone)
	ticker := time.NewTicker(b.config.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.gcStop:
			return
		case <-ticker.C:
			for {
				err := b.db.RunValueLogGC(0.5)
				if errors.Is(err, badger.ErrNoRewrite) {
					break
				}
				if err != nil {
					logging.Warn().Err(err).Msg("badger GC failed")
					break
				}
			}
		}
	}
}

func (b *Badger) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.gcStop)
	<-b.gcDone

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	logging.Info().Msg("persistence store closed")
	return nil
}
