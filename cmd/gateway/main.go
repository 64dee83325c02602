// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Command gateway runs one LakeSync sync gateway instance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lakesync/lakesync/internal/api"
	"github.com/lakesync/lakesync/internal/auth"
	"github.com/lakesync/lakesync/internal/buffer"
	"github.com/lakesync/lakesync/internal/cluster"
	"github.com/lakesync/lakesync/internal/config"
	"github.com/lakesync/lakesync/internal/connector"
	"github.com/lakesync/lakesync/internal/gateway"
	"github.com/lakesync/lakesync/internal/hlc"
	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/persistence"
	"github.com/lakesync/lakesync/internal/server"
	"github.com/lakesync/lakesync/internal/storage"
	"github.com/lakesync/lakesync/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("gateway exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	clock := hlc.NewClock()
	buf := buffer.New(buffer.Config{
		Clock:    clock,
		WAL:      store,
		MaxBytes: cfg.Buffer.Maxbytes,
		MaxAge:   cfg.Buffer.Maxage,
	})

	sink, readyCheck, closeSink, err := openSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	shared, lock, closeShared, err := openCluster(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer closeShared()

	gw := gateway.New(gateway.Config{
		ID:        cfg.Gateway.ID,
		Clock:     clock,
		Buffer:    buf,
		FlushSink: sink,
		Shared:    shared,
	})

	verifier := auth.NewVerifier(cfg.Auth.Secret)
	ws := websocket.NewManager(websocket.ManagerConfig{
		MaxConnections: cfg.WebSocket.Maxconns,
		MessagesPerSec: cfg.WebSocket.Msgrate,
		Verifier:       verifier,
	}, gw)
	gw.SetBroadcaster(ws)

	connectors := connector.NewManager(store, gw)

	var draining atomic.Bool
	router := api.NewRouter(api.RouterConfig{
		RequestTimeout:     cfg.Server.Timeout,
		RateLimitPerMinute: cfg.Server.Ratelimit,
		AllowedOrigins:     cfg.Server.Origins,
		ReadyCheck:         readyCheck,
	}, gw, ws, verifier, store, connectors, &draining)

	srv := server.New(server.Config{
		Addr:               cfg.Server.Addr,
		FlushCheckInterval: cfg.Server.Flushcheck,
		DrainGrace:         cfg.Server.Draingrace,
		ShutdownTimeout:    cfg.Server.Shutdown,
	}, gw, buf, store, ws, connectors, router.Handler(), lock, &draining)

	return srv.Run(ctx)
}

func openStore(cfg *config.Config) (persistence.Store, error) {
	switch cfg.Persistence.Backend {
	case "memory":
		return persistence.NewMemory(), nil
	default:
		return persistence.OpenBadger(persistence.BadgerConfig{
			Path:       cfg.Persistence.Path,
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		})
	}
}

// openSink builds the flush target plus its readiness check.
func openSink(ctx context.Context, cfg *config.Config) (buffer.Sink, func(context.Context) error, func(), error) {
	switch cfg.Storage.Target {
	case "memory":
		return storage.NewMemoryTable(), nil, func() {}, nil
	case "lake":
		lake, err := storage.NewFSLake(cfg.Storage.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		sink := storage.NewLakeSink(lake, cfg.Gateway.ID)

		// Readiness heads a sentinel object written at startup, so a lake
		// that went away after boot reports unhealthy.
		sentinel := "gw/" + cfg.Gateway.ID + "/.lakesync"
		if err := lake.PutObject(ctx, sentinel, []byte("ok")); err != nil {
			_ = lake.Close()
			return nil, nil, nil, fmt.Errorf("writing lake sentinel: %w", err)
		}
		check := func(ctx context.Context) error {
			_, err := lake.HeadObject(ctx, sentinel)
			return err
		}
		return sink, check, func() { _ = lake.Close() }, nil
	default:
		db, err := storage.OpenDuckDB(ctx, storage.DuckDBConfig{Path: cfg.Storage.Path})
		if err != nil {
			return nil, nil, nil, err
		}
		check := func(ctx context.Context) error {
			return db.DB().PingContext(ctx)
		}
		return db, check, func() { _ = db.Close() }, nil
	}
}

// openCluster wires the shared write-through adapter and the flush lock
// when clustering is enabled. Single-node runs get nil for both.
func openCluster(ctx context.Context, cfg *config.Config, store persistence.Store) (*cluster.SharedWriter, cluster.Lock, func(), error) {
	if !cfg.Cluster.Enabled {
		return nil, nil, func() {}, nil
	}

	sharedDB, err := storage.OpenDuckDB(ctx, storage.DuckDBConfig{Path: cfg.Cluster.Shared})
	if err != nil {
		return nil, nil, nil, err
	}
	writer := cluster.NewSharedWriter(sharedDB, cluster.Mode(cfg.Cluster.Mode))

	var lock cluster.Lock
	if badgerStore, ok := store.(*persistence.Badger); ok {
		lock = cluster.NewStoreLock(cluster.NewBadgerLockStore(badgerStore.DB()))
	} else {
		lock = cluster.NewStoreLock(cluster.NewMemoryLockStore())
	}

	return writer, lock, func() { _ = sharedDB.Close() }, nil
}
