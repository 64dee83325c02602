// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package connector

import (
	"context"
	"fmt"

	"github.com/lakesync/lakesync/internal/poller"
	"github.com/lakesync/lakesync/internal/storage"
)

// sqlFactory builds the sql-cursor and sql-diff connector types: a poller
// over an external SQL source that produces deltas into the gateway.
func (m *Manager) sqlFactory(strategy string) Factory {
	return func(ctx context.Context, cfg Config, target Target) (Connector, error) {
		if cfg.DSN == "" {
			return nil, fmt.Errorf("connector %s: dsn is required", cfg.Name)
		}
		if len(cfg.Tables) == 0 {
			return nil, fmt.Errorf("connector %s: at least one table is required", cfg.Name)
		}

		db, err := storage.OpenDuckDB(ctx, storage.DuckDBConfig{Path: cfg.DSN})
		if err != nil {
			return nil, fmt.Errorf("connector %s: open source: %w", cfg.Name, err)
		}

		conn := &pollerConnector{source: db}
		conn.poller = poller.New(poller.Config{
			Name:     cfg.Name,
			ClientID: "connector:" + cfg.Name,
			Strategy: strategy,
			Interval: cfg.Interval(),
			Tables:   cfg.Tables,
			OnPoll:   func() { m.persistCursor(cfg.Name, conn) },
		}, poller.NewSQLQuerier(db.DB()), target)
		return conn, nil
	}
}

// pollerConnector is a poll-only connector over an owned SQL source.
type pollerConnector struct {
	poller *poller.Poller
	source *storage.DuckDB
}

func (c *pollerConnector) Start() {
	c.poller.Start()
}

func (c *pollerConnector) Stop() {
	c.poller.Stop()
}

func (c *pollerConnector) IsPolling() bool {
	return c.poller.IsPolling()
}

func (c *pollerConnector) State() ([]byte, error) {
	return c.poller.State()
}

func (c *pollerConnector) Restore(state []byte) error {
	return c.poller.Restore(state)
}

func (c *pollerConnector) Close() error {
	c.poller.Stop()
	return c.source.Close()
}

// tableFactory builds the table connector type: an owned table adapter
// registered as a pull source (and action handler when the adapter
// supports actions), with an optional diff poller over its tables.
func (m *Manager) tableFactory(ctx context.Context, cfg Config, target Target) (Connector, error) {
	// An empty DSN opens an in-memory adapter.
	adapter, err := storage.OpenDuckDB(ctx, storage.DuckDBConfig{Path: cfg.DSN})
	if err != nil {
		return nil, fmt.Errorf("connector %s: open adapter: %w", cfg.Name, err)
	}

	conn := &tableConnector{name: cfg.Name, adapter: adapter, target: target}
	target.RegisterSource(cfg.Name, adapter)
	if handler, ok := any(adapter).(storage.ActionHandler); ok {
		target.RegisterActionHandler(cfg.Name, handler)
		conn.hasActions = true
	}

	if len(cfg.Tables) > 0 {
		conn.poller = poller.New(poller.Config{
			Name:     cfg.Name,
			ClientID: "connector:" + cfg.Name,
			Strategy: poller.StrategyDiff,
			Interval: cfg.Interval(),
			Tables:   cfg.Tables,
			OnPoll:   func() { m.persistCursor(cfg.Name, conn) },
		}, poller.NewSQLQuerier(adapter.DB()), target)
	}
	return conn, nil
}

// tableConnector owns a table adapter registered with the gateway.
type tableConnector struct {
	name       string
	adapter    *storage.DuckDB
	target     Target
	poller     *poller.Poller
	hasActions bool
}

func (c *tableConnector) Start() {
	if c.poller != nil {
		c.poller.Start()
	}
}

func (c *tableConnector) Stop() {
	if c.poller != nil {
		c.poller.Stop()
	}
}

func (c *tableConnector) IsPolling() bool {
	return c.poller != nil && c.poller.IsPolling()
}

func (c *tableConnector) State() ([]byte, error) {
	if c.poller == nil {
		return nil, nil
	}
	return c.poller.State()
}

func (c *tableConnector) Restore(state []byte) error {
	if c.poller == nil {
		return nil
	}
	return c.poller.Restore(state)
}

func (c *tableConnector) Close() error {
	c.Stop()
	c.target.UnregisterSource(c.name)
	if c.hasActions {
		c.target.UnregisterActionHandler(c.name)
	}
	return c.adapter.Close()
}
