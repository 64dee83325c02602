// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

// Package connector manages the lifecycle of registered data connectors:
// validated registration with config persistence and rollback, cursor
// durability across restarts, and teardown that removes every gateway
// registration the connector made.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/lakesync/lakesync/internal/logging"
	"github.com/lakesync/lakesync/internal/persistence"
	"github.com/lakesync/lakesync/internal/poller"
	"github.com/lakesync/lakesync/internal/storage"
)

// Built-in connector types.
const (
	TypeSQLCursor = "sql-cursor"
	TypeSQLDiff   = "sql-diff"
	TypeTable     = "table"
)

var (
	// ErrUnknownType is returned for unregistered connector types.
	ErrUnknownType = errors.New("connector: unknown type")

	// ErrExists is returned when registering a duplicate name.
	ErrExists = errors.New("connector: already registered")

	// ErrNotFound is returned for operations on unknown connectors.
	ErrNotFound = errors.New("connector: not found")
)

// Config is a connector registration document.
type Config struct {
	Name string `json:"name" validate:"required"`
	Type string `json:"type" validate:"required"`

	// DSN locates the source database (sql types) or adapter backing
	// store (table type).
	DSN string `json:"dsn,omitempty"`

	// IntervalMs is the poll interval. Zero means 30 s.
	IntervalMs int `json:"intervalMs,omitempty" validate:"gte=0"`

	// Tables configures what the connector polls. Optional for the table
	// type, where it enables a diff poller over the adapter.
	Tables []poller.TableConfig `json:"tables,omitempty" validate:"dive"`
}

// Interval returns the effective poll interval.
func (c *Config) Interval() time.Duration {
	if c.IntervalMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Target is the gateway surface connectors attach to.
type Target interface {
	poller.PushTarget

	RegisterSource(name string, adapter storage.TableAdapter)
	UnregisterSource(name string)
	RegisterActionHandler(name string, handler storage.ActionHandler)
	UnregisterActionHandler(name string)
}

// Connector is one live registration.
type Connector interface {
	// Start begins polling. Idempotent.
	Start()

	// Stop halts polling. Idempotent.
	Stop()

	IsPolling() bool

	// State snapshots resumption state; nil means stateless.
	State() ([]byte, error)

	// Restore loads a State snapshot before Start.
	Restore(state []byte) error

	// Close stops the connector and releases everything it owns,
	// including its gateway registrations.
	Close() error
}

// Factory builds a connector from its config. ctx bounds construction
// work such as opening the source database.
type Factory func(ctx context.Context, cfg Config, target Target) (Connector, error)

// Status is one row of List output.
type Status struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	IsPolling bool   `json:"isPolling"`
}

// Manager owns connector registration state for one gateway.
type Manager struct {
	store    persistence.Store
	target   Target
	validate *validator.Validate

	mu        sync.Mutex
	factories map[string]Factory
	live      map[string]*entry

	// pending reserves names between the duplicate check and the live
	// insert so two concurrent Registers cannot both win one name.
	pending map[string]struct{}
}

type entry struct {
	config    Config
	connector Connector
}

// NewManager creates a manager with the built-in factories registered.
func NewManager(store persistence.Store, target Target) *Manager {
	m := &Manager{
		store:     store,
		target:    target,
		validate:  validator.New(),
		factories: make(map[string]Factory),
		live:      make(map[string]*entry),
		pending:   make(map[string]struct{}),
	}
	m.RegisterFactory(TypeSQLCursor, m.sqlFactory(poller.StrategyCursor))
	m.RegisterFactory(TypeSQLDiff, m.sqlFactory(poller.StrategyDiff))
	m.RegisterFactory(TypeTable, m.tableFactory)
	return m
}

// RegisterFactory adds (or replaces) a connector type.
func (m *Manager) RegisterFactory(connType string, factory Factory) {
	m.mu.Lock()
	m.factories[connType] = factory
	m.mu.Unlock()
}

// Register validates cfg, persists it, builds and starts the connector.
// Any failure past the persist step rolls the config entry back so a
// half-registered connector never survives.
func (m *Manager) Register(ctx context.Context, cfg Config) error {
	if err := m.validate.Struct(cfg); err != nil {
		return fmt.Errorf("connector: invalid config: %w", err)
	}

	m.mu.Lock()
	factory, ok := m.factories[cfg.Type]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}
	if _, dup := m.live[cfg.Name]; dup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, cfg.Name)
	}
	if _, dup := m.pending[cfg.Name]; dup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, cfg.Name)
	}
	m.pending[cfg.Name] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, cfg.Name)
		m.mu.Unlock()
	}()

	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("connector: marshal config: %w", err)
	}
	if err := m.store.PutConfig(persistence.KindConnector, cfg.Name, doc); err != nil {
		return fmt.Errorf("connector: persist config: %w", err)
	}

	if err := m.build(ctx, cfg, factory); err != nil {
		if rbErr := m.store.DeleteConfig(persistence.KindConnector, cfg.Name); rbErr != nil {
			logging.Error().Err(rbErr).Str("connector", cfg.Name).Msg("config rollback failed")
		}
		return err
	}

	logging.Info().Str("connector", cfg.Name).Str("type", cfg.Type).Msg("connector registered")
	return nil
}

// build constructs, restores and starts one connector.
func (m *Manager) build(ctx context.Context, cfg Config, factory Factory) error {
	conn, err := factory(ctx, cfg, m.target)
	if err != nil {
		return fmt.Errorf("connector: create %s: %w", cfg.Name, err)
	}

	if state, err := m.store.GetCursor(cfg.Name); err != nil {
		logging.Warn().Err(err).Str("connector", cfg.Name).Msg("cursor load failed, starting fresh")
	} else if state != nil {
		if err := conn.Restore(state); err != nil {
			logging.Warn().Err(err).Str("connector", cfg.Name).Msg("cursor restore failed, starting fresh")
		}
	}

	conn.Start()

	m.mu.Lock()
	m.live[cfg.Name] = &entry{config: cfg, connector: conn}
	m.mu.Unlock()
	return nil
}

// persistCursor snapshots one connector's state into the cursor store.
func (m *Manager) persistCursor(name string, conn Connector) {
	state, err := conn.State()
	if err != nil {
		logging.Warn().Err(err).Str("connector", name).Msg("cursor snapshot failed")
		return
	}
	if state == nil {
		return
	}
	if err := m.store.PutCursor(name, state); err != nil {
		logging.Warn().Err(err).Str("connector", name).Msg("cursor persist failed")
	}
}

// Unregister stops and removes a connector, deleting its config and
// cursor state.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	ent, ok := m.live[name]
	if ok {
		delete(m.live, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if err := ent.connector.Close(); err != nil {
		logging.Warn().Err(err).Str("connector", name).Msg("connector close failed")
	}
	if err := m.store.DeleteConfig(persistence.KindConnector, name); err != nil {
		return fmt.Errorf("connector: delete config: %w", err)
	}
	if err := m.store.DeleteCursor(name); err != nil {
		logging.Warn().Err(err).Str("connector", name).Msg("cursor delete failed")
	}

	logging.Info().Str("connector", name).Msg("connector unregistered")
	return nil
}

// List enumerates registered connectors with live polling status.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.live))
	for name, ent := range m.live {
		out = append(out, Status{
			Name:      name,
			Type:      ent.config.Type,
			IsPolling: ent.connector.IsPolling(),
		})
	}
	return out
}

// RestoreAll starts every connector persisted in the config store. Used
// on gateway startup. Individual failures are logged and skipped.
func (m *Manager) RestoreAll(ctx context.Context) error {
	docs, err := m.store.ListConfigs(persistence.KindConnector)
	if err != nil {
		return fmt.Errorf("connector: list configs: %w", err)
	}

	for name, doc := range docs {
		var cfg Config
		if err := json.Unmarshal(doc, &cfg); err != nil {
			logging.Error().Err(err).Str("connector", name).Msg("skipping undecodable connector config")
			continue
		}

		m.mu.Lock()
		factory, ok := m.factories[cfg.Type]
		m.mu.Unlock()
		if !ok {
			logging.Error().Str("connector", name).Str("type", cfg.Type).Msg("skipping connector with unknown type")
			continue
		}
		if err := m.build(ctx, cfg, factory); err != nil {
			logging.Error().Err(err).Str("connector", name).Msg("connector restore failed")
		}
	}
	return nil
}

// Close stops every live connector, persisting cursors first.
func (m *Manager) Close() {
	m.mu.Lock()
	live := m.live
	m.live = make(map[string]*entry)
	m.mu.Unlock()

	for name, ent := range live {
		m.persistCursor(name, ent.connector)
		if err := ent.connector.Close(); err != nil {
			logging.Warn().Err(err).Str("connector", name).Msg("connector close failed")
		}
	}
}
