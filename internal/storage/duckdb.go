// LakeSync - Multi-Tenant Delta Sync Gateway
// Copyright 2026 LakeSync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lakesync/lakesync

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // database/sql driver
	"github.com/goccy/go-json"

	"github.com/lakesync/lakesync/internal/delta"
	"github.com/lakesync/lakesync/internal/hlc"
	"github.com/lakesync/lakesync/internal/logging"
)

// DuckDBConfig configures the embedded analytical table adapter.
type DuckDBConfig struct {
	// Path is the database file; empty means in-memory.
	Path string

	// MaxOpenConns bounds the pool. Zero means 4.
	MaxOpenConns int
}

// DuckDB is a TableAdapter over an embedded DuckDB database. Deltas live in
// a single table keyed by delta_id; replays are absorbed with
// ON CONFLICT DO NOTHING so the flush path is idempotent.
type DuckDB struct {
	db *sql.DB
}

// OpenDuckDB opens the adapter and verifies connectivity.
func OpenDuckDB(ctx context.Context, cfg DuckDBConfig) (*DuckDB, error) {
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	adapter := &DuckDB{db: db}
	if err := adapter.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Msg("duckdb adapter opened")
	return adapter, nil
}

func (d *DuckDB) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS deltas (
    delta_id   VARCHAR PRIMARY KEY,
    table_name VARCHAR NOT NULL,
    row_id     VARCHAR NOT NULL,
    client_id  VARCHAR NOT NULL,
    op         VARCHAR NOT NULL,
    columns    VARCHAR NOT NULL,
    hlc        BIGINT  NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deltas_hlc ON deltas (hlc);
CREATE INDEX IF NOT EXISTS idx_deltas_row ON deltas (table_name, row_id);`

	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (d *DuckDB) InsertDeltas(ctx context.Context, deltas []*delta.RowDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO deltas (delta_id, table_name, row_id, client_id, op, columns, hlc)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (delta_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, dl := range deltas {
		cols, err := json.Marshal(dl.Columns)
		if err != nil {
			return fmt.Errorf("marshal columns for %s: %w", dl.DeltaID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			dl.DeltaID, dl.Table, dl.RowID, dl.ClientID, string(dl.Op), string(cols), int64(dl.HLC),
		); err != nil {
			return fmt.Errorf("insert delta %s: %w", dl.DeltaID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func (d *DuckDB) QueryDeltasSince(ctx context.Context, since hlc.Timestamp, tables ...string) ([]*delta.RowDelta, error) {
	query := `
SELECT delta_id, table_name, row_id, client_id, op, columns, hlc
FROM deltas
WHERE hlc > ?`
	args := []any{int64(since)}

	if len(tables) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(tables)), ", ")
		query += " AND table_name IN (" + placeholders + ")"
		for _, t := range tables {
			args = append(args, t)
		}
	}
	query += " ORDER BY hlc ASC, delta_id ASC"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deltas since %s: %w", since, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*delta.RowDelta
	for rows.Next() {
		dl, err := scanDelta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deltas: %w", err)
	}
	return out, nil
}

func (d *DuckDB) GetLatestState(ctx context.Context, table, rowID string) (Row, error) {
	rows, err := d.db.QueryContext(ctx, `
SELECT delta_id, table_name, row_id, client_id, op, columns, hlc
FROM deltas
WHERE table_name = ? AND row_id = ?
ORDER BY hlc ASC, delta_id ASC`, table, rowID)
	if err != nil {
		return nil, fmt.Errorf("query row state %s/%s: %w", table, rowID, err)
	}
	defer func() { _ = rows.Close() }()

	var matched []*delta.RowDelta
	for rows.Next() {
		dl, err := scanDelta(rows)
		if err != nil {
			return nil, err
		}
		matched = append(matched, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate row state: %w", err)
	}
	return FoldDeltas(matched), nil
}

func scanDelta(rows *sql.Rows) (*delta.RowDelta, error) {
	var (
		dl      delta.RowDelta
		op      string
		cols    string
		hlcBits int64
	)
	if err := rows.Scan(&dl.DeltaID, &dl.Table, &dl.RowID, &dl.ClientID, &op, &cols, &hlcBits); err != nil {
		return nil, fmt.Errorf("scan delta: %w", err)
	}
	if err := json.Unmarshal([]byte(cols), &dl.Columns); err != nil {
		return nil, fmt.Errorf("unmarshal columns for %s: %w", dl.DeltaID, err)
	}
	dl.Op = delta.Op(op)
	dl.HLC = hlc.Timestamp(hlcBits)
	return &dl, nil
}

// DB exposes the pool so pollers can query application tables living in
// the same database.
func (d *DuckDB) DB() *sql.DB {
	return d.db
}

// SupportedActions lists the maintenance operations exposed to clients.
func (d *DuckDB) SupportedActions() []string {
	return []string{"checkpoint", "row_count"}
}

// ExecuteAction runs one maintenance operation.
func (d *DuckDB) ExecuteAction(ctx context.Context, action string, params map[string]any) (any, error) {
	switch action {
	case "checkpoint":
		if _, err := d.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
			return nil, fmt.Errorf("checkpoint: %w", err)
		}
		return "ok", nil
	case "row_count":
		table, _ := params["table"].(string)
		query := "SELECT COUNT(*) FROM deltas"
		args := []any{}
		if table != "" {
			query += " WHERE table_name = ?"
			args = append(args, table)
		}
		var count int64
		if err := d.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
			return nil, fmt.Errorf("row count: %w", err)
		}
		return count, nil
	default:
		return nil, fmt.Errorf("unsupported action %q", action)
	}
}

func (d *DuckDB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("close duckdb: %w", err)
	}
	return nil
}
