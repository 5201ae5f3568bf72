// Package queue implements the device-local durable state of the sync
// engine: the operation log for pending metadata mutations and the blob
// transfer queue for pending photo uploads. Both persist to a single
// SQLite database so that an abrupt process kill never loses a queued
// change.
package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the device-local SQLite database shared by the operation
// log, the blob queue, the checkpoint row and the local read model.
type DB struct {
	SQL *sql.DB
}

// Open opens (or creates) the device database at path, applies the
// schema, and recovers interrupted state: entries left in-flight by a
// crash are reloaded as pending. Use ":memory:" for tests.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open device db: %w", err)
	}

	// A single connection avoids SQLITE_BUSY between the queue writers
	// and the read model.
	sqldb.SetMaxOpenConns(1)

	if _, err := sqldb.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := sqldb.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	for _, stmt := range schema {
		if _, err := sqldb.Exec(stmt); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	db := &DB{SQL: sqldb}
	if err := db.recover(context.Background()); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error { return d.SQL.Close() }

// recover reloads every non-terminal entry as pending. A row can be
// left "inflight" or "uploading" only by a crash mid-cycle; the server
// side is idempotent, so resending is always safe.
func (d *DB) recover(ctx context.Context) error {
	res, err := d.SQL.ExecContext(ctx,
		`UPDATE op_log SET status='pending' WHERE status='inflight'`)
	if err != nil {
		return fmt.Errorf("recover op_log: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Int64("ops", n).Msg("recovered in-flight operations as pending")
	}

	res, err = d.SQL.ExecContext(ctx,
		`UPDATE blob_task SET status='pending' WHERE status='uploading'`)
	if err != nil {
		return fmt.Errorf("recover blob_task: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Int64("blobs", n).Msg("recovered uploading blob tasks as pending")
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS op_log (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		entity        TEXT NOT NULL,
		entity_uid    TEXT NOT NULL,
		kind          TEXT NOT NULL CHECK (kind IN ('create','update','delete')),
		payload       TEXT,
		enqueued_at_ms INTEGER NOT NULL,
		attempt       INTEGER NOT NULL DEFAULT 0,
		status        TEXT NOT NULL DEFAULT 'pending'
		              CHECK (status IN ('pending','inflight','failed')),
		not_before_ms INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS op_log_entity ON op_log(entity, entity_uid)`,

	`CREATE TABLE IF NOT EXISTS blob_task (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL UNIQUE,
		owner_op_id   TEXT NOT NULL,
		entity_uid    TEXT NOT NULL,
		filename      TEXT NOT NULL,
		path          TEXT NOT NULL,
		size_bytes    INTEGER NOT NULL,
		offset_bytes  INTEGER NOT NULL DEFAULT 0,
		chunkable     INTEGER NOT NULL DEFAULT 1,
		attempt       INTEGER NOT NULL DEFAULT 0,
		status        TEXT NOT NULL DEFAULT 'pending'
		              CHECK (status IN ('pending','uploading','completed','failed')),
		not_before_ms INTEGER NOT NULL DEFAULT 0,
		ref           TEXT NOT NULL DEFAULT '',
		last_error    TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS sync_checkpoint (
		tenant_id       TEXT PRIMARY KEY,
		cursor          TEXT NOT NULL DEFAULT '',
		last_sync_at_ms INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS record (
		entity          TEXT NOT NULL,
		uid             TEXT NOT NULL,
		payload         TEXT NOT NULL,
		version         INTEGER NOT NULL DEFAULT 0,
		updated_at_ms   INTEGER NOT NULL,
		deleted_at_ms   INTEGER,
		PRIMARY KEY (entity, uid)
	)`,
}
