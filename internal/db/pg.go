package db

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Open creates a PostgreSQL connection pool, retrying with exponential
// backoff while the database comes up (container orchestration starts
// the server and Postgres concurrently).
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	connect := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(30*time.Second)), ctx)
	if err := backoff.Retry(func() error {
		if perr := pool.Ping(ctx); perr != nil {
			log.Warn().Err(perr).Msg("postgres not ready, retrying")
			return perr
		}
		return nil
	}, connect); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}

// EnsureSchema creates the sync tables if they do not exist. Statements
// are idempotent so startup is safe against concurrent replicas.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenant (
		id   uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		name text NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS app_user (
		id        uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		sub       text UNIQUE NOT NULL,
		tenant_id uuid NOT NULL REFERENCES tenant(id)
	)`,

	// uid is globally unique per entity type so the tenant owning a
	// record can always be re-derived from the record itself.
	`CREATE TABLE IF NOT EXISTS sync_record (
		entity           text   NOT NULL,
		uid              uuid   NOT NULL,
		tenant_id        uuid   NOT NULL REFERENCES tenant(id),
		payload_json     jsonb  NOT NULL,
		version          integer NOT NULL DEFAULT 1,
		updated_at_ms    bigint NOT NULL,
		deleted_at_ms    bigint,
		last_modified_by uuid,
		PRIMARY KEY (entity, uid)
	)`,

	`CREATE INDEX IF NOT EXISTS sync_record_delta
		ON sync_record (tenant_id, updated_at_ms, entity, uid)`,

	// Replay ledger: one row per applied operation id, holding the
	// outcome returned to the client. A redelivered id gets the recorded
	// outcome back without re-applying the mutation.
	`CREATE TABLE IF NOT EXISTS applied_op (
		op_id         uuid PRIMARY KEY,
		tenant_id     uuid NOT NULL,
		status        text NOT NULL,
		reason        text NOT NULL DEFAULT '',
		superseded    boolean NOT NULL DEFAULT false,
		version       integer NOT NULL DEFAULT 0,
		updated_at_ms bigint NOT NULL DEFAULT 0,
		applied_at_ms bigint NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS blob (
		owner_op_id   uuid   NOT NULL,
		filename      text   NOT NULL,
		tenant_id     uuid   NOT NULL,
		ref           text   NOT NULL,
		size_bytes    bigint NOT NULL,
		created_at_ms bigint NOT NULL,
		PRIMARY KEY (owner_op_id, filename)
	)`,
}
