package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rmacedo/fieldsync/internal/syncx"
)

// ErrNotFound is returned when a queue entry id does not exist.
var ErrNotFound = errors.New("queue entry not found")

// Entry is one row of the durable operation log.
type Entry struct {
	Op          syncx.Operation
	Attempt     int
	Status      string
	NotBeforeMs int64
	LastError   string
}

// OpLog is the Durable Operation Log: an append-only, restart-safe
// queue of pending mutations, FIFO per entity so an update can never
// overtake the create it depends on.
type OpLog struct {
	db     *DB
	clock  syncx.Clock
	policy syncx.BackoffPolicy
}

func NewOpLog(db *DB, clock syncx.Clock, policy syncx.BackoffPolicy) *OpLog {
	return &OpLog{db: db, clock: clock, policy: policy}
}

// Enqueue validates and persists op before returning. A nil op.ID is
// assigned here; the id never changes afterwards, making it the
// server-side idempotency key for this mutation.
func (l *OpLog) Enqueue(ctx context.Context, op syncx.Operation) (uuid.UUID, error) {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	if op.EnqueuedAtMs == 0 {
		op.EnqueuedAtMs = l.clock.NowMs()
	}
	if err := op.Validate(); err != nil {
		return uuid.Nil, err
	}

	_, err := l.db.SQL.ExecContext(ctx, `
		INSERT INTO op_log (id, entity, entity_uid, kind, payload, enqueued_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, op.ID.String(), string(op.Entity), op.EntityUID.String(), string(op.Kind),
		string(op.Payload), op.EnqueuedAtMs)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue operation: %w", err)
	}
	return op.ID, nil
}

// Drain returns up to maxBatch dispatchable entries in enqueue order
// and marks them in-flight. At most one entry per entity is released
// per drain: a later op for the same entity stays queued until its
// predecessor resolves, which preserves create-before-update ordering
// across batches and retries.
func (l *OpLog) Drain(ctx context.Context, maxBatch int) ([]syncx.Operation, error) {
	now := l.clock.NowMs()

	rows, err := l.db.SQL.QueryContext(ctx, `
		SELECT id, entity, entity_uid, kind, payload, enqueued_at_ms, status, not_before_ms
		FROM op_log
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("drain query: %w", err)
	}
	defer rows.Close()

	type key struct{ entity, uid string }
	blocked := make(map[key]bool)
	batch := make([]syncx.Operation, 0, maxBatch)

	for rows.Next() {
		var idStr, entity, uidStr, kind, status string
		var payload sql.NullString
		var enqMs, notBefore int64
		if err := rows.Scan(&idStr, &entity, &uidStr, &kind, &payload, &enqMs, &status, &notBefore); err != nil {
			return nil, fmt.Errorf("drain scan: %w", err)
		}

		k := key{entity, uidStr}
		if blocked[k] {
			continue
		}
		// Terminal failures and in-flight entries block everything queued
		// behind them for the same entity; so do entries still inside
		// their backoff window.
		if status != "pending" || notBefore > now {
			blocked[k] = true
			continue
		}

		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("drain: corrupt op id %q: %w", idStr, err)
		}
		entityUID, err := uuid.Parse(uidStr)
		if err != nil {
			return nil, fmt.Errorf("drain: corrupt entity uid %q: %w", uidStr, err)
		}

		batch = append(batch, syncx.Operation{
			ID:           id,
			Entity:       syncx.Entity(entity),
			Kind:         syncx.Kind(kind),
			EntityUID:    entityUID,
			Payload:      json.RawMessage(payload.String),
			EnqueuedAtMs: enqMs,
		})
		blocked[k] = true
		if len(batch) >= maxBatch {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("drain rows: %w", err)
	}

	for _, op := range batch {
		if _, err := l.db.SQL.ExecContext(ctx,
			`UPDATE op_log SET status='inflight' WHERE id = ?`, op.ID.String()); err != nil {
			return nil, fmt.Errorf("mark inflight: %w", err)
		}
	}
	return batch, nil
}

// MarkResult applies a server outcome to its originating entry:
// ok removes the entry, retry reschedules it with exponential backoff,
// reject parks it as a terminal failure for the status surface. A
// terminal entry is never deleted silently; it waits for manual action.
func (l *OpLog) MarkResult(ctx context.Context, out syncx.Outcome) error {
	id := out.ID.String()
	switch out.Status {
	case syncx.StatusOK:
		res, err := l.db.SQL.ExecContext(ctx, `DELETE FROM op_log WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("resolve op: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil

	case syncx.StatusRetry:
		return l.reschedule(ctx, id, out.Reason)

	case syncx.StatusReject:
		res, err := l.db.SQL.ExecContext(ctx,
			`UPDATE op_log SET status='failed', last_error=? WHERE id = ?`, out.Reason, id)
		if err != nil {
			return fmt.Errorf("park rejected op: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		log.Warn().Str("op", id).Str("reason", out.Reason).Msg("operation permanently rejected")
		return nil

	default:
		return fmt.Errorf("unknown outcome status %q", out.Status)
	}
}

// Release reverts in-flight entries to pending after a transport-level
// failure (the whole batch never got an answer). Each release counts as
// a failed attempt so repeated outages back off.
func (l *OpLog) Release(ctx context.Context, ids []uuid.UUID, reason string) error {
	for _, id := range ids {
		if err := l.reschedule(ctx, id.String(), reason); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func (l *OpLog) reschedule(ctx context.Context, id, reason string) error {
	var attempt int
	err := l.db.SQL.QueryRowContext(ctx,
		`SELECT attempt FROM op_log WHERE id = ?`, id).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read attempt: %w", err)
	}

	notBefore := l.policy.NotBeforeMs(l.clock.NowMs(), attempt)
	_, err = l.db.SQL.ExecContext(ctx, `
		UPDATE op_log
		SET status='pending', attempt=attempt+1, not_before_ms=?, last_error=?
		WHERE id = ?
	`, notBefore, reason, id)
	if err != nil {
		return fmt.Errorf("reschedule op: %w", err)
	}
	return nil
}

// RetryFailed rearms a terminal entry for another attempt (manual
// intervention from the status surface).
func (l *OpLog) RetryFailed(ctx context.Context, id uuid.UUID) error {
	res, err := l.db.SQL.ExecContext(ctx, `
		UPDATE op_log SET status='pending', attempt=0, not_before_ms=0, last_error=''
		WHERE id = ? AND status='failed'
	`, id.String())
	if err != nil {
		return fmt.Errorf("retry failed op: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Discard removes a terminal entry the user has given up on.
func (l *OpLog) Discard(ctx context.Context, id uuid.UUID) error {
	res, err := l.db.SQL.ExecContext(ctx,
		`DELETE FROM op_log WHERE id = ? AND status='failed'`, id.String())
	if err != nil {
		return fmt.Errorf("discard op: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Counts reports queue depth for the status surface.
func (l *OpLog) Counts(ctx context.Context) (pending, failed int, err error) {
	err = l.db.SQL.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status IN ('pending','inflight') THEN 1 END),
			COUNT(CASE WHEN status='failed' THEN 1 END)
		FROM op_log
	`).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("count ops: %w", err)
	}
	return pending, failed, nil
}

// Failed lists terminal entries for the status surface.
func (l *OpLog) Failed(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.SQL.QueryContext(ctx, `
		SELECT id, entity, entity_uid, kind, payload, enqueued_at_ms, attempt, last_error
		FROM op_log WHERE status='failed' ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list failed ops: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var idStr, entity, uidStr, kind string
		var payload sql.NullString
		if err := rows.Scan(&idStr, &entity, &uidStr, &kind, &payload,
			&e.Op.EnqueuedAtMs, &e.Attempt, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan failed op: %w", err)
		}
		e.Op.ID, _ = uuid.Parse(idStr)
		e.Op.Entity = syncx.Entity(entity)
		e.Op.EntityUID, _ = uuid.Parse(uidStr)
		e.Op.Kind = syncx.Kind(kind)
		e.Op.Payload = json.RawMessage(payload.String)
		e.Status = "failed"
		out = append(out, e)
	}
	return out, rows.Err()
}
