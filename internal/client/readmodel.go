package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rmacedo/fieldsync/internal/queue"
	"github.com/rmacedo/fieldsync/internal/syncx"
)

// ErrRecordNotFound is returned when a record is absent from the local
// read model.
var ErrRecordNotFound = errors.New("record not found")

// ReadModel is the device-local copy of the tenant's records that the
// UI reads. It shares the queue database so a pull merge and the queue
// state move together.
type ReadModel struct {
	db *queue.DB
}

func NewReadModel(db *queue.DB) *ReadModel {
	return &ReadModel{db: db}
}

// PutLocal writes a record the user just created or edited, before the
// corresponding operation has synced. Local writes stamp the device
// clock; the server's apply time overrides it once the delta returns.
func (m *ReadModel) PutLocal(ctx context.Context, entity syncx.Entity, uid uuid.UUID, payload json.RawMessage, nowMs int64) error {
	_, err := m.db.SQL.ExecContext(ctx, `
		INSERT INTO record (entity, uid, payload, version, updated_at_ms)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (entity, uid) DO UPDATE SET
			payload = excluded.payload,
			updated_at_ms = excluded.updated_at_ms,
			deleted_at_ms = NULL
	`, string(entity), uid.String(), string(payload), nowMs)
	if err != nil {
		return fmt.Errorf("put local record: %w", err)
	}
	return nil
}

// DeleteLocal tombstones a record locally (optimistic; the server delta
// confirms it later).
func (m *ReadModel) DeleteLocal(ctx context.Context, entity syncx.Entity, uid uuid.UUID, nowMs int64) error {
	_, err := m.db.SQL.ExecContext(ctx, `
		UPDATE record SET deleted_at_ms = ?, updated_at_ms = ? WHERE entity = ? AND uid = ?
	`, nowMs, nowMs, string(entity), uid.String())
	if err != nil {
		return fmt.Errorf("delete local record: %w", err)
	}
	return nil
}

// Get returns a live (non-tombstoned) record.
func (m *ReadModel) Get(ctx context.Context, entity syncx.Entity, uid uuid.UUID) (syncx.Record, error) {
	var rec syncx.Record
	var payload string
	err := m.db.SQL.QueryRowContext(ctx, `
		SELECT payload, version, updated_at_ms FROM record
		WHERE entity = ? AND uid = ? AND deleted_at_ms IS NULL
	`, string(entity), uid.String()).Scan(&payload, &rec.Version, &rec.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrRecordNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("get record: %w", err)
	}
	rec.Entity = entity
	rec.UID = uid
	rec.Payload = json.RawMessage(payload)
	return rec, nil
}

// ApplyDelta merges one pull page into the read model, last-write-wins
// on updated_at_ms. Ties go to the server: it has already resolved any
// other concurrent writer, so on equal timestamps the server's copy is
// authoritative and overwrites the local one.
func (m *ReadModel) ApplyDelta(ctx context.Context, page *syncx.PullResponse) error {
	tx, err := m.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delta merge: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range page.Upserts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO record (entity, uid, payload, version, updated_at_ms, deleted_at_ms)
			VALUES (?, ?, ?, ?, ?, NULL)
			ON CONFLICT (entity, uid) DO UPDATE SET
				payload = excluded.payload,
				version = excluded.version,
				updated_at_ms = excluded.updated_at_ms,
				deleted_at_ms = NULL
			WHERE excluded.updated_at_ms >= record.updated_at_ms
		`, string(rec.Entity), rec.UID.String(), string(rec.Payload), rec.Version, rec.UpdatedAtMs)
		if err != nil {
			return fmt.Errorf("merge upsert: %w", err)
		}
	}

	for _, ts := range page.Deletes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO record (entity, uid, payload, version, updated_at_ms, deleted_at_ms)
			VALUES (?, ?, '{}', 0, ?, ?)
			ON CONFLICT (entity, uid) DO UPDATE SET
				deleted_at_ms = excluded.deleted_at_ms,
				updated_at_ms = excluded.updated_at_ms
			WHERE excluded.updated_at_ms >= record.updated_at_ms
		`, string(ts.Entity), ts.UID.String(), ts.UpdatedAtMs, ts.DeletedAtMs)
		if err != nil {
			return fmt.Errorf("merge tombstone: %w", err)
		}
	}

	return tx.Commit()
}

// Checkpoint returns the persisted cursor and last-sync time for a
// tenant; zero values when no cycle has completed yet.
func (m *ReadModel) Checkpoint(ctx context.Context, tenantID string) (cursor string, lastSyncMs int64, err error) {
	err = m.db.SQL.QueryRowContext(ctx, `
		SELECT cursor, last_sync_at_ms FROM sync_checkpoint WHERE tenant_id = ?
	`, tenantID).Scan(&cursor, &lastSyncMs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("load checkpoint: %w", err)
	}
	return cursor, lastSyncMs, nil
}

// SaveCheckpoint advances the watermark. Called only after a full cycle
// (push drained, pull applied) finished without transport errors, so
// the checkpoint is monotonic and never skips unseen changes.
func (m *ReadModel) SaveCheckpoint(ctx context.Context, tenantID, cursor string, lastSyncMs int64) error {
	_, err := m.db.SQL.ExecContext(ctx, `
		INSERT INTO sync_checkpoint (tenant_id, cursor, last_sync_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			cursor = excluded.cursor,
			last_sync_at_ms = excluded.last_sync_at_ms
	`, tenantID, cursor, lastSyncMs)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
