package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rmacedo/fieldsync/internal/syncx"
)

// DefaultBlobMaxRetries caps blob upload attempts. Unlike metadata,
// blobs are never retried indefinitely: each attempt burns device
// bandwidth, so after the cap the task parks as failed and waits for a
// manual retry from the status surface.
const DefaultBlobMaxRetries = 3

// BlobTask is one pending photo upload, linked to the operation that
// created the photo record but resolved independently of it.
type BlobTask struct {
	ID          uuid.UUID
	OwnerOpID   uuid.UUID
	EntityUID   uuid.UUID
	Filename    string
	Path        string
	SizeBytes   int64
	OffsetBytes int64
	Chunkable   bool
	Attempt     int
	Status      string
	Ref         string
	LastError   string
}

// BlobQueue is the Blob Transfer Queue: same durable discipline as the
// operation log, plus byte-offset resume for partially uploaded files.
type BlobQueue struct {
	db         *DB
	clock      syncx.Clock
	policy     syncx.BackoffPolicy
	maxRetries int
}

func NewBlobQueue(db *DB, clock syncx.Clock, policy syncx.BackoffPolicy, maxRetries int) *BlobQueue {
	if maxRetries <= 0 {
		maxRetries = DefaultBlobMaxRetries
	}
	return &BlobQueue{db: db, clock: clock, policy: policy, maxRetries: maxRetries}
}

// Enqueue persists a transfer task before returning.
func (q *BlobQueue) Enqueue(ctx context.Context, t BlobTask) (uuid.UUID, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.OwnerOpID == uuid.Nil || t.EntityUID == uuid.Nil {
		return uuid.Nil, errors.New("blob task requires owner operation and entity uid")
	}
	if t.Filename == "" || t.Path == "" {
		return uuid.Nil, errors.New("blob task requires filename and local path")
	}

	chunkable := 0
	if t.Chunkable {
		chunkable = 1
	}
	_, err := q.db.SQL.ExecContext(ctx, `
		INSERT INTO blob_task (id, owner_op_id, entity_uid, filename, path, size_bytes, chunkable)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID.String(), t.OwnerOpID.String(), t.EntityUID.String(),
		t.Filename, t.Path, t.SizeBytes, chunkable)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue blob task: %w", err)
	}
	return t.ID, nil
}

// Drain returns up to max dispatchable tasks and marks them uploading.
// Blob tasks carry no cross-task ordering requirement, so eligibility
// is purely status plus backoff window.
func (q *BlobQueue) Drain(ctx context.Context, max int) ([]BlobTask, error) {
	now := q.clock.NowMs()
	rows, err := q.db.SQL.QueryContext(ctx, `
		SELECT id, owner_op_id, entity_uid, filename, path, size_bytes,
		       offset_bytes, chunkable, attempt
		FROM blob_task
		WHERE status='pending' AND not_before_ms <= ?
		ORDER BY seq
		LIMIT ?
	`, now, max)
	if err != nil {
		return nil, fmt.Errorf("drain blob tasks: %w", err)
	}
	defer rows.Close()

	var tasks []BlobTask
	for rows.Next() {
		var t BlobTask
		var idStr, ownerStr, uidStr string
		var chunkable int
		if err := rows.Scan(&idStr, &ownerStr, &uidStr, &t.Filename, &t.Path,
			&t.SizeBytes, &t.OffsetBytes, &chunkable, &t.Attempt); err != nil {
			return nil, fmt.Errorf("scan blob task: %w", err)
		}
		t.ID, _ = uuid.Parse(idStr)
		t.OwnerOpID, _ = uuid.Parse(ownerStr)
		t.EntityUID, _ = uuid.Parse(uidStr)
		t.Chunkable = chunkable == 1
		t.Status = "uploading"
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("blob rows: %w", err)
	}

	for _, t := range tasks {
		if _, err := q.db.SQL.ExecContext(ctx,
			`UPDATE blob_task SET status='uploading' WHERE id = ?`, t.ID.String()); err != nil {
			return nil, fmt.Errorf("mark uploading: %w", err)
		}
	}
	return tasks, nil
}

// AdvanceOffset records the last server-acknowledged byte offset so an
// interrupted upload resumes there instead of restarting from zero.
func (q *BlobQueue) AdvanceOffset(ctx context.Context, id uuid.UUID, offset int64) error {
	res, err := q.db.SQL.ExecContext(ctx,
		`UPDATE blob_task SET offset_bytes = ? WHERE id = ?`, offset, id.String())
	if err != nil {
		return fmt.Errorf("advance blob offset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCompleted resolves a task with the server's stable blob ref. The
// owning photo record picks the ref up on the next metadata sync.
func (q *BlobQueue) MarkCompleted(ctx context.Context, id uuid.UUID, ref string) error {
	res, err := q.db.SQL.ExecContext(ctx,
		`UPDATE blob_task SET status='completed', ref=? WHERE id = ?`, ref, id.String())
	if err != nil {
		return fmt.Errorf("complete blob task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed reschedules a task with backoff until the retry ceiling,
// after which it becomes terminal and is surfaced for manual retry.
func (q *BlobQueue) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	var attempt int
	err := q.db.SQL.QueryRowContext(ctx,
		`SELECT attempt FROM blob_task WHERE id = ?`, id.String()).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read blob attempt: %w", err)
	}

	if attempt+1 >= q.maxRetries {
		_, err = q.db.SQL.ExecContext(ctx, `
			UPDATE blob_task SET status='failed', attempt=attempt+1, last_error=? WHERE id = ?
		`, reason, id.String())
		if err != nil {
			return fmt.Errorf("park blob task: %w", err)
		}
		log.Warn().Str("blob", id.String()).Str("reason", reason).
			Msg("blob upload exhausted retries")
		return nil
	}

	notBefore := q.policy.NotBeforeMs(q.clock.NowMs(), attempt)
	_, err = q.db.SQL.ExecContext(ctx, `
		UPDATE blob_task
		SET status='pending', attempt=attempt+1, not_before_ms=?, last_error=?
		WHERE id = ?
	`, notBefore, reason, id.String())
	if err != nil {
		return fmt.Errorf("reschedule blob task: %w", err)
	}
	return nil
}

// Retry rearms a terminal task (manual action from the status surface).
func (q *BlobQueue) Retry(ctx context.Context, id uuid.UUID) error {
	res, err := q.db.SQL.ExecContext(ctx, `
		UPDATE blob_task SET status='pending', attempt=0, not_before_ms=0, last_error=''
		WHERE id = ? AND status='failed'
	`, id.String())
	if err != nil {
		return fmt.Errorf("retry blob task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Completed lists resolved tasks whose refs have not yet been attached
// to their owning photo record.
func (q *BlobQueue) Completed(ctx context.Context) ([]BlobTask, error) {
	return q.list(ctx, "completed")
}

// Failed lists terminal tasks for the status surface.
func (q *BlobQueue) Failed(ctx context.Context) ([]BlobTask, error) {
	return q.list(ctx, "failed")
}

func (q *BlobQueue) list(ctx context.Context, status string) ([]BlobTask, error) {
	rows, err := q.db.SQL.QueryContext(ctx, `
		SELECT id, owner_op_id, entity_uid, filename, path, size_bytes,
		       offset_bytes, attempt, ref, last_error
		FROM blob_task WHERE status = ? ORDER BY seq
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list blob tasks: %w", err)
	}
	defer rows.Close()

	var out []BlobTask
	for rows.Next() {
		var t BlobTask
		var idStr, ownerStr, uidStr string
		if err := rows.Scan(&idStr, &ownerStr, &uidStr, &t.Filename, &t.Path,
			&t.SizeBytes, &t.OffsetBytes, &t.Attempt, &t.Ref, &t.LastError); err != nil {
			return nil, fmt.Errorf("scan blob task: %w", err)
		}
		t.ID, _ = uuid.Parse(idStr)
		t.OwnerOpID, _ = uuid.Parse(ownerStr)
		t.EntityUID, _ = uuid.Parse(uidStr)
		t.Status = status
		out = append(out, t)
	}
	return out, rows.Err()
}

// Remove deletes a resolved task once its ref has been attached.
func (q *BlobQueue) Remove(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.SQL.ExecContext(ctx, `DELETE FROM blob_task WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("remove blob task: %w", err)
	}
	return nil
}

// Counts reports transfer queue depth for the status surface.
func (q *BlobQueue) Counts(ctx context.Context) (pending, failed int, err error) {
	err = q.db.SQL.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status IN ('pending','uploading') THEN 1 END),
			COUNT(CASE WHEN status='failed' THEN 1 END)
		FROM blob_task
	`).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("count blob tasks: %w", err)
	}
	return pending, failed, nil
}
