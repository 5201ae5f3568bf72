package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/rmacedo/fieldsync/internal/auth"
	"github.com/rmacedo/fieldsync/internal/syncx"
)

// Push handles POST /v1/sync/push.
//
// Each operation in the batch is applied independently in its own
// transaction: the tenant gate, the idempotency replay check and the
// last-write-wins apply all happen inside that one atomic unit, and one
// operation's failure never rolls back its neighbours. The response
// carries one outcome per operation, same order as the request.
func (s *Server) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := auth.From(ctx)

	var req syncx.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid push request body")
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Ops) > syncx.MaxPushBatch {
		writeError(w, http.StatusBadRequest, "batch exceeds maximum size")
		return
	}

	outcomes := make([]syncx.Outcome, 0, len(req.Ops))
	for _, op := range req.Ops {
		outcomes = append(outcomes, s.applyOne(ctx, actor, op))
	}

	writeJSON(w, http.StatusOK, syncx.PushResponse{Outcomes: outcomes})
}

// parentOf returns the parent entity reference an operation's payload
// may carry: points belong to projects, tests and photos to points.
// The mapping lets the tenant gate reject an operation that tries to
// hang a child under another tenant's record.
func parentOf(op syncx.Operation) (syncx.Entity, uuid.UUID, bool) {
	var ref struct {
		ProjectUID string `json:"projectUid"`
		PointUID   string `json:"pointUid"`
	}
	if len(op.Payload) == 0 {
		return "", uuid.Nil, false
	}
	if err := json.Unmarshal(op.Payload, &ref); err != nil {
		return "", uuid.Nil, false
	}

	switch op.Entity {
	case syncx.EntityPoint:
		if id, err := uuid.Parse(ref.ProjectUID); err == nil {
			return syncx.EntityProject, id, true
		}
	case syncx.EntityTest, syncx.EntityPhoto:
		if id, err := uuid.Parse(ref.PointUID); err == nil {
			return syncx.EntityPoint, id, true
		}
	}
	return "", uuid.Nil, false
}

func (s *Server) applyOne(ctx context.Context, actor auth.Identity, op syncx.Operation) syncx.Outcome {
	if err := op.Validate(); err != nil {
		return syncx.Outcome{ID: op.ID, Status: syncx.StatusReject, Reason: err.Error()}
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		log.Error().Err(err).Str("op", op.ID.String()).Msg("failed to begin transaction")
		return syncx.Outcome{ID: op.ID, Status: syncx.StatusRetry, Reason: "transaction error"}
	}
	defer tx.Rollback(ctx)

	// Replay check: a redelivered operation id (dropped response, crash
	// between apply and ack) gets its recorded outcome back without a
	// second apply.
	var recorded syncx.Outcome
	err = tx.QueryRow(ctx, `
		SELECT status, reason, superseded, version, updated_at_ms
		FROM applied_op WHERE op_id = $1
	`, op.ID).Scan(&recorded.Status, &recorded.Reason, &recorded.Superseded,
		&recorded.Version, &recorded.UpdatedAtMs)
	if err == nil {
		recorded.ID = op.ID
		return recorded
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		log.Error().Err(err).Str("op", op.ID.String()).Msg("replay lookup failed")
		return syncx.Outcome{ID: op.ID, Status: syncx.StatusRetry, Reason: "replay lookup failed"}
	}

	// Tenant gate: the owning tenant comes from the stored record, never
	// from the payload. FOR UPDATE holds the row so the scope check and
	// the apply are one atomic unit; the record cannot be reassigned in
	// between.
	var curTenant string
	var curVersion int
	var curUpdated int64
	var curDeleted *int64
	exists := true
	err = tx.QueryRow(ctx, `
		SELECT tenant_id, version, updated_at_ms, deleted_at_ms
		FROM sync_record WHERE entity = $1 AND uid = $2
		FOR UPDATE
	`, string(op.Entity), op.EntityUID).Scan(&curTenant, &curVersion, &curUpdated, &curDeleted)
	if errors.Is(err, pgx.ErrNoRows) {
		exists = false
	} else if err != nil {
		log.Error().Err(err).Str("op", op.ID.String()).Msg("record lookup failed")
		return syncx.Outcome{ID: op.ID, Status: syncx.StatusRetry, Reason: "record lookup failed"}
	}

	if exists && curTenant != actor.TenantID {
		return s.finish(ctx, tx, actor, op, syncx.Outcome{
			ID: op.ID, Status: syncx.StatusReject, Reason: "tenant mismatch",
		})
	}

	// The parent reference, when present, must also resolve to the
	// actor's tenant. An absent parent is allowed: cross-entity
	// operations carry no ordering guarantee, so the parent's create may
	// land in a later batch.
	if parentEntity, parentUID, ok := parentOf(op); ok {
		var parentTenant string
		err = tx.QueryRow(ctx, `
			SELECT tenant_id FROM sync_record WHERE entity = $1 AND uid = $2
		`, string(parentEntity), parentUID).Scan(&parentTenant)
		if err == nil && parentTenant != actor.TenantID {
			return s.finish(ctx, tx, actor, op, syncx.Outcome{
				ID: op.ID, Status: syncx.StatusReject, Reason: "parent tenant mismatch",
			})
		}
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			log.Error().Err(err).Str("op", op.ID.String()).Msg("parent lookup failed")
			return syncx.Outcome{ID: op.ID, Status: syncx.StatusRetry, Reason: "parent lookup failed"}
		}
	}

	// Last-write-wins by server-observed apply time: device clocks are
	// not trusted. An update against a tombstone loses to the deletion
	// and is reported as superseded, not as an error.
	now := s.nowMs()
	var out syncx.Outcome

	switch {
	case !exists:
		var deleted *int64
		payload := op.Payload
		if op.Kind == syncx.KindDelete {
			deleted = &now
			if len(payload) == 0 {
				payload = json.RawMessage(`{}`)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_record (entity, uid, tenant_id, payload_json, version,
				updated_at_ms, deleted_at_ms, last_modified_by)
			VALUES ($1, $2, $3, $4, 1, $5, $6, $7)
		`, string(op.Entity), op.EntityUID, actor.TenantID, payload, now, deleted, actor.UserID)
		if err != nil {
			log.Error().Err(err).Str("op", op.ID.String()).Msg("insert failed")
			return syncx.Outcome{ID: op.ID, Status: syncx.StatusRetry, Reason: "insert failed"}
		}
		out = syncx.Outcome{ID: op.ID, Status: syncx.StatusOK, Version: 1, UpdatedAtMs: now}

	case curDeleted != nil:
		if op.Kind == syncx.KindDelete {
			// Already tombstoned; redelivery from another device.
			out = syncx.Outcome{ID: op.ID, Status: syncx.StatusOK, Version: curVersion, UpdatedAtMs: curUpdated}
		} else {
			// The deletion was applied later by server time, so it wins.
			out = syncx.Outcome{ID: op.ID, Status: syncx.StatusOK, Superseded: true,
				Version: curVersion, UpdatedAtMs: curUpdated}
		}

	default:
		if op.Kind == syncx.KindDelete {
			_, err = tx.Exec(ctx, `
				UPDATE sync_record
				SET deleted_at_ms = $3, updated_at_ms = $3, version = version + 1,
					last_modified_by = $4
				WHERE entity = $1 AND uid = $2
			`, string(op.Entity), op.EntityUID, now, actor.UserID)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE sync_record
				SET payload_json = $3, updated_at_ms = $4, version = version + 1,
					last_modified_by = $5
				WHERE entity = $1 AND uid = $2
			`, string(op.Entity), op.EntityUID, op.Payload, now, actor.UserID)
		}
		if err != nil {
			log.Error().Err(err).Str("op", op.ID.String()).Msg("update failed")
			return syncx.Outcome{ID: op.ID, Status: syncx.StatusRetry, Reason: "update failed"}
		}
		out = syncx.Outcome{ID: op.ID, Status: syncx.StatusOK, Version: curVersion + 1, UpdatedAtMs: now}
	}

	return s.finish(ctx, tx, actor, op, out)
}

// finish records the outcome in the replay ledger and commits. If a
// concurrent delivery of the same id got there first, this transaction
// rolls back and the recorded outcome is returned instead, preserving
// exactly-once effects.
func (s *Server) finish(ctx context.Context, tx pgx.Tx, actor auth.Identity, op syncx.Operation, out syncx.Outcome) syncx.Outcome {
	tag, err := tx.Exec(ctx, `
		INSERT INTO applied_op (op_id, tenant_id, status, reason, superseded,
			version, updated_at_ms, applied_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (op_id) DO NOTHING
	`, op.ID, actor.TenantID, string(out.Status), out.Reason, out.Superseded,
		out.Version, out.UpdatedAtMs, s.nowMs())
	if err != nil {
		log.Error().Err(err).Str("op", op.ID.String()).Msg("ledger insert failed")
		return syncx.Outcome{ID: op.ID, Status: syncx.StatusRetry, Reason: "ledger insert failed"}
	}

	if tag.RowsAffected() == 0 {
		tx.Rollback(ctx)
		var recorded syncx.Outcome
		err := s.DB.QueryRow(ctx, `
			SELECT status, reason, superseded, version, updated_at_ms
			FROM applied_op WHERE op_id = $1
		`, op.ID).Scan(&recorded.Status, &recorded.Reason, &recorded.Superseded,
			&recorded.Version, &recorded.UpdatedAtMs)
		if err != nil {
			return syncx.Outcome{ID: op.ID, Status: syncx.StatusRetry, Reason: "concurrent apply"}
		}
		recorded.ID = op.ID
		return recorded
	}

	if err := tx.Commit(ctx); err != nil {
		log.Error().Err(err).Str("op", op.ID.String()).Msg("commit failed")
		return syncx.Outcome{ID: op.ID, Status: syncx.StatusRetry, Reason: "commit failed"}
	}
	return out
}
