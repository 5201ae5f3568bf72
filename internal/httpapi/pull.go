package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rmacedo/fieldsync/internal/auth"
	"github.com/rmacedo/fieldsync/internal/syncx"
)

// Pull handles GET /v1/sync/pull?cursor=<opaque>&limit=<int>&entity=<type>&archived=1.
//
// Returns every record of the caller's tenant changed past the cursor,
// in deterministic (updated_at_ms, entity, uid) order. Tombstones come
// back in the deletes array so deletions propagate to other devices;
// their payloads are only included in upserts when archived=1 is set.
// The tenant scope comes from the authenticated identity alone.
func (s *Server) Pull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := auth.From(ctx)

	limit := parseLimit(r.URL.Query().Get("limit"), 500, 1000)
	includeArchived := r.URL.Query().Get("archived") == "1"

	entityFilter := syncx.Entity(r.URL.Query().Get("entity"))
	if entityFilter != "" && !syncx.ValidEntity(entityFilter) {
		writeError(w, http.StatusBadRequest, "unknown entity filter")
		return
	}

	cur, ok := syncx.DecodeCursor(r.URL.Query().Get("cursor"))
	if !ok {
		cur = syncx.Cursor{} // start from the beginning
	}

	rows, err := s.DB.Query(ctx, `
		SELECT entity, uid, payload_json, version, updated_at_ms, deleted_at_ms,
		       COALESCE(last_modified_by::text, '')
		FROM sync_record
		WHERE tenant_id = $1
		  AND (updated_at_ms, entity, uid) > ($2, $3, $4::uuid)
		  AND ($5 = '' OR entity = $5)
		ORDER BY updated_at_ms, entity, uid
		LIMIT $6
	`, actor.TenantID, cur.Ms, string(cur.Entity), cur.UID, string(entityFilter), limit)
	if err != nil {
		log.Error().Err(err).Msg("delta query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	defer rows.Close()

	resp := syncx.PullResponse{
		Upserts: make([]syncx.Record, 0, limit),
		Deletes: make([]syncx.Tombstone, 0),
	}
	var last syncx.Cursor
	n := 0

	for rows.Next() {
		var rec syncx.Record
		var entity, uidStr string
		var deletedAtMs *int64
		if err := rows.Scan(&entity, &uidStr, &rec.Payload, &rec.Version,
			&rec.UpdatedAtMs, &deletedAtMs, &rec.LastModifiedBy); err != nil {
			log.Error().Err(err).Msg("delta scan failed")
			writeError(w, http.StatusInternalServerError, "scan failed")
			return
		}
		rec.Entity = syncx.Entity(entity)
		rec.UID, _ = uuid.Parse(uidStr)

		if deletedAtMs != nil {
			resp.Deletes = append(resp.Deletes, syncx.Tombstone{
				Entity:      rec.Entity,
				UID:         rec.UID,
				DeletedAtMs: *deletedAtMs,
				UpdatedAtMs: rec.UpdatedAtMs,
			})
			if includeArchived {
				resp.Upserts = append(resp.Upserts, rec)
			}
		} else {
			resp.Upserts = append(resp.Upserts, rec)
		}

		last = syncx.Cursor{Ms: rec.UpdatedAtMs, Entity: rec.Entity, UID: rec.UID}
		n++
	}
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Msg("delta iteration failed")
		writeError(w, http.StatusInternalServerError, "iteration failed")
		return
	}

	if n > 0 {
		encoded := syncx.EncodeCursor(last)
		resp.NextCursor = &encoded
	}
	resp.CheckpointMs = s.nowMs()

	writeJSON(w, http.StatusOK, resp)
}
