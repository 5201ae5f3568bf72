package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/rmacedo/fieldsync/internal/auth"
	"github.com/rmacedo/fieldsync/internal/blobstore"
	"github.com/rmacedo/fieldsync/internal/syncx"
)

// Blob transfer protocol, keyed by (owner operation id, filename):
//
//	HEAD  /v1/sync/blobs/{opID}/{filename}  -> X-Blob-Offset: staged bytes
//	PATCH /v1/sync/blobs/{opID}/{filename}  -> append chunk at X-Blob-Offset;
//	       X-Blob-Final: 1 on the last chunk commits the blob and returns
//	       its stable ref
//	GET   /v1/blobs/{ref}                   -> committed blob bytes
//
// A declared offset that does not match the staged size yields 409 with
// the authoritative offset, so an interrupted upload resumes from the
// last acknowledged byte instead of restarting.

const (
	headerBlobOffset = "X-Blob-Offset"
	headerBlobFinal  = "X-Blob-Final"
	headerBlobRef    = "X-Blob-Ref"
)

// committedRef returns the stored ref for an already committed upload,
// or "" when none exists.
func (s *Server) committedRef(r *http.Request, opID uuid.UUID, filename string) (string, int64, error) {
	var ref string
	var size int64
	err := s.DB.QueryRow(r.Context(), `
		SELECT ref, size_bytes FROM blob
		WHERE owner_op_id = $1 AND filename = $2 AND tenant_id = $3
	`, opID, filename, auth.From(r.Context()).TenantID).Scan(&ref, &size)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return ref, size, nil
}

// BlobOffset handles HEAD: reports how far an upload has progressed.
func (s *Server) BlobOffset(w http.ResponseWriter, r *http.Request) {
	opID, err := uuid.Parse(chi.URLParam(r, "opID"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	filename := chi.URLParam(r, "filename")

	if ref, size, err := s.committedRef(r, opID, filename); err != nil {
		log.Error().Err(err).Msg("blob lookup failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	} else if ref != "" {
		w.Header().Set(headerBlobRef, ref)
		w.Header().Set(headerBlobOffset, strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	offset, err := s.Blobs.StageOffset(opID.String(), filename)
	if err != nil {
		log.Error().Err(err).Msg("stage offset lookup failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set(headerBlobOffset, strconv.FormatInt(offset, 10))
	w.WriteHeader(http.StatusOK)
}

// BlobChunk handles PATCH: appends one chunk, committing on the final
// one. Re-sending the final chunk of an already committed blob returns
// the recorded ref (idempotent redelivery).
func (s *Server) BlobChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := auth.From(ctx)

	opID, err := uuid.Parse(chi.URLParam(r, "opID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid operation id")
		return
	}
	filename := chi.URLParam(r, "filename")
	if filename == "" {
		writeError(w, http.StatusBadRequest, "missing filename")
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get(headerBlobOffset), 10, 64)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "missing or invalid "+headerBlobOffset)
		return
	}
	final := r.Header.Get(headerBlobFinal) == "1"

	if ref, size, err := s.committedRef(r, opID, filename); err != nil {
		log.Error().Err(err).Msg("blob lookup failed")
		writeError(w, http.StatusInternalServerError, "blob lookup failed")
		return
	} else if ref != "" {
		writeJSON(w, http.StatusOK, syncx.BlobCommit{Ref: ref, SHA256: ref, SizeBytes: size})
		return
	}

	newOffset, err := s.Blobs.AppendChunk(opID.String(), filename, offset, r.Body)
	if err != nil {
		var mismatch *blobstore.ErrOffsetMismatch
		if errors.As(err, &mismatch) {
			w.Header().Set(headerBlobOffset, strconv.FormatInt(mismatch.Want, 10))
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":  "offset mismatch",
				"offset": mismatch.Want,
			})
			return
		}
		log.Error().Err(err).Str("op", opID.String()).Msg("chunk append failed")
		writeError(w, http.StatusInternalServerError, "chunk append failed")
		return
	}

	if !final {
		w.Header().Set(headerBlobOffset, strconv.FormatInt(newOffset, 10))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ref, size, err := s.Blobs.Commit(opID.String(), filename)
	if err != nil {
		log.Error().Err(err).Str("op", opID.String()).Msg("blob commit failed")
		writeError(w, http.StatusInternalServerError, "blob commit failed")
		return
	}

	_, err = s.DB.Exec(ctx, `
		INSERT INTO blob (owner_op_id, filename, tenant_id, ref, size_bytes, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_op_id, filename) DO NOTHING
	`, opID, filename, actor.TenantID, ref, size, s.nowMs())
	if err != nil {
		log.Error().Err(err).Str("op", opID.String()).Msg("blob row insert failed")
		writeError(w, http.StatusInternalServerError, "blob record failed")
		return
	}

	log.Info().Str("op", opID.String()).Str("ref", ref).Int64("size", size).
		Msg("blob committed")
	writeJSON(w, http.StatusOK, syncx.BlobCommit{Ref: ref, SHA256: ref, SizeBytes: size})
}

// BlobGet streams a committed blob, scoped to the caller's tenant.
func (s *Server) BlobGet(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	actor := auth.From(r.Context())

	var size int64
	err := s.DB.QueryRow(r.Context(), `
		SELECT size_bytes FROM blob WHERE ref = $1 AND tenant_id = $2 LIMIT 1
	`, ref, actor.TenantID).Scan(&size)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, "blob not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("blob ref lookup failed")
		writeError(w, http.StatusInternalServerError, "blob lookup failed")
		return
	}

	rc, err := s.Blobs.Open(ref)
	if err != nil {
		log.Error().Err(err).Str("ref", ref).Msg("blob open failed")
		writeError(w, http.StatusInternalServerError, "blob open failed")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn().Err(err).Str("ref", ref).Msg("blob stream interrupted")
	}
}
