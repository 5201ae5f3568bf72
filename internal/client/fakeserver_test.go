package client

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/rmacedo/fieldsync/internal/syncx"
)

// fakeServer is an in-memory stand-in for the merge endpoint. It speaks
// the same wire contract (per-op outcomes, replay ledger, keyset
// cursor, resumable chunks) so orchestrator tests exercise full cycles
// without Postgres.
type fakeServer struct {
	mu sync.Mutex
	ms int64

	records   map[recKey]*srvRecord
	applied   map[uuid.UUID]syncx.Outcome
	stages    map[string][]byte
	commits   map[string]*syncx.BlobCommit
	blobBytes map[string][]byte

	// fault injection
	rejectUIDs   map[uuid.UUID]string // permanent rejection per entity uid
	retryUIDs    map[uuid.UUID]int    // remaining transient answers per entity uid
	failPushes   int                  // answer 500 before applying, n times
	failPulls    int
	failBlobs    bool
	applyAndFail int // apply the batch, then answer 500 anyway, n times
	unauthorized bool

	pushes int
	pulls  int

	// optional gate: the first push signals pushStarted and then blocks
	// until pushGate closes, letting tests observe an in-flight cycle.
	pushStarted chan struct{}
	pushGate    chan struct{}
	gateOnce    sync.Once
}

type recKey struct{ entity, uid string }

type srvRecord struct {
	entity    syncx.Entity
	uid       uuid.UUID
	payload   json.RawMessage
	version   int
	updatedMs int64
	deletedMs *int64
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		ms:         2_000_000,
		records:    make(map[recKey]*srvRecord),
		applied:    make(map[uuid.UUID]syncx.Outcome),
		stages:     make(map[string][]byte),
		commits:    make(map[string]*syncx.BlobCommit),
		blobBytes:  make(map[string][]byte),
		rejectUIDs: make(map[uuid.UUID]string),
		retryUIDs:  make(map[uuid.UUID]int),
	}
}

func (s *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sync/push", s.handlePush)
	mux.HandleFunc("GET /v1/sync/pull", s.handlePull)
	mux.HandleFunc("HEAD /v1/sync/blobs/{op}/{file}", s.handleBlobHead)
	mux.HandleFunc("PATCH /v1/sync/blobs/{op}/{file}", s.handleBlobChunk)
	return mux
}

func (s *fakeServer) record(entity syncx.Entity, uid uuid.UUID) *srvRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[recKey{string(entity), uid.String()}]
}

func (s *fakeServer) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.pushStarted != nil {
		s.gateOnce.Do(func() {
			s.pushStarted <- struct{}{}
			<-s.pushGate
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unauthorized {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.pushes++
	if s.failPushes > 0 {
		s.failPushes--
		http.Error(w, "synthetic push failure", http.StatusInternalServerError)
		return
	}

	var req syncx.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := syncx.PushResponse{Outcomes: make([]syncx.Outcome, 0, len(req.Ops))}
	for _, op := range req.Ops {
		resp.Outcomes = append(resp.Outcomes, s.applyLocked(op))
	}

	if s.applyAndFail > 0 {
		s.applyAndFail--
		http.Error(w, "synthetic post-apply failure", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *fakeServer) applyLocked(op syncx.Operation) syncx.Outcome {
	if out, ok := s.applied[op.ID]; ok {
		return out
	}
	if reason, ok := s.rejectUIDs[op.EntityUID]; ok {
		out := syncx.Outcome{ID: op.ID, Status: syncx.StatusReject, Reason: reason}
		s.applied[op.ID] = out
		return out
	}
	if n := s.retryUIDs[op.EntityUID]; n > 0 {
		s.retryUIDs[op.EntityUID] = n - 1
		// transient: nothing recorded, the op may come back with the
		// same id later
		return syncx.Outcome{ID: op.ID, Status: syncx.StatusRetry, Reason: "busy"}
	}

	s.ms += 1000
	now := s.ms
	k := recKey{string(op.Entity), op.EntityUID.String()}
	cur := s.records[k]

	var out syncx.Outcome
	switch {
	case cur == nil:
		rec := &srvRecord{entity: op.Entity, uid: op.EntityUID, payload: op.Payload, version: 1, updatedMs: now}
		if op.Kind == syncx.KindDelete {
			rec.deletedMs = &now
			rec.payload = json.RawMessage("{}")
		}
		s.records[k] = rec
		out = syncx.Outcome{ID: op.ID, Status: syncx.StatusOK, Version: 1, UpdatedAtMs: now}

	case cur.deletedMs != nil:
		// tombstone wins; a non-delete write is accepted but superseded
		out = syncx.Outcome{
			ID: op.ID, Status: syncx.StatusOK,
			Superseded: op.Kind != syncx.KindDelete,
			Version:    cur.version, UpdatedAtMs: cur.updatedMs,
		}

	default:
		cur.version++
		cur.updatedMs = now
		if op.Kind == syncx.KindDelete {
			cur.deletedMs = &now
		} else if len(op.Payload) > 0 {
			cur.payload = op.Payload
		}
		out = syncx.Outcome{ID: op.ID, Status: syncx.StatusOK, Version: cur.version, UpdatedAtMs: now}
	}

	s.applied[op.ID] = out
	return out
}

func (s *fakeServer) handlePull(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unauthorized {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.pulls++
	if s.failPulls > 0 {
		s.failPulls--
		http.Error(w, "synthetic pull failure", http.StatusInternalServerError)
		return
	}

	limit := 500
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var after syncx.Cursor
	if c := r.URL.Query().Get("cursor"); c != "" {
		after, _ = syncx.DecodeCursor(c)
	}

	rows := make([]*srvRecord, 0, len(s.records))
	for _, rec := range s.records {
		rows = append(rows, rec)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.updatedMs != b.updatedMs {
			return a.updatedMs < b.updatedMs
		}
		if a.entity != b.entity {
			return a.entity < b.entity
		}
		return a.uid.String() < b.uid.String()
	})

	resp := syncx.PullResponse{CheckpointMs: s.ms}
	var last *srvRecord
	for _, rec := range rows {
		if !pastCursor(rec, after) {
			continue
		}
		if rec.deletedMs != nil {
			resp.Deletes = append(resp.Deletes, syncx.Tombstone{
				Entity: rec.entity, UID: rec.uid,
				DeletedAtMs: *rec.deletedMs, UpdatedAtMs: rec.updatedMs,
			})
		} else {
			resp.Upserts = append(resp.Upserts, syncx.Record{
				Entity: rec.entity, UID: rec.uid, Payload: rec.payload,
				Version: rec.version, UpdatedAtMs: rec.updatedMs,
			})
		}
		last = rec
		if len(resp.Upserts)+len(resp.Deletes) >= limit {
			break
		}
	}
	if last != nil {
		c := syncx.EncodeCursor(syncx.Cursor{Ms: last.updatedMs, Entity: last.entity, UID: last.uid})
		resp.NextCursor = &c
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func pastCursor(rec *srvRecord, after syncx.Cursor) bool {
	if after.Ms == 0 && after.Entity == "" {
		return true
	}
	if rec.updatedMs != after.Ms {
		return rec.updatedMs > after.Ms
	}
	if rec.entity != after.Entity {
		return rec.entity > after.Entity
	}
	return rec.uid.String() > after.UID.String()
}

func blobKey(r *http.Request) string {
	return r.PathValue("op") + "|" + r.PathValue("file")
}

func (s *fakeServer) handleBlobHead(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unauthorized {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if s.failBlobs {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	key := blobKey(r)
	if c := s.commits[key]; c != nil {
		w.Header().Set("X-Blob-Ref", c.Ref)
		w.Header().Set("X-Blob-Offset", strconv.FormatInt(c.SizeBytes, 10))
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("X-Blob-Offset", strconv.Itoa(len(s.stages[key])))
	w.WriteHeader(http.StatusOK)
}

func (s *fakeServer) handleBlobChunk(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unauthorized {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if s.failBlobs {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	key := blobKey(r)
	offset, _ := strconv.ParseInt(r.Header.Get("X-Blob-Offset"), 10, 64)
	staged := s.stages[key]
	if offset != int64(len(staged)) {
		w.Header().Set("X-Blob-Offset", strconv.Itoa(len(staged)))
		w.WriteHeader(http.StatusConflict)
		return
	}
	staged = append(staged, body...)
	s.stages[key] = staged

	if r.Header.Get("X-Blob-Final") == "1" {
		sum := sha256.Sum256(staged)
		ref := hex.EncodeToString(sum[:])
		commit := &syncx.BlobCommit{Ref: ref, SHA256: ref, SizeBytes: int64(len(staged))}
		s.commits[key] = commit
		s.blobBytes[ref] = staged
		delete(s.stages, key)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(commit)
		return
	}

	w.Header().Set("X-Blob-Offset", strconv.Itoa(len(staged)))
	w.WriteHeader(http.StatusAccepted)
}
