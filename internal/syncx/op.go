package syncx

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Entity identifies which syncable record type an operation targets.
type Entity string

const (
	EntityProject Entity = "project"
	EntityPoint   Entity = "point"
	EntityTest    Entity = "test"
	EntityPhoto   Entity = "photo"
)

// Kind is the mutation type carried by an operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// OutcomeStatus classifies the server's per-operation result.
// "retry" means transient (safe to resend with the same id),
// "reject" means permanent (validation or authorization failure).
type OutcomeStatus string

const (
	StatusOK     OutcomeStatus = "ok"
	StatusRetry  OutcomeStatus = "retry"
	StatusReject OutcomeStatus = "reject"
)

// MaxPushBatch bounds how many operations a single push request may
// carry. Larger local backlogs are split across round trips.
const MaxPushBatch = 100

// Operation is one queued mutation. ID is generated client-side when
// the operation is first enqueued and never changes across retries; the
// server uses it as the idempotency key.
type Operation struct {
	ID           uuid.UUID       `json:"id"`
	Entity       Entity          `json:"entity"`
	Kind         Kind            `json:"kind"`
	EntityUID    uuid.UUID       `json:"entityUid"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	EnqueuedAtMs int64           `json:"enqueuedAtMs"`
}

// Outcome is the server's answer for a single pushed operation.
// Superseded marks a write that was accepted but immediately lost
// last-write-wins to a newer server-side version; the caller's next
// pull returns the winning state.
type Outcome struct {
	ID          uuid.UUID     `json:"id"`
	Status      OutcomeStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Superseded  bool          `json:"superseded,omitempty"`
	Version     int           `json:"version,omitempty"`
	UpdatedAtMs int64         `json:"updatedAtMs,omitempty"`
}

// PushRequest is the body of POST /v1/sync/push.
type PushRequest struct {
	Ops []Operation `json:"ops"`
}

// PushResponse mirrors the request: one outcome per operation, same
// order, same length.
type PushResponse struct {
	Outcomes []Outcome `json:"outcomes"`
}

// Record is a tenant-scoped row as returned by pull.
type Record struct {
	Entity         Entity          `json:"entity"`
	UID            uuid.UUID       `json:"uid"`
	Payload        json.RawMessage `json:"payload"`
	Version        int             `json:"version"`
	UpdatedAtMs    int64           `json:"updatedAtMs"`
	LastModifiedBy string          `json:"lastModifiedBy,omitempty"`
}

// Tombstone signals a soft-deleted record so deletions propagate to
// other devices instead of disappearing silently.
type Tombstone struct {
	Entity      Entity    `json:"entity"`
	UID         uuid.UUID `json:"uid"`
	DeletedAtMs int64     `json:"deletedAt"`
	UpdatedAtMs int64     `json:"updatedAtMs"`
}

// PullResponse is the body of GET /v1/sync/pull. CheckpointMs is the
// server clock at query time; the client persists it as its new
// watermark only after applying the page without transport errors.
type PullResponse struct {
	Upserts      []Record    `json:"upserts"`
	Deletes      []Tombstone `json:"deletes"`
	NextCursor   *string     `json:"nextCursor,omitempty"`
	CheckpointMs int64       `json:"checkpointMs"`
}

// BlobCommit is returned when the final chunk of a blob upload lands.
// Ref is the stable reference the client attaches to the owning entity
// on its next metadata sync.
type BlobCommit struct {
	Ref       string `json:"ref"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"sizeBytes"`
}

var (
	ErrMissingID      = errors.New("missing operation id")
	ErrMissingEntity  = errors.New("missing or unknown entity type")
	ErrMissingUID     = errors.New("missing entity uid")
	ErrMissingPayload = errors.New("missing payload")
)

// ValidEntity reports whether e names a syncable entity type.
func ValidEntity(e Entity) bool {
	switch e {
	case EntityProject, EntityPoint, EntityTest, EntityPhoto:
		return true
	}
	return false
}

// Validate checks the structural invariants of an operation before it
// is enqueued or applied. Semantic checks (tenant scope, parent
// existence) belong to the merge endpoint.
func (op Operation) Validate() error {
	if op.ID == uuid.Nil {
		return ErrMissingID
	}
	if !ValidEntity(op.Entity) {
		return fmt.Errorf("%w: %q", ErrMissingEntity, op.Entity)
	}
	switch op.Kind {
	case KindCreate, KindUpdate, KindDelete:
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	if op.EntityUID == uuid.Nil {
		return ErrMissingUID
	}
	if op.Kind != KindDelete && len(op.Payload) == 0 {
		return ErrMissingPayload
	}
	return nil
}
