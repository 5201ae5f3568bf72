package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rmacedo/fieldsync/internal/queue"
	"github.com/rmacedo/fieldsync/internal/syncx"
)

// Status is the read-only projection the UI consumes. It is refreshed
// on every queue mutation and at cycle boundaries; it never blocks the
// device while offline.
type Status struct {
	PendingCount int
	FailedCount  int
	LastSyncAtMs int64
	IsOnline     bool
	IsSyncing    bool
	NeedsReauth  bool
}

const (
	defaultChunkSize = 1 << 20 // 1 MiB per blob chunk
	pullPageLimit    = 500
	blobDrainBatch   = 4
)

// Options tunes an Orchestrator.
type Options struct {
	BatchSize int   // max operations per push request (default syncx.MaxPushBatch)
	ChunkSize int64 // blob chunk size in bytes (default 1 MiB)
	OnStatus  func(Status)
	Logger    zerolog.Logger
}

// Orchestrator is the single source of truth for "a sync is in
// progress". Triggers (network-online, timer, manual) all funnel into
// Sync, which coalesces: a trigger during a running cycle schedules
// exactly one follow-up cycle instead of a concurrent one.
type Orchestrator struct {
	ops      *queue.OpLog
	blobs    *queue.BlobQueue
	model    *ReadModel
	tr       *Transport
	clock    syncx.Clock
	tenantID string

	batchSize int
	chunkSize int64
	onStatus  func(Status)
	logger    zerolog.Logger

	mu          sync.Mutex
	syncing     bool
	rerun       bool
	online      bool
	needsReauth bool
	lastSyncMs  int64

	// cycleID increases per started cycle; responses carrying an older
	// id are stale and must be ignored.
	cycleID atomic.Uint64
}

func NewOrchestrator(ops *queue.OpLog, blobs *queue.BlobQueue, model *ReadModel,
	tr *Transport, clock syncx.Clock, tenantID string, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 || opts.BatchSize > syncx.MaxPushBatch {
		opts.BatchSize = syncx.MaxPushBatch
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	return &Orchestrator{
		ops:       ops,
		blobs:     blobs,
		model:     model,
		tr:        tr,
		clock:     clock,
		tenantID:  tenantID,
		batchSize: opts.BatchSize,
		chunkSize: opts.ChunkSize,
		onStatus:  opts.OnStatus,
		logger:    opts.Logger,
	}
}

// SetOnline records a connectivity change. The caller follows a
// transition to online with a Sync call; going offline lets in-flight
// requests fail naturally and their operations revert to pending.
func (o *Orchestrator) SetOnline(ctx context.Context, online bool) {
	o.mu.Lock()
	o.online = online
	o.mu.Unlock()
	o.notify(ctx)
}

// ClearReauth resets the needs-reauth flag after the user signed in
// again.
func (o *Orchestrator) ClearReauth(ctx context.Context) {
	o.mu.Lock()
	o.needsReauth = false
	o.mu.Unlock()
	o.notify(ctx)
}

// Submit records a user mutation: the read model is updated
// optimistically and the operation is durably enqueued. Returns the
// operation id (the idempotency key the server will see).
func (o *Orchestrator) Submit(ctx context.Context, entity syncx.Entity, kind syncx.Kind,
	entityUID uuid.UUID, payload json.RawMessage) (uuid.UUID, error) {
	now := o.clock.NowMs()

	opID, err := o.ops.Enqueue(ctx, syncx.Operation{
		Entity:       entity,
		Kind:         kind,
		EntityUID:    entityUID,
		Payload:      payload,
		EnqueuedAtMs: now,
	})
	if err != nil {
		return uuid.Nil, err
	}

	if kind == syncx.KindDelete {
		err = o.model.DeleteLocal(ctx, entity, entityUID, now)
	} else {
		err = o.model.PutLocal(ctx, entity, entityUID, payload, now)
	}
	if err != nil {
		return uuid.Nil, err
	}

	o.notify(ctx)
	return opID, nil
}

// AttachPhoto queues the binary of a photo record for upload,
// independent of the metadata operation that created the record.
func (o *Orchestrator) AttachPhoto(ctx context.Context, ownerOpID, photoUID uuid.UUID,
	path, filename string, sizeBytes int64, chunkable bool) (uuid.UUID, error) {
	id, err := o.blobs.Enqueue(ctx, queue.BlobTask{
		OwnerOpID: ownerOpID,
		EntityUID: photoUID,
		Filename:  filename,
		Path:      path,
		SizeBytes: sizeBytes,
		Chunkable: chunkable,
	})
	if err != nil {
		return uuid.Nil, err
	}
	o.notify(ctx)
	return id, nil
}

// Sync runs sync cycles until the queues settle. Concurrent callers
// coalesce: while a cycle runs, further calls set a follow-up flag and
// return immediately.
func (o *Orchestrator) Sync(ctx context.Context) error {
	o.mu.Lock()
	if o.syncing {
		o.rerun = true
		o.mu.Unlock()
		return nil
	}
	o.syncing = true
	o.mu.Unlock()
	o.notify(ctx)

	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.mu.Unlock()
		o.notify(ctx)
	}()

	for {
		err := o.runCycle(ctx)

		o.mu.Lock()
		again := o.rerun
		o.rerun = false
		o.mu.Unlock()

		if !again {
			return err
		}
	}
}

// Syncing reports whether a cycle is currently running.
func (o *Orchestrator) Syncing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncing
}

func (o *Orchestrator) stale(cycleID uint64) bool {
	return o.cycleID.Load() != cycleID
}

// runCycle executes one full cycle: metadata push+pull and blob uploads
// run concurrently but independently, so a stuck photo never blocks
// record sync and vice versa.
func (o *Orchestrator) runCycle(ctx context.Context) error {
	o.mu.Lock()
	online := o.online
	o.mu.Unlock()
	if !online {
		return nil
	}

	cycleID := o.cycleID.Add(1)
	o.logger.Debug().Uint64("cycle", cycleID).Msg("sync cycle started")

	var metaErr, blobErr error
	g := new(errgroup.Group)
	g.Go(func() error {
		metaErr = o.syncMetadata(ctx, cycleID)
		return nil
	})
	g.Go(func() error {
		blobErr = o.syncBlobs(ctx, cycleID)
		return nil
	})
	g.Wait()

	if metaErr != nil || blobErr != nil {
		o.logger.Warn().Uint64("cycle", cycleID).
			AnErr("metadata", metaErr).AnErr("blobs", blobErr).
			Msg("sync cycle finished with errors")
		return errors.Join(metaErr, blobErr)
	}
	o.logger.Debug().Uint64("cycle", cycleID).Msg("sync cycle completed")
	return nil
}

func (o *Orchestrator) setNeedsReauth(ctx context.Context) {
	o.mu.Lock()
	o.needsReauth = true
	o.mu.Unlock()
	o.notify(ctx)
}

// syncMetadata drains the operation log in bounded batches, applies the
// per-operation outcomes, then pulls the server delta and advances the
// checkpoint.
func (o *Orchestrator) syncMetadata(ctx context.Context, cycleID uint64) error {
	if err := o.attachCompletedBlobs(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("failed to attach completed blob refs")
	}

	for {
		batch, err := o.ops.Drain(ctx, o.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		resp, err := o.tr.Push(ctx, batch)
		if o.stale(cycleID) {
			// A newer cycle owns the queue now; put the batch back and
			// let it decide.
			o.release(ctx, batch, "stale cycle")
			return nil
		}
		if err != nil {
			o.release(ctx, batch, err.Error())
			if errors.Is(err, ErrUnauthorized) {
				o.setNeedsReauth(ctx)
			}
			return fmt.Errorf("push batch: %w", err)
		}

		for _, out := range resp.Outcomes {
			if err := o.ops.MarkResult(ctx, out); err != nil {
				o.logger.Warn().Err(err).Str("op", out.ID.String()).
					Msg("failed to record outcome")
			}
			if out.Superseded {
				o.logger.Info().Str("op", out.ID.String()).
					Msg("local edit superseded by newer server state")
			}
		}
		o.notify(ctx)
	}

	return o.pull(ctx, cycleID)
}

func (o *Orchestrator) release(ctx context.Context, batch []syncx.Operation, reason string) {
	ids := make([]uuid.UUID, len(batch))
	for i, op := range batch {
		ids[i] = op.ID
	}
	if err := o.ops.Release(ctx, ids, reason); err != nil {
		o.logger.Error().Err(err).Msg("failed to release in-flight batch")
	}
	o.notify(ctx)
}

// pull walks delta pages from the stored checkpoint and merges them
// into the read model. The checkpoint advances only after every page
// applied without a transport error; a mid-pull failure leaves the old
// watermark in place and the next cycle re-reads (idempotently) from
// there.
func (o *Orchestrator) pull(ctx context.Context, cycleID uint64) error {
	cursor, _, err := o.model.Checkpoint(ctx, o.tenantID)
	if err != nil {
		return err
	}

	for {
		page, err := o.tr.Pull(ctx, cursor, pullPageLimit)
		if o.stale(cycleID) {
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				o.setNeedsReauth(ctx)
			}
			return fmt.Errorf("pull delta: %w", err)
		}

		if err := o.model.ApplyDelta(ctx, page); err != nil {
			return err
		}

		if page.NextCursor == nil || len(page.Upserts)+len(page.Deletes) == 0 {
			break
		}
		cursor = *page.NextCursor
	}

	now := o.clock.NowMs()
	if err := o.model.SaveCheckpoint(ctx, o.tenantID, cursor, now); err != nil {
		return err
	}

	o.mu.Lock()
	o.lastSyncMs = now
	o.mu.Unlock()
	o.notify(ctx)
	return nil
}

// syncBlobs drives the transfer queue with the same batching and
// backoff discipline as metadata, but independently: its failures stay
// on the blob tasks.
func (o *Orchestrator) syncBlobs(ctx context.Context, cycleID uint64) error {
	var firstErr error
	for {
		tasks, err := o.blobs.Drain(ctx, blobDrainBatch)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			break
		}

		for _, t := range tasks {
			err := o.uploadBlob(ctx, t)
			if o.stale(cycleID) {
				return firstErr
			}
			if err != nil {
				if markErr := o.blobs.MarkFailed(ctx, t.ID, err.Error()); markErr != nil {
					o.logger.Error().Err(markErr).Str("blob", t.ID.String()).
						Msg("failed to record blob failure")
				}
				if errors.Is(err, ErrUnauthorized) {
					o.setNeedsReauth(ctx)
					return err
				}
				if firstErr == nil {
					firstErr = err
				}
			}
			o.notify(ctx)
		}
	}
	return firstErr
}

// uploadBlob pushes one file, resuming from the server's acknowledged
// offset rather than restarting after an interruption.
func (o *Orchestrator) uploadBlob(ctx context.Context, t queue.BlobTask) error {
	serverOffset, ref, err := o.tr.BlobOffset(ctx, t.OwnerOpID.String(), t.Filename)
	if err != nil {
		return fmt.Errorf("query blob offset: %w", err)
	}
	if ref != "" {
		// Committed by an earlier attempt whose response we lost.
		return o.blobs.MarkCompleted(ctx, t.ID, ref)
	}

	offset := serverOffset
	if offset != t.OffsetBytes {
		if err := o.blobs.AdvanceOffset(ctx, t.ID, offset); err != nil {
			return err
		}
	}

	f, err := os.Open(t.Path)
	if err != nil {
		return fmt.Errorf("open blob file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek blob file: %w", err)
	}

	chunkSize := o.chunkSize
	if !t.Chunkable {
		chunkSize = t.SizeBytes
	}

	for {
		remaining := t.SizeBytes - offset
		if remaining < 0 {
			remaining = 0
		}
		n := chunkSize
		if remaining < n {
			n = remaining
		}

		chunk := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(f, chunk); err != nil {
				return fmt.Errorf("read blob chunk: %w", err)
			}
		}
		final := offset+n >= t.SizeBytes

		newOffset, commit, err := o.tr.UploadChunk(ctx, t.OwnerOpID.String(), t.Filename, offset, final, chunk)
		var staleOff *OffsetStaleError
		if errors.As(err, &staleOff) {
			// Server and client disagree on progress; adopt the server's
			// offset and continue from there.
			offset = staleOff.Offset
			if err := o.blobs.AdvanceOffset(ctx, t.ID, offset); err != nil {
				return err
			}
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				return fmt.Errorf("seek blob file: %w", err)
			}
			continue
		}
		if err != nil {
			return err
		}

		if commit != nil {
			return o.blobs.MarkCompleted(ctx, t.ID, commit.Ref)
		}

		offset = newOffset
		if err := o.blobs.AdvanceOffset(ctx, t.ID, offset); err != nil {
			return err
		}
	}
}

// attachCompletedBlobs folds finished uploads back into metadata: the
// photo record gets its stable blob ref via a normal update operation,
// so the attachment rides the same idempotent merge path as any edit.
func (o *Orchestrator) attachCompletedBlobs(ctx context.Context) error {
	done, err := o.blobs.Completed(ctx)
	if err != nil {
		return err
	}

	for _, t := range done {
		rec, err := o.model.Get(ctx, syncx.EntityPhoto, t.EntityUID)
		if errors.Is(err, ErrRecordNotFound) {
			// Photo metadata not in the read model yet; attach on a later
			// cycle once the record exists.
			continue
		}
		if err != nil {
			return err
		}

		var payload map[string]any
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			payload = map[string]any{}
		}
		payload["blobRef"] = t.Ref
		payload["filename"] = t.Filename
		merged, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		if _, err := o.Submit(ctx, syncx.EntityPhoto, syncx.KindUpdate, t.EntityUID, merged); err != nil {
			return err
		}
		if err := o.blobs.Remove(ctx, t.ID); err != nil {
			return err
		}
		o.logger.Info().Str("photo", t.EntityUID.String()).Str("ref", t.Ref).
			Msg("blob ref attached to photo record")
	}
	return nil
}

// Snapshot computes the current status surface.
func (o *Orchestrator) Snapshot(ctx context.Context) (Status, error) {
	opPending, opFailed, err := o.ops.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	blobPending, blobFailed, err := o.blobs.Counts(ctx)
	if err != nil {
		return Status{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		PendingCount: opPending + blobPending,
		FailedCount:  opFailed + blobFailed,
		LastSyncAtMs: o.lastSyncMs,
		IsOnline:     o.online,
		IsSyncing:    o.syncing,
		NeedsReauth:  o.needsReauth,
	}, nil
}

func (o *Orchestrator) notify(ctx context.Context) {
	if o.onStatus == nil {
		return
	}
	st, err := o.Snapshot(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("status snapshot failed")
		return
	}
	o.onStatus(st)
}
