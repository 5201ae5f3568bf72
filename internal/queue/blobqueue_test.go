package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func newTestBlobQueue(t *testing.T, maxRetries int) (*BlobQueue, *fakeClock) {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open device db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	clock := &fakeClock{ms: 1_000_000}
	return NewBlobQueue(db, clock, testPolicy, maxRetries), clock
}

func makeTask() BlobTask {
	return BlobTask{
		OwnerOpID: uuid.New(),
		EntityUID: uuid.New(),
		Filename:  "photo.jpg",
		Path:      "/data/photos/photo.jpg",
		SizeBytes: 4096,
		Chunkable: true,
	}
}

func TestBlobEnqueueValidation(t *testing.T) {
	q, _ := newTestBlobQueue(t, 0)
	ctx := context.Background()

	missing := makeTask()
	missing.OwnerOpID = uuid.Nil
	if _, err := q.Enqueue(ctx, missing); err == nil {
		t.Error("expected error for missing owner op")
	}

	noPath := makeTask()
	noPath.Path = ""
	if _, err := q.Enqueue(ctx, noPath); err == nil {
		t.Error("expected error for missing path")
	}

	if _, err := q.Enqueue(ctx, makeTask()); err != nil {
		t.Errorf("valid task rejected: %v", err)
	}
}

func TestBlobDrainMarksUploading(t *testing.T) {
	q, _ := newTestBlobQueue(t, 0)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, makeTask())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	tasks, err := q.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Fatalf("unexpected drain result: %+v", tasks)
	}

	// An in-flight upload is not handed out twice.
	tasks, err = q.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("drained %d uploading tasks, want 0", len(tasks))
	}
}

func TestBlobOffsetSurvivesReschedule(t *testing.T) {
	q, clock := newTestBlobQueue(t, 5)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, makeTask())
	q.Drain(ctx, 10)

	if err := q.AdvanceOffset(ctx, id, 2048); err != nil {
		t.Fatalf("advance offset: %v", err)
	}
	if err := q.MarkFailed(ctx, id, "connection reset"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	clock.ms += testPolicy.Delay(0).Milliseconds()
	tasks, err := q.Drain(ctx, 10)
	if err != nil {
		t.Fatalf("drain after reschedule: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("drained %d, want 1", len(tasks))
	}
	if tasks[0].OffsetBytes != 2048 {
		t.Errorf("offset = %d, want 2048 (resume point lost)", tasks[0].OffsetBytes)
	}
	if tasks[0].Attempt != 1 {
		t.Errorf("attempt = %d, want 1", tasks[0].Attempt)
	}
}

func TestBlobRetryCeiling(t *testing.T) {
	q, clock := newTestBlobQueue(t, 2)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, makeTask())

	q.Drain(ctx, 10)
	if err := q.MarkFailed(ctx, id, "timeout"); err != nil {
		t.Fatalf("first failure: %v", err)
	}
	clock.ms += testPolicy.Delay(0).Milliseconds()
	q.Drain(ctx, 10)
	if err := q.MarkFailed(ctx, id, "timeout"); err != nil {
		t.Fatalf("second failure: %v", err)
	}

	// The ceiling parks the task instead of rescheduling it.
	clock.ms += testPolicy.Cap.Milliseconds()
	tasks, _ := q.Drain(ctx, 10)
	if len(tasks) != 0 {
		t.Fatalf("terminal task still dispatched: %+v", tasks)
	}

	failed, err := q.Failed(ctx)
	if err != nil {
		t.Fatalf("failed list: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != id || failed[0].LastError != "timeout" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	// Manual retry rearms it with the attempt count reset.
	if err := q.Retry(ctx, id); err != nil {
		t.Fatalf("manual retry: %v", err)
	}
	tasks, _ = q.Drain(ctx, 10)
	if len(tasks) != 1 || tasks[0].Attempt != 0 {
		t.Fatalf("expected rearmed task with attempt 0, got %+v", tasks)
	}
}

func TestBlobCompleteAndRemove(t *testing.T) {
	q, _ := newTestBlobQueue(t, 0)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, makeTask())
	q.Drain(ctx, 10)

	if err := q.MarkCompleted(ctx, id, "ab12cd34"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	done, err := q.Completed(ctx)
	if err != nil {
		t.Fatalf("completed list: %v", err)
	}
	if len(done) != 1 || done[0].Ref != "ab12cd34" {
		t.Fatalf("unexpected completed list: %+v", done)
	}

	if err := q.Remove(ctx, id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	done, _ = q.Completed(ctx)
	if len(done) != 0 {
		t.Errorf("task still listed after remove: %+v", done)
	}

	pending, failed, _ := q.Counts(ctx)
	if pending != 0 || failed != 0 {
		t.Errorf("counts = (%d, %d), want (0, 0)", pending, failed)
	}
}

func TestBlobMarkUnknownID(t *testing.T) {
	q, _ := newTestBlobQueue(t, 0)
	ctx := context.Background()

	if err := q.MarkCompleted(ctx, uuid.New(), "ref"); !errors.Is(err, ErrNotFound) {
		t.Errorf("complete unknown: got %v, want ErrNotFound", err)
	}
	if err := q.AdvanceOffset(ctx, uuid.New(), 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("advance unknown: got %v, want ErrNotFound", err)
	}
	if err := q.Retry(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("retry unknown: got %v, want ErrNotFound", err)
	}
}
