package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

func TestChunkedUploadAndCommit(t *testing.T) {
	s := newTestStore(t)
	content := "chunk-one|chunk-two|chunk-three"

	off, err := s.StageOffset("op1", "photo.jpg")
	if err != nil || off != 0 {
		t.Fatalf("fresh stage offset = (%d, %v), want (0, nil)", off, err)
	}

	// Upload in two chunks at the correct offsets.
	half := int64(len(content) / 2)
	off, err = s.AppendChunk("op1", "photo.jpg", 0, strings.NewReader(content[:half]))
	if err != nil || off != half {
		t.Fatalf("first chunk = (%d, %v), want (%d, nil)", off, err, half)
	}
	off, err = s.AppendChunk("op1", "photo.jpg", half, strings.NewReader(content[half:]))
	if err != nil || off != int64(len(content)) {
		t.Fatalf("second chunk = (%d, %v), want (%d, nil)", off, err, len(content))
	}

	ref, size, err := s.Commit("op1", "photo.jpg")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}

	sum := sha256.Sum256([]byte(content))
	if want := hex.EncodeToString(sum[:]); ref != want {
		t.Errorf("ref = %s, want content hash %s", ref, want)
	}

	rc, err := s.Open(ref)
	if err != nil {
		t.Fatalf("open committed blob: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if string(got) != content {
		t.Errorf("content = %q, want %q", got, content)
	}

	// Commit consumes the stage.
	off, err = s.StageOffset("op1", "photo.jpg")
	if err != nil || off != 0 {
		t.Errorf("stage offset after commit = (%d, %v), want (0, nil)", off, err)
	}
}

func TestAppendChunkOffsetMismatch(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AppendChunk("op1", "a.jpg", 0, strings.NewReader("hello")); err != nil {
		t.Fatalf("first chunk: %v", err)
	}

	// A replayed or out-of-order chunk reports the authoritative offset.
	got, err := s.AppendChunk("op1", "a.jpg", 0, strings.NewReader("hello"))
	var mismatch *ErrOffsetMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("got %v, want ErrOffsetMismatch", err)
	}
	if mismatch.Want != 5 || got != 5 {
		t.Errorf("authoritative offset = (%d, %d), want (5, 5)", mismatch.Want, got)
	}
}

func TestCommitSameContentTwice(t *testing.T) {
	s := newTestStore(t)

	s.AppendChunk("op1", "a.jpg", 0, strings.NewReader("same bytes"))
	ref1, _, err := s.Commit("op1", "a.jpg")
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// A second upload of identical content from another operation
	// resolves to the same ref.
	s.AppendChunk("op2", "b.jpg", 0, strings.NewReader("same bytes"))
	ref2, _, err := s.Commit("op2", "b.jpg")
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if ref1 != ref2 {
		t.Errorf("refs differ for identical content: %s vs %s", ref1, ref2)
	}

	ok, err := s.Has(ref1)
	if err != nil || !ok {
		t.Errorf("Has(%s) = (%t, %v), want (true, nil)", ref1, ok, err)
	}
}

func TestStagePathSanitizesFilename(t *testing.T) {
	s := newTestStore(t)

	// Traversal attempts land inside the staging dir, not outside it.
	if _, err := s.AppendChunk("op1", "../../etc/passwd", 0, strings.NewReader("x")); err != nil {
		t.Fatalf("append with hostile filename: %v", err)
	}
	off, err := s.StageOffset("op1", "../../etc/passwd")
	if err != nil || off != 1 {
		t.Errorf("staged offset = (%d, %v), want (1, nil)", off, err)
	}
}

func TestDiscardStage(t *testing.T) {
	s := newTestStore(t)

	s.AppendChunk("op1", "a.jpg", 0, strings.NewReader("partial"))
	if err := s.DiscardStage("op1", "a.jpg"); err != nil {
		t.Fatalf("discard: %v", err)
	}
	off, err := s.StageOffset("op1", "a.jpg")
	if err != nil || off != 0 {
		t.Errorf("offset after discard = (%d, %v), want (0, nil)", off, err)
	}

	// Discarding a stage that never existed is a no-op.
	if err := s.DiscardStage("op9", "none.jpg"); err != nil {
		t.Errorf("discard missing stage: %v", err)
	}
}

func TestOpenUnknownRef(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Open("deadbeef"); err == nil {
		t.Error("expected error for unknown ref")
	}
	ok, err := s.Has("deadbeef")
	if err != nil || ok {
		t.Errorf("Has(unknown) = (%t, %v), want (false, nil)", ok, err)
	}
}
