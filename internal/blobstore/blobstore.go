// Package blobstore persists uploaded photo binaries on the server.
// Completed blobs live in a content-addressed object directory (sha256,
// two-level fan-out); partial uploads accumulate in a staging area keyed
// by (operation id, filename) whose file size doubles as the resume
// offset for interrupted transfers.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrOffsetMismatch is returned when a chunk's declared offset does not
// match the staged size; the caller should resync from the reported
// offset instead of retrying blindly.
type ErrOffsetMismatch struct {
	Want int64
}

func (e *ErrOffsetMismatch) Error() string {
	return fmt.Sprintf("chunk offset mismatch, staged size is %d", e.Want)
}

// Store is a disk-backed blob store rooted at a base directory.
type Store struct {
	objectsDir string
	stagingDir string
}

func New(baseDir string) (*Store, error) {
	s := &Store{
		objectsDir: filepath.Join(baseDir, "objects"),
		stagingDir: filepath.Join(baseDir, "staging"),
	}
	for _, dir := range []string{s.objectsDir, s.stagingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create blob dir: %w", err)
		}
	}
	return s, nil
}

func (s *Store) objectPath(ref string) string {
	if len(ref) < 4 {
		return filepath.Join(s.objectsDir, ref)
	}
	// ab/cd/abcdef... fan-out keeps directory entry counts bounded.
	return filepath.Join(s.objectsDir, ref[:2], ref[2:4], ref)
}

func (s *Store) stagePath(opID, filename string) string {
	// Flatten the key into one path component; filenames come from
	// clients and must not traverse.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(filename)
	return filepath.Join(s.stagingDir, opID+"_"+safe)
}

// StageOffset reports how many bytes of (opID, filename) are already
// staged. Zero means nothing staged yet.
func (s *Store) StageOffset(opID, filename string) (int64, error) {
	fi, err := os.Stat(s.stagePath(opID, filename))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat staged blob: %w", err)
	}
	return fi.Size(), nil
}

// AppendChunk appends r to the staged file, provided offset equals the
// current staged size. Returns the new staged size.
func (s *Store) AppendChunk(opID, filename string, offset int64, r io.Reader) (int64, error) {
	path := s.stagePath(opID, filename)

	cur, err := s.StageOffset(opID, filename)
	if err != nil {
		return 0, err
	}
	if cur != offset {
		return cur, &ErrOffsetMismatch{Want: cur}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return cur, fmt.Errorf("open staged blob: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return cur + n, fmt.Errorf("append chunk: %w", err)
	}
	return cur + n, nil
}

// Commit promotes a fully staged upload into the object store and
// returns its content hash, which doubles as the stable public ref.
// Committing the same content twice is a no-op returning the same ref.
func (s *Store) Commit(opID, filename string) (ref string, size int64, err error) {
	path := s.stagePath(opID, filename)

	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open staged blob: %w", err)
	}
	h := sha256.New()
	size, err = io.Copy(h, f)
	f.Close()
	if err != nil {
		return "", 0, fmt.Errorf("hash staged blob: %w", err)
	}
	ref = hex.EncodeToString(h.Sum(nil))

	dst := s.objectPath(ref)
	if _, err := os.Stat(dst); err == nil {
		// Identical content already stored; discard the duplicate stage.
		os.Remove(path)
		return ref, size, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("create object dir: %w", err)
	}
	if err := os.Rename(path, dst); err != nil {
		return "", 0, fmt.Errorf("promote staged blob: %w", err)
	}
	return ref, size, nil
}

// Open returns a reader over a committed blob.
func (s *Store) Open(ref string) (io.ReadCloser, error) {
	f, err := os.Open(s.objectPath(ref))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", ref, err)
	}
	return f, nil
}

// Has reports whether a committed blob exists.
func (s *Store) Has(ref string) (bool, error) {
	_, err := os.Stat(s.objectPath(ref))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// DiscardStage drops a partial upload (abandoned transfer).
func (s *Store) DiscardStage(opID, filename string) error {
	err := os.Remove(s.stagePath(opID, filename))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
