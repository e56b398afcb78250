// Package artifacts provides content-addressed, write-once blob storage
// for rendered deliverables and ingested documents.
//
// Every backend keys blobs by the SHA-256 of their content and returns
// references of the form "sha256:<hex>". Puts are idempotent: storing
// bytes that already exist succeeds with the same reference. Audited wraps
// any backend with the data.artifact.stored trail; the raw backends never
// touch the audit pipeline.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RefPrefix starts every storage reference.
const RefPrefix = "sha256:"

// ErrNotFound reports a reference with no stored blob.
var ErrNotFound = errors.New("artifacts: not found")

// ErrInvalidRef reports a malformed storage reference.
var ErrInvalidRef = errors.New("artifacts: invalid reference")

// Store is a content-addressed blob store.
type Store interface {
	// Store persists data and returns its content reference. Storing the
	// same bytes twice returns the same reference without error.
	Store(ctx context.Context, data []byte) (string, error)
	// Get returns the blob for a reference, or an error wrapping
	// ErrNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether a reference has a stored blob.
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes a blob. Deleting an absent reference succeeds:
	// retention sweeps may race each other.
	Delete(ctx context.Context, ref string) error
}

// Ref computes the storage reference for data without storing it.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return RefPrefix + hex.EncodeToString(sum[:])
}

// parseRef validates a reference and returns the bare hex digest.
func parseRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, RefPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	digest := ref[len(RefPrefix):]
	if len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return digest, nil
}

// FileStore keeps blobs as flat files under one directory. It is the
// default backend and the only one lite mode uses.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed and returns the store.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create %s: %w", baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(digest string) string {
	return filepath.Join(s.baseDir, digest+".blob")
}

func (s *FileStore) Store(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := Ref(data)
	path := s.path(ref[len(RefPrefix):])
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	// Temp file + rename so a crash never leaves a partial blob under the
	// final name.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(digest))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("artifacts: %s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("artifacts: read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.path(digest)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("artifacts: stat blob: %w", err)
	}
	return true, nil
}

func (s *FileStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(digest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("artifacts: delete blob: %w", err)
	}
	return nil
}
