// Package artifacts is content-addressed storage for compiled snippet
// modules. Keys are the SHA-256 of the module bytes, so puts are
// idempotent and a snippet row only needs to carry its hash.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when no artifact exists for the hash.
var ErrNotFound = errors.New("artifacts: not found")

// HashPrefix tags stored hashes with the digest algorithm.
const HashPrefix = "sha256:"

// Store holds compiled guest modules addressed by content hash.
type Store interface {
	// Put persists data and returns its prefixed content hash.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its prefixed content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether the hash is stored.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes the artifact. Missing artifacts are not an error.
	Delete(ctx context.Context, hash string) error
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// rawHash validates the prefixed form and returns the bare hex digest.
func rawHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, HashPrefix)
	if !ok {
		return "", fmt.Errorf("artifacts: malformed hash %q", hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("artifacts: malformed hash %q: %w", hash, err)
	}
	return raw, nil
}

// FileStore keeps artifacts on local disk, used in lite mode.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.dir, raw+".wasm")
}

// Put implements Store. The write goes through a temp file and rename so a
// crash never leaves a truncated module behind.
func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := hashOf(data)
	raw, _ := rawHash(hash)
	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: commit: %w", err)
	}
	return hash, nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("artifacts: open: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Exists implements Store.
func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("artifacts: stat: %w", err)
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := rawHash(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: delete: %w", err)
	}
	return nil
}
