// Package file stores world snapshots as YAML documents on the local disk,
// one file per key beneath a root directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/enfaria/internal/persistence"
)

// Store is a directory-backed persistence.Store.
type Store struct {
	root string
}

// NewStore creates a Store rooted at root, creating the directory if needed.
//
// Precondition: root must be non-empty.
// Postcondition: Returns a usable Store or a non-nil error.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("snapshot root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot root: %w", err)
	}
	return &Store{root: root}, nil
}

// Path returns the file that holds key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Save writes snap to a temporary file and renames it over the target, so a
// reader never observes a half-written snapshot.
func (s *Store) Save(ctx context.Context, key string, snap persistence.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	path := s.Path(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	return nil
}

// Load reads and decodes the snapshot under key.
func (s *Store) Load(ctx context.Context, key string) (persistence.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return persistence.Snapshot{}, err
	}
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return persistence.Snapshot{}, fmt.Errorf("%w: %s", persistence.ErrSnapshotNotFound, key)
		}
		return persistence.Snapshot{}, fmt.Errorf("reading snapshot: %w", err)
	}
	var snap persistence.Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return persistence.Snapshot{}, fmt.Errorf("decoding snapshot %s: %w", key, err)
	}
	return snap, nil
}
