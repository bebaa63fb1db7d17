// Package persistence defines the durable home of player world snapshots and
// the gateway the cleanup path writes through.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cory-johannsen/enfaria/internal/game/world"
)

// KeyPrefix namespaces every snapshot key.
const KeyPrefix = "data/"

var (
	// ErrStorageWriteFailed wraps every failed Persist.
	ErrStorageWriteFailed = errors.New("storage write failed")
	// ErrSnapshotNotFound is returned when no snapshot exists for a key.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrInvalidKey is returned for display names that cannot form a safe key.
	ErrInvalidKey = errors.New("invalid snapshot key")
)

// Snapshot is the durable form of a departing player's state.
type Snapshot struct {
	UserID      uint64         `json:"user_id" yaml:"user_id"`
	DisplayName string         `json:"display_name" yaml:"display_name"`
	World       world.State    `json:"world" yaml:"world"`
	Position    world.Position `json:"position" yaml:"position"`
	// Beat is the server tick counter at the time of the save.
	Beat    uint64    `json:"beat" yaml:"beat"`
	SavedAt time.Time `json:"saved_at" yaml:"saved_at"`
}

// Store is a snapshot backend.
type Store interface {
	// Save durably writes snap under key, replacing any previous value.
	Save(ctx context.Context, key string, snap Snapshot) error
	// Load returns the snapshot under key or ErrSnapshotNotFound.
	Load(ctx context.Context, key string) (Snapshot, error)
}

// Key returns the storage key for displayName.
//
// Postcondition: Returns "data/{displayName}", or ErrInvalidKey when the name
// is empty, contains a path separator or NUL, or is a dot segment.
func Key(displayName string) (string, error) {
	switch {
	case strings.TrimSpace(displayName) == "":
		return "", fmt.Errorf("%w: empty display name", ErrInvalidKey)
	case displayName == "." || displayName == "..":
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, displayName)
	case strings.ContainsAny(displayName, "/\\\x00"):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrInvalidKey, displayName)
	}
	return KeyPrefix + displayName, nil
}
