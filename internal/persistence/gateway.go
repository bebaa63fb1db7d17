package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultWriteTimeout bounds a single Persist call.
const DefaultWriteTimeout = 5 * time.Second

// Gateway writes and restores snapshots through a Store. It reports failures
// upward and never retries on its own.
type Gateway struct {
	store   Store
	timeout time.Duration
	logger  *zap.Logger
}

// NewGateway creates a Gateway over store.
//
// Precondition: store and logger must be non-nil.
// Postcondition: A non-positive timeout falls back to DefaultWriteTimeout.
func NewGateway(store Store, timeout time.Duration, logger *zap.Logger) *Gateway {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Gateway{store: store, timeout: timeout, logger: logger}
}

// Persist writes snap under the key derived from snap.DisplayName.
//
// Postcondition: Returns nil once the store acknowledged the write, or an
// error wrapping ErrStorageWriteFailed. Invalid names also wrap ErrInvalidKey.
func (g *Gateway) Persist(ctx context.Context, snap Snapshot) error {
	key, err := Key(snap.DisplayName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageWriteFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	if err := g.store.Save(ctx, key, snap); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStorageWriteFailed, key, err)
	}
	g.logger.Debug("snapshot persisted",
		zap.String("key", key),
		zap.Uint64("user_id", snap.UserID),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Load restores the snapshot saved for displayName.
//
// Postcondition: Returns ErrSnapshotNotFound when the player has never been saved.
func (g *Gateway) Load(ctx context.Context, displayName string) (Snapshot, error) {
	key, err := Key(displayName)
	if err != nil {
		return Snapshot{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	snap, err := g.store.Load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return Snapshot{}, err
		}
		return Snapshot{}, fmt.Errorf("loading %s: %w", key, err)
	}
	return snap, nil
}
