package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/enfaria/internal/persistence"
)

// SnapshotRepository stores world snapshots as JSONB rows keyed by
// "data/{display_name}".
type SnapshotRepository struct {
	db *pgxpool.Pool
}

// NewSnapshotRepository creates a SnapshotRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewSnapshotRepository(db *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Save upserts snap under key.
//
// Postcondition: Exactly one row exists for key holding snap.
func (r *SnapshotRepository) Save(ctx context.Context, key string, snap persistence.Snapshot) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO world_snapshots (key, user_id, display_name, world, position, beat, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			user_id      = EXCLUDED.user_id,
			display_name = EXCLUDED.display_name,
			world        = EXCLUDED.world,
			position     = EXCLUDED.position,
			beat         = EXCLUDED.beat,
			saved_at     = EXCLUDED.saved_at,
			updated_at   = NOW()`,
		key, int64(snap.UserID), snap.DisplayName, snap.World, snap.Position, int64(snap.Beat), snap.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Load retrieves the snapshot stored under key.
//
// Postcondition: Returns the snapshot or an error wrapping persistence.ErrSnapshotNotFound.
func (r *SnapshotRepository) Load(ctx context.Context, key string) (persistence.Snapshot, error) {
	var (
		snap   persistence.Snapshot
		userID int64
		beat   int64
	)
	err := r.db.QueryRow(ctx, `
		SELECT user_id, display_name, world, position, beat, saved_at
		FROM world_snapshots WHERE key = $1`,
		key,
	).Scan(&userID, &snap.DisplayName, &snap.World, &snap.Position, &beat, &snap.SavedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return persistence.Snapshot{}, fmt.Errorf("%w: %s", persistence.ErrSnapshotNotFound, key)
		}
		return persistence.Snapshot{}, fmt.Errorf("querying snapshot: %w", err)
	}
	snap.UserID = uint64(userID)
	snap.Beat = uint64(beat)
	snap.SavedAt = snap.SavedAt.UTC()
	return snap, nil
}
