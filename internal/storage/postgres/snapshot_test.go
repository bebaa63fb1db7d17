package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/enfaria/internal/game/world"
	"github.com/cory-johannsen/enfaria/internal/persistence"
	"github.com/cory-johannsen/enfaria/internal/storage/postgres"
	"github.com/cory-johannsen/enfaria/internal/testutil"
)

func aliceSnapshot(beat uint64) persistence.Snapshot {
	w := world.NewState(2, 2, "grass")
	w.Tiles[3].Contains = []string{"chest"}
	return persistence.Snapshot{
		UserID:      7,
		DisplayName: "alice",
		World:       w,
		Position:    world.Position{X: 1, Y: 1, Layer: "surface"},
		Beat:        beat,
		SavedAt:     time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

func TestSnapshotRepository_SaveLoad(t *testing.T) {
	repo := postgres.NewSnapshotRepository(testutil.NewPool(t))
	ctx := context.Background()

	want := aliceSnapshot(4)
	require.NoError(t, repo.Save(ctx, "data/alice", want))

	got, err := repo.Load(ctx, "data/alice")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSnapshotRepository_Upsert(t *testing.T) {
	repo := postgres.NewSnapshotRepository(testutil.NewPool(t))
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, "data/alice", aliceSnapshot(1)))
	require.NoError(t, repo.Save(ctx, "data/alice", aliceSnapshot(2)))

	got, err := repo.Load(ctx, "data/alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Beat)
}

func TestSnapshotRepository_LoadMissing(t *testing.T) {
	repo := postgres.NewSnapshotRepository(testutil.NewPool(t))

	_, err := repo.Load(context.Background(), "data/nobody")
	assert.ErrorIs(t, err, persistence.ErrSnapshotNotFound)
}

func TestTokenRepository_IssueResolveRevoke(t *testing.T) {
	repo := postgres.NewTokenRepository(testutil.NewPool(t))
	ctx := context.Background()

	token, err := repo.Issue(ctx, 7, "alice", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	owner, err := repo.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), owner.UserID)
	assert.Equal(t, "alice", owner.DisplayName)
	assert.True(t, owner.ExpiresAt.After(time.Now()))

	require.NoError(t, repo.Revoke(ctx, token))
	_, err = repo.Resolve(ctx, token)
	assert.ErrorIs(t, err, postgres.ErrTokenNotFound)
}

func TestTokenRepository_Expired(t *testing.T) {
	repo := postgres.NewTokenRepository(testutil.NewPool(t))
	ctx := context.Background()

	token, err := repo.Issue(ctx, 9, "bob", -time.Minute)
	require.NoError(t, err)
	_, err = repo.Resolve(ctx, token)
	assert.ErrorIs(t, err, postgres.ErrTokenNotFound)
}

func TestMigrate_Idempotent(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)

	version, err := postgres.Migrate(pc.DSN(), true, 0)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}
