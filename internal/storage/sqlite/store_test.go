package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/enfaria/internal/game/world"
	"github.com/cory-johannsen/enfaria/internal/persistence"
	"github.com/cory-johannsen/enfaria/internal/storage/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snapshot(name string, beat uint64) persistence.Snapshot {
	return persistence.Snapshot{
		UserID:      9,
		DisplayName: name,
		World:       world.NewState(2, 3, "water"),
		Position:    world.Position{X: 1, Y: 2},
		Beat:        beat,
		SavedAt:     time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	want := snapshot("bob", 1)
	require.NoError(t, s.Save(ctx, "data/bob", want))

	got, err := s.Load(ctx, "data/bob")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStore_Upsert(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "data/bob", snapshot("bob", 1)))
	require.NoError(t, s.Save(ctx, "data/bob", snapshot("bob", 2)))

	got, err := s.Load(ctx, "data/bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Beat)
}

func TestStore_LoadMissing(t *testing.T) {
	s := openStore(t)
	_, err := s.Load(context.Background(), "data/nobody")
	assert.ErrorIs(t, err, persistence.ErrSnapshotNotFound)
}

func TestStore_ConcurrentSaves(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Save(ctx, "data/bob", snapshot("bob", uint64(i))))
		}(i)
	}
	wg.Wait()

	_, err := s.Load(ctx, "data/bob")
	assert.NoError(t, err)
}

func TestStore_InMemory(t *testing.T) {
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Save(context.Background(), "data/x", snapshot("x", 0)))
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := sqlite.Open(" ")
	assert.Error(t, err)
}
