package cleanup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cory-johannsen/enfaria/internal/clock"
	"github.com/cory-johannsen/enfaria/internal/events"
	"github.com/cory-johannsen/enfaria/internal/game/session"
	"github.com/cory-johannsen/enfaria/internal/game/world"
	"github.com/cory-johannsen/enfaria/internal/persistence"
)

// flakyStore fails the first failures writes and then delegates to a MemoryStore.
type flakyStore struct {
	*persistence.MemoryStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) Save(ctx context.Context, key string, snap persistence.Snapshot) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("disk unavailable")
	}
	return f.MemoryStore.Save(ctx, key, snap)
}

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
	return nil
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.got))
	for _, ev := range r.got {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	clk   *clock.Manual
	reg   *session.Registry
	store *flakyStore
	pub   *recorder
	coord *Coordinator
}

func newFixture(t *testing.T, failures int32, logger *zap.Logger) *fixture {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	f := &fixture{
		clk:   clock.NewManual(0),
		store: &flakyStore{MemoryStore: persistence.NewMemoryStore()},
		pub:   &recorder{},
	}
	f.store.failures.Store(failures)
	f.reg = session.NewRegistry(f.clk, 8, 8)
	gw := persistence.NewGateway(f.store, time.Second, logger)
	f.coord = New(f.reg, gw, f.pub, f.clk, logger, Config{
		Workers:        4,
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     400 * time.Millisecond,
	})
	return f
}

func (f *fixture) login(t *testing.T, id session.UserID, name string) session.Session {
	t.Helper()
	sess, err := f.reg.Create(session.Login{
		ID:          id,
		Address:     session.Address(name + ":1"),
		DisplayName: name,
		World:       world.DefaultState(),
	})
	require.NoError(t, err)
	return sess
}

func TestProcess_PersistsThenPurges(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.login(t, 1, "alice")
	require.NoError(t, f.reg.Mutate(1, func(_ *world.State, p *world.Position) { p.X = 4 }))

	rep := f.coord.Process(context.Background(), []session.Departure{{ID: 1, Reason: session.ReasonQuit}}, 42)

	assert.Equal(t, []session.UserID{1}, rep.Purged)
	assert.Empty(t, rep.Lost)
	assert.Equal(t, 0, f.reg.Len())
	assert.Empty(t, f.reg.Addresses(1))

	snap, err := f.store.Load(context.Background(), "data/alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.UserID)
	assert.Equal(t, int32(4), snap.Position.X)
	assert.Equal(t, uint64(42), snap.Beat)
	assert.Equal(t, []events.Kind{events.KindPurged}, f.pub.kinds())
	assert.Equal(t, 0, f.coord.Pending())
}

func TestProcess_DuplicateDepartureCleansOnce(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.login(t, 1, "alice")

	deps := []session.Departure{{ID: 1, Reason: session.ReasonQuit}, {ID: 1, Reason: session.ReasonQuit}}
	rep := f.coord.Process(context.Background(), deps, 0)
	assert.Equal(t, []session.UserID{1}, rep.Purged)

	rep = f.coord.Process(context.Background(), deps, 0)
	assert.Empty(t, rep.Purged)
	assert.Equal(t, int32(1), f.store.calls.Load())
	assert.Len(t, f.pub.kinds(), 1)
}

func TestProcess_FailureKeepsSessionQuitting(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.login(t, 1, "alice")
	ctx := context.Background()

	rep := f.coord.Process(ctx, []session.Departure{{ID: 1, Reason: session.ReasonQuit}}, 0)
	assert.Equal(t, []session.UserID{1}, rep.Retrying)
	assert.Equal(t, session.StateQuitting, f.reg.State(1))

	_, err := f.reg.Create(session.Login{ID: 1, Address: "alice:2", DisplayName: "alice"})
	assert.ErrorIs(t, err, session.ErrSessionBusy)

	// Not yet due: no write happens.
	f.clk.Advance(50 * time.Millisecond)
	rep = f.coord.Run(ctx, 0)
	assert.Empty(t, rep.Purged)
	assert.Equal(t, int32(1), f.store.calls.Load())

	f.clk.Advance(time.Second)
	rep = f.coord.Run(ctx, 0)
	assert.Equal(t, []session.UserID{1}, rep.InFlight)
	assert.Empty(t, rep.Purged, "retries settle on a later run")

	f.coord.Wait()
	rep = f.coord.Run(ctx, 0)
	assert.Equal(t, []session.UserID{1}, rep.Purged)
	assert.Equal(t, session.StatePurged, f.reg.State(1))
	assert.Equal(t, []events.Kind{events.KindPurged}, f.pub.kinds())
}

func TestProcess_ForcedPurgeAfterMaxAttempts(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := newFixture(t, 100, zap.New(core))
	f.login(t, 2, "bob")
	ctx := context.Background()

	f.coord.Process(ctx, []session.Departure{{ID: 2, Reason: session.ReasonTimeout}}, 0)
	var rep Report
	for i := 0; i < 10 && f.coord.Pending() > 0; i++ {
		f.clk.Advance(time.Second)
		rep = f.coord.Run(ctx, 0)
		f.coord.Wait()
	}

	assert.Equal(t, []session.UserID{2}, rep.Lost)
	assert.Equal(t, int32(3), f.store.calls.Load())
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())

	require.Len(t, f.pub.got, 1)
	ev := f.pub.got[0]
	assert.Equal(t, events.KindLost, ev.Kind)
	assert.Equal(t, 3, ev.Attempts)
	assert.Equal(t, "timeout", ev.Reason)
	assert.Contains(t, ev.Error, "disk unavailable")
}

func TestProcess_StaleJobSparesNewerSession(t *testing.T) {
	f := newFixture(t, 1, nil)
	old := f.login(t, 1, "alice")
	ctx := context.Background()

	f.coord.Process(ctx, []session.Departure{{ID: 1, Reason: session.ReasonQuit}}, 0)
	require.Equal(t, 1, f.coord.Pending())

	// An operator removes the stuck session and the player logs back in.
	f.reg.Remove(1)
	fresh, err := f.reg.Create(session.Login{ID: 1, Address: "alice:9", DisplayName: "alice"})
	require.NoError(t, err)
	require.NotEqual(t, old.Generation, fresh.Generation)

	f.clk.Advance(time.Second)
	f.coord.Run(ctx, 0)
	f.coord.Wait()
	rep := f.coord.Run(ctx, 0)
	assert.Equal(t, []session.UserID{1}, rep.Purged)

	got, ok := f.reg.LookupByAddress("alice:9")
	require.True(t, ok)
	assert.Equal(t, fresh.Generation, got.Generation)
	assert.Equal(t, session.StateActive, got.State)
}

// stallingStore fails its first write and holds every later one until gate
// is closed.
type stallingStore struct {
	*persistence.MemoryStore
	gate  chan struct{}
	calls atomic.Int32
}

func (s *stallingStore) Save(ctx context.Context, key string, snap persistence.Snapshot) error {
	if s.calls.Add(1) == 1 {
		return errors.New("disk unavailable")
	}
	select {
	case <-s.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.MemoryStore.Save(ctx, key, snap)
}

func TestRun_StalledRetryDoesNotBlock(t *testing.T) {
	logger := zap.NewNop()
	clk := clock.NewManual(0)
	reg := session.NewRegistry(clk, 8, 8)
	store := &stallingStore{MemoryStore: persistence.NewMemoryStore(), gate: make(chan struct{})}
	coord := New(reg, persistence.NewGateway(store, time.Minute, logger), &recorder{}, clk, logger, Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
	})
	_, err := reg.Create(session.Login{ID: 1, Address: "a:1", DisplayName: "alice", World: world.DefaultState()})
	require.NoError(t, err)
	ctx := context.Background()

	rep := coord.Process(ctx, []session.Departure{{ID: 1, Reason: session.ReasonQuit}}, 0)
	require.Equal(t, []session.UserID{1}, rep.Retrying)

	clk.Advance(time.Second)
	done := make(chan Report, 1)
	go func() { done <- coord.Run(ctx, 1) }()
	select {
	case rep = <-done:
	case <-time.After(time.Second):
		close(store.gate)
		t.Fatal("Run waited for a stalled retry")
	}
	assert.Equal(t, []session.UserID{1}, rep.InFlight)
	assert.Empty(t, rep.Purged)

	clk.Advance(time.Second)
	rep = coord.Run(ctx, 2)
	assert.Empty(t, rep.InFlight, "one write in flight per session")
	require.Eventually(t, func() bool { return store.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, session.StateQuitting, reg.State(1))

	close(store.gate)
	coord.Wait()
	rep = coord.Run(ctx, 3)
	assert.Equal(t, []session.UserID{1}, rep.Purged)
	assert.Equal(t, 0, coord.Pending())
}

func TestFlush_WaitsForRetries(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.login(t, 1, "alice")
	ctx := context.Background()

	f.coord.Process(ctx, []session.Departure{{ID: 1, Reason: session.ReasonQuit}}, 0)
	f.clk.Advance(time.Second)
	require.Equal(t, []session.UserID{1}, f.coord.Run(ctx, 0).InFlight)

	rep := f.coord.Flush(ctx, 1)
	assert.Equal(t, []session.UserID{1}, rep.Purged)
	assert.Empty(t, rep.Retrying)
	assert.Equal(t, int32(3), f.store.calls.Load())
	assert.Equal(t, 0, f.reg.Len())
}

func TestFlush_EmptiesRegistry(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.login(t, 1, "alice")
	f.login(t, 2, "bob")
	f.store.failures.Store(1)

	rep := f.coord.Flush(context.Background(), 7)
	assert.Len(t, rep.Purged, 1)
	assert.Len(t, rep.Lost, 1)
	assert.Empty(t, rep.Retrying)
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, 0, f.coord.Pending())
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{InitialBackoff: time.Second, MaxBackoff: time.Millisecond}.withDefaults()
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.MaxBackoff)
}
