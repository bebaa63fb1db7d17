// Package cleanup persists departing sessions and purges them from the
// registry, retrying failed writes with exponential backoff. First writes run
// inside the tick; retries run in the background and are settled on a later
// tick.
package cleanup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/enfaria/internal/clock"
	"github.com/cory-johannsen/enfaria/internal/events"
	"github.com/cory-johannsen/enfaria/internal/game/session"
	"github.com/cory-johannsen/enfaria/internal/persistence"
)

// ReasonShutdown marks sessions flushed because the server is stopping.
const ReasonShutdown session.Reason = "shutdown"

// Persister durably writes a snapshot.
type Persister interface {
	Persist(ctx context.Context, snap persistence.Snapshot) error
}

// Config tunes the retry schedule and write concurrency.
type Config struct {
	// Workers bounds concurrent first writes within one Run and, separately,
	// concurrent background retries.
	Workers int
	// MaxAttempts is the number of writes tried before a forced purge.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// Jitter is the backoff randomization factor in [0, 1).
	Jitter float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Report summarises one Run.
type Report struct {
	Purged   []session.UserID
	Lost     []session.UserID
	Retrying []session.UserID
	// InFlight lists the retries started in the background by this Run.
	InFlight []session.UserID
}

// job is one departing session awaiting a durable write.
type job struct {
	sess     session.Session
	reason   session.Reason
	attempts int
	nextAtMs uint64
	lastErr  error
	bo       *backoff.ExponentialBackOff
	inflight bool
}

// Coordinator moves departing sessions from Quitting to Purged.
//
// Invariant: a session leaves the registry only after its snapshot was
// acknowledged by the Persister, or after MaxAttempts failures together with a
// loss event.
type Coordinator struct {
	reg       *session.Registry
	persister Persister
	publisher events.Publisher
	clock     clock.Clock
	logger    *zap.Logger
	cfg       Config

	mu       sync.Mutex
	pending  map[session.UserID]*job
	finished []outcome

	retries errgroup.Group
}

// New creates a Coordinator.
//
// Precondition: reg, persister, publisher, clk, and logger must be non-nil.
func New(reg *session.Registry, persister Persister, publisher events.Publisher, clk clock.Clock, logger *zap.Logger, cfg Config) *Coordinator {
	c := &Coordinator{
		reg:       reg,
		persister: persister,
		publisher: publisher,
		clock:     clk,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		pending:   make(map[session.UserID]*job),
	}
	c.retries.SetLimit(c.cfg.Workers)
	return c
}

// Begin moves every departing session to Quitting and schedules its write for
// the next Run. Sessions that are already quitting or gone are skipped.
//
// Postcondition: Returns the number of newly scheduled sessions.
func (c *Coordinator) Begin(deps []session.Departure) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.NowMs()
	n := 0
	for _, d := range deps {
		if _, ok := c.pending[d.ID]; ok {
			continue
		}
		sess, err := c.reg.BeginQuit(d.ID)
		if err != nil {
			c.logger.Debug("departure skipped",
				zap.Stringer("user_id", d.ID),
				zap.String("reason", string(d.Reason)),
				zap.Error(err),
			)
			continue
		}
		c.pending[d.ID] = &job{
			sess:     sess,
			reason:   d.Reason,
			nextAtMs: now,
			bo:       c.newBackOff(),
		}
		n++
	}
	return n
}

// Run settles the background retries that finished since the last Run, then
// writes every due session. First writes run concurrently and are waited
// for; retries are started in the background and settled by a later Run.
// Successful writes are purged. Failed writes are rescheduled or, once
// MaxAttempts is reached, purged with a loss event. beat is stamped into each
// snapshot.
func (c *Coordinator) Run(ctx context.Context, beat uint64) Report {
	return c.run(ctx, beat, false)
}

// Process is Begin followed by Run.
func (c *Coordinator) Process(ctx context.Context, deps []session.Departure, beat uint64) Report {
	c.Begin(deps)
	return c.Run(ctx, beat)
}

// Flush quits every live session, waits for background retries, and writes
// every pending session once, ignoring the retry schedule. Sessions whose
// write fails are purged with a loss event. Used on shutdown.
//
// Postcondition: The registry is empty.
func (c *Coordinator) Flush(ctx context.Context, beat uint64) Report {
	c.Wait()
	ids := c.reg.IDs()
	deps := make([]session.Departure, 0, len(ids))
	for _, id := range ids {
		deps = append(deps, session.Departure{ID: id, Reason: ReasonShutdown})
	}
	c.Begin(deps)
	return c.run(ctx, beat, true)
}

// Wait blocks until every background retry has finished. Their results are
// settled by the next Run or Flush.
func (c *Coordinator) Wait() {
	_ = c.retries.Wait()
}

// Pending returns the number of sessions awaiting a successful write.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

type outcome struct {
	job *job
	err error
}

func (c *Coordinator) run(ctx context.Context, beat uint64, final bool) Report {
	now := c.clock.NowMs()
	savedAt := time.UnixMilli(int64(now)).UTC()

	var rep Report
	for _, r := range c.takeFinished() {
		c.settle(ctx, r, now, false, &rep)
	}

	first, retries := c.due(now, final)
	if final {
		first = append(first, retries...)
		retries = nil
	}
	for _, j := range retries {
		if c.retry(ctx, j, c.snapshot(j, beat, savedAt)) {
			rep.InFlight = append(rep.InFlight, j.sess.ID)
		}
	}
	if len(first) == 0 {
		return rep
	}

	results := make([]outcome, len(first))
	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for i, j := range first {
		snap := c.snapshot(j, beat, savedAt)
		g.Go(func() error {
			results[i] = outcome{job: j, err: c.persister.Persist(ctx, snap)}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		c.settle(ctx, r, now, final, &rep)
	}
	if final {
		// Rescheduled retries were written again above.
		rep.Retrying = nil
	}
	return rep
}

func (c *Coordinator) snapshot(j *job, beat uint64, savedAt time.Time) persistence.Snapshot {
	return persistence.Snapshot{
		UserID:      uint64(j.sess.ID),
		DisplayName: j.sess.DisplayName,
		World:       j.sess.World,
		Position:    j.sess.Position,
		Beat:        beat,
		SavedAt:     savedAt,
	}
}

// retry starts a background write for j. It reports false when every retry
// worker is busy; j then stays due for the next Run.
func (c *Coordinator) retry(ctx context.Context, j *job, snap persistence.Snapshot) bool {
	c.mu.Lock()
	j.inflight = true
	c.mu.Unlock()

	started := c.retries.TryGo(func() error {
		err := c.persister.Persist(ctx, snap)
		c.mu.Lock()
		j.inflight = false
		c.finished = append(c.finished, outcome{job: j, err: err})
		c.mu.Unlock()
		return nil
	})
	if !started {
		c.mu.Lock()
		j.inflight = false
		c.mu.Unlock()
	}
	return started
}

func (c *Coordinator) takeFinished() []outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.finished
	c.finished = nil
	sort.Slice(out, func(a, b int) bool { return out[a].job.sess.ID < out[b].job.sess.ID })
	return out
}

// due returns the pending jobs whose write should happen at now, in id
// order, split into first writes and retries. Jobs with a write in flight
// are skipped.
func (c *Coordinator) due(now uint64, all bool) (first, retries []*job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.pending {
		if j.inflight || (!all && j.nextAtMs > now) {
			continue
		}
		if j.attempts == 0 {
			first = append(first, j)
		} else {
			retries = append(retries, j)
		}
	}
	byID := func(js []*job) {
		sort.Slice(js, func(a, b int) bool { return js[a].sess.ID < js[b].sess.ID })
	}
	byID(first)
	byID(retries)
	return first, retries
}

func (c *Coordinator) settle(ctx context.Context, r outcome, now uint64, final bool, rep *Report) {
	j := r.job
	id := j.sess.ID
	j.attempts++

	if r.err == nil {
		c.purge(j)
		rep.Purged = append(rep.Purged, id)
		c.logger.Info("session purged",
			zap.Stringer("user_id", id),
			zap.String("display_name", j.sess.DisplayName),
			zap.String("reason", string(j.reason)),
			zap.Int("attempts", j.attempts),
		)
		c.publish(ctx, events.KindPurged, j)
		return
	}

	j.lastErr = r.err
	if final || j.attempts >= c.cfg.MaxAttempts {
		c.purge(j)
		rep.Lost = append(rep.Lost, id)
		c.logger.Error("session purged without durable snapshot",
			zap.Stringer("user_id", id),
			zap.String("display_name", j.sess.DisplayName),
			zap.String("reason", string(j.reason)),
			zap.Int("attempts", j.attempts),
			zap.Error(r.err),
		)
		c.publish(ctx, events.KindLost, j)
		return
	}

	delay := j.bo.NextBackOff()
	c.mu.Lock()
	j.nextAtMs = now + uint64(delay.Milliseconds())
	c.mu.Unlock()
	rep.Retrying = append(rep.Retrying, id)
	c.logger.Warn("snapshot write failed, will retry",
		zap.Stringer("user_id", id),
		zap.Int("attempts", j.attempts),
		zap.Duration("retry_in", delay),
		zap.Error(r.err),
	)
}

// purge removes the job and the registry generation it was created for. A
// newer session of the same user is left alone.
func (c *Coordinator) purge(j *job) {
	c.mu.Lock()
	if cur, ok := c.pending[j.sess.ID]; ok && cur == j {
		delete(c.pending, j.sess.ID)
	}
	c.mu.Unlock()
	c.reg.RemoveGeneration(j.sess.ID, j.sess.Generation)
}

func (c *Coordinator) publish(ctx context.Context, kind events.Kind, j *job) {
	ev := events.New(kind, uint64(j.sess.ID), j.sess.DisplayName, string(j.reason), time.UnixMilli(int64(c.clock.NowMs())))
	ev.Attempts = j.attempts
	if j.lastErr != nil && kind == events.KindLost {
		ev.Error = j.lastErr.Error()
	}
	if err := c.publisher.Publish(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("publishing session event",
			zap.String("kind", string(kind)),
			zap.Stringer("user_id", j.sess.ID),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.RandomizationFactor = c.cfg.Jitter
	bo.Reset()
	return bo
}
