// Package gameserver drives the per-tick session lifecycle: inbound delivery,
// disconnect detection, persist-then-purge cleanup, and gameplay dispatch.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cory-johannsen/enfaria/internal/cleanup"
	"github.com/cory-johannsen/enfaria/internal/clock"
	"github.com/cory-johannsen/enfaria/internal/game/session"
	"github.com/cory-johannsen/enfaria/internal/game/world"
	"github.com/cory-johannsen/enfaria/internal/persistence"
)

// Loader restores a previously saved snapshot.
type Loader interface {
	Load(ctx context.Context, displayName string) (persistence.Snapshot, error)
}

// Deps holds the collaborators of a Server.
type Deps struct {
	Registry    *session.Registry
	Detector    *session.Detector
	Coordinator *cleanup.Coordinator
	Loader      Loader
	Handler     Handler
	Clock       clock.Clock
	Logger      *zap.Logger
	// Template is the world new players start in. The zero value means
	// world.DefaultState.
	Template world.State
}

// TickReport describes what one Tick did.
type TickReport struct {
	Beat       uint64
	Departures []session.Departure
	Cleanup    cleanup.Report
	// Handled is the number of sessions whose inbound packets reached the Handler.
	Handled int
}

// Server is the facade the transport and the tick loop talk to.
type Server struct {
	reg      *session.Registry
	detector *session.Detector
	coord    *cleanup.Coordinator
	loader   Loader
	handler  Handler
	clock    clock.Clock
	logger   *zap.Logger
	template world.State

	beat   atomic.Uint64
	tickMu sync.Mutex
}

// NewServer creates a Server.
//
// Precondition: every field of d except Template must be non-nil.
func NewServer(d Deps) *Server {
	template := d.Template
	if template.Width == 0 {
		template = world.DefaultState()
	}
	return &Server{
		reg:      d.Registry,
		detector: d.Detector,
		coord:    d.Coordinator,
		loader:   d.Loader,
		handler:  d.Handler,
		clock:    d.Clock,
		logger:   d.Logger,
		template: template,
	}
}

// Registry returns the session registry.
func (s *Server) Registry() *session.Registry {
	return s.reg
}

// Beat returns the number of completed ticks.
func (s *Server) Beat() uint64 {
	return s.beat.Load()
}

// Connect admits an authenticated player. When l.World is empty the stored
// snapshot is restored, or the template world is started if none exists.
// A player that is already active and presents the same token is re-attached
// at the new address.
//
// Postcondition: Returns the session, or ErrInvalidKey, world.ErrInvalidState,
// ErrDuplicateSession, ErrSessionBusy, or a snapshot load error.
func (s *Server) Connect(ctx context.Context, l session.Login) (session.Session, error) {
	if _, err := persistence.Key(l.DisplayName); err != nil {
		return session.Session{}, err
	}

	if existing, ok := s.reg.Lookup(l.ID); ok {
		switch existing.State {
		case session.StateQuitting:
			return session.Session{}, fmt.Errorf("%w: user %s is still being saved", session.ErrSessionBusy, l.ID)
		case session.StateActive:
			return s.reattach(existing, l)
		}
	}

	if l.World.Width == 0 {
		if err := s.restore(ctx, &l); err != nil {
			return session.Session{}, err
		}
	}
	if err := l.World.Validate(); err != nil {
		return session.Session{}, fmt.Errorf("world of %q: %w", l.DisplayName, err)
	}

	sess, err := s.reg.Create(l)
	if err != nil {
		return session.Session{}, err
	}
	s.logger.Info("player connected",
		zap.Stringer("user_id", l.ID),
		zap.String("display_name", l.DisplayName),
		zap.String("address", string(l.Address)),
	)
	return sess, nil
}

func (s *Server) reattach(existing session.Session, l session.Login) (session.Session, error) {
	if l.Token == "" || existing.Token != l.Token {
		return session.Session{}, fmt.Errorf("%w: user %s already connected", session.ErrDuplicateSession, l.ID)
	}
	if err := s.reg.Attach(l.ID, l.Address); err != nil {
		return session.Session{}, err
	}
	s.logger.Info("player reattached",
		zap.Stringer("user_id", l.ID),
		zap.String("address", string(l.Address)),
	)
	sess, _ := s.reg.Lookup(l.ID)
	return sess, nil
}

func (s *Server) restore(ctx context.Context, l *session.Login) error {
	snap, err := s.loader.Load(ctx, l.DisplayName)
	switch {
	case err == nil:
		l.World = snap.World
		l.Position = snap.Position
	case errors.Is(err, persistence.ErrSnapshotNotFound):
		l.World = s.template.Clone()
	default:
		return fmt.Errorf("restoring %q: %w", l.DisplayName, err)
	}
	return nil
}

// Lookup returns a copy of the session for id.
func (s *Server) Lookup(id session.UserID) (session.Session, bool) {
	return s.reg.Lookup(id)
}

// Deliver queues an inbound packet received on addr.
func (s *Server) Deliver(addr session.Address, p session.Packet) error {
	return s.reg.EnqueueInbound(addr, p)
}

// Send queues an outbound packet for id.
func (s *Server) Send(id session.UserID, p session.Packet) error {
	return s.reg.EnqueueOutbound(id, p)
}

// DrainOutbound returns and clears the packets waiting to be written to id.
func (s *Server) DrainOutbound(id session.UserID) []session.Packet {
	return s.reg.DrainOutbound(id)
}

// Tick runs one beat: detect departures, persist and purge them, then hand
// the remaining inbound packets of live sessions to the Handler.
//
// Postcondition: every session detected in this tick is either purged or
// Quitting with a scheduled retry when Tick returns.
func (s *Server) Tick(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	beat := s.beat.Add(1)
	deps := s.detector.Detect(s.reg.Activity(), s.clock.NowMs())
	for _, d := range deps {
		s.logger.Info("player departing",
			zap.Stringer("user_id", d.ID),
			zap.String("reason", string(d.Reason)),
			zap.Uint64("beat", beat),
		)
	}
	rep := TickReport{
		Beat:       beat,
		Departures: deps,
		Cleanup:    s.coord.Process(ctx, deps, beat),
	}

	for _, id := range s.reg.IDs() {
		packets := s.reg.DrainInbound(id)
		if len(packets) == 0 {
			continue
		}
		rep.Handled++
		if err := s.handler.Handle(ctx, id, packets, s.reg); err != nil {
			s.logger.Warn("handling packets",
				zap.Stringer("user_id", id),
				zap.Int("packets", len(packets)),
				zap.Error(err),
			)
		}
	}
	return rep
}

// Shutdown persists and purges every remaining session.
//
// Postcondition: the registry is empty.
func (s *Server) Shutdown(ctx context.Context) cleanup.Report {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	rep := s.coord.Flush(ctx, s.beat.Load())
	s.logger.Info("sessions flushed",
		zap.Int("purged", len(rep.Purged)),
		zap.Int("lost", len(rep.Lost)),
	)
	return rep
}
