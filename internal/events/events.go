// Package events publishes session lifecycle events (purges and data-loss
// purges) for operators and downstream services.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind classifies an Event.
type Kind string

// Event kinds.
const (
	// KindPurged is emitted after a session was persisted and removed.
	KindPurged Kind = "purged"
	// KindLost is emitted when a session was removed without a durable snapshot.
	KindLost Kind = "lost"
)

// Event describes one completed departure.
type Event struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	UserID      uint64    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Reason      string    `json:"reason"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// New stamps a fresh id onto an event of kind k.
func New(k Kind, userID uint64, displayName, reason string, at time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        k,
		UserID:      userID,
		DisplayName: displayName,
		Reason:      reason,
		At:          at.UTC(),
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// LogPublisher writes events to a zap logger. Loss events are logged at error level.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
//
// Precondition: logger must be non-nil.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs ev.
func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.Uint64("user_id", ev.UserID),
		zap.String("display_name", ev.DisplayName),
		zap.String("reason", ev.Reason),
		zap.Int("attempts", ev.Attempts),
	}
	if ev.Kind == KindLost {
		p.logger.Error("session state lost", append(fields, zap.String("error", ev.Error))...)
		return nil
	}
	p.logger.Info("session purged", fields...)
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

// Publish delivers ev to every publisher, even after a failure.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
