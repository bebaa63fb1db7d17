// Package session provides the authoritative registry of connected players,
// their bounded message queues, and disconnect detection.
package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cory-johannsen/enfaria/internal/game/world"
)

// Registry errors. Callers match them with errors.Is.
var (
	// ErrUnknownSession is returned when a UserID or Address has no active session.
	ErrUnknownSession = errors.New("unknown session")
	// ErrDuplicateSession is returned when creating a session for an id that is already active.
	ErrDuplicateSession = errors.New("duplicate session")
	// ErrSessionBusy is returned while a session is being persisted and purged.
	ErrSessionBusy = errors.New("session busy")
	// ErrQueueOverflow is returned when a per-session queue is at its depth bound.
	ErrQueueOverflow = errors.New("queue overflow")
)

// UserID is the stable identity of a player account.
type UserID uint64

// String renders the id for logs and error messages.
func (id UserID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// Address identifies a transport endpoint, e.g. "203.0.113.7:53122".
type Address string

// Token is the opaque credential issued by the auth service.
type Token string

// Command tags a Packet.
type Command string

// Commands interpreted by the session layer. Every other command is opaque
// gameplay traffic.
const (
	CommandQuit      Command = "quit"
	CommandHeartbeat Command = "heartbeat"
)

// Packet is one ordered unit of client/server communication.
type Packet struct {
	Seq     uint64  `json:"seq"`
	Command Command `json:"command"`
	Payload []byte  `json:"payload,omitempty"`
}

// State is a session's lifecycle phase.
type State int

// Lifecycle phases. Purged sessions no longer exist in the registry, so
// StatePurged is only ever reported by Registry.State for absent ids.
const (
	StateConnecting State = iota
	StateActive
	StateQuitting
	StatePurged
)

// String returns the lower-case phase name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateQuitting:
		return "quitting"
	case StatePurged:
		return "purged"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a point-in-time copy of a registry record. Mutating it does not
// affect the registry.
type Session struct {
	ID          UserID
	Generation  uuid.UUID
	Address     Address
	Token       Token
	DisplayName string
	LastSeen    uint64
	Position    world.Position
	World       world.State
	State       State
	// Inbound and Outbound are the queue depths at the time of the copy.
	Inbound  int
	Outbound int
}

// Activity is what the Detector needs to know about one active session.
type Activity struct {
	ID       UserID
	LastSeen uint64
	Inbound  []Packet
}
