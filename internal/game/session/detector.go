package session

import "time"

// DefaultHeartbeatTimeout is how long a session may stay silent before it is
// treated as disconnected.
const DefaultHeartbeatTimeout = 10 * time.Second

// Reason explains why the Detector marked a session.
type Reason string

// Departure reasons.
const (
	ReasonQuit    Reason = "quit"
	ReasonTimeout Reason = "timeout"
)

// Departure is one deduplicated detector result.
type Departure struct {
	ID     UserID
	Reason Reason
}

// Detector turns explicit quit packets and stale heartbeats into a set of
// departing sessions.
type Detector struct {
	timeoutMs uint64
}

// NewDetector creates a Detector with the given heartbeat timeout.
//
// Precondition: timeout must be > 0.
func NewDetector(timeout time.Duration) *Detector {
	if timeout <= 0 {
		panic("session.NewDetector: timeout must be > 0")
	}
	return &Detector{timeoutMs: uint64(timeout.Milliseconds())}
}

// Timeout returns the heartbeat timeout.
func (d *Detector) Timeout() time.Duration {
	return time.Duration(d.timeoutMs) * time.Millisecond
}

// Detect scans activity at nowMs and returns every departing session exactly
// once. Explicit quits are reported before timeouts; within each trigger the
// order of activity is kept. A session whose LastSeen is exactly timeout old
// is not marked.
func (d *Detector) Detect(activity []Activity, nowMs uint64) []Departure {
	seen := make(map[UserID]struct{}, len(activity))
	var out []Departure

	for _, a := range activity {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		for _, p := range a.Inbound {
			if p.Command == CommandQuit {
				seen[a.ID] = struct{}{}
				out = append(out, Departure{ID: a.ID, Reason: ReasonQuit})
				break
			}
		}
	}

	for _, a := range activity {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		if d.expired(a.LastSeen, nowMs) {
			seen[a.ID] = struct{}{}
			out = append(out, Departure{ID: a.ID, Reason: ReasonTimeout})
		}
	}
	return out
}

func (d *Detector) expired(lastSeen, nowMs uint64) bool {
	if nowMs <= lastSeen {
		return false
	}
	return nowMs-lastSeen > d.timeoutMs
}
