// Package clock provides the millisecond time source used for heartbeat
// bookkeeping and tick scheduling.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time in milliseconds.
type Clock interface {
	// NowMs returns milliseconds since the Unix epoch.
	NowMs() uint64
}

// System is a Clock backed by the host wall clock.
type System struct{}

// NowMs returns the current wall-clock time in milliseconds.
func (System) NowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Manual is a Clock that only moves when told to. It is safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now uint64
}

// NewManual creates a Manual clock starting at startMs.
func NewManual(startMs uint64) *Manual {
	return &Manual{now: startMs}
}

// NowMs returns the current manual time.
func (m *Manual) NowMs() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to ms.
func (m *Manual) Set(ms uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = ms
}

// Advance moves the clock forward by d, truncated to whole milliseconds.
//
// Precondition: d must be >= 0.
// Postcondition: NowMs() increases by d.Milliseconds().
func (m *Manual) Advance(d time.Duration) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += uint64(d.Milliseconds())
	return m.now
}

// Since returns the elapsed milliseconds between then and c.NowMs(),
// or zero when then lies in the future.
func Since(c Clock, then uint64) uint64 {
	now := c.NowMs()
	if now < then {
		return 0
	}
	return now - then
}
