package gameserver

import (
	"context"
	"sync"
	"time"
)

// TickLoop invokes a callback once per interval until stopped.
//
// Invariant: callbacks never overlap; a slow callback delays the next tick
// instead of queueing extra ones.
type TickLoop struct {
	interval time.Duration
	fn       func(context.Context)

	once sync.Once
	done chan struct{}
}

// NewTickLoop returns a stopped loop that calls fn every interval.
//
// Precondition: interval must be > 0; fn must be non-nil.
func NewTickLoop(interval time.Duration, fn func(context.Context)) *TickLoop {
	if interval <= 0 {
		panic("gameserver.NewTickLoop: interval must be > 0")
	}
	return &TickLoop{
		interval: interval,
		fn:       fn,
		done:     make(chan struct{}),
	}
}

// Start runs the loop and blocks until Stop is called.
//
// Postcondition: fn is not running when Start returns.
func (l *TickLoop) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.done
		cancel()
	}()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return nil
		case <-ticker.C:
			l.fn(ctx)
		}
	}
}

// Stop ends the loop. Calling Stop more than once is safe.
func (l *TickLoop) Stop() {
	l.once.Do(func() { close(l.done) })
}
