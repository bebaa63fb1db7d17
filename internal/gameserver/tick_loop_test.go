package gameserver_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/enfaria/internal/gameserver"
)

func TestTickLoop_StartsAndStops(t *testing.T) {
	var count atomic.Int64
	loop := gameserver.NewTickLoop(10*time.Millisecond, func(context.Context) { count.Add(1) })

	done := make(chan error, 1)
	go func() { done <- loop.Start() }()

	require.Eventually(t, func() bool { return count.Load() >= 2 }, time.Second, 5*time.Millisecond)
	loop.Stop()
	loop.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}

	stopped := count.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stopped, count.Load(), "no ticks after Stop returns")
}

func TestTickLoop_ContextCancelledOnStop(t *testing.T) {
	entered := make(chan struct{})
	loop := gameserver.NewTickLoop(5*time.Millisecond, func(ctx context.Context) {
		select {
		case entered <- struct{}{}:
			<-ctx.Done()
		default:
		}
	})
	done := make(chan error, 1)
	go func() { done <- loop.Start() }()

	<-entered
	loop.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback context was not cancelled")
	}
}

func TestNewTickLoop_PanicsOnNonPositiveInterval(t *testing.T) {
	assert.Panics(t, func() { gameserver.NewTickLoop(0, func(context.Context) {}) })
}
