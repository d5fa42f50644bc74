package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncer(t *testing.T) {
	d := NewDebouncer(100 * time.Millisecond)
	t0 := time.Unix(1000, 0)

	ok, _ := d.TryMark(t0)
	assert.True(t, ok)

	ok, wait := d.TryMark(t0.Add(30 * time.Millisecond))
	assert.False(t, ok)
	assert.Equal(t, 70*time.Millisecond, wait)
	assert.Equal(t, t0, d.Last())

	ok, _ = d.Ready(t0.Add(100 * time.Millisecond))
	assert.True(t, ok)

	d.Reset()
	ok, _ = d.Ready(t0)
	assert.True(t, ok)
}

func TestDebouncerZeroIntervalAlwaysReady(t *testing.T) {
	d := NewDebouncer(0)
	now := time.Now()
	d.Mark(now)
	ok, wait := d.Ready(now)
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestRunLoopWithoutTicker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	RunLoop(ctx, 0, func(ctx context.Context, tickC <-chan time.Time) {
		called = true
		assert.Nil(t, tickC)
		<-ctx.Done()
	})
	assert.True(t, called)
}

func TestRunLoopTicks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ticks := 0
	RunLoop(ctx, 5*time.Millisecond, func(ctx context.Context, tickC <-chan time.Time) {
		for ticks < 2 {
			select {
			case <-ctx.Done():
				return
			case <-tickC:
				ticks++
			}
		}
	})
	assert.Equal(t, 2, ticks)
}

func TestBackoff(t *testing.T) {
	assert.True(t, Backoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Backoff(ctx, time.Hour))
	assert.False(t, Backoff(ctx, 0))
}
