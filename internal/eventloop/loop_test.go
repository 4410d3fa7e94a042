package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoop_RunsPostedWorkInOrder(t *testing.T) {
	l := startLoop(t)

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { order = append(order, i) }))
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestLoop_PanicDoesNotStopLoop(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })

	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestLoop_PostAfterClose(t *testing.T) {
	l := New(nil)
	done := make(chan struct{})
	go func() {
		l.Run(context.Background())
		close(done)
	}()

	var ran atomic.Bool
	l.Post(func() { ran.Store(true) })
	l.Close()
	<-done

	assert.True(t, ran.Load(), "queued work is drained before Run returns")
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrClosed)
}

func TestTimer_StopPreventsFiring(t *testing.T) {
	l := startLoop(t)

	var fired atomic.Int32
	timer := l.AfterFunc(20*time.Millisecond, func() { fired.Add(1) })
	assert.True(t, timer.Active())
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports inactive")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestTimer_StopDiscardsQueuedFiring(t *testing.T) {
	l := startLoop(t)

	var fired atomic.Int32
	var timer *Timer

	// Block the loop so the firing is queued behind this closure, then stop
	// the timer from inside the loop before the firing is processed.
	require.NoError(t, l.Do(context.Background(), func() {
		timer = l.AfterFunc(time.Millisecond, func() { fired.Add(1) })
		time.Sleep(20 * time.Millisecond)
		timer.Stop()
	}))
	require.NoError(t, l.Do(context.Background(), func() {}))

	assert.Equal(t, int32(0), fired.Load())
}

func TestTimer_Every(t *testing.T) {
	l := startLoop(t)

	var fired atomic.Int32
	timer := l.Every(5*time.Millisecond, func() { fired.Add(1) })

	assert.Eventually(t, func() bool { return fired.Load() >= 3 }, time.Second, time.Millisecond)
	timer.Stop()
	require.NoError(t, l.Do(context.Background(), func() {}))

	n := fired.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, fired.Load())
}
