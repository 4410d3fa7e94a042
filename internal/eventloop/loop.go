// Package eventloop serializes all engine work onto one goroutine.
//
// Store notifications, timer firings, bus deliveries and admin requests are
// posted as closures. Each closure runs to completion before the next one
// starts, so the state they touch needs no further locking.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned when work is submitted to a loop that has stopped.
var ErrClosed = errors.New("event loop closed")

// Loop is a single-goroutine work queue. Post never blocks.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	running atomic.Bool
	logger  *slog.Logger
}

// New creates a loop. Call Run to start processing.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		logger:  logger.With("component", "event_loop"),
	}
}

// Post queues fn for execution on the loop. It returns false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from a closure already running on the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		// the closure may still have run before the loop stopped
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Run processes queued closures until ctx is cancelled or Close is called.
// Closures still queued when Close is called are drained first.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("event loop already running")
	}
	defer close(l.stopped)

	l.logger.Debug("Event loop started")
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			l.logger.Debug("Event loop stopped")
			return nil
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.mu.Unlock()
			return ctx.Err()
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered panic in event loop task",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}

// Close stops accepting work. Run returns after the queue is drained.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

// Timer is a one-shot or repeating timer whose callback runs on the loop.
type Timer struct {
	t         *time.Timer
	cancelled atomic.Bool
}

// Stop cancels the timer. A firing already queued on the loop is discarded.
// It reports whether the timer was still active.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	wasActive := !t.cancelled.Swap(true)
	t.t.Stop()
	return wasActive
}

// Active reports whether the timer has not been stopped.
func (t *Timer) Active() bool {
	return t != nil && !t.cancelled.Load()
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if timer.cancelled.Swap(true) {
				return
			}
			fn()
		})
	})
	return timer
}

// Every runs fn on the loop every d until the returned timer is stopped.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := &Timer{}
	var tick func()
	tick = func() {
		l.Post(func() {
			if timer.cancelled.Load() {
				return
			}
			timer.t.Reset(d)
			fn()
		})
	}
	// armed only after timer.t is assigned, tick reads it
	timer.t = time.AfterFunc(time.Hour, tick)
	timer.t.Stop()
	timer.t.Reset(d)
	return timer
}
