// Package wsclient is a chat.Provider speaking the realtime v1 contract over WebSocket.
//
// Every callback the package invokes runs on a Loop, one at a time. Network goroutines
// never touch connection state; they post events onto the Loop.
package wsclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrLoopClosed is returned by Call once the loop has stopped.
var ErrLoopClosed = errors.New("wsclient: loop closed")

// Loop runs posted functions serially on a single goroutine.
// It implements chat.Scheduler.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop returns an idle loop; nothing runs until Run is called.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run executes posted functions until ctx is done or Close is called.
// Functions still queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.Close()

	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		closed := l.closed
		l.mu.Unlock()

		if closed {
			return nil
		}

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Post queues fn. It reports false when the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return.
// It must not be called from the loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrLoopClosed
	}

	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc posts fn onto the loop after d. The returned stop reports whether
// it prevented fn from running.
func (l *Loop) AfterFunc(d time.Duration, fn func()) func() bool {
	const (
		pending int32 = iota
		started
		stopped
	)

	var state atomic.Int32
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			if state.CompareAndSwap(pending, started) {
				fn()
			}
		})
	})

	return func() bool {
		if !state.CompareAndSwap(pending, stopped) {
			return false
		}
		t.Stop()
		return true
	}
}

// Close stops the loop. Pending functions are dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.pending = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }
