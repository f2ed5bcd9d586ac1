// Package loop provides the single goroutine that owns all voice session
// state. Every event source posts closures here; nothing else mutates
// coordinator or strategy fields.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("loop stopped")

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn without blocking. It is safe to call from the loop
// itself. Returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
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

// Do runs fn on the loop and waits for it. Must not be called from the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(ran)
	}) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		// fn may still have run as part of the final drain
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc posts fn to the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

// Run executes posted closures in order until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer l.finish()
	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
		}
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) Stop() {
	l.once.Do(func() { close(l.done) })
}

// Done is closed once the loop has stopped accepting work.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// finish drains whatever was queued before the stop so that teardown
// closures posted by Close still run.
func (l *Loop) finish() {
	l.mu.Lock()
	l.stopped = true
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
	l.Stop()
}
