package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Loop is the coordinating goroutine every lifecycle transition runs on. It
// executes posted functions one at a time in the order they were posted.
//
// The queue is unbounded so Post never blocks. This matters when a runtime
// instance calls back into the host while the loop is itself waiting on that
// runtime.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	started bool
}

func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger:  logger.With("component", "Loop"),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Post queues fn to run on the loop and returns immediately.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do posts fn and waits for it to finish. It returns false if ctx ended or the
// loop stopped before fn completed.
func (l *Loop) Do(ctx context.Context, fn func()) bool {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return true
	case <-l.stopped:
		// fn may have been the last thing the loop ran.
		select {
		case <-done:
			return true
		default:
			return false
		}
	case <-ctx.Done():
		return false
	}
}

// Stopped is closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// Run executes posted functions until ctx is cancelled. It may be called once.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return fmt.Errorf("loop already started")
	}
	l.started = true
	l.mu.Unlock()

	defer close(l.stopped)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.run(fn)
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

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered panic on coordinating loop", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
