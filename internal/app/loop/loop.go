// Package loop is the single-threaded reactor all call state runs on. Device
// completions, signaling arrivals, connection-state changes and user actions are
// posted as closures and executed one at a time in FIFO order.
package loop

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/telecall/internal/errs"
)

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
	stop sync.Once

	log zerolog.Logger
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  log.With().Str("module", "app.loop").Logger(),
	}
}

// Post schedules fn. It never blocks; false means the loop is stopped and fn
// will not run.
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

// Do runs fn on the loop and waits for it. Must not be called from a closure
// already running on the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return errs.ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// fn may still have been the last closure to run
		select {
		case <-finished:
			return nil
		default:
			return errs.ErrClosed
		}
	}
}

// Run executes posted closures until ctx is cancelled or Stop is called.
// Closures still queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) {
	defer l.Stop()
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		if stopped {
			return
		}
		for i, fn := range batch {
			if l.isStopped() {
				return
			}
			l.exec(fn)
			batch[i] = nil
		}
		if len(batch) > 0 {
			continue
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

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Str("panic", fmt.Sprint(r)).Msg("recovered panic in loop callback")
		}
	}()
	fn()
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Stop ends Run and rejects further posts. Safe to call more than once.
func (l *Loop) Stop() {
	l.stop.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once the loop is stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }
