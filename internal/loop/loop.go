// Package loop runs engine work on a single goroutine and provides named
// timers whose callbacks are delivered back onto that goroutine.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrTimerNotFound is returned by Cancel when no timer with that name is
// armed. Callers treat it as benign.
var ErrTimerNotFound = errors.New("timer not found")

// ErrStopped is returned when work is posted to a loop that is not running.
var ErrStopped = errors.New("loop stopped")

const queueSize = 256

// Task is a unit of work executed on the loop goroutine.
type Task func(ctx context.Context)

type timer struct {
	gen    uint64
	t      *time.Timer
	every  time.Duration
	fn     Task
	queued bool
}

// Loop serializes every Task onto one goroutine. Only the timer table is
// shared with other goroutines.
type Loop struct {
	tasks chan Task
	done  chan struct{}

	mu     sync.Mutex
	timers map[string]*timer
	gen    uint64
}

func New() *Loop {
	return &Loop{
		tasks:  make(chan Task, queueSize),
		done:   make(chan struct{}),
		timers: make(map[string]*timer),
	}
}

// Run executes posted tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.stopTimers()
	slog.Debug("event loop started")
	for {
		select {
		case <-ctx.Done():
			slog.Debug("event loop stopped", "error", ctx.Err())
			return ctx.Err()
		case task := <-l.tasks:
			l.runTask(ctx, task)
		}
	}
}

func (l *Loop) runTask(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event loop task panicked", "panic", r)
		}
	}()
	task(ctx)
}

// Post queues task. It never blocks; a full queue drops the task. Timer
// fires do not go through Post.
func (l *Loop) Post(task Task) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- task:
		return true
	default:
		slog.Warn("event loop queue full, dropping task")
		return false
	}
}

// Do runs task on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, task Task) error {
	finished := make(chan struct{})
	wrapped := func(loopCtx context.Context) {
		defer close(finished)
		task(loopCtx)
	}
	select {
	case l.tasks <- wrapped:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// After arms a one-shot timer. Re-arming a pending name resets its delay, so
// bursts of triggers collapse into one run.
func (l *Loop) After(name string, d time.Duration, fn Task) {
	l.arm(name, d, 0, fn)
}

// Every arms a recurring timer, replacing any timer with the same name.
func (l *Loop) Every(name string, d time.Duration, fn Task) {
	l.arm(name, d, d, fn)
}

// Cancel disarms name.
func (l *Loop) Cancel(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tm, ok := l.timers[name]
	if !ok {
		return ErrTimerNotFound
	}
	tm.t.Stop()
	delete(l.timers, name)
	return nil
}

// Pending reports whether name is armed.
func (l *Loop) Pending(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.timers[name]
	return ok
}

func (l *Loop) arm(name string, d, every time.Duration, fn Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.timers[name]; ok {
		old.t.Stop()
	}
	l.gen++
	gen := l.gen
	tm := &timer{gen: gen, every: every, fn: fn}
	tm.t = time.AfterFunc(d, func() { l.fire(name, gen) })
	l.timers[name] = tm
}

// fire runs on the timer goroutine. A recurring timer is re-armed here, before
// delivery, and has at most one fire queued at a time. Delivery blocks until
// the loop accepts it, so a full queue delays a timer but never loses it.
func (l *Loop) fire(name string, gen uint64) {
	l.mu.Lock()
	tm, ok := l.timers[name]
	if !ok || tm.gen != gen {
		l.mu.Unlock()
		return
	}
	if tm.every > 0 {
		tm.t = time.AfterFunc(tm.every, func() { l.fire(name, gen) })
		if tm.queued {
			l.mu.Unlock()
			return
		}
		tm.queued = true
	}
	l.mu.Unlock()

	task := func(ctx context.Context) {
		l.mu.Lock()
		cur, ok := l.timers[name]
		if !ok || cur != tm {
			l.mu.Unlock()
			return
		}
		if tm.every > 0 {
			tm.queued = false
		} else {
			delete(l.timers, name)
		}
		fn := tm.fn
		l.mu.Unlock()
		fn(ctx)
	}
	select {
	case l.tasks <- task:
	case <-l.done:
	}
}

func (l *Loop) stopTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, tm := range l.timers {
		tm.t.Stop()
		delete(l.timers, name)
	}
}
