package scheduler

import (
	"sync"
	"time"
)

// Cancellable is the handle of a scheduled task
type Cancellable interface {
	// Cancel stops future executions. It reports whether this call
	// cancelled the task; an execution already running completes.
	Cancel() bool
	IsCancelled() bool
}

// Timer is a multi-task timer facility. Each task owns a goroutine, so
// different tasks run concurrently while the executions of one recurring
// task never overlap.
type Timer struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	tasks   map[*task]struct{}
	stopped bool
}

func NewTimer() *Timer {
	return &Timer{tasks: make(map[*task]struct{})}
}

type task struct {
	once sync.Once
	done chan struct{}
}

func (t *task) Cancel() bool {
	cancelled := false
	t.once.Do(func() {
		close(t.done)
		cancelled = true
	})
	return cancelled
}

func (t *task) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Once runs fn after delay
func (tm *Timer) Once(delay time.Duration, fn func()) Cancellable {
	return tm.start(func(t *task) {
		if wait(t, delay) {
			fn()
		}
	})
}

// Recurring runs fn after initialDelay, then again interval after each
// execution completes.
func (tm *Timer) Recurring(initialDelay, interval time.Duration, fn func()) Cancellable {
	return tm.start(func(t *task) {
		delay := initialDelay
		for wait(t, delay) {
			fn()
			delay = interval
		}
	})
}

// Stop cancels every task and waits for running executions to return
func (tm *Timer) Stop() {
	tm.mu.Lock()
	tm.stopped = true
	for t := range tm.tasks {
		t.Cancel()
	}
	tm.mu.Unlock()

	tm.wg.Wait()
}

func (tm *Timer) start(run func(*task)) Cancellable {
	t := &task{done: make(chan struct{})}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.stopped {
		t.Cancel()
		return t
	}

	tm.tasks[t] = struct{}{}
	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		defer func() {
			tm.mu.Lock()
			delete(tm.tasks, t)
			tm.mu.Unlock()
		}()
		run(t)
	}()

	return t
}

// wait blocks for d and reports false when the task got cancelled first
func wait(t *task, d time.Duration) bool {
	if d < 0 {
		d = 0
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-t.done:
		return false
	case <-timer.C:
		return !t.IsCancelled()
	}
}
