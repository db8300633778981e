// Package taskqueue runs background tasks one at a time in submission order.
//
// A Task must call Queue.Advance exactly once when it finishes, on every
// exit path. A task that never advances holds the queue until someone else
// calls Advance on its behalf.
package taskqueue

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type Task func()

// Executor hands a task to a worker. Execute must not run fn on the calling
// goroutine and returns an error when no worker can take it.
type Executor interface {
	Execute(fn func()) error
}

// Tracker counts outstanding work. prometheus.Gauge satisfies it.
type Tracker interface {
	Inc()
	Dec()
}

type nopTracker struct{}

func (nopTracker) Inc() {}
func (nopTracker) Dec() {}

// Queue is a single-flight FIFO over an Executor. running is true exactly
// when current is set.
type Queue struct {
	exec    Executor
	tracker Tracker

	mu      sync.Mutex
	pending []Task
	current Task
	running bool
}

func New(exec Executor, tracker Tracker) *Queue {
	if tracker == nil {
		tracker = nopTracker{}
	}
	return &Queue{exec: exec, tracker: tracker}
}

// Submit runs task now when the queue is idle, otherwise appends it.
func (q *Queue) Submit(task Task) {
	if task == nil {
		return
	}
	q.tracker.Inc()
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running && len(q.pending) == 0 {
		q.dispatchLocked(task)
		return
	}
	q.pending = append(q.pending, task)
	log.Debug().Int("pending", len(q.pending)).Msg("taskqueue.Queue.Submit queued")
}

// Advance marks the running task finished and starts the next pending one.
func (q *Queue) Advance() {
	q.mu.Lock()
	q.running = false
	q.current = nil
	for !q.running && len(q.pending) > 0 {
		next := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.dispatchLocked(next)
	}
	q.mu.Unlock()
	q.tracker.Dec()
}

// dispatchLocked hands task to the executor. A rejected task counts as
// completed so the queue never waits on work that will not run.
func (q *Queue) dispatchLocked(task Task) {
	q.running = true
	q.current = task
	if err := q.exec.Execute(task); err != nil {
		log.Warn().Err(err).Int("pending", len(q.pending)).Msg("taskqueue.Queue dispatch rejected")
		q.running = false
		q.current = nil
		q.tracker.Dec()
	}
}

// Len returns the number of tasks waiting behind the running one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Idle reports whether nothing is running or waiting.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.running && len(q.pending) == 0
}
