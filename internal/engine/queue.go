package engine

import (
	"context"
	"sync"
)

// job is one unit of work for an actor. It runs on a worker with the
// actor's slot held; done receives its error.
type job struct {
	name string
	run  func(ctx context.Context, a *actor) error
	done chan error
}

// jobQueue is a thread-safe FIFO of jobs.
//
// The queue is unbounded so submitters never block behind a slow key.
// Jobs leave in exactly the order they were enqueued.
type jobQueue struct {
	mu     sync.Mutex
	jobs   []*job
	closed bool
}

func newJobQueue() *jobQueue {
	return &jobQueue{jobs: make([]*job, 0, 8)}
}

// Enqueue adds a job to the back of the queue and reports whether the
// queue was empty before. Returns ok=false if the queue is closed.
func (q *jobQueue) Enqueue(j *job) (wasEmpty, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, false
	}
	wasEmpty = len(q.jobs) == 0
	q.jobs = append(q.jobs, j)
	return wasEmpty, true
}

// Peek returns the front job without removing it.
func (q *jobQueue) Peek() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, false
	}
	return q.jobs[0], true
}

// Pop removes the front job and reports whether more remain.
func (q *jobQueue) Pop() (more bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return false
	}
	// Nil out the slot so the array does not retain the job.
	q.jobs[0] = nil
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	return len(q.jobs) > 0
}

// Len returns the current queue length.
func (q *jobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close rejects further jobs and returns the ones still queued.
func (q *jobQueue) Close() []*job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	rest := q.jobs
	q.jobs = nil
	return rest
}

// CloseIdle closes the queue when no job is queued or running and idle
// still holds. Jobs only run while queued, so idle sees a quiescent actor.
func (q *jobQueue) CloseIdle(idle func() bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.jobs) > 0 || !idle() {
		return false
	}
	q.closed = true
	return true
}

// runQueue holds actors that have work, in the order they became ready.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the workers (prevents goroutine hangs on context cancellation).
type runQueue struct {
	mu     sync.Mutex
	actors []*actor
	signal chan struct{} // Signals availability (buffered, size 1)
}

func newRunQueue() *runQueue {
	return &runQueue{signal: make(chan struct{}, 1)}
}

func (q *runQueue) Push(a *actor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actors = append(q.actors, a)
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryPop removes the front actor without blocking.
func (q *runQueue) TryPop() (*actor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.actors) == 0 {
		return nil, false
	}
	a := q.actors[0]
	q.actors[0] = nil
	q.actors = q.actors[1:]
	if len(q.actors) > 0 {
		// Wake another worker for the rest.
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return a, true
}

// Wait returns a channel that signals when actors may be available.
func (q *runQueue) Wait() <-chan struct{} {
	return q.signal
}
