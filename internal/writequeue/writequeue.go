// Package writequeue serializes every mutation against a single collection
// through one consumer goroutine, and holds the exclusive OS-level lock on
// the collection's directory that keeps a second process out.
//
// The teacher has no direct analogue for this — bundoc relies on MVCC for
// write isolation instead of a serial queue — so the queue shape here
// follows the generic Go single-consumer task-queue idiom common across the
// retrieval pack (a buffered channel of closures drained by one goroutine).
// The directory lock uses github.com/gofrs/flock, the same dependency
// several other pack repos reach for (see SPEC_FULL.md's DOMAIN STACK).
package writequeue

import (
	"context"
	"fmt"

	"github.com/gofrs/flock"
)

type task struct {
	fn     func() (interface{}, error)
	result chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// Queue serializes all writes submitted to it through a single worker
// goroutine, so two concurrent mutations on the same collection never race.
type Queue struct {
	tasks chan task
	done  chan struct{}
}

// New creates and starts a write queue with the given pending-task buffer
// size.
func New(bufferSize int) *Queue {
	q := &Queue{
		tasks: make(chan task, bufferSize),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for t := range q.tasks {
		v, err := t.fn()
		t.result <- taskResult{value: v, err: err}
	}
}

// Submit enqueues fn and blocks until it has run, returning its result. If
// ctx is canceled before fn runs, Submit returns ctx.Err() without waiting
// further, though fn may still run later against the queue's own state.
func (q *Queue) Submit(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	t := task{fn: fn, result: make(chan taskResult, 1)}
	select {
	case q.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-t.result:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new tasks and waits for the worker goroutine to
// drain whatever is already queued.
func (q *Queue) Close() {
	close(q.tasks)
	<-q.done
}

// DirLock wraps an exclusive, process-level lock on a collection's
// directory, acquired when the collection is opened and held until it closes.
// A second process attempting to open the same directory fails fast instead
// of silently corrupting state (spec's "no multi-process concurrent access"
// is enforced here, not merely documented).
type DirLock struct {
	flock *flock.Flock
	path  string
}

// NewDirLock prepares (without acquiring) an exclusive lock backed by a
// lockfile at path.
func NewDirLock(path string) *DirLock {
	return &DirLock{flock: flock.New(path), path: path}
}

// TryLock attempts to acquire the lock without blocking. Returns false if
// another process already holds it.
func (l *DirLock) TryLock() (bool, error) {
	ok, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("writequeue: lock %s: %w", l.path, err)
	}
	return ok, nil
}

// Unlock releases the lock.
func (l *DirLock) Unlock() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("writequeue: unlock %s: %w", l.path, err)
	}
	return nil
}
