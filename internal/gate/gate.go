// Package gate implements the concurrency gate from spec §4.E: a
// counting semaphore bounding how many tasks may be in the running
// state simultaneously.
//
// Grounded on jupark12-go-job-queue's worker pool (a buffered channel of
// capacity maxWorkers used as a counting semaphore, acquired before a
// job starts and released via defer) generalized to expose a bounded
// wait rather than blocking the caller indefinitely, and to track a
// live running-count gauge with go.uber.org/atomic the way the teacher
// pack pairs semaphores with observable counters (fentz26-Neona's
// scheduler keeps an equivalent in-flight counter for its bubbletea
// progress view).
package gate

import (
	"context"
	"errors"

	"go.uber.org/atomic"
)

// ErrQueueWaitTimeout is returned by Acquire when a slot does not become
// available within the caller's queue_wait_timeout budget.
var ErrQueueWaitTimeout = errors.New("gate: queue wait timeout")

// Gate is a counting semaphore with capacity max_concurrent_tasks.
type Gate struct {
	slots   chan struct{}
	running atomic.Int64
}

// New constructs a Gate with the given capacity.
func New(capacity int) *Gate {
	return &Gate{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is available, ctx is done, or timeout
// elapses, whichever comes first. Returns ErrQueueWaitTimeout on
// timeout and ctx.Err() if ctx is done first.
func (g *Gate) Acquire(ctx context.Context, timeout <-chan struct{}) error {
	select {
	case g.slots <- struct{}{}:
		g.running.Inc()
		return nil
	default:
	}

	select {
	case g.slots <- struct{}{}:
		g.running.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return ErrQueueWaitTimeout
	}
}

// Release frees a previously acquired slot. Must be called exactly once
// per successful Acquire, regardless of task outcome.
func (g *Gate) Release() {
	select {
	case <-g.slots:
		g.running.Dec()
	default:
	}
}

// Running reports the current number of occupied slots.
func (g *Gate) Running() int64 {
	return g.running.Load()
}

// Capacity reports max_concurrent_tasks.
func (g *Gate) Capacity() int {
	return cap(g.slots)
}
