// Package queue implements the layout recomputation task queue.
//
// The queue has three strict priority tiers. Dequeue always drains the
// highest non-empty tier first, FIFO within a tier. Lower tiers can starve
// under sustained high-priority load; that is the intended scheduling
// policy, not a bug.
//
// The queue is unbounded and safe for many concurrent producers with a
// single consumer.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/mindgraph/pkg/changes"
)

// Priority orders layout tasks. Lower values are served first.
type Priority int

const (
	// PriorityUserInteraction is for changes the user is waiting on,
	// such as annotation edits made while the map is visible.
	PriorityUserInteraction Priority = iota

	// PriorityNewImport is for freshly imported records that should
	// appear on the map soon.
	PriorityNewImport

	// PriorityOptimization is for background refinement work that can
	// wait indefinitely.
	PriorityOptimization

	numTiers
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityUserInteraction:
		return "user_interaction"
	case PriorityNewImport:
		return "new_import"
	case PriorityOptimization:
		return "optimization"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p names a real tier.
func (p Priority) Valid() bool {
	return p >= PriorityUserInteraction && p < numTiers
}

// LayoutTask is one pending layout recomputation.
//
// Tasks are created on enqueue, consumed exactly once by the processor and
// then discarded. They are never persisted.
type LayoutTask struct {
	// ID uniquely identifies the task for logging.
	ID string

	// Change is the data change that triggered the recomputation.
	Change changes.DataChange

	// Priority selects the queue tier.
	Priority Priority

	// EnqueuedAt is when the task entered the queue.
	EnqueuedAt time.Time

	// BaseFingerprint is the data fingerprint from before the change,
	// used by the calculator to find a reusable cached layout.
	BaseFingerprint string
}

// Queue is the three-tier strict-priority FIFO queue.
//
// Thread Safety:
//
//	Safe for concurrent producers. Designed for a single consumer; the
//	internal lock makes concurrent consumers safe but the notification
//	channel only guarantees one wakeup per signal.
type Queue struct {
	mu    sync.Mutex
	tiers [numTiers][]*LayoutTask

	// notify carries at most one pending wakeup for the consumer.
	notify chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue appends a task to the tail of its priority tier and wakes the
// consumer. A zero ID or EnqueuedAt is filled in. Invalid priorities are
// clamped to the optimization tier so a bad producer degrades instead of
// panicking.
func (q *Queue) Enqueue(task *LayoutTask) {
	if task == nil {
		return
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	if !task.Priority.Valid() {
		task.Priority = PriorityOptimization
	}

	q.mu.Lock()
	q.tiers[task.Priority] = append(q.tiers[task.Priority], task)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue pops the head of the highest-priority non-empty tier.
// Returns false when the queue is empty. Never blocks.
func (q *Queue) Dequeue() (*LayoutTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.tiers {
		if len(q.tiers[p]) == 0 {
			continue
		}
		task := q.tiers[p][0]
		q.tiers[p][0] = nil
		q.tiers[p] = q.tiers[p][1:]
		return task, true
	}
	return nil, false
}

// Size returns the total number of queued tasks across all tiers.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for p := range q.tiers {
		n += len(q.tiers[p])
	}
	return n
}

// SizeByPriority returns the number of queued tasks in one tier.
func (q *Queue) SizeByPriority(p Priority) int {
	if !p.Valid() {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tiers[p])
}

// Notify returns the consumer wakeup channel. It carries at most one
// pending signal; after waking, the consumer should drain with Dequeue
// until empty.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Clear discards all queued tasks and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for p := range q.tiers {
		n += len(q.tiers[p])
		q.tiers[p] = nil
	}
	return n
}
