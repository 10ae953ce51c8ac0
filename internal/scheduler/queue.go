package scheduler

import (
	"sync"

	"github.com/yamakatsunamamugi/autoai/internal/model"
)

// Queue holds pending tasks and the bookkeeping that keeps dispatch
// idempotent across rescans: a cell is dispatched at most once per run,
// whether its attempt succeeds or fails.
type Queue struct {
	mu sync.Mutex

	pending []model.Task
	// dispatched tracks cell keys currently pending or in flight.
	dispatched map[string]bool
	// completed tracks cell keys with a successful write-back this run.
	completed map[string]bool
	// failed tracks cell keys whose attempt ended in failure. Terminal:
	// the cell is never resurrected within this run.
	failed map[string]bool
	// attempts counts scheduling rounds per group index.
	attempts map[int]int
	// skipped marks groups that hit their attempt cap.
	skipped map[int]bool
}

func NewQueue() *Queue {
	return &Queue{
		dispatched: make(map[string]bool),
		completed:  make(map[string]bool),
		failed:     make(map[string]bool),
		attempts:   make(map[int]int),
		skipped:    make(map[int]bool),
	}
}

// Enqueue appends tasks whose target cells are not terminal and not already
// pending. Returns how many were accepted.
func (q *Queue) Enqueue(tasks []model.Task) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	accepted := 0
	for _, t := range tasks {
		key := t.Cell.Key()
		if q.dispatched[key] || q.completed[key] || q.failed[key] {
			continue
		}
		q.dispatched[key] = true
		q.pending = append(q.pending, t)
		accepted++
	}
	return accepted
}

// Acceptable counts how many of the tasks Enqueue would accept right now,
// without enqueuing them. The scheduler uses it to charge a group attempt
// only when a scan surfaces genuinely new work.
func (q *Queue) Acceptable(tasks []model.Task) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, t := range tasks {
		key := t.Cell.Key()
		if q.dispatched[key] || q.completed[key] || q.failed[key] {
			continue
		}
		n++
	}
	return n
}

// NextBatch pops up to n tasks in FIFO order.
func (q *Queue) NextBatch(n int) []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.pending) {
		n = len(q.pending)
	}
	if n <= 0 {
		return nil
	}
	batch := make([]model.Task, n)
	copy(batch, q.pending[:n])
	q.pending = q.pending[n:]
	return batch
}

// MarkCompleted records a terminal outcome for a cell. Both outcomes are
// terminal: a failed cell is not retried within this run, so rescans never
// re-dispatch it.
func (q *Queue) MarkCompleted(cellKey string, success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.dispatched, cellKey)
	if success {
		q.completed[cellKey] = true
	} else {
		q.failed[cellKey] = true
	}
}

// SeedCompleted pre-marks cells answered in a previous run, so a resumed run
// does not redo them.
func (q *Queue) SeedCompleted(cellKeys []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, k := range cellKeys {
		q.completed[k] = true
	}
}

// RecordAttempt bumps a group's scheduling round counter and reports whether
// the group just exceeded the cap. Once over the cap the group is skipped
// permanently; the first over-cap call returns true, later ones false.
func (q *Queue) RecordAttempt(groupIndex, limit int) (overCap bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.skipped[groupIndex] {
		return false
	}
	q.attempts[groupIndex]++
	if limit > 0 && q.attempts[groupIndex] > limit {
		q.skipped[groupIndex] = true
		return true
	}
	return false
}

// GroupSkipped reports whether a group has been retired for this run.
func (q *Queue) GroupSkipped(groupIndex int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.skipped[groupIndex]
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// CompletedCount returns how many cells finished successfully this run.
func (q *Queue) CompletedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}
