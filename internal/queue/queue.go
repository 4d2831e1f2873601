// Package queue implements the delayed-job register feeding the worker
// pool: due-time ordered dispatch, at-most-one active lease per job, and
// retry with exponential backoff.
//
// Queue state is volatile; the store is the recovery source of truth.
// RecoverFromStore rebuilds the active set from pending job rows on boot.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/reachinbox/courier/internal/clock"
	"github.com/reachinbox/courier/internal/domain"
)

// RetryPolicy bounds retries: backoff is base × 2^(attempts−1), capped.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultRetryPolicy returns the production defaults: 3 attempts,
// 2s base backoff capped at 15 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffCap:  15 * time.Minute,
	}
}

// Backoff returns the delay before retry number attempts (1-based).
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.BackoffCap {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}

type item struct {
	id       string
	due      time.Time
	attempts int

	leased     bool
	workerID   string
	leaseUntil time.Time

	heapIdx int // -1 while leased (off-heap)
}

// itemHeap orders unleased items by due time, ties broken by job ID so
// dispatch order is deterministic.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].id < h[j].id
	}
	return h[i].due.Before(h[j].due)
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.heapIdx = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.heapIdx = -1
	*h = old[:n-1]
	return it
}

// PendingLoader is the slice of the store the queue needs for recovery.
type PendingLoader interface {
	LoadPendingJobs(ctx context.Context) ([]domain.Job, error)
}

// Queue is safe for concurrent use by multiple workers.
type Queue struct {
	mu     sync.Mutex
	clock  clock.Clock
	policy RetryPolicy

	items map[string]*item // active set, leased or not
	ready itemHeap         // unleased items only

	// Terminal job IDs are remembered so a racing reconciler sweep can
	// never re-admit a job that already left the active set.
	done map[string]struct{}
}

// New creates an empty queue.
func New(clk clock.Clock, policy RetryPolicy) *Queue {
	return &Queue{
		clock:  clk,
		policy: policy,
		items:  make(map[string]*item),
		done:   make(map[string]struct{}),
	}
}

// Enqueue admits a job with the given due time. Idempotent: a job already
// present in any state, or already terminal, is left untouched.
func (q *Queue) Enqueue(jobID string, due time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(jobID, due, 0)
}

func (q *Queue) enqueueLocked(jobID string, due time.Time, attempts int) {
	if _, terminal := q.done[jobID]; terminal {
		return
	}
	if _, present := q.items[jobID]; present {
		return
	}
	it := &item{id: jobID, due: due, attempts: attempts, heapIdx: -1}
	q.items[jobID] = it
	heap.Push(&q.ready, it)
}

// LeaseNext hands out the earliest job whose due time has passed, marking
// it leased until now+leaseDuration. When nothing is due, ok is false and
// wait carries the earliest instant worth waking at (zero if the queue is
// idle): the soonest future due time or expiring lease, whichever is first.
func (q *Queue) LeaseNext(workerID string, leaseDuration time.Duration) (jobID string, attempts int, wait time.Time, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	q.reapExpiredLeasesLocked(now)

	if q.ready.Len() > 0 {
		head := q.ready[0]
		if !head.due.After(now) {
			heap.Pop(&q.ready)
			head.leased = true
			head.workerID = workerID
			head.leaseUntil = now.Add(leaseDuration)
			return head.id, head.attempts, time.Time{}, true
		}
		wait = head.due
	}

	// A leased job may reappear before the next heap head is due.
	for _, it := range q.items {
		if it.leased && (wait.IsZero() || it.leaseUntil.Before(wait)) {
			wait = it.leaseUntil
		}
	}
	return "", 0, wait, false
}

// reapExpiredLeasesLocked returns crashed workers' jobs to the ready heap.
func (q *Queue) reapExpiredLeasesLocked(now time.Time) {
	for _, it := range q.items {
		if it.leased && !it.leaseUntil.After(now) {
			it.leased = false
			it.workerID = ""
			it.leaseUntil = time.Time{}
			heap.Push(&q.ready, it)
		}
	}
}

// Complete removes a job from the active set for good.
func (q *Queue) Complete(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(jobID)
	q.done[jobID] = struct{}{}
}

func (q *Queue) removeLocked(jobID string) {
	it, present := q.items[jobID]
	if !present {
		return
	}
	delete(q.items, jobID)
	if it.heapIdx >= 0 {
		heap.Remove(&q.ready, it.heapIdx)
	}
}

// Defer reschedules a job (typically on rate-limit denial) without
// consuming an attempt, clearing its lease.
func (q *Queue) Defer(jobID string, until time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, present := q.items[jobID]
	if !present {
		return
	}
	it.due = until
	it.leased = false
	it.workerID = ""
	it.leaseUntil = time.Time{}
	if it.heapIdx >= 0 {
		heap.Fix(&q.ready, it.heapIdx)
	} else {
		heap.Push(&q.ready, it)
	}
}

// Fail records a failed attempt. While the retry budget lasts, the job
// re-enters the ready heap after exponential backoff and permanent is
// false; once exhausted the job leaves the active set and permanent is
// true. Either way attempts is the new attempt count.
func (q *Queue) Fail(jobID string) (attempts int, permanent bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, present := q.items[jobID]
	if !present {
		return 0, true
	}

	it.attempts++
	attempts = it.attempts

	if it.attempts >= q.policy.MaxAttempts {
		q.removeLocked(jobID)
		q.done[jobID] = struct{}{}
		return attempts, true
	}

	it.due = q.clock.Now().Add(q.policy.Backoff(it.attempts))
	it.leased = false
	it.workerID = ""
	it.leaseUntil = time.Time{}
	if it.heapIdx >= 0 {
		heap.Fix(&q.ready, it.heapIdx)
	} else {
		heap.Push(&q.ready, it)
	}
	return attempts, false
}

// RecoverFromStore re-admits every pending store job. A job whose store
// lease is still running becomes due when that lease expires; otherwise
// due is max(scheduledTime, now) so overdue jobs dispatch immediately.
// Returns the number of jobs admitted.
func (q *Queue) RecoverFromStore(ctx context.Context, src PendingLoader) (int, error) {
	jobs, err := src.LoadPendingJobs(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	admitted := 0
	for i := range jobs {
		j := &jobs[i]
		if _, present := q.items[j.ID]; present {
			continue
		}
		if _, terminal := q.done[j.ID]; terminal {
			continue
		}
		due := j.ScheduledTime
		if due.Before(now) {
			due = now
		}
		if j.LeaseUntil != nil && j.LeaseUntil.After(due) {
			due = *j.LeaseUntil
		}
		q.enqueueLocked(j.ID, due, j.Attempts)
		admitted++
	}
	return admitted, nil
}

// Stats returns the waiting (due, unleased), active (leased) and delayed
// (future due) item counts.
func (q *Queue) Stats() (waiting, active, delayed int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	for _, it := range q.items {
		switch {
		case it.leased && it.leaseUntil.After(now):
			active++
		case it.due.After(now):
			delayed++
		default:
			waiting++
		}
	}
	return waiting, active, delayed
}

// Len returns the number of jobs in the active set.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
