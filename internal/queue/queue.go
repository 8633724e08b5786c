// Package queue implements the in-process delivery queue: a bounded,
// priority-aware buffer of pending jobs with a visibility delay for
// not-yet-eligible retries. Postgres remains the source of truth; the
// queue is rebuilt from it on startup.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heraldhq/herald/internal/store"
)

var (
	// ErrClosed is returned by Push after Close, and by Pop once the
	// queue is closed and no currently-eligible job remains. Jobs whose
	// eligibility lies in the future stay in Postgres for the next start.
	ErrClosed = errors.New("delivery queue closed")

	// ErrFull is returned when the queue is at capacity.
	ErrFull = errors.New("delivery queue full")
)

type item struct {
	job *store.Job
	seq uint64 // creation order tiebreak within a priority tier
}

// jobHeap orders by priority descending, then eligible-at ascending,
// then insertion order.
type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.EligibleAt.Equal(b.job.EligibleAt) {
		return a.job.EligibleAt.Before(b.job.EligibleAt)
	}
	return a.seq < b.seq
}

func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the process-wide delivery queue. Pop is exclusive: a job
// handed to one worker is never handed to another, which is what keeps
// at most one attempt in flight per job.
type Queue struct {
	mu        sync.Mutex
	items     jobHeap
	capacity  int
	seq       uint64
	closed    bool
	wake      chan struct{}
	cancelled map[uuid.UUID]struct{}
}

// New creates a queue holding at most capacity jobs.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Queue{
		capacity:  capacity,
		wake:      make(chan struct{}),
		cancelled: make(map[uuid.UUID]struct{}),
	}
}

// Push enqueues a job. Jobs with a future EligibleAt are buffered but
// not handed out until eligible.
func (q *Queue) Push(job *store.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if len(q.items) >= q.capacity {
		return ErrFull
	}

	q.seq++
	heap.Push(&q.items, &item{job: job, seq: q.seq})
	q.wakeLocked()
	return nil
}

// Pop blocks until an eligible job is available, the context is done,
// or the queue is closed with nothing eligible left. Dequeue order is
// priority descending, then FIFO within a tier.
func (q *Queue) Pop(ctx context.Context) (*store.Job, error) {
	for {
		q.mu.Lock()

		now := time.Now()
		if job := q.popEligibleLocked(now); job != nil {
			q.mu.Unlock()
			return job, nil
		}

		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}

		wake := q.wake
		wait := q.nextWakeLocked(now)
		q.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// popEligibleLocked removes and returns the best job whose eligibility
// time has passed, or nil. The heap's top may be a high-priority job
// still in backoff, so lower-priority eligible jobs behind it must be
// considered too.
func (q *Queue) popEligibleLocked(now time.Time) *store.Job {
	best := -1
	for i, it := range q.items {
		if it.job.EligibleAt.After(now) {
			continue
		}
		if best == -1 || q.items.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	it := heap.Remove(&q.items, best).(*item)
	return it.job
}

// nextWakeLocked returns how long to sleep until the earliest buffered
// job becomes eligible; zero means wait indefinitely for a Push.
func (q *Queue) nextWakeLocked(now time.Time) time.Duration {
	var earliest time.Time
	for _, it := range q.items {
		if earliest.IsZero() || it.job.EligibleAt.Before(earliest) {
			earliest = it.job.EligibleAt
		}
	}
	if earliest.IsZero() {
		return 0
	}
	d := earliest.Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Cancel marks a job cancelled. If it is still buffered it is removed
// immediately; otherwise the flag is checked by the worker right
// before send, so a job claimed but not yet sent is still skipped.
func (q *Queue) Cancel(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.job.ID == id {
			heap.Remove(&q.items, i)
			return
		}
	}
	q.cancelled[id] = struct{}{}
}

// Forget drops any cancellation flag for a job that reached a terminal
// state. A flag set after the worker's pre-send check has nothing left
// to cancel and would otherwise sit in the map for the process lifetime.
func (q *Queue) Forget(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.cancelled, id)
}

// Cancelled reports and clears the cancellation flag for a job.
func (q *Queue) Cancelled(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.cancelled[id]; ok {
		delete(q.cancelled, id)
		return true
	}
	return false
}

// Close rejects further pushes. Workers drain the remaining eligible
// jobs, then Pop returns ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.wakeLocked()
}

// Len returns the number of buffered jobs, eligible or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// wakeLocked signals all blocked Pop calls.
func (q *Queue) wakeLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
