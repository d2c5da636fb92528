// Package queue implements priority-based admission control for calls to an
// ESXi endpoint. ESXi hosts tolerate little concurrency, so every remote
// call first acquires a slot here: at most maxConcurrent calls run at once,
// no two calls *start* within minInterval of each other, and waiters are
// served strictly by priority with FIFO ordering inside a priority level.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Priority orders admission requests. Lower value = served first.
type Priority int

const (
	// Critical is for console tickets and other user-blocking operations.
	Critical Priority = iota
	// High is for interactive inventory reads (VM list, VM info).
	High
	// Normal is for first-load thumbnail fetches.
	Normal
	// Low is for background thumbnail refresh.
	Low
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	case Low:
		return "LOW"
	}
	return "UNKNOWN"
}

// priorities is the fixed set, in serving order.
var priorities = []Priority{Critical, High, Normal, Low}

// PriorityStats is the per-priority slice of queue statistics.
type PriorityStats struct {
	TotalRequests int     `json:"total_requests"`
	AvgWaitTime   float64 `json:"avg_wait_time"`
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	MaxConcurrent   int                      `json:"max_concurrent"`
	MinInterval     float64                  `json:"min_interval"`
	ActiveRequests  int                      `json:"active_requests"`
	WaitingRequests int                      `json:"waiting_requests"`
	TotalRequests   int                      `json:"total_requests"`
	AvgWaitTime     float64                  `json:"avg_wait_time"`
	ByPriority      map[string]PriorityStats `json:"by_priority"`
}

type waiter struct {
	priority Priority
	seq      uint64
	ready    chan struct{}
	granted  bool
	index    int
}

// waiterHeap orders by priority, then arrival sequence.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

type prioCounters struct {
	total    int
	waitTime time.Duration
}

// RequestQueue is a thread-safe priority admission controller.
type RequestQueue struct {
	maxConcurrent int
	minInterval   time.Duration

	mu      sync.Mutex
	active  int
	waiters waiterHeap
	nextSeq uint64

	// paceMu serializes admission starts. It is held across the pacing
	// sleep on purpose: that is what spaces starts minInterval apart.
	paceMu    sync.Mutex
	lastStart time.Time

	statsMu       sync.Mutex
	totalRequests int
	waitingCount  int
	totalWait     time.Duration
	byPriority    map[Priority]*prioCounters

	// Clock and sleep hooks for tests.
	nowFunc   func() time.Time
	sleepFunc func(time.Duration)
}

// New creates a RequestQueue admitting up to maxConcurrent calls with starts
// paced at least minInterval apart.
func New(maxConcurrent int, minInterval time.Duration) *RequestQueue {
	q := &RequestQueue{
		maxConcurrent: maxConcurrent,
		minInterval:   minInterval,
		byPriority:    make(map[Priority]*prioCounters, len(priorities)),
		nowFunc:       time.Now,
		sleepFunc:     time.Sleep,
	}
	for _, p := range priorities {
		q.byPriority[p] = &prioCounters{}
	}
	return q
}

// Acquire blocks until an admission slot is available, then returns a
// release function. Release is safe to call exactly once from any exit
// path. Acquire itself never times out; bound the wait with ctx.
func (q *RequestQueue) Acquire(ctx context.Context, priority Priority) (func(), error) {
	waitStart := q.nowFunc()

	q.statsMu.Lock()
	q.waitingCount++
	q.statsMu.Unlock()

	if err := q.acquireSlot(ctx, priority); err != nil {
		q.statsMu.Lock()
		q.waitingCount--
		q.statsMu.Unlock()
		return nil, err
	}

	// Pace admission starts. Holding paceMu across the sleep serializes
	// starts so no two admissions begin within minInterval.
	q.paceMu.Lock()
	now := q.nowFunc()
	if !q.lastStart.IsZero() {
		if d := q.minInterval - now.Sub(q.lastStart); d > 0 {
			q.sleepFunc(d)
		}
	}
	q.lastStart = q.nowFunc()
	q.paceMu.Unlock()

	waited := q.nowFunc().Sub(waitStart)
	q.statsMu.Lock()
	q.waitingCount--
	q.totalRequests++
	q.totalWait += waited
	pc := q.byPriority[priority]
	pc.total++
	pc.waitTime += waited
	q.statsMu.Unlock()

	var once sync.Once
	return func() { once.Do(q.releaseSlot) }, nil
}

func (q *RequestQueue) acquireSlot(ctx context.Context, priority Priority) error {
	q.mu.Lock()
	if q.active < q.maxConcurrent && q.waiters.Len() == 0 {
		q.active++
		q.mu.Unlock()
		return nil
	}

	w := &waiter{priority: priority, seq: q.nextSeq, ready: make(chan struct{})}
	q.nextSeq++
	heap.Push(&q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		if w.granted {
			// Lost the race: a release already granted us the slot.
			// Hand it to the next waiter instead of leaking it.
			q.mu.Unlock()
			q.releaseSlot()
		} else {
			heap.Remove(&q.waiters, w.index)
			q.mu.Unlock()
		}
		return ctx.Err()
	}
}

func (q *RequestQueue) releaseSlot() {
	q.mu.Lock()
	q.active--
	if q.waiters.Len() > 0 && q.active < q.maxConcurrent {
		w := heap.Pop(&q.waiters).(*waiter)
		w.granted = true
		q.active++
		close(w.ready)
	}
	q.mu.Unlock()
}

// Execute runs fn inside an admission slot at the given priority.
func (q *RequestQueue) Execute(ctx context.Context, priority Priority, fn func() error) error {
	release, err := q.Acquire(ctx, priority)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Stats returns a snapshot of queue counters.
func (q *RequestQueue) Stats() Stats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()

	q.mu.Lock()
	active := q.active
	q.mu.Unlock()

	s := Stats{
		MaxConcurrent:   q.maxConcurrent,
		MinInterval:     q.minInterval.Seconds(),
		ActiveRequests:  active,
		WaitingRequests: q.waitingCount,
		TotalRequests:   q.totalRequests,
		ByPriority:      make(map[string]PriorityStats, len(priorities)),
	}
	if q.totalRequests > 0 {
		s.AvgWaitTime = round3(q.totalWait.Seconds() / float64(q.totalRequests))
	}
	for _, p := range priorities {
		pc := q.byPriority[p]
		ps := PriorityStats{TotalRequests: pc.total}
		if pc.total > 0 {
			ps.AvgWaitTime = round3(pc.waitTime.Seconds() / float64(pc.total))
		}
		s.ByPriority[p.String()] = ps
	}
	return s
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}
