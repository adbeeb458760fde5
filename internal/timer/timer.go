// Package timer implements the kernel's timer event queue (spec §4.I): a
// min-heap ordered by deadline, plus per-process cancellation so a
// process's outstanding timers are dropped automatically on exit. The heap
// itself is built on container/heap: no third-party priority-queue
// implementation appears anywhere in the example pack, and container/heap
// is the idiomatic, minimal-surface way to express one in Go (see
// DESIGN.md).
package timer

import (
	"container/heap"
	"sync"

	"github.com/andrewaprice/perception/internal/defs"
)

// Event fires once at DeadlineNs (nanoseconds since an arbitrary epoch
// shared with internal/accnt's clock).
type Event struct {
	ID         uint64
	Pid        defs.Pid_t
	DeadlineNs int64
	MessageID  uint64 // delivered to the owning process as an IPC message on fire

	index int // heap bookkeeping
}

type eventHeap []*Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].DeadlineNs < h[j].DeadlineNs }
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *eventHeap) Push(x interface{}) {
	e := x.(*Event)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is the kernel's single timer event queue.
type Queue struct {
	mu     sync.Mutex
	heap   eventHeap
	byID   map[uint64]*Event
	nextID uint64
}

// NewQueue builds an empty timer queue.
func NewQueue() *Queue {
	q := &Queue{byID: make(map[uint64]*Event)}
	heap.Init(&q.heap)
	return q
}

// Schedule adds a new timer event for pid at deadlineNs, returning its id
// so the owner can cancel it later (spec §4.I).
func (q *Queue) Schedule(pid defs.Pid_t, deadlineNs int64, messageID uint64) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	e := &Event{ID: q.nextID, Pid: pid, DeadlineNs: deadlineNs, MessageID: messageID}
	q.byID[e.ID] = e
	heap.Push(&q.heap, e)
	return e.ID
}

// Cancel removes a pending event, returning false if it already fired or
// never existed (spec §4.I).
func (q *Queue) Cancel(id uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, id)
	return true
}

// CancelProcess drops every event still owned by pid, used on process
// destruction so a dead process's timers never fire.
func (q *Queue) CancelProcess(pid defs.Pid_t) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var stale []uint64
	for id, e := range q.byID {
		if e.Pid == pid {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		e := q.byID[id]
		heap.Remove(&q.heap, e.index)
		delete(q.byID, id)
	}
}

// Fire pops and returns every event whose deadline is <= nowNs, in
// ascending deadline order, for the caller to deliver as messages (spec
// §4.I).
func (q *Queue) Fire(nowNs int64) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	var fired []Event
	for len(q.heap) > 0 && q.heap[0].DeadlineNs <= nowNs {
		e := heap.Pop(&q.heap).(*Event)
		delete(q.byID, e.ID)
		fired = append(fired, *e)
	}
	return fired
}

// NextDeadline reports the earliest pending deadline, and false if the
// queue is empty.
func (q *Queue) NextDeadline() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0, false
	}
	return q.heap[0].DeadlineNs, true
}
