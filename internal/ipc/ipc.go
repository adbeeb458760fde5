// Package ipc implements synchronous message passing between processes,
// including zero-copy page transfer (spec §4.F). Each process owns a
// bounded ring of pending messages, the same fixed-capacity ring-buffer
// shape as internal/circbuf but holding defs.Message records instead of
// bytes.
package ipc

import (
	"sync"

	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/mem"
	"github.com/andrewaprice/perception/internal/vm"
)

// Waker is the subset of *sched.Scheduler that ipc needs, to avoid an
// import cycle (sched depends on nothing in ipc; ipc calls back into sched
// to wake a receiver blocked on a message).
type Waker interface {
	WakeFromMessage(tid defs.Tid_t)
}

// Queue is one process's bounded inbox (spec §8: messages_queued <= 1024).
type Queue struct {
	mu   sync.Mutex
	buf  []defs.Message
	head int
	len  int
}

// NewQueue allocates an inbox of the spec-mandated capacity.
func NewQueue() *Queue {
	return &Queue{buf: make([]defs.Message, defs.MaxQueued)}
}

func (q *Queue) full() bool { return q.len == len(q.buf) }

func (q *Queue) pushLocked(m defs.Message) {
	tail := (q.head + q.len) % len(q.buf)
	q.buf[tail] = m
	q.len++
}

func (q *Queue) popLocked() (defs.Message, bool) {
	if q.len == 0 {
		return defs.Message{}, false
	}
	m := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.len--
	return m, true
}

// Len reports the number of messages currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len
}

// Mailroom routes messages between per-process queues and owns the page
// transfer path (spec §4.F): a message whose metadata marks it as
// page-transferring carries a contiguous run of physical frames, unmapped
// from the sender's address space and mapped fresh into the receiver's
// before the message is ever queued.
type Mailroom struct {
	mu      sync.Mutex
	queues  map[defs.Pid_t]*Queue
	blocked map[defs.Pid_t]defs.Tid_t // process -> thread parked in a blocking receive, if any
	waker   Waker
}

// NewMailroom builds an empty mailroom. waker may be nil in tests that do
// not exercise the blocking-receive wakeup path.
func NewMailroom(waker Waker) *Mailroom {
	return &Mailroom{
		queues:  make(map[defs.Pid_t]*Queue),
		blocked: make(map[defs.Pid_t]defs.Tid_t),
		waker:   waker,
	}
}

// MarkBlocked records that tid (a thread of pid) has parked itself on the
// scheduler's message-wait list, so a subsequent Send can wake it directly
// instead of leaving it for the next scheduler pass.
func (m *Mailroom) MarkBlocked(pid defs.Pid_t, tid defs.Tid_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[pid] = tid
}

// Register creates pid's inbox. Called once per process, at creation.
func (m *Mailroom) Register(pid defs.Pid_t) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := NewQueue()
	m.queues[pid] = q
	return q
}

// Unregister drops pid's inbox, called on process destruction.
func (m *Mailroom) Unregister(pid defs.Pid_t) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, pid)
}

func (m *Mailroom) queueFor(pid defs.Pid_t) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[pid]
	return q, ok
}

// Send enqueues msg in to's inbox (spec §4.F). When msg's metadata marks
// it as page-transferring, Payload[3] is the sender's source virtual
// address and Payload[4] the page count; Send reserves an equal-sized
// range in toAS, walks each sender page, unmaps it there, and maps the
// frame (owned) into toAS, then rewrites Payload[3] to the receiver's new
// base before the message is queued — the receiver never has to resolve
// anything itself. On any per-page fault or a reservation failure every
// sender and receiver page already moved is rolled back and the whole
// send fails with no partial state left behind; a full queue is likewise
// left untouched.
func (m *Mailroom) Send(to defs.Pid_t, msg defs.Message, fromAS, toAS *vm.AddressSpace) defs.Err_t {
	q, ok := m.queueFor(to)
	if !ok {
		return defs.ESRCH
	}

	transferring := msg.MsgTransfersPages()
	origFromVA := uintptr(msg.Payload[3])
	if transferring {
		if err := transferPages(&msg, fromAS, toAS); err != defs.Ok {
			return err
		}
	}

	q.mu.Lock()
	if q.full() {
		q.mu.Unlock()
		if transferring {
			// Undo: the transfer already moved pages from sender to
			// receiver above, so give the receiver's pages back.
			unwindTransfer(toAS, uintptr(msg.Payload[3]), int(msg.Payload[4]), fromAS, origFromVA)
		}
		return defs.EFULL
	}
	q.pushLocked(msg)
	q.mu.Unlock()

	m.mu.Lock()
	tid, waiting := m.blocked[to]
	if waiting {
		delete(m.blocked, to)
	}
	m.mu.Unlock()
	if waiting && m.waker != nil {
		m.waker.WakeFromMessage(tid)
	}
	return defs.Ok
}

// transferPages implements the §4.F zero-copy move: every page of the
// source range is required to be present in fromAS before any mutation
// happens, so a missing page never leaves a half-moved range behind.
func transferPages(msg *defs.Message, fromAS, toAS *vm.AddressSpace) defs.Err_t {
	fromVA := uintptr(msg.Payload[3])
	count := int(msg.Payload[4])
	if count <= 0 {
		return defs.EINVAL
	}

	frames := make([]mem.FrameID, count)
	for i := 0; i < count; i++ {
		frame, present, _, found := fromAS.Table.Lookup(fromVA + uintptr(i)*mem.PageSize)
		if !found || !present {
			return defs.EFAULT
		}
		frames[i] = frame
	}

	base, rerr := toAS.Ranges.Reserve(count)
	if rerr != defs.Ok {
		return rerr
	}
	for i, frame := range frames {
		fromAS.Table.Unmap(fromVA+uintptr(i)*mem.PageSize, false, nil)
		toAS.Table.Map(base+uintptr(i)*mem.PageSize, frame, true, true, false)
	}

	msg.Payload[3] = uint64(base)
	msg.Payload[4] = uint64(count)
	return defs.Ok
}

// unwindTransfer reverses a completed transferPages after the fact (the
// queue turned out to be full): the receiver's pages move back to the
// sender at their original address, and the receiver's reservation is
// released.
func unwindTransfer(toAS *vm.AddressSpace, toVA uintptr, count int, fromAS *vm.AddressSpace, fromVA uintptr) {
	for i := 0; i < count; i++ {
		frame, present, _, found := toAS.Table.Lookup(toVA + uintptr(i)*mem.PageSize)
		if !found || !present {
			continue
		}
		toAS.Table.Unmap(toVA+uintptr(i)*mem.PageSize, false, nil)
		fromAS.Table.Map(fromVA+uintptr(i)*mem.PageSize, frame, true, true, false)
	}
	toAS.Ranges.Release(toVA, count)
}

// ReceivePolling returns the next queued message for pid without blocking,
// or the poll sentinel message id if the inbox is empty (spec §4.F).
func (m *Mailroom) ReceivePolling(pid defs.Pid_t) defs.Message {
	q, ok := m.queueFor(pid)
	if !ok {
		return defs.Message{ID: defs.PollSentinel}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, got := q.popLocked()
	if !got {
		return defs.Message{ID: defs.PollSentinel}
	}
	return msg
}

// ReceiveBlocking pops the next message for pid, or reports empty=false so
// the caller (internal/syscall) can park the thread on the scheduler's
// message-wait list and retry once woken.
func (m *Mailroom) ReceiveBlocking(pid defs.Pid_t) (defs.Message, bool) {
	q, ok := m.queueFor(pid)
	if !ok {
		return defs.Message{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// HasPending reports whether pid's inbox is non-empty, used by the
// blocking-receive syscall path to decide whether to return immediately.
func (m *Mailroom) HasPending(pid defs.Pid_t) bool {
	q, ok := m.queueFor(pid)
	return ok && q.Len() > 0
}
