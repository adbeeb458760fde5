// Package shm implements named shared-memory segments with lazy page
// allocation (spec §4.G). A segment is an arena of pages identified by
// offset; pages may be materialized up front or left unbacked until the
// first process touches them, at which point a page fault routes to the
// segment's creator so exactly one process decides what backs the page.
package shm

import (
	"sync"

	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/ilist"
	"github.com/andrewaprice/perception/internal/mem"
	"github.com/andrewaprice/perception/internal/vm"
)

// Flag bits a segment is created with (spec §4.G).
const (
	LazilyAllocated = 1 << 0 // pages are unbacked until first touched
	JoinersCanWrite = 1 << 1 // joiners other than the creator may map writable
)

// Waker lets shm resume a thread blocked waiting for a lazily-allocated
// page to arrive, without importing internal/sched directly.
type Waker interface {
	WakeFromSharedPage(tid defs.Tid_t)
}

type joinMapping struct {
	pid      defs.Pid_t
	as       *vm.AddressSpace
	va       uintptr
	writable bool
	refcount int // repeated joins by the same process bump this instead of remapping (spec §4.G)

	prev, next uint64 // segment join-list linkage, keyed synthetically below
}

func (j *joinMapping) Links() (uint64, uint64)    { return j.prev, j.next }
func (j *joinMapping) SetLinks(prev, next uint64) { j.prev, j.next = prev, next }

// Segment is one named shared-memory region (spec §4.G).
type Segment struct {
	ID      defs.SegID_t
	Name    string
	Creator defs.Pid_t
	Flags   uint32
	Pages   int

	// LazyMessageID is the message id PageFault sends to Creator on a
	// miss when the segment is LazilyAllocated; meaningless otherwise.
	LazyMessageID defs.MsgID_t

	mu       sync.Mutex
	frames   map[int]mem.FrameID // page offset -> backing frame, present iff materialized
	joins    *ilist.List[uint64]
	joinByID map[uint64]*joinMapping
	nextJoin uint64
	waiters  map[int][]defs.Tid_t // page offset -> threads parked on a lazy fault
}

// Table is the process-independent registry of live segments, looked up by
// name at join time and by id everywhere else (spec §4.G).
type Table struct {
	mu       sync.Mutex
	byID     map[defs.SegID_t]*Segment
	byName   map[string]defs.SegID_t
	nextID   defs.SegID_t
	waker    Waker
}

// NewTable builds an empty segment registry.
func NewTable(waker Waker) *Table {
	return &Table{
		byID:   make(map[defs.SegID_t]*Segment),
		byName: make(map[string]defs.SegID_t),
		waker:  waker,
	}
}

// Create registers a new named segment of the given page count (spec
// §4.G). lazyMsgID is the message id PageFault fires on the creator when
// the segment is LazilyAllocated; callers of a non-lazy segment may pass
// 0. Fails with EEXIST if the name is already taken.
func (t *Table) Create(name string, creator defs.Pid_t, pages int, flags uint32, lazyMsgID defs.MsgID_t) (*Segment, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byName[name]; exists {
		return nil, defs.EEXIST
	}
	t.nextID++
	seg := &Segment{
		ID:            t.nextID,
		Name:          name,
		Creator:       creator,
		Flags:         flags,
		Pages:         pages,
		LazyMessageID: lazyMsgID,
		frames:        make(map[int]mem.FrameID),
		joins:         ilist.NewList[uint64](0),
		joinByID:      make(map[uint64]*joinMapping),
		waiters:       make(map[int][]defs.Tid_t),
	}
	t.byID[seg.ID] = seg
	t.byName[name] = seg.ID
	return seg, defs.Ok
}

// MaterializeFrame installs an already-acquired frame at offset in seg,
// for callers (such as internal/elf) that pre-fill a non-lazy segment's
// pages before anyone has joined it.
func (t *Table) MaterializeFrame(seg *Segment, offset int, frame mem.FrameID) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	seg.frames[offset] = frame
}

// SetAccess updates whether non-creator joiners may map a segment writable
// (spec §6: SetSharedMemoryAccess); it only affects joins made afterward.
func (t *Table) SetAccess(seg *Segment, joinersCanWrite bool) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	if joinersCanWrite {
		seg.Flags |= JoinersCanWrite
	} else {
		seg.Flags &^= JoinersCanWrite
	}
}

// Lookup finds a segment by name (spec §4.G: join by name).
func (t *Table) Lookup(name string) (*Segment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	return t.byID[id], true
}

// ByID finds a segment by arena id.
func (t *Table) ByID(id defs.SegID_t) (*Segment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	return s, ok
}

// findJoinLocked returns pid's existing join mapping in seg, if any. Caller
// holds seg.mu.
func findJoinLocked(seg *Segment, pid defs.Pid_t) (*joinMapping, uint64) {
	var found *joinMapping
	var foundID uint64
	seg.joins.Each(func(id uint64) ilist.Node[uint64] { return seg.joinByID[id] }, func(id uint64) bool {
		if seg.joinByID[id].pid == pid {
			found, foundID = seg.joinByID[id], id
			return false
		}
		return true
	})
	return found, foundID
}

// Join maps a process into a segment at a kernel-chosen virtual address
// (spec §4.G): a fresh range of seg.Pages is reserved in as and the result
// returned to the caller. If pid has already joined seg, its reference
// count is bumped instead and the existing virtual base returned. Use
// JoinAt when the caller needs seg mapped at a specific address (e.g. the
// ELF loader's per-module layout).
func (t *Table) Join(seg *Segment, pid defs.Pid_t, as *vm.AddressSpace, alloc *mem.Allocator, writable bool) (uintptr, defs.Err_t) {
	seg.mu.Lock()
	defer seg.mu.Unlock()

	if jm, _ := findJoinLocked(seg, pid); jm != nil {
		jm.refcount++
		return jm.va, defs.Ok
	}

	va, rerr := as.Ranges.Reserve(seg.Pages)
	if rerr != defs.Ok {
		return 0, rerr
	}
	if err := t.joinAtLocked(seg, pid, as, va, alloc, writable); err != defs.Ok {
		as.Ranges.Release(va, seg.Pages)
		return 0, err
	}
	return va, defs.Ok
}

// JoinAt maps a process into a segment at a caller-chosen virtual address
// (spec §4.G), for callers that need a specific layout rather than letting
// the kernel pick — the ELF loader sharing a read-only module image at its
// link address, or an mmf.Server honoring the address a caller passed to
// mmap. Rejoin semantics (reference count bump, ignoring va) match Join.
func (t *Table) JoinAt(seg *Segment, pid defs.Pid_t, as *vm.AddressSpace, va uintptr, alloc *mem.Allocator, writable bool) defs.Err_t {
	seg.mu.Lock()
	defer seg.mu.Unlock()

	if jm, _ := findJoinLocked(seg, pid); jm != nil {
		jm.refcount++
		return defs.Ok
	}
	return t.joinAtLocked(seg, pid, as, va, alloc, writable)
}

// joinAtLocked installs pid's mapping of seg at va and records the join.
// Caller holds seg.mu and has already confirmed pid has no existing join.
func (t *Table) joinAtLocked(seg *Segment, pid defs.Pid_t, as *vm.AddressSpace, va uintptr, alloc *mem.Allocator, writable bool) defs.Err_t {
	effectiveWrite := writable && (pid == seg.Creator || seg.Flags&JoinersCanWrite != 0)

	if seg.Flags&LazilyAllocated == 0 {
		for off := 0; off < seg.Pages; off++ {
			if _, ok := seg.frames[off]; !ok {
				f, err := alloc.Acquire()
				if err != defs.Ok {
					return err
				}
				seg.frames[off] = f
			}
		}
	}

	for off, frame := range seg.frames {
		as.Table.Map(va+uintptr(off)*mem.PageSize, frame, false, effectiveWrite, false)
	}
	if seg.Flags&LazilyAllocated != 0 {
		for off := 0; off < seg.Pages; off++ {
			if _, ok := seg.frames[off]; !ok {
				as.Table.Map(va+uintptr(off)*mem.PageSize, 0, false, effectiveWrite, true)
			}
		}
	}

	seg.nextJoin++
	jid := seg.nextJoin
	jm := &joinMapping{pid: pid, as: as, va: va, writable: effectiveWrite, refcount: 1}
	seg.joinByID[jid] = jm
	seg.joins.PushBack(jid, func(id uint64) ilist.Node[uint64] { return seg.joinByID[id] })
	return defs.Ok
}

// Frame returns the frame materialized at offset in seg, if any.
func (t *Table) Frame(seg *Segment, offset int) (mem.FrameID, bool) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	f, ok := seg.frames[offset]
	return f, ok
}

// PageFault resolves a fault on a reserved-but-absent shared page (spec
// §4.G): if the page is already materialized by a racing fault (and so is
// already mapped into every joiner), it reports needsCreatorNotify=false;
// otherwise it records tid as a waiter on that offset, to be woken by
// MovePageIntoSegment, and returns the creator the caller must notify.
// Parking the thread is left to the caller.
func (t *Table) PageFault(seg *Segment, tid defs.Tid_t, faultVA uintptr, segBase uintptr) (needsCreatorNotify bool, creator defs.Pid_t) {
	return t.PageFaultAtOffset(seg, tid, int((faultVA-segBase)/mem.PageSize))
}

// PageFaultAtOffset is PageFault's offset-addressed form, for callers
// (such as internal/mmf) that already know the faulting page offset
// without needing to recover it from a faulting virtual address.
func (t *Table) PageFaultAtOffset(seg *Segment, tid defs.Tid_t, offset int) (needsCreatorNotify bool, creator defs.Pid_t) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	if _, ok := seg.frames[offset]; ok {
		return false, 0
	}
	seg.waiters[offset] = append(seg.waiters[offset], tid)
	return true, seg.Creator
}

// MovePageIntoSegment installs a frame the creator supplies at the given
// page offset, completing a lazy allocation (spec §4.G / §9 bug-fix note:
// keyed by offset_in_buffer, not loop index, so concurrent faults on
// different pages of the same segment cannot be cross-wired). Every
// process already joined to the segment, plus every thread parked waiting
// on this offset, is updated/woken.
func (t *Table) MovePageIntoSegment(seg *Segment, offset int, frame mem.FrameID) {
	seg.mu.Lock()
	seg.frames[offset] = frame
	waiters := seg.waiters[offset]
	delete(seg.waiters, offset)

	seg.joins.Each(func(id uint64) ilist.Node[uint64] { return seg.joinByID[id] }, func(id uint64) bool {
		jm := seg.joinByID[id]
		jm.as.Table.Map(jm.va+uintptr(offset)*mem.PageSize, frame, false, jm.writable, false)
		return true
	})
	seg.mu.Unlock()

	if t.waker != nil {
		for _, tid := range waiters {
			t.waker.WakeFromSharedPage(tid)
		}
	}
}

// Leave drops one reference to pid's mapping of seg (spec §4.G): a process
// that joined more than once must leave the same number of times before
// its mapping is actually unmapped; the last leave never affects other
// joiners or the segment's backing frames.
func (t *Table) Leave(seg *Segment, pid defs.Pid_t) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	jm, found := findJoinLocked(seg, pid)
	if jm == nil {
		return
	}
	jm.refcount--
	if jm.refcount > 0 {
		return
	}
	for off := 0; off < seg.Pages; off++ {
		jm.as.Table.Unmap(jm.va+uintptr(off)*mem.PageSize, false, nil)
	}
	seg.joins.Remove(found, func(id uint64) ilist.Node[uint64] { return seg.joinByID[id] })
	delete(seg.joinByID, found)
}

// Destroy releases every materialized frame of seg and drops it from the
// registry, called once all joiners have left and the creator has closed
// its handle.
func (t *Table) Destroy(seg *Segment, alloc *mem.Allocator) {
	seg.mu.Lock()
	for _, f := range seg.frames {
		alloc.Release(f)
	}
	seg.mu.Unlock()

	t.mu.Lock()
	delete(t.byID, seg.ID)
	delete(t.byName, seg.Name)
	t.mu.Unlock()
}
