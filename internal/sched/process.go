// Package sched implements the process/thread model and the cooperative
// round-robin scheduler (spec §4.E), including thread creation/termination
// and the fatal-fault core-dump path (spec §7).
package sched

import (
	"sync"

	"github.com/andrewaprice/perception/internal/accnt"
	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/ilist"
	"github.com/andrewaprice/perception/internal/vm"
)

// Capability bits a process may carry (spec §3: "driver/launcher capability
// bits").
const (
	CapDriver   = 1 << 0
	CapLauncher = 1 << 1
)

// Process is one running program (spec §3).
type Process struct {
	Pid  defs.Pid_t
	Name [defs.MaxNameLen]byte
	Caps uint32

	AS *vm.AddressSpace

	Threads *ilist.List[defs.Tid_t]

	// Inbound message queue length. The queue itself, and the IPC
	// invariants (spec §8: messages_queued <= 1024), live in internal/ipc's
	// per-process Queue; nothing in this package or in internal/ipc
	// updates this field.
	QueueLen int

	JoinedSegments *ilist.List[uint64] // keyed by segment-mapping arena id

	Children *ilist.List[defs.Pid_t] // children still in the "creating" state

	ServiceSubs *ilist.List[uint64]
	DeathSubs   []defs.Pid_t // processes to notify when this one dies

	TimerEvents *ilist.List[uint64]

	Accnt *accnt.Accnt_t

	mu          sync.Mutex
	segJoinByID map[uint64]*segJoinLink
}

// segJoinLink is the intrusive link storage for Process.JoinedSegments; a
// segment id has nowhere of its own to carry prev/next, so each joined id
// gets one of these instead (the same shape as shm.joinMapping's linkage).
type segJoinLink struct{ prev, next uint64 }

func (j *segJoinLink) Links() (uint64, uint64)    { return j.prev, j.next }
func (j *segJoinLink) SetLinks(prev, next uint64) { j.prev, j.next = prev, next }

func (p *Process) segJoinGet(id uint64) ilist.Node[uint64] { return p.segJoinByID[id] }

// RecordSharedMemoryJoin notes that the process has joined segID, so a
// dying process can leave every segment it is still part of (spec §4.E:
// process destruction drains shared-memory joins). A repeat join (the
// process already holds a reference, per shm.Table's own refcounting) is a
// no-op here since it is already recorded.
func (p *Process) RecordSharedMemoryJoin(segID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.segJoinByID[segID]; ok {
		return
	}
	p.segJoinByID[segID] = &segJoinLink{}
	p.JoinedSegments.PushBack(segID, p.segJoinGet)
}

// ForgetSharedMemoryJoin drops segID from the joined set (spec §6:
// LeaveSharedMemory dropping the process's last reference).
func (p *Process) ForgetSharedMemoryJoin(segID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.segJoinByID[segID]; !ok {
		return
	}
	p.JoinedSegments.Remove(segID, p.segJoinGet)
	delete(p.segJoinByID, segID)
}

// SharedMemoryJoins returns every segment id the process currently has
// joined, for terminateProcess to walk on its way out.
func (p *Process) SharedMemoryJoins() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uint64, 0, p.JoinedSegments.Len())
	p.JoinedSegments.Each(p.segJoinGet, func(id uint64) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// NameString returns the process's name with its zero padding trimmed.
func (p *Process) NameString() string {
	i := 0
	for i < len(p.Name) && p.Name[i] != 0 {
		i++
	}
	return string(p.Name[:i])
}

// IsDriver reports whether this process was launched with driver
// privileges (spec §4.E: thread creation sets driver I/O-privilege flags
// iff the owning process is a driver).
func (p *Process) IsDriver() bool { return p.Caps&CapDriver != 0 }

func newProcess(pid defs.Pid_t, name string, caps uint32, as *vm.AddressSpace) *Process {
	p := &Process{
		Pid:            pid,
		Caps:           caps,
		AS:             as,
		Threads:        ilist.NewList[defs.Tid_t](0),
		JoinedSegments: ilist.NewList[uint64](0),
		Children:       ilist.NewList[defs.Pid_t](0),
		ServiceSubs:    ilist.NewList[uint64](0),
		TimerEvents:    ilist.NewList[uint64](0),
		Accnt:          &accnt.Accnt_t{},
		segJoinByID:    make(map[uint64]*segJoinLink),
	}
	copy(p.Name[:], name)
	return p
}
