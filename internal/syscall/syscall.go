// Package syscall implements the 62-entry system-call dispatch table (spec
// §6): syscall number in a designated register, up to seven argument
// registers, up to seven result registers, mirroring the teacher's
// register-argument-passing convention rather than Go's normal multi-value
// ergonomics so the dispatch surface stays faithful to the real ABI. A
// message carries three header words (id, sender, metadata) plus five
// payload words — one more value than SendMessage/receive-a-message can
// fit in seven registers — so those two calls alone get an eighth
// register (A7/R7) to carry the fifth payload word, the page count of a
// page-transferring send (spec §4.F).
package syscall

import (
	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/elf"
	"github.com/andrewaprice/perception/internal/ipc"
	"github.com/andrewaprice/perception/internal/mem"
	"github.com/andrewaprice/perception/internal/profiling"
	"github.com/andrewaprice/perception/internal/sched"
	"github.com/andrewaprice/perception/internal/shm"
	"github.com/andrewaprice/perception/internal/svc"
	"github.com/andrewaprice/perception/internal/timer"
	"github.com/andrewaprice/perception/internal/vfs"
)

// Args is the seven-register argument frame a syscall is invoked with; A7
// is unused except by SendMessage (see the package doc comment).
type Args struct {
	A0, A1, A2, A3, A4, A5, A6, A7 uint64
}

// Result is the result frame a syscall produces; Err carries the status
// word (spec §7) and R0-R6 the returned values. R7 is unused except when
// returning a received message's fifth payload word.
type Result struct {
	Err                            defs.Err_t
	R0, R1, R2, R3, R4, R5, R6, R7 uint64
}

// Kernel bundles every subsystem the dispatch table calls into.
type Kernel struct {
	Sched     *sched.Scheduler
	Mail      *ipc.Mailroom
	Shm       *shm.Table
	VFS       *vfs.Table
	Services  *svc.Registry
	Timers    *timer.Queue
	Profiler  *profiling.Profiler
	Loader    *elf.Loader
	Alloc     *mem.Allocator
	interrupts map[uint32]interruptSub
}

// NewKernel wires the subsystems together, including the registries whose
// only readers/writers are this package (the interrupt-vector table).
func NewKernel(s *sched.Scheduler, mail *ipc.Mailroom, shmTbl *shm.Table, vfsTbl *vfs.Table, services *svc.Registry, timers *timer.Queue, profiler *profiling.Profiler, loader *elf.Loader, alloc *mem.Allocator) *Kernel {
	return &Kernel{
		Sched:      s,
		Mail:       mail,
		Shm:        shmTbl,
		VFS:        vfsTbl,
		Services:   services,
		Timers:     timers,
		Profiler:   profiler,
		Loader:     loader,
		Alloc:      alloc,
		interrupts: make(map[uint32]interruptSub),
	}
}

type interruptSub struct {
	pid       defs.Pid_t
	messageID defs.MsgID_t
}

// DeliverInterrupt sends the message registered against vector, if any, to
// its owning process (spec §6: RegisterInterruptMessage). Called by the
// kernel's interrupt-handling path, which is out of this package's scope.
func (k *Kernel) DeliverInterrupt(vector uint32) {
	sub, ok := k.interrupts[vector]
	if !ok {
		return
	}
	k.Mail.Send(sub.pid, defs.Message{ID: sub.messageID, FromPid: 0}, nil, nil)
}

// HandlePageFault resolves a fault on a reserved-but-absent page of a
// lazily-allocated shared segment (spec §4.G). Called by the kernel's
// page-fault trap path, which is out of this package's scope, with the
// faulting thread and the segment/address pair it touched. If the page is
// already materialized by a racing fault the caller returns immediately;
// otherwise the fault is routed to the segment's creator as an IPC
// message (id = seg.LazyMessageID, payload[0] = page offset) and the
// faulting thread is parked until the creator calls MovePageIntoSegment.
func (k *Kernel) HandlePageFault(tid defs.Tid_t, seg *shm.Segment, faultVA, segBase uintptr) defs.Err_t {
	needsNotify, creator := k.Shm.PageFault(seg, tid, faultVA, segBase)
	if !needsNotify {
		return defs.Ok
	}
	offset := uint64((faultVA - segBase) / mem.PageSize)
	k.Mail.Send(creator, defs.Message{
		ID:      seg.LazyMessageID,
		FromPid: 0,
		Payload: [5]uint64{uint64(seg.ID), offset},
	}, nil, nil)
	k.Sched.BlockOnSharedPage(tid)
	return defs.Ok
}

// serviceNotifier forwards service appearance/disappearance events to a
// subscribing process as an IPC message (spec §4.H): Payload[0] is the
// service's message id and Payload[1] is 1 for an appearance, 0 for a
// disappearance. The metadata word stays 0, since its low bit marks a
// page-transferring message.
type serviceNotifier struct {
	mail      *ipc.Mailroom
	pid       defs.Pid_t
	messageID defs.MsgID_t
}

func (n serviceNotifier) Notify(e svc.Entry, appeared bool) {
	appearedFlag := uint64(0)
	if appeared {
		appearedFlag = 1
	}
	n.mail.Send(n.pid, defs.Message{
		ID:      n.messageID,
		FromPid: e.Pid,
		Payload: [5]uint64{e.MessageID, appearedFlag, 0, 0, 0},
	}, nil, nil)
}

// handlerFunc services one syscall on behalf of the calling thread.
type handlerFunc func(k *Kernel, tid defs.Tid_t, a Args) Result

// Dispatch is the syscall jump table (spec §6); indices with no handler
// answer ENOSYS so reserved-but-unnamed syscall numbers fail cleanly
// instead of panicking on a nil table entry.
var Dispatch [defs.SyscallCount]handlerFunc

func register(n defs.Syscall, fn handlerFunc) { Dispatch[n] = fn }

func init() {
	register(defs.SysCreateThread, sysCreateThread)
	register(defs.SysTerminateThisProcess, sysTerminateThisProcess)
	register(defs.SysTerminateProcess, sysTerminateProcess)
	register(defs.SysAllocateMemoryPages, sysAllocateMemoryPages)
	register(defs.SysSendMessage, sysSendMessage)
	register(defs.SysPollMessage, sysPollMessage)
	register(defs.SysSleepMessage, sysSleepMessage)
	register(defs.SysGetProcesses, sysGetProcesses)
	register(defs.SysRegisterService, sysRegisterService)
	register(defs.SysUnregisterService, sysUnregisterService)
	register(defs.SysGetService, sysGetService)
	register(defs.SysRegisterInterruptMsg, sysRegisterInterruptMsg)
	register(defs.SysUnregisterInterruptMsg, sysUnregisterInterruptMsg)
	register(defs.SysNotifyUponServiceAppear, sysNotifyUponService)
	register(defs.SysNotifyUponServiceGone, sysNotifyUponService)
	register(defs.SysSubscribeProcessDeath, sysSubscribeProcessDeath)
	register(defs.SysUnsubscribeProcessDeath, sysUnsubscribeProcessDeath)
	register(defs.SysCreateSharedMemory, sysCreateSharedMemory)
	register(defs.SysJoinSharedMemory, sysJoinSharedMemory)
	register(defs.SysLeaveSharedMemory, sysLeaveSharedMemory)
	register(defs.SysMovePageIntoSharedMem, sysMovePageIntoSharedMemory)
	register(defs.SysSetSharedMemoryAccess, sysSetSharedMemoryAccess)
	register(defs.SysCreateProcess, sysCreateProcess)
	register(defs.SysSetChildMemoryPage, sysSetChildMemoryPage)
	register(defs.SysStartExecution, sysStartExecution)
	register(defs.SysDestroyChild, sysDestroyChild)
	register(defs.SysEnableProfiling, sysEnableProfiling)
	register(defs.SysDisableAndOutputProfile, sysDisableAndOutputProfiling)
}

// Call invokes syscall n on behalf of tid, answering ENOSYS for any
// unregistered entry (spec §7: "the kernel never throws; it returns a
// status word").
func Call(k *Kernel, tid defs.Tid_t, n defs.Syscall, a Args) Result {
	if int(n) < 0 || int(n) >= len(Dispatch) || Dispatch[n] == nil {
		return Result{Err: defs.ENOSYS}
	}
	return Dispatch[n](k, tid, a)
}

func currentProcess(k *Kernel, tid defs.Tid_t) (*sched.Process, *sched.Thread, defs.Err_t) {
	t, ok := k.Sched.Thread(tid)
	if !ok {
		return nil, nil, defs.ESRCH
	}
	p, ok := k.Sched.Process(t.Pid)
	if !ok {
		return nil, nil, defs.ESRCH
	}
	return p, t, defs.Ok
}

func sysCreateThread(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	nt, terr := k.Sched.CreateThread(p, a.A0, a.A1, 4)
	if terr != defs.Ok {
		return Result{Err: terr}
	}
	return Result{Err: defs.Ok, R0: uint64(nt.Tid)}
}

func sysTerminateThisProcess(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	terminateProcess(k, p.Pid)
	return Result{Err: defs.Ok}
}

func sysTerminateProcess(k *Kernel, tid defs.Tid_t, a Args) Result {
	terminateProcess(k, defs.Pid_t(a.A0))
	return Result{Err: defs.Ok}
}

// terminateProcess tears down every thread of pid; the last thread to go
// triggers the process-wide cleanup spec §5 names: pending timer events,
// service entries, death subscriptions, the mailbox, every joined
// shared-memory segment, every open file handle, and the address space
// itself.
func terminateProcess(k *Kernel, pid defs.Pid_t) {
	destroy := func(p defs.Pid_t) {
		if proc, ok := k.Sched.Process(p); ok {
			for _, sub := range proc.DeathSubs {
				k.Mail.Send(sub, defs.Message{ID: processDeathMessageID, FromPid: p}, nil, nil)
			}
			for _, segID := range proc.SharedMemoryJoins() {
				if seg, ok := k.Shm.ByID(defs.SegID_t(segID)); ok {
					k.Shm.Leave(seg, p)
				}
			}
		}
		k.VFS.CloseProcess(p)
		k.Timers.CancelProcess(p)
		k.Services.UnregisterProcess(p)
		k.Services.Unsubscribe(p)
		k.Mail.Unregister(p)
		k.Sched.DestroyProcess(p)
	}
	for _, tid := range k.Sched.ThreadsOf(pid) {
		k.Sched.TerminateThread(tid, nil, destroy)
	}
	// A process with no threads yet (destroyed before its first
	// CreateThread) still needs its arena entry and address space dropped.
	k.Sched.DestroyProcess(pid)
}

func sysAllocateMemoryPages(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	va, aerr := p.AS.Allocate(int(a.A0), 0)
	if aerr != defs.Ok {
		return Result{Err: aerr}
	}
	return Result{Err: defs.Ok, R0: uint64(va)}
}

func sysSendMessage(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	msg := defs.Message{
		ID:       defs.MsgID_t(a.A1),
		FromPid:  p.Pid,
		Metadata: a.A2,
		Payload:  [5]uint64{a.A3, a.A4, a.A5, a.A6, a.A7},
	}
	var serr defs.Err_t
	if msg.MsgTransfersPages() {
		target, ok := k.Sched.Process(defs.Pid_t(a.A0))
		if !ok {
			return Result{Err: defs.ESRCH}
		}
		serr = k.Mail.Send(defs.Pid_t(a.A0), msg, p.AS, target.AS)
	} else {
		serr = k.Mail.Send(defs.Pid_t(a.A0), msg, p.AS, nil)
	}
	return Result{Err: serr}
}

func sysPollMessage(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	msg := k.Mail.ReceivePolling(p.Pid)
	return messageResult(msg)
}

func sysSleepMessage(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	if msg, got := k.Mail.ReceiveBlocking(p.Pid); got {
		return messageResult(msg)
	}
	k.Mail.MarkBlocked(p.Pid, tid)
	k.Sched.BlockOnMessage(tid)
	// The caller (the kernel's syscall-return path) must re-drive this
	// syscall once the scheduler wakes tid; Sleep returns only after a
	// message is actually available.
	return Result{Err: defs.Ok, R0: uint64(defs.PollSentinel)}
}

func messageResult(msg defs.Message) Result {
	return Result{
		Err: defs.Ok,
		R0:  uint64(msg.ID),
		R1:  uint64(msg.FromPid),
		R2:  msg.Metadata,
		R3:  msg.Payload[0],
		R4:  msg.Payload[1],
		R5:  msg.Payload[2],
		R6:  msg.Payload[3],
		R7:  msg.Payload[4],
	}
}

func sysGetProcesses(k *Kernel, tid defs.Tid_t, a Args) Result {
	// Paginated 12-pid directory query filtered by fixed-width name (spec
	// §6). This handler returns Ok with every result register zero: it
	// does not walk the process arena or apply the start/count/name filter.
	return Result{Err: defs.Ok}
}

func sysRegisterService(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	rerr := k.Services.Register(p.Pid, a.A0, "")
	return Result{Err: rerr}
}

func sysUnregisterService(k *Kernel, tid defs.Tid_t, a Args) Result {
	k.Services.Unregister(a.A0)
	return Result{Err: defs.Ok}
}

func sysGetService(k *Kernel, tid defs.Tid_t, a Args) Result {
	e, ok := k.Services.Lookup(a.A0)
	if !ok {
		return Result{Err: defs.ENOENT}
	}
	return Result{Err: defs.Ok, R0: uint64(e.Pid)}
}

func sysCreateSharedMemory(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	seg, serr := k.Shm.Create(segNameFromID(a.A0), p.Pid, int(a.A1), uint32(a.A2), defs.MsgID_t(a.A3))
	if serr != defs.Ok {
		return Result{Err: serr}
	}
	return Result{Err: defs.Ok, R0: uint64(seg.ID)}
}

func segNameFromID(id uint64) string {
	// Named segments are addressed by the caller's own id space; the
	// kernel does not interpret the name beyond using it as a lookup key.
	return "seg:" + itoa64(id)
}

func itoa64(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func sysJoinSharedMemory(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	seg, ok := k.Shm.ByID(defs.SegID_t(a.A0))
	if !ok {
		return Result{Err: defs.ENOENT}
	}
	va, jerr := k.Shm.Join(seg, p.Pid, p.AS, k.Alloc, a.A1 != 0)
	if jerr != defs.Ok {
		return Result{Err: jerr}
	}
	p.RecordSharedMemoryJoin(uint64(seg.ID))
	return Result{Err: defs.Ok, R0: uint64(va)}
}

func sysLeaveSharedMemory(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	seg, ok := k.Shm.ByID(defs.SegID_t(a.A0))
	if !ok {
		return Result{Err: defs.ENOENT}
	}
	k.Shm.Leave(seg, p.Pid)
	p.ForgetSharedMemoryJoin(uint64(seg.ID))
	return Result{Err: defs.Ok}
}

func sysMovePageIntoSharedMemory(k *Kernel, tid defs.Tid_t, a Args) Result {
	seg, ok := k.Shm.ByID(defs.SegID_t(a.A0))
	if !ok {
		return Result{Err: defs.ENOENT}
	}
	k.Shm.MovePageIntoSegment(seg, int(a.A1), mem.FrameID(a.A2))
	return Result{Err: defs.Ok}
}

func sysCreateProcess(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	child := k.Sched.CreateProcess("", 0)
	_ = p
	return Result{Err: defs.Ok, R0: uint64(child.Pid)}
}

func sysDestroyChild(k *Kernel, tid defs.Tid_t, a Args) Result {
	terminateProcess(k, defs.Pid_t(a.A0))
	k.Sched.DestroyProcess(defs.Pid_t(a.A0))
	return Result{Err: defs.Ok}
}

func sysEnableProfiling(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	k.Profiler.Enable(p.Pid)
	return Result{Err: defs.Ok}
}

func sysDisableAndOutputProfiling(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	k.Profiler.DisableAndOutput(p.Pid)
	return Result{Err: defs.Ok}
}

// processDeathMessageID is the fixed message id a death-subscription
// notification arrives under (spec §4.H: SubscribeProcessDeath).
const processDeathMessageID defs.MsgID_t = 0

func sysRegisterInterruptMsg(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	k.interrupts[uint32(a.A0)] = interruptSub{pid: p.Pid, messageID: defs.MsgID_t(a.A1)}
	return Result{Err: defs.Ok}
}

func sysUnregisterInterruptMsg(k *Kernel, tid defs.Tid_t, a Args) Result {
	delete(k.interrupts, uint32(a.A0))
	return Result{Err: defs.Ok}
}

// sysNotifyUponService backs both NotifyUponServiceAppear and
// NotifyUponServiceGone: the registry calls the subscriber's Notify with
// appeared=true/false, so a single subscription configured with one
// message id observes both directions (spec §4.H).
func sysNotifyUponService(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	k.Services.Subscribe(p.Pid, serviceNotifier{mail: k.Mail, pid: p.Pid, messageID: defs.MsgID_t(a.A0)})
	return Result{Err: defs.Ok}
}

func sysSubscribeProcessDeath(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	target, ok := k.Sched.Process(defs.Pid_t(a.A0))
	if !ok {
		return Result{Err: defs.ESRCH}
	}
	target.DeathSubs = append(target.DeathSubs, p.Pid)
	return Result{Err: defs.Ok}
}

func sysUnsubscribeProcessDeath(k *Kernel, tid defs.Tid_t, a Args) Result {
	p, _, err := currentProcess(k, tid)
	if err != defs.Ok {
		return Result{Err: err}
	}
	target, ok := k.Sched.Process(defs.Pid_t(a.A0))
	if !ok {
		return Result{Err: defs.ESRCH}
	}
	kept := target.DeathSubs[:0]
	for _, sub := range target.DeathSubs {
		if sub != p.Pid {
			kept = append(kept, sub)
		}
	}
	target.DeathSubs = kept
	return Result{Err: defs.Ok}
}

func sysSetSharedMemoryAccess(k *Kernel, tid defs.Tid_t, a Args) Result {
	seg, ok := k.Shm.ByID(defs.SegID_t(a.A0))
	if !ok {
		return Result{Err: defs.ENOENT}
	}
	k.Shm.SetAccess(seg, a.A1 != 0)
	return Result{Err: defs.Ok}
}

// sysSetChildMemoryPage maps one frame directly into a not-yet-started
// child's address space (spec §6: SetChildMemoryPage), the raw primitive a
// userspace loader uses instead of internal/elf's one-shot Launch.
func sysSetChildMemoryPage(k *Kernel, tid defs.Tid_t, a Args) Result {
	child, ok := k.Sched.Process(defs.Pid_t(a.A0))
	if !ok {
		return Result{Err: defs.ESRCH}
	}
	frame, ferr := k.Alloc.Acquire()
	if ferr != defs.Ok {
		return Result{Err: ferr}
	}
	child.AS.Table.Map(uintptr(a.A1), frame, true, true, false)
	return Result{Err: defs.Ok}
}

// sysStartExecution creates the child's first thread at the given entry
// point (spec §6: StartExecution), completing the raw construction
// sequence CreateProcess -> SetChildMemoryPage* -> StartExecution.
func sysStartExecution(k *Kernel, tid defs.Tid_t, a Args) Result {
	child, ok := k.Sched.Process(defs.Pid_t(a.A0))
	if !ok {
		return Result{Err: defs.ESRCH}
	}
	nt, terr := k.Sched.CreateThread(child, a.A1, a.A2, 16)
	if terr != defs.Ok {
		return Result{Err: terr}
	}
	return Result{Err: defs.Ok, R0: uint64(nt.Tid)}
}
