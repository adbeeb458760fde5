package sched

import (
	"fmt"
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/ilist"
	"github.com/andrewaprice/perception/internal/klog"
	"github.com/andrewaprice/perception/internal/mem"
	"github.com/andrewaprice/perception/internal/vm"
)

// idlePid/idleTid name the kernel-idle sentinel thread that schedule_next
// resumes when the run queue is otherwise empty (spec §4.E).
const idlePid defs.Pid_t = 0
const idleTid defs.Tid_t = 0

// Scheduler owns the run queue of awake threads, the two blocking lists
// (waiting for a message, waiting for a shared page), and the
// process/thread arenas. Every field is guarded by mu:
// on a single CPU the kernel is non-preemptible, so one mutex per
// subsystem suffices (spec §5) — the scheduler is one such subsystem.
type Scheduler struct {
	mu sync.Mutex

	alloc      *mem.Allocator
	kernelSlot *vm.KernelSlot

	processes map[defs.Pid_t]*Process
	threads   map[defs.Tid_t]*Thread
	nextPid   defs.Pid_t
	nextTid   defs.Tid_t

	awake             *ilist.List[defs.Tid_t]
	sleepingMessage   *ilist.List[defs.Tid_t]
	sleepingSharedPage *ilist.List[defs.Tid_t]

	current defs.Tid_t // idleTid means the CPU is idle
	idle    *Thread
}

// New builds a scheduler over a physical frame allocator, with the idle
// thread pre-seated as the initial "current" (spec §4.E: current points to
// the running thread or null/idle).
func New(alloc *mem.Allocator) *Scheduler {
	s := &Scheduler{
		alloc:              alloc,
		kernelSlot:         vm.NewKernelSlot(),
		processes:          make(map[defs.Pid_t]*Process),
		threads:            make(map[defs.Tid_t]*Thread),
		awake:              ilist.NewList[defs.Tid_t](idleTid),
		sleepingMessage:    ilist.NewList[defs.Tid_t](idleTid),
		sleepingSharedPage: ilist.NewList[defs.Tid_t](idleTid),
		current:            idleTid,
	}
	s.idle = &Thread{Pid: idlePid, Tid: idleTid, Flags: FlagAwake}
	s.threads[idleTid] = s.idle
	return s
}

func (s *Scheduler) get(tid defs.Tid_t) ilist.Node[defs.Tid_t] {
	return schedNode{s.threads[tid]}
}

// CreateProcess allocates a process id, a fresh address space, and
// installs it in the scheduler's arena (spec §3/§4.L step 4).
func (s *Scheduler) CreateProcess(name string, caps uint32) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPid++
	pid := s.nextPid
	as := vm.NewAddressSpace(s.alloc, s.kernelSlot)
	p := newProcess(pid, name, caps, as)
	s.processes[pid] = p
	return p
}

// Process looks up a live process by pid.
func (s *Scheduler) Process(pid defs.Pid_t) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[pid]
	return p, ok
}

// Thread looks up a live thread by id.
func (s *Scheduler) Thread(tid defs.Tid_t) (*Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[tid]
	return t, ok
}

// CreateThread spawns a thread at (rip, arg) in proc, allocating its stack
// from the owner address space (spec §4.E). The stack grows down from the
// returned base+size.
func (s *Scheduler) CreateThread(proc *Process, rip, arg uint64, stackPages int) (*Thread, defs.Err_t) {
	base, err := proc.AS.Allocate(stackPages, 0)
	if err != defs.Ok {
		return nil, err
	}

	s.mu.Lock()
	s.nextTid++
	tid := s.nextTid
	s.mu.Unlock()

	t := &Thread{
		Pid:        proc.Pid,
		Tid:        tid,
		Stack:      base,
		StackPages: stackPages,
		Flags:      FlagAwake,
	}
	top := base + uintptr(stackPages)*mem.PageSize
	t.Regs.Rsp = uint64(top)
	t.Regs.Rip = rip
	t.Regs.Rdi = arg // single argument word (spec §4.E)
	if proc.IsDriver() {
		t.Regs.Rflags |= 1 << 12 // IOPL bits, simulated
	}

	s.mu.Lock()
	s.threads[tid] = t
	proc.Threads.PushBack(tid, func(id defs.Tid_t) ilist.Node[defs.Tid_t] { return procNode{s.threads[id]} })
	s.awake.PushBack(tid, s.get)
	s.mu.Unlock()
	return t, defs.Ok
}

// wakeLocked moves tid from whichever blocking list it is parked on back
// onto the awake run queue. Caller holds s.mu.
func (s *Scheduler) wakeLocked(tid defs.Tid_t, from *ilist.List[defs.Tid_t]) {
	from.Remove(tid, s.get)
	t := s.threads[tid]
	t.Flags = FlagAwake
	s.awake.PushBack(tid, s.get)
}

// WakeFromMessage moves a thread off the message-wait list, used by
// internal/ipc when a send targets a thread already blocked in receive.
func (s *Scheduler) WakeFromMessage(tid defs.Tid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeLocked(tid, s.sleepingMessage)
}

// WakeFromSharedPage wakes a thread blocked on a lazily-allocated shared
// page (spec §4.G).
func (s *Scheduler) WakeFromSharedPage(tid defs.Tid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeLocked(tid, s.sleepingSharedPage)
}

// BlockOnMessage parks the current thread until a message arrives.
func (s *Scheduler) BlockOnMessage(tid defs.Tid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awake.Remove(tid, s.get)
	s.threads[tid].Flags = FlagWaitingForMessage
	s.sleepingMessage.PushBack(tid, s.get)
}

// BlockOnSharedPage parks the current thread until a shared page arrives.
func (s *Scheduler) BlockOnSharedPage(tid defs.Tid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.awake.Remove(tid, s.get)
	s.threads[tid].Flags = FlagWaitingForSharedPage
	s.sleepingSharedPage.PushBack(tid, s.get)
}

// Current returns the currently-running thread, or nil if the CPU is idle.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == idleTid {
		return nil
	}
	return s.threads[s.current]
}

// ScheduleNext advances to the next awake thread, following spec §4.E's
// three-step contract: save FPU state if dirty, switch to idle if the run
// queue is empty, otherwise resume the thread at the head of the run
// queue, re-queueing it at the tail. No address-space switch is performed
// here.
func (s *Scheduler) ScheduleNext() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != idleTid {
		cur := s.threads[s.current]
		if cur.FPUDirty {
			// FPU state is already resident in cur.FPU; nothing further
			// to copy in this simulation (spec §4.E step 1).
			cur.FPUDirty = false
		}
	}

	if s.awake.Empty() {
		s.current = idleTid
		return s.idle
	}

	next, _ := s.awake.PopFront(s.get)
	s.awake.PushBack(next, s.get) // round-robin: re-queue at the tail
	s.current = next
	return s.threads[next]
}

// TerminateThread frees a thread's stack and, per spec §4.E, writes zero to
// its "clear on exit" address if one was registered and resolves. When the
// last thread of a process exits, the process itself is torn down and
// destroy is invoked (the caller supplies destroy so sched does not need
// to import ipc/shm/timer/svc to clean up their state, per spec §5's
// cancellation rules).
func (s *Scheduler) TerminateThread(tid defs.Tid_t, writeClearOnExit func(uintptr), destroyProcess func(defs.Pid_t)) {
	s.mu.Lock()
	t, ok := s.threads[tid]
	if !ok {
		s.mu.Unlock()
		return
	}
	proc := s.processes[t.Pid]
	s.awake.Remove(tid, s.get)
	s.sleepingMessage.Remove(tid, s.get)
	s.sleepingSharedPage.Remove(tid, s.get)
	if proc != nil {
		proc.Threads.Remove(tid, func(id defs.Tid_t) ilist.Node[defs.Tid_t] { return procNode{s.threads[id]} })
	}
	delete(s.threads, tid)
	lastThread := proc != nil && proc.Threads.Empty()
	if s.current == tid {
		s.current = idleTid
	}
	s.mu.Unlock()

	proc.AS.Release(t.Stack, t.StackPages, true)

	if t.ClearOnExit != 0 && writeClearOnExit != nil {
		writeClearOnExit(t.ClearOnExit)
	}

	if lastThread && destroyProcess != nil {
		destroyProcess(t.Pid)
	}
}

// ThreadsOf returns every live thread id belonging to pid, a snapshot used
// by callers that need to tear down every thread of a process killed from
// outside (spec §4.E: TerminateProcess acts on a pid, not just "self").
func (s *Scheduler) ThreadsOf(pid defs.Pid_t) []defs.Tid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []defs.Tid_t
	for tid, t := range s.threads {
		if t.Pid == pid {
			out = append(out, tid)
		}
	}
	return out
}

// DestroyProcess removes a process from the scheduler's arena and tears
// down its address space (spec §4.C: destroy, called exactly once).
func (s *Scheduler) DestroyProcess(pid defs.Pid_t) {
	s.mu.Lock()
	p, ok := s.processes[pid]
	if ok {
		delete(s.processes, pid)
	}
	s.mu.Unlock()
	if ok {
		p.AS.Destroy()
	}
}

// CrashDump renders the fatal-fault core-dump frame (spec §7): registers
// plus a best-effort disassembly of the faulting instruction, using
// golang.org/x/arch/x86/x86asm the way the teacher's dependency graph
// pairs it with profiling for low-level diagnostics.
func CrashDump(t *Thread, faultBytes []byte, reason string) string {
	out := fmt.Sprintf("fatal fault in pid=%d tid=%d: %s\n", t.Pid, t.Tid, reason)
	out += fmt.Sprintf("  rip=%#x rsp=%#x rax=%#x rbx=%#x rcx=%#x rdx=%#x\n",
		t.Regs.Rip, t.Regs.Rsp, t.Regs.Rax, t.Regs.Rbx, t.Regs.Rcx, t.Regs.Rdx)
	if len(faultBytes) > 0 {
		if insn, err := x86asm.Decode(faultBytes, 64); err == nil {
			out += fmt.Sprintf("  faulting instruction: %s\n", x86asm.GNUSyntax(insn, t.Regs.Rip, nil))
		} else {
			out += "  faulting instruction: <could not decode>\n"
		}
	}
	klog.Tagf("sched", "%s", out)
	return out
}
