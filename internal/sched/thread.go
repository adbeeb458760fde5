package sched

import "github.com/andrewaprice/perception/internal/defs"

// Regs is the saved register frame used for both syscall argument/result
// passing (spec §6: "syscall number in the designated register, up to
// seven argument registers, seven result registers") and for resuming a
// descheduled thread.
type Regs struct {
	Rax, Rbx, Rcx, Rdx, Rsi, Rdi, Rbp, Rsp, Rip uint64
	R8, R9, R10, R11, R12, R13, R14, R15        uint64
	Rflags                                      uint64
}

// FPUState is the 16-byte-aligned FXSAVE-shaped save area (spec §3). Go
// cannot assert field alignment the way the teacher's assembly stub does;
// the array is kept a multiple of 16 bytes as a best-effort analogue.
type FPUState [512]byte

// Thread scheduling flags (spec §3).
const (
	FlagAwake                = 1 << 0
	FlagWaitingForMessage    = 1 << 1
	FlagWaitingForSharedPage = 1 << 2
)

// Thread is one schedulable execution context (spec §3).
type Thread struct {
	Pid   defs.Pid_t
	Tid   defs.Tid_t
	Regs  Regs
	Stack uintptr
	StackPages int
	FPU   FPUState
	FPUDirty bool
	Flags int

	// ClearOnExit is the musl-style robust-list address written with zero
	// on thread termination, iff non-zero and it resolves (spec §4.E).
	ClearOnExit uintptr

	procPrev, procNext   defs.Tid_t
	schedPrev, schedNext defs.Tid_t
}

func (t *Thread) awake() bool { return t.Flags&FlagAwake != 0 }

type procNode struct{ t *Thread }

func (n procNode) Links() (defs.Tid_t, defs.Tid_t)    { return n.t.procPrev, n.t.procNext }
func (n procNode) SetLinks(prev, next defs.Tid_t) { n.t.procPrev, n.t.procNext = prev, next }

type schedNode struct{ t *Thread }

func (n schedNode) Links() (defs.Tid_t, defs.Tid_t)    { return n.t.schedPrev, n.t.schedNext }
func (n schedNode) SetLinks(prev, next defs.Tid_t) { n.t.schedPrev, n.t.schedNext = prev, next }
