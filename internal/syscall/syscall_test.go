package syscall

import (
	"testing"

	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/ipc"
	"github.com/andrewaprice/perception/internal/mem"
	"github.com/andrewaprice/perception/internal/profiling"
	"github.com/andrewaprice/perception/internal/sched"
	"github.com/andrewaprice/perception/internal/shm"
	"github.com/andrewaprice/perception/internal/svc"
	"github.com/andrewaprice/perception/internal/timer"
	"github.com/andrewaprice/perception/internal/vfs"
)

func newTestKernel() (*Kernel, *sched.Scheduler, *ipc.Mailroom) {
	alloc := mem.NewAllocator(64)
	scheduler := sched.New(alloc)
	mail := ipc.NewMailroom(scheduler)
	shmTbl := shm.NewTable(scheduler)
	vfsTbl := vfs.NewTable()
	services := svc.NewRegistry()
	timers := timer.NewQueue()
	profiler := profiling.NewProfiler()
	k := NewKernel(scheduler, mail, shmTbl, vfsTbl, services, timers, profiler, nil, alloc)
	return k, scheduler, mail
}

func spawn(k *Kernel, mail *ipc.Mailroom, name string) (*sched.Process, *sched.Thread) {
	p := k.Sched.CreateProcess(name, 0)
	mail.Register(p.Pid)
	th, _ := k.Sched.CreateThread(p, 0, 0, 1)
	return p, th
}

func TestCallRejectsOutOfRangeAndUnregisteredSyscalls(t *testing.T) {
	k, _, _ := newTestKernel()
	if res := Call(k, defs.Tid_t(1), defs.Syscall(-1), Args{}); res.Err != defs.ENOSYS {
		t.Fatalf("Call with a negative syscall number = %v, want ENOSYS", res.Err)
	}
	if res := Call(k, defs.Tid_t(1), defs.Syscall(defs.SyscallCount), Args{}); res.Err != defs.ENOSYS {
		t.Fatalf("Call past SyscallCount = %v, want ENOSYS", res.Err)
	}
	// Syscall number 0 has no registered handler (spec §6 numbers the
	// dispatch table starting at 1).
	if res := Call(k, defs.Tid_t(1), defs.Syscall(0), Args{}); res.Err != defs.ENOSYS {
		t.Fatalf("Call on an unregistered syscall number = %v, want ENOSYS", res.Err)
	}
}

func TestSysCreateThreadUnknownCallerIsESRCH(t *testing.T) {
	k, _, _ := newTestKernel()
	res := Call(k, defs.Tid_t(999), defs.SysCreateThread, Args{A0: 0x1000})
	if res.Err != defs.ESRCH {
		t.Fatalf("CreateThread from an unknown tid = %v, want ESRCH", res.Err)
	}
}

func TestSysCreateThreadSpawnsRunnableThread(t *testing.T) {
	k, scheduler, mail := newTestKernel()
	_, th := spawn(k, mail, "parent")

	res := Call(k, th.Tid, defs.SysCreateThread, Args{A0: 0x4000, A1: 7})
	if res.Err != defs.Ok {
		t.Fatalf("CreateThread: %v", res.Err)
	}
	newTid := defs.Tid_t(res.R0)
	nt, ok := scheduler.Thread(newTid)
	if !ok {
		t.Fatalf("the created thread is not registered with the scheduler")
	}
	if nt.Regs.Rip != 0x4000 || nt.Regs.Rdi != 7 {
		t.Fatalf("new thread regs = %+v, want rip=0x4000 rdi=7", nt.Regs)
	}
}

func TestSysSendMessageAndPollRoundTrip(t *testing.T) {
	k, _, mail := newTestKernel()
	sender, senderTh := spawn(k, mail, "sender")
	receiver, _ := spawn(k, mail, "receiver")
	_ = sender

	res := Call(k, senderTh.Tid, defs.SysSendMessage, Args{
		A0: uint64(receiver.Pid),
		A1: 42,
		A2: 0, // metadata: no page transfer
		A3: 99,
	})
	if res.Err != defs.Ok {
		t.Fatalf("SendMessage: %v", res.Err)
	}

	if !mail.HasPending(receiver.Pid) {
		t.Fatalf("receiver's mailbox is empty after SendMessage")
	}
	msg := mail.ReceivePolling(receiver.Pid)
	if msg.ID != 42 || msg.FromPid != sender.Pid || msg.Payload[0] != 99 {
		t.Fatalf("delivered message = %+v, want ID=42 FromPid=%d Payload[0]=99", msg, sender.Pid)
	}
}

func TestSysSendMessageToUnknownProcessIsESRCH(t *testing.T) {
	k, _, mail := newTestKernel()
	_, senderTh := spawn(k, mail, "sender")

	res := Call(k, senderTh.Tid, defs.SysSendMessage, Args{A0: 9999, A1: 1})
	if res.Err != defs.ESRCH {
		t.Fatalf("SendMessage to an unregistered pid = %v, want ESRCH", res.Err)
	}
}

func TestSysPollMessageEmptyInboxReturnsSentinel(t *testing.T) {
	k, _, mail := newTestKernel()
	_, th := spawn(k, mail, "p")

	res := Call(k, th.Tid, defs.SysPollMessage, Args{})
	if res.Err != defs.Ok || defs.MsgID_t(res.R0) != defs.PollSentinel {
		t.Fatalf("PollMessage on an empty inbox = (err=%v id=%d), want (Ok, PollSentinel)", res.Err, res.R0)
	}
}

func TestSysSleepMessageParksThreadUntilWoken(t *testing.T) {
	k, scheduler, mail := newTestKernel()
	_, th := spawn(k, mail, "p")

	res := Call(k, th.Tid, defs.SysSleepMessage, Args{})
	if res.Err != defs.Ok || defs.MsgID_t(res.R0) != defs.PollSentinel {
		t.Fatalf("SleepMessage with nothing queued = %+v, want the poll sentinel", res)
	}
	if th.Flags != sched.FlagWaitingForMessage {
		t.Fatalf("thread flags after SleepMessage = %d, want FlagWaitingForMessage", th.Flags)
	}

	if err := mail.Send(th.Pid, defs.Message{ID: 7}, nil, nil); err != defs.Ok {
		t.Fatalf("Send: %v", err)
	}
	if th.Flags != sched.FlagAwake {
		t.Fatalf("Send did not wake a thread blocked via MarkBlocked: flags=%d", th.Flags)
	}
	if got := scheduler.ScheduleNext(); got.Tid != th.Tid {
		t.Fatalf("ScheduleNext after wake = %+v, want the woken thread", got)
	}
}

func TestTerminateThisProcessTearsDownEverySubsystem(t *testing.T) {
	k, scheduler, mail := newTestKernel()
	victim, victimTh := spawn(k, mail, "victim")
	watcher, watcherTh := spawn(k, mail, "watcher")

	if err := k.Services.Register(victim.Pid, 55, "victim-service"); err != defs.Ok {
		t.Fatalf("Register: %v", err)
	}
	timerID := k.Timers.Schedule(victim.Pid, 1000, 1)

	// Have the watcher subscribe to the victim's death.
	if r := Call(k, watcherTh.Tid, defs.SysSubscribeProcessDeath, Args{A0: uint64(victim.Pid)}); r.Err != defs.Ok {
		t.Fatalf("SubscribeProcessDeath: %v", r.Err)
	}

	if r := Call(k, victimTh.Tid, defs.SysTerminateThisProcess, Args{}); r.Err != defs.Ok {
		t.Fatalf("TerminateThisProcess: %v", r.Err)
	}

	if _, ok := k.Services.Lookup(55); ok {
		t.Fatalf("service entry survived process termination")
	}
	if k.Timers.Cancel(timerID) {
		t.Fatalf("timer event survived process termination (Cancel succeeded on a dead process's timer)")
	}
	if _, ok := scheduler.Process(victim.Pid); ok {
		t.Fatalf("process arena entry survived termination")
	}
	if !mail.HasPending(watcher.Pid) {
		t.Fatalf("the death subscriber was not notified")
	}
	notice := mail.ReceivePolling(watcher.Pid)
	if notice.ID != processDeathMessageID || notice.FromPid != victim.Pid {
		t.Fatalf("death notice = %+v, want ID=%d FromPid=%d", notice, processDeathMessageID, victim.Pid)
	}
}

type fakeHandle struct{ closed bool }

func (h *fakeHandle) Read(offset int64, buf []byte) (int, defs.Err_t) { return 0, defs.Ok }
func (h *fakeHandle) Size() int64                                     { return 0 }
func (h *fakeHandle) Close()                                          { h.closed = true }

type fakeDriver struct{ handle *fakeHandle }

func (d *fakeDriver) OpenFile(path string, opener defs.Pid_t) (vfs.FileHandle, defs.Err_t) {
	return d.handle, defs.Ok
}
func (d *fakeDriver) ListDirectory(path string, start, count int) ([]vfs.DirEntry, bool, defs.Err_t) {
	return nil, false, defs.Ok
}
func (d *fakeDriver) Stat(path string) (int64, defs.Err_t) { return 0, defs.Ok }

func TestTerminateProcessLeavesSharedMemoryAndClosesFiles(t *testing.T) {
	k, _, mail := newTestKernel()
	_, creatorTh := spawn(k, mail, "creator")
	joiner, joinerTh := spawn(k, mail, "joiner")

	res := Call(k, creatorTh.Tid, defs.SysCreateSharedMemory, Args{A0: 1, A1: 2, A2: 0})
	if res.Err != defs.Ok {
		t.Fatalf("CreateSharedMemory: %v", res.Err)
	}
	segID := defs.SegID_t(res.R0)

	jres := Call(k, joinerTh.Tid, defs.SysJoinSharedMemory, Args{A0: uint64(segID), A1: 0})
	if jres.Err != defs.Ok {
		t.Fatalf("JoinSharedMemory: %v", jres.Err)
	}
	joinVA := uintptr(jres.R0)

	driver := &fakeDriver{handle: &fakeHandle{}}
	k.VFS.Mount("Disk", driver)
	if _, err := k.VFS.OpenFile("/Disk/f", joiner.Pid); err != defs.Ok {
		t.Fatalf("OpenFile: %v", err)
	}

	if r := Call(k, joinerTh.Tid, defs.SysTerminateThisProcess, Args{}); r.Err != defs.Ok {
		t.Fatalf("TerminateThisProcess: %v", r.Err)
	}

	if _, present, _, _ := joiner.AS.Table.Lookup(joinVA); present {
		t.Fatalf("shared-memory mapping survived process termination")
	}
	if !driver.handle.closed {
		t.Fatalf("open file handle survived process termination")
	}
}

func TestSysCreateAndJoinSharedMemory(t *testing.T) {
	k, _, mail := newTestKernel()
	_, creatorTh := spawn(k, mail, "creator")
	joiner, joinerTh := spawn(k, mail, "joiner")

	res := Call(k, creatorTh.Tid, defs.SysCreateSharedMemory, Args{A0: 1, A1: 2, A2: 0})
	if res.Err != defs.Ok {
		t.Fatalf("CreateSharedMemory: %v", res.Err)
	}
	segID := res.R0

	jres := Call(k, joinerTh.Tid, defs.SysJoinSharedMemory, Args{A0: segID, A1: 0})
	if jres.Err != defs.Ok {
		t.Fatalf("JoinSharedMemory: %v", jres.Err)
	}
	joinVA := jres.R0

	_, present, _, ok := joiner.AS.Table.Lookup(uintptr(joinVA))
	if !ok || !present {
		t.Fatalf("joiner's address space has no mapping at the join address")
	}

	if lres := Call(k, joinerTh.Tid, defs.SysLeaveSharedMemory, Args{A0: segID}); lres.Err != defs.Ok {
		t.Fatalf("LeaveSharedMemory: %v", lres.Err)
	}
	if _, present, _, _ := joiner.AS.Table.Lookup(uintptr(joinVA)); present {
		t.Fatalf("mapping still present after LeaveSharedMemory")
	}
}

func TestSysJoinSharedMemoryUnknownSegmentIsENOENT(t *testing.T) {
	k, _, mail := newTestKernel()
	_, th := spawn(k, mail, "p")
	res := Call(k, th.Tid, defs.SysJoinSharedMemory, Args{A0: 12345})
	if res.Err != defs.ENOENT {
		t.Fatalf("JoinSharedMemory on an unknown segment = %v, want ENOENT", res.Err)
	}
}

func TestSysRegisterServiceAndGetService(t *testing.T) {
	k, _, mail := newTestKernel()
	owner, ownerTh := spawn(k, mail, "owner")
	other, otherTh := spawn(k, mail, "other")
	_ = other

	if r := Call(k, ownerTh.Tid, defs.SysRegisterService, Args{A0: 10}); r.Err != defs.Ok {
		t.Fatalf("RegisterService: %v", r.Err)
	}
	r := Call(k, otherTh.Tid, defs.SysGetService, Args{A0: 10})
	if r.Err != defs.Ok || defs.Pid_t(r.R0) != owner.Pid {
		t.Fatalf("GetService = (err=%v pid=%d), want (Ok, %d)", r.Err, r.R0, owner.Pid)
	}

	Call(k, ownerTh.Tid, defs.SysUnregisterService, Args{A0: 10})
	if r := Call(k, otherTh.Tid, defs.SysGetService, Args{A0: 10}); r.Err != defs.ENOENT {
		t.Fatalf("GetService after UnregisterService = %v, want ENOENT", r.Err)
	}
}

func TestSysNotifyUponServiceAppearDeliversAppearanceMessage(t *testing.T) {
	k, _, mail := newTestKernel()
	subscriber, subTh := spawn(k, mail, "subscriber")
	owner, ownerTh := spawn(k, mail, "owner")

	if r := Call(k, subTh.Tid, defs.SysNotifyUponServiceAppear, Args{A0: 77}); r.Err != defs.Ok {
		t.Fatalf("NotifyUponServiceAppear: %v", r.Err)
	}
	if r := Call(k, ownerTh.Tid, defs.SysRegisterService, Args{A0: 5}); r.Err != defs.Ok {
		t.Fatalf("RegisterService: %v", r.Err)
	}

	if !mail.HasPending(subscriber.Pid) {
		t.Fatalf("subscriber was not notified of the new service")
	}
	msg := mail.ReceivePolling(subscriber.Pid)
	if msg.ID != 77 || msg.FromPid != owner.Pid || msg.Payload[1] != 1 {
		t.Fatalf("appearance notice = %+v, want ID=77 FromPid=%d Payload[1]=1 (appeared)", msg, owner.Pid)
	}
}

func TestSysRegisterInterruptMsgAndDeliverInterrupt(t *testing.T) {
	k, _, mail := newTestKernel()
	owner, ownerTh := spawn(k, mail, "driver")

	if r := Call(k, ownerTh.Tid, defs.SysRegisterInterruptMsg, Args{A0: 33, A1: 200}); r.Err != defs.Ok {
		t.Fatalf("RegisterInterruptMsg: %v", r.Err)
	}
	k.DeliverInterrupt(33)
	if !mail.HasPending(owner.Pid) {
		t.Fatalf("interrupt was not delivered to the registered owner")
	}
	msg := mail.ReceivePolling(owner.Pid)
	if msg.ID != 200 {
		t.Fatalf("delivered interrupt message id = %d, want 200", msg.ID)
	}

	Call(k, ownerTh.Tid, defs.SysUnregisterInterruptMsg, Args{A0: 33})
	k.DeliverInterrupt(33)
	if mail.HasPending(owner.Pid) {
		t.Fatalf("interrupt still delivered after UnregisterInterruptMsg")
	}
}

func TestSysEnableAndDisableProfilingRoundTrip(t *testing.T) {
	k, _, mail := newTestKernel()
	_, th := spawn(k, mail, "p")

	if r := Call(k, th.Tid, defs.SysEnableProfiling, Args{}); r.Err != defs.Ok {
		t.Fatalf("EnableProfiling: %v", r.Err)
	}
	if r := Call(k, th.Tid, defs.SysDisableAndOutputProfile, Args{}); r.Err != defs.Ok {
		t.Fatalf("DisableAndOutputProfile: %v", r.Err)
	}
}

func TestSysSetChildMemoryPageAndStartExecution(t *testing.T) {
	k, scheduler, mail := newTestKernel()
	_, parentTh := spawn(k, mail, "parent")

	res := Call(k, parentTh.Tid, defs.SysCreateProcess, Args{})
	if res.Err != defs.Ok {
		t.Fatalf("CreateProcess: %v", res.Err)
	}
	childPid := defs.Pid_t(res.R0)

	mres := Call(k, parentTh.Tid, defs.SysSetChildMemoryPage, Args{A0: uint64(childPid), A1: 0x8000})
	if mres.Err != defs.Ok {
		t.Fatalf("SetChildMemoryPage: %v", mres.Err)
	}
	child, ok := scheduler.Process(childPid)
	if !ok {
		t.Fatalf("child process not found after CreateProcess")
	}
	if _, present, _, ok := child.AS.Table.Lookup(0x8000); !ok || !present {
		t.Fatalf("child has no mapping at the page set by SetChildMemoryPage")
	}

	sres := Call(k, parentTh.Tid, defs.SysStartExecution, Args{A0: uint64(childPid), A1: 0x8000, A2: 3})
	if sres.Err != defs.Ok {
		t.Fatalf("StartExecution: %v", sres.Err)
	}
	childTid := defs.Tid_t(sres.R0)
	th, ok := scheduler.Thread(childTid)
	if !ok || th.Regs.Rip != 0x8000 || th.Regs.Rdi != 3 {
		t.Fatalf("child's first thread = (%+v, ok=%v), want rip=0x8000 rdi=3", th, ok)
	}
}

func TestSysDestroyChildTerminatesAndRemovesProcess(t *testing.T) {
	k, scheduler, mail := newTestKernel()
	_, parentTh := spawn(k, mail, "parent")
	child, _ := spawn(k, mail, "child")

	if r := Call(k, parentTh.Tid, defs.SysDestroyChild, Args{A0: uint64(child.Pid)}); r.Err != defs.Ok {
		t.Fatalf("DestroyChild: %v", r.Err)
	}
	if _, ok := scheduler.Process(child.Pid); ok {
		t.Fatalf("child process still present after DestroyChild")
	}
}
