package defs

import "strconv"

// Syscall is a closed enumeration of the kernel's 62 numbered system calls
// (spec §6). Only the calls the rest of the repository actually implements
// get named constants; the remaining numbers stay reserved so the
// enumeration's numbering never shifts.
type Syscall int

const (
	SysCreateThread            Syscall = 1
	SysTerminateThisProcess    Syscall = 6
	SysTerminateProcess        Syscall = 7
	SysAllocateMemoryPages     Syscall = 12
	SysSendMessage             Syscall = 17
	SysPollMessage             Syscall = 18
	SysSleepMessage            Syscall = 19
	SysRegisterInterruptMsg    Syscall = 20
	SysUnregisterInterruptMsg  Syscall = 21
	SysGetProcesses            Syscall = 22
	SysRegisterService         Syscall = 32
	SysUnregisterService       Syscall = 33
	SysGetService              Syscall = 34
	SysNotifyUponServiceAppear Syscall = 35
	SysNotifyUponServiceGone   Syscall = 36
	SysSubscribeProcessDeath   Syscall = 37
	SysUnsubscribeProcessDeath Syscall = 38
	SysCreateSharedMemory      Syscall = 42
	SysJoinSharedMemory        Syscall = 43
	SysLeaveSharedMemory       Syscall = 44
	SysMovePageIntoSharedMem   Syscall = 45
	SysSetSharedMemoryAccess   Syscall = 46
	SysCreateProcess           Syscall = 51
	SysSetChildMemoryPage      Syscall = 52
	SysStartExecution          Syscall = 53
	SysDestroyChild            Syscall = 54
	SysEnableProfiling         Syscall = 55
	SysDisableAndOutputProfile Syscall = 56

	// SyscallCount is the size of the closed enumeration (numbers 0-61).
	SyscallCount = 62
)

var syscallNames = map[Syscall]string{
	SysCreateThread:            "CreateThread",
	SysTerminateThisProcess:    "TerminateThisProcess",
	SysTerminateProcess:        "TerminateProcess",
	SysAllocateMemoryPages:     "AllocateMemoryPages",
	SysSendMessage:             "SendMessage",
	SysPollMessage:             "PollMessage",
	SysSleepMessage:            "SleepMessage",
	SysRegisterInterruptMsg:    "RegisterInterruptMessage",
	SysUnregisterInterruptMsg:  "UnregisterInterruptMessage",
	SysGetProcesses:            "GetProcesses",
	SysRegisterService:         "RegisterService",
	SysUnregisterService:       "UnregisterService",
	SysGetService:              "GetService",
	SysNotifyUponServiceAppear: "NotifyUponServiceAppear",
	SysNotifyUponServiceGone:   "NotifyUponServiceGone",
	SysSubscribeProcessDeath:   "SubscribeProcessDeath",
	SysUnsubscribeProcessDeath: "UnsubscribeProcessDeath",
	SysCreateSharedMemory:      "CreateSharedMemory",
	SysJoinSharedMemory:        "JoinSharedMemory",
	SysLeaveSharedMemory:       "LeaveSharedMemory",
	SysMovePageIntoSharedMem:   "MovePageIntoSharedMemory",
	SysSetSharedMemoryAccess:   "SetSharedMemoryAccess",
	SysCreateProcess:           "CreateProcess",
	SysSetChildMemoryPage:      "SetChildMemoryPage",
	SysStartExecution:          "StartExecution",
	SysDestroyChild:            "DestroyChild",
	SysEnableProfiling:         "EnableProfiling",
	SysDisableAndOutputProfile: "DisableAndOutputProfiling",
}

// String names a syscall number, falling back to its raw numeral for the
// reserved-but-unnamed entries of the closed enumeration.
func (s Syscall) String() string {
	if n, ok := syscallNames[s]; ok {
		return n
	}
	return "syscall" + strconv.Itoa(int(s))
}
