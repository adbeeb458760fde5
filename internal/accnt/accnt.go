// Package accnt accumulates per-process CPU accounting, feeding the
// profiling syscalls (spec §6: EnableProfiling/DisableAndOutputProfiling).
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt_t accumulates per-process accounting information.
//
// Both Userns and Sysns store runtime in nanoseconds. The embedded mutex
// lets callers take a consistent snapshot of the fields when exporting
// usage statistics.
type Accnt_t struct {
	// Nanoseconds of user time consumed.
	Userns int64
	// Nanoseconds of system time consumed.
	Sysns int64
	sync.Mutex
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Now returns the current time in nanoseconds since the Unix epoch.
func (a *Accnt_t) Now() int64 {
	return time.Now().UnixNano()
}

// IoTime removes time spent waiting for I/O from system time.
func (a *Accnt_t) IoTime(since int64) {
	a.Systadd(-(a.Now() - since))
}

// SleepTime removes time spent asleep from system time.
func (a *Accnt_t) SleepTime(since int64) {
	a.Systadd(-(a.Now() - since))
}

// Snapshot returns a consistent (user, sys) pair.
func (a *Accnt_t) Snapshot() (int64, int64) {
	a.Lock()
	defer a.Unlock()
	return atomic.LoadInt64(&a.Userns), atomic.LoadInt64(&a.Sysns)
}
