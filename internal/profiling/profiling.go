// Package profiling implements the two profiling syscalls (spec §6:
// EnableProfiling/DisableAndOutputProfiling): per-process cycle buckets
// keyed by syscall number, interrupt vector, exception number, recorded
// while enabled and serialized to a pprof profile on demand. The counters
// themselves are grounded on the teacher's biscuit/src/stats package
// (Counter_t/Cycles_t, enabled only when switched on); the serialization
// format is github.com/google/pprof's profile.Profile, the same structured
// format the teacher's dependency neighbourhood (gokvm, pprof itself) uses
// for low-level CPU sampling rather than a hand-rolled text dump.
package profiling

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"github.com/andrewaprice/perception/internal/defs"
)

// Bucket names the three event classes profiled per process (spec §4/§6).
type Bucket int

const (
	BucketSyscall Bucket = iota
	BucketInterrupt
	BucketException
)

func (b Bucket) String() string {
	switch b {
	case BucketSyscall:
		return "syscall"
	case BucketInterrupt:
		return "interrupt"
	case BucketException:
		return "exception"
	default:
		return "unknown"
	}
}

type sample struct {
	cycles int64
	count  int64
}

// Profiler accumulates per-process cycle counts across the three buckets.
type Profiler struct {
	mu      sync.Mutex
	enabled map[defs.Pid_t]bool
	samples map[defs.Pid_t]map[Bucket]map[int]*sample
}

// NewProfiler builds an idle profiler; nothing is recorded until a process
// calls EnableProfiling.
func NewProfiler() *Profiler {
	return &Profiler{
		enabled: make(map[defs.Pid_t]bool),
		samples: make(map[defs.Pid_t]map[Bucket]map[int]*sample),
	}
}

// Enable starts recording for pid (spec §6: EnableProfiling).
func (p *Profiler) Enable(pid defs.Pid_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled[pid] = true
	if _, ok := p.samples[pid]; !ok {
		p.samples[pid] = make(map[Bucket]map[int]*sample)
	}
}

// Record adds one observation of key (a syscall number, interrupt vector,
// or exception number depending on bucket) costing cycles cycles. A no-op
// if the process has not enabled profiling.
func (p *Profiler) Record(pid defs.Pid_t, bucket Bucket, key int, cycles int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled[pid] {
		return
	}
	buckets := p.samples[pid]
	m, ok := buckets[bucket]
	if !ok {
		m = make(map[int]*sample)
		buckets[bucket] = m
	}
	s, ok := m[key]
	if !ok {
		s = &sample{}
		m[key] = s
	}
	s.cycles += cycles
	s.count++
}

// DisableAndOutput stops recording for pid and renders everything
// accumulated as a pprof profile.Profile with two sample types (count and
// cycles) and one sample per bucket/key pair, whose location's function is
// named "bucket:key", clearing the process's counters (spec §6:
// DisableAndOutputProfiling).
func (p *Profiler) DisableAndOutput(pid defs.Pid_t) *profile.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.enabled, pid)
	buckets := p.samples[pid]
	delete(p.samples, pid)

	prof := &profile.Profile{
		TimeNanos:     time.Now().UnixNano(),
		DurationNanos: 0,
		SampleType: []*profile.ValueType{
			{Type: "count", Unit: "count"},
			{Type: "cycles", Unit: "cycles"},
		},
	}

	funcs := make(map[string]*profile.Function)
	locs := make(map[string]*profile.Location)
	var nextID uint64

	getLoc := func(bucket Bucket, key int) *profile.Location {
		name := fmt.Sprintf("%s:%d", bucket, key)
		if l, ok := locs[name]; ok {
			return l
		}
		nextID++
		fn := &profile.Function{ID: nextID, Name: name}
		funcs[name] = fn
		prof.Function = append(prof.Function, fn)
		nextID++
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		locs[name] = loc
		prof.Location = append(prof.Location, loc)
		return loc
	}

	for bucket, m := range buckets {
		for key, s := range m {
			loc := getLoc(bucket, key)
			prof.Sample = append(prof.Sample, &profile.Sample{
				Location: []*profile.Location{loc},
				Value:    []int64{s.count, s.cycles},
			})
		}
	}
	return prof
}
