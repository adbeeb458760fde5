package elf

import (
	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/mem"
	"github.com/andrewaprice/perception/internal/sched"
	"github.com/andrewaprice/perception/internal/shm"
)

// loadBase is the first virtual address the loader places an executable
// at; each subsequent module is placed above the previous module's
// highest reference (spec §4.L step 5: "adopt the next free virtual
// address ... as the load offset for the next module").
const loadBase = 0x10000

// Loader resolves an executable's NEEDED closure, lays every module out in
// a freshly created child process, patches relocations, and starts
// execution (spec §4.L).
type Loader struct {
	cache *Cache
	sched *sched.Scheduler
	shm   *shm.Table
	alloc *mem.Allocator
}

// NewLoader builds a loader over the given ELF cache, scheduler, and
// shared-memory table.
func NewLoader(cache *Cache, scheduler *sched.Scheduler, shmTbl *shm.Table, alloc *mem.Allocator) *Loader {
	return &Loader{cache: cache, sched: scheduler, shm: shmTbl, alloc: alloc}
}

// Launch implements the full algorithm of spec §4.L: it loads the named
// executable and its transitive NEEDED closure, lays every module out in
// a new child process, applies relocations, and starts the child's first
// thread at the executable's entry point. On any failure, the partially
// constructed child is destroyed and every acquired cache reference is
// released.
func (l *Loader) Launch(execName string, requester defs.Pid_t, requesterIsDriver bool) (*sched.Process, defs.Err_t) {
	modules, err := l.resolveClosure(execName, requester)
	if err != defs.Ok {
		return nil, err
	}
	if len(modules) == 0 || !modules[0].IsExecutable() {
		l.releaseAll(modules)
		return nil, defs.EINVAL
	}

	caps := uint32(0)
	if requesterIsDriver {
		caps = sched.CapDriver
	}
	proc := l.sched.CreateProcess(execName, caps)

	symbols := make(map[string]Symbol)
	initFini := &InitFiniTable{}
	writable := make(WritablePages)

	offset := uint64(loadBase)
	offsets := make([]uint64, len(modules))
	for i, f := range modules {
		offsets[i] = offset
		next, lerr := f.Load(proc.AS, offset, l.alloc, l.shm, proc.Pid, writable, symbols, initFini)
		if lerr != defs.Ok {
			l.sched.DestroyProcess(proc.Pid)
			l.releaseAll(modules)
			return nil, lerr
		}
		offset = next
	}

	for i, f := range modules {
		if ferr := f.FixUpRelocations(writable, offsets[i], symbols, uint64(i), l.alloc); ferr != defs.Ok {
			l.sched.DestroyProcess(proc.Pid)
			l.releaseAll(modules)
			return nil, ferr
		}
	}

	entry := modules[0].EntryAddress(loadBase)
	stackPages := 16
	if _, terr := l.sched.CreateThread(proc, entry, 0, stackPages); terr != defs.Ok {
		l.sched.DestroyProcess(proc.Pid)
		l.releaseAll(modules)
		return nil, terr
	}

	return proc, defs.Ok
}

// resolveClosure loads the executable and every transitively NEEDED
// library, in dependency order, deduplicating by canonical name (spec
// §4.L steps 1/3).
func (l *Loader) resolveClosure(execName string, opener defs.Pid_t) ([]*File, defs.Err_t) {
	seen := make(map[string]bool)
	var order []*File

	var visit func(name string) defs.Err_t
	visit = func(name string) defs.Err_t {
		if seen[name] {
			return defs.Ok
		}
		seen[name] = true
		f, err := l.cache.Load(name, opener)
		if err != defs.Ok {
			return err
		}
		order = append(order, f)
		var depErr defs.Err_t
		f.ForEachDependentLibrary(func(dep string) {
			if depErr == defs.Ok {
				depErr = visit(dep)
			}
		})
		return depErr
	}

	if err := visit(execName); err != defs.Ok {
		return nil, err
	}
	return order, defs.Ok
}

func (l *Loader) releaseAll(modules []*File) {
	for _, f := range modules {
		l.cache.Release(f)
	}
}
