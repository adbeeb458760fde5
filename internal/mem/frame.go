// Package mem implements the physical frame allocator (spec §4.A): a LIFO
// free-list of 4 KiB frames drawn from a boot-time memory map, with kernel
// object pools draining themselves before the allocator reports
// OutOfMemory.
package mem

import (
	"sync"

	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/klog"
)

// PageSize is the size, in bytes, of one physical frame.
const PageSize = defs.PageSize

// FrameID identifies a physical frame by its index into the allocator's
// frame table (frame i covers bytes [i*PageSize, (i+1)*PageSize)).
type FrameID uint32

// noFrame is the free-list terminator, matching the teacher's ^uint32(0)
// sentinel in biscuit/src/mem/mem.go.
const noFrame = ^FrameID(0)

// Drainer is implemented by kernel object pools so the allocator can ask
// them to release spare memory before declaring OutOfMemory (spec §4.A).
type Drainer interface {
	Drain() int
}

// Frame holds the bookkeeping for one physical page. Contents is the
// simulated backing storage for the frame (there is no raw physical address
// space in this implementation to alias a link word into, so the free-list
// link lives in a parallel array instead — see DESIGN.md).
type Frame struct {
	Contents [PageSize]byte
}

// Allocator is the process-wide physical frame free-list stack.
type Allocator struct {
	mu      sync.Mutex
	frames  []Frame
	nexti   []FrameID
	head    FrameID
	freelen int
	drainers []Drainer
}

// NewAllocator builds an allocator over count simulated frames, threading
// every frame onto the free stack in index order (the simulated analogue
// of the boot-time multiboot memory-map walk in spec §4.A).
func NewAllocator(count int) *Allocator {
	a := &Allocator{
		frames: make([]Frame, count),
		nexti:  make([]FrameID, count),
	}
	a.head = noFrame
	for i := count - 1; i >= 0; i-- {
		a.nexti[i] = a.head
		a.head = FrameID(i)
	}
	a.freelen = count
	return a
}

// RegisterDrainer adds a pool that Acquire will ask to drain when the free
// stack runs dry.
func (a *Allocator) RegisterDrainer(d Drainer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drainers = append(a.drainers, d)
}

// Len reports how many frames are currently free.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freelen
}

// Acquire pops the head of the free stack and zeroes the returned frame.
// If the stack is empty it asks every registered pool to drain before
// reporting OutOfMemory (spec §4.A).
func (a *Allocator) Acquire() (FrameID, defs.Err_t) {
	if id, ok := a.tryAcquire(); ok {
		return id, defs.Ok
	}
	for _, d := range a.drainers {
		if d.Drain() > 0 {
			if id, ok := a.tryAcquire(); ok {
				return id, defs.Ok
			}
		}
	}
	klog.Tagf("mem", "acquire: out of memory")
	return 0, defs.ENOMEM
}

func (a *Allocator) tryAcquire() (FrameID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.head == noFrame {
		return 0, false
	}
	id := a.head
	a.head = a.nexti[id]
	a.freelen--
	for i := range a.frames[id].Contents {
		a.frames[id].Contents[i] = 0
	}
	return id, true
}

// Release pushes frame back onto the free stack.
func (a *Allocator) Release(id FrameID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nexti[id] = a.head
	a.head = id
	a.freelen++
}

// Page returns the simulated backing storage of a live frame. Callers must
// not hold a Page across a Release of the same frame.
func (a *Allocator) Page(id FrameID) *Frame {
	return &a.frames[id]
}
