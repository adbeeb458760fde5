// Package pool implements the type-parameterised kernel object slab (spec
// §4.D): a free list of pre-allocated objects that hands spare capacity
// back to the physical frame allocator under memory pressure.
package pool

import (
	"sync"

	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/mem"
)

// slabPages is how many physical frames one slab's backing storage
// consumes; nothing in the package reads it (Get and Drain pin and release
// exactly one frame per item). Objects themselves live on the
// Go heap (there is no way to carve kernel.Message-sized objects directly
// out of a mem.Frame without unsafe aliasing, which the teacher's own pool
// avoids wherever Go generics suffice instead).
const slabPages = 1

// Pool is a slab allocator for values of type T, grounded on the teacher's
// free-list-by-index pattern in biscuit/src/mem/mem.go, generalised with Go
// generics the way biscuit/src/util/util.go generalises Min/Rounddown.
type Pool[T any] struct {
	mu      sync.Mutex
	alloc   *mem.Allocator
	free    []*T
	pinned  []mem.FrameID // frames reserved to back this pool's slabs
	newItem func() *T
}

// New creates an empty pool (nothing is pre-allocated; Get reserves one
// frame from alloc for each new item it constructs), and registers itself
// as a drainer so the physical
// allocator can reclaim spare capacity under pressure (spec §4.A/§4.D).
func New[T any](alloc *mem.Allocator, newItem func() *T) *Pool[T] {
	p := &Pool[T]{alloc: alloc, newItem: newItem}
	if alloc != nil {
		alloc.RegisterDrainer(p)
	}
	return p
}

// Get returns a pooled object, reusing a freed one if available or
// reserving a fresh frame and constructing a new one otherwise. It fails
// with OutOfMemory if no frame is available (spec §4.F: "allocate a
// Message from the object pool (fail OutOfMemory)").
func (p *Pool[T]) Get() (*T, defs.Err_t) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		item := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return item, defs.Ok
	}
	p.mu.Unlock()

	if p.alloc != nil {
		frame, err := p.alloc.Acquire()
		if err != defs.Ok {
			return nil, err
		}
		p.mu.Lock()
		p.pinned = append(p.pinned, frame)
		p.mu.Unlock()
	}
	return p.newItem(), defs.Ok
}

// Put returns item to the pool's free list for reuse.
func (p *Pool[T]) Put(item *T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, item)
}

// Drain releases any frames this pool pinned for slabs that are now
// entirely on the free list, returning how many frames it released. The
// physical frame allocator calls this when its own free stack runs dry
// (spec §4.A).
func (p *Pool[T]) Drain() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	releasable := len(p.free)
	if releasable > len(p.pinned) {
		releasable = len(p.pinned)
	}
	if releasable == 0 || p.alloc == nil {
		return 0
	}
	for i := 0; i < releasable; i++ {
		n := len(p.pinned)
		p.alloc.Release(p.pinned[n-1])
		p.pinned = p.pinned[:n-1]
	}
	if releasable <= len(p.free) {
		p.free = p.free[:len(p.free)-releasable]
	}
	return releasable
}
