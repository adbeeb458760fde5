// Package vm implements the four-level page-table walker (spec §4.B) and
// the per-process address-space free-range manager (spec §4.C).
//
// Real x86-64 page tables are four arrays of 512 entries apiece, walked by
// the MMU and mutated through a temporary single-page mapping window. This
// implementation has no raw physical address space to map a window into
// (see DESIGN.md), so each table level is a small Go map keyed by its
// 9-bit index instead of a frame-backed 512-entry array; the walking,
// intermediate-level creation, and upward collection of empty tables that
// spec.md §4.B describes are preserved exactly, including the reserved
// top-level kernel slot (index 511) being the same shared Go value across
// every address space, so kernel-half edits are visible everywhere without
// a broadcast step.
package vm

import (
	"sync"

	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/mem"
)

// PTE flag bits, matching the teacher's PTE_* layout in biscuit/src/mem/mem.go.
const (
	PteP       = 1 << 0 // present
	PteW       = 1 << 1 // writable
	PteU       = 1 << 2 // user-accessible
	PteOwned   = 1 << 9 // bit 9: release underlying frame on unmap (spec glossary)
	PteReserved = 1 << 10 // "reserved but absent": fault on access instead of silent zero-fill
	PteNX      = 1 << 11 // no-execute
)

// KernelL4Index is the reserved level-4 index (spec §4.B / §6): all kernel
// mappings live here and the slot is shared, by reference, across every
// address space.
const KernelL4Index = 511

// UserSlotLimit is one past the highest level-4 index available to user
// mappings (spec §6: the lower half of the canonical 48-bit space).
const UserSlotLimit = KernelL4Index

const idxMask = 0x1FF

type pte struct {
	present bool
	writable bool
	user    bool
	owned   bool
	reserved bool
	noExec  bool
	frame   mem.FrameID
}

type l1table struct {
	mu      sync.Mutex
	entries map[uint64]*pte
}

type l2table struct {
	entries map[uint64]*l1table
}

type l3table struct {
	entries map[uint64]*l2table
}

// PageTable is one process's four-level address translation structure.
type PageTable struct {
	mu  sync.Mutex
	l4  map[uint64]*l3table
}

func splitVA(va uintptr) (i4, i3, i2, i1 uint64) {
	vpn := uint64(va) >> 12
	i1 = vpn & idxMask
	i2 = (vpn >> 9) & idxMask
	i3 = (vpn >> 18) & idxMask
	i4 = (vpn >> 27) & idxMask
	return
}

// KernelSlot is the shared level-4 entry installed in every address space
// (spec §4.B); it is an opaque handle so that package vm is the only code
// that can walk or mutate it directly.
type KernelSlot struct {
	table *l3table
}

// NewKernelSlot allocates the shared level-4 entry used by every address
// space for kernel mappings.
func NewKernelSlot() *KernelSlot {
	return &KernelSlot{table: &l3table{entries: make(map[uint64]*l2table)}}
}

// NewPageTable builds a fresh address space's page table, installing the
// caller's kernel-half slot by reference so kernel mappings stay in sync
// across every address space (spec §4.B).
func NewPageTable(kernel *KernelSlot) *PageTable {
	pt := &PageTable{l4: make(map[uint64]*l3table)}
	pt.l4[KernelL4Index] = kernel.table
	return pt
}

// Map installs a translation for va. own marks the PTE as releasing its
// frame on unmap (spec glossary: ownership bit). reserved installs a
// "reserved but absent" entry that faults instead of silently zero-filling,
// used for lazily-allocated shared pages (spec §4.B).
func (pt *PageTable) Map(va uintptr, frame mem.FrameID, own, writable, reserved bool) {
	i4, i3, i2, i1 := splitVA(va)
	pt.mu.Lock()
	l3, ok := pt.l4[i4]
	if !ok {
		l3 = &l3table{entries: make(map[uint64]*l2table)}
		pt.l4[i4] = l3
	}
	l2, ok := l3.entries[i3]
	if !ok {
		l2 = &l2table{entries: make(map[uint64]*l1table)}
		l3.entries[i3] = l2
	}
	l1, ok := l2.entries[i2]
	if !ok {
		l1 = &l1table{entries: make(map[uint64]*pte)}
		l2.entries[i2] = l1
	}
	pt.mu.Unlock()

	l1.mu.Lock()
	l1.entries[i1] = &pte{
		present:  !reserved,
		writable: writable,
		user:     true,
		owned:    own,
		reserved: reserved,
		frame:    frame,
	}
	l1.mu.Unlock()
}

// Lookup returns the frame mapped at va and whether the mapping is present
// (a reserved-but-absent entry reports present=false but ok=true, letting
// callers distinguish "unmapped" from "lazily reserved").
func (pt *PageTable) Lookup(va uintptr) (frame mem.FrameID, present bool, reserved bool, ok bool) {
	i4, i3, i2, i1 := splitVA(va)
	pt.mu.Lock()
	l3 := pt.l4[i4]
	pt.mu.Unlock()
	if l3 == nil {
		return 0, false, false, false
	}
	l2 := l3.entries[i3]
	if l2 == nil {
		return 0, false, false, false
	}
	l1 := l2.entries[i2]
	if l1 == nil {
		return 0, false, false, false
	}
	l1.mu.Lock()
	defer l1.mu.Unlock()
	e := l1.entries[i1]
	if e == nil {
		return 0, false, false, false
	}
	return e.frame, e.present, e.reserved, true
}

// Owned reports whether the mapping at va carries the ownership bit.
func (pt *PageTable) Owned(va uintptr) bool {
	i4, i3, i2, i1 := splitVA(va)
	pt.mu.Lock()
	l3 := pt.l4[i4]
	pt.mu.Unlock()
	if l3 == nil {
		return false
	}
	l2 := l3.entries[i3]
	if l2 == nil {
		return false
	}
	l1 := l2.entries[i2]
	if l1 == nil {
		return false
	}
	l1.mu.Lock()
	defer l1.mu.Unlock()
	e := l1.entries[i1]
	return e != nil && e.owned
}

// Unmap removes the translation at va. When free is true and the entry
// carries the ownership bit, the underlying frame is released (spec §4.B).
// Emptied intermediate tables are collected upward.
func (pt *PageTable) Unmap(va uintptr, free bool, alloc *mem.Allocator) defs.Err_t {
	i4, i3, i2, i1 := splitVA(va)
	pt.mu.Lock()
	l3 := pt.l4[i4]
	pt.mu.Unlock()
	if l3 == nil {
		return defs.EFAULT
	}
	l2 := l3.entries[i3]
	if l2 == nil {
		return defs.EFAULT
	}
	l1 := l2.entries[i2]
	if l1 == nil {
		return defs.EFAULT
	}
	l1.mu.Lock()
	e, ok := l1.entries[i1]
	if !ok {
		l1.mu.Unlock()
		return defs.EFAULT
	}
	delete(l1.entries, i1)
	empty := len(l1.entries) == 0
	l1.mu.Unlock()

	if free && e.owned {
		alloc.Release(e.frame)
	}

	if empty {
		delete(l2.entries, i2)
		if len(l2.entries) == 0 {
			delete(l3.entries, i3)
			// i4 == KernelL4Index is shared across address spaces and is
			// never collected here; user slots may be.
			if len(l3.entries) == 0 && i4 != KernelL4Index {
				pt.mu.Lock()
				delete(pt.l4, i4)
				pt.mu.Unlock()
			}
		}
	}
	return defs.Ok
}

// Walk invokes fn for every present, owned user mapping in the table
// (used by destroy() in spec §4.C to release every owned frame exactly
// once).
func (pt *PageTable) Walk(fn func(va uintptr, frame mem.FrameID, owned bool)) {
	pt.mu.Lock()
	l4 := make(map[uint64]*l3table, len(pt.l4))
	for k, v := range pt.l4 {
		l4[k] = v
	}
	pt.mu.Unlock()

	for i4, l3 := range l4 {
		if i4 == KernelL4Index {
			continue // kernel half is shared, not owned by this address space
		}
		for i3, l2 := range l3.entries {
			for i2, l1 := range l2.entries {
				l1.mu.Lock()
				for i1, e := range l1.entries {
					if !e.present || !e.owned {
						continue
					}
					va := ((i4 << 27) | (i3 << 18) | (i2 << 9) | i1) << 12
					fn(uintptr(va), e.frame, e.owned)
				}
				l1.mu.Unlock()
			}
		}
	}
}
