package vm

import (
	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/mem"
)

// AddressSpace bundles a process's page table and free-range manager, the
// quadruple spec §3 describes (the root page-table "physical frame" is
// implicit in Table since this implementation has no literal physical
// address for it).
type AddressSpace struct {
	Table  *PageTable
	Ranges *RangeSet
	alloc  *mem.Allocator
}

// NewAddressSpace creates a fresh user address space sharing the given
// kernel level-4 slot (spec §4.B).
func NewAddressSpace(alloc *mem.Allocator, kernelSlot *KernelSlot) *AddressSpace {
	return &AddressSpace{
		Table:  NewPageTable(kernelSlot),
		Ranges: NewRangeSet(UserMin, int((UserMax-UserMin)/mem.PageSize)),
		alloc:  alloc,
	}
}

// Allocate reserves pages pages and maps a fresh, owned, writable physical
// frame to each one (spec §4.C: allocate). maxPA caps which frames may be
// used, for DMA-visible driver allocations; 0 means no cap. On any failure
// every successful page is unmapped and the whole range returned to the
// free set.
func (as *AddressSpace) Allocate(pages int, maxPA mem.FrameID) (uintptr, defs.Err_t) {
	base, err := as.Ranges.Reserve(pages)
	if err != defs.Ok {
		return 0, err
	}
	mapped := 0
	for i := 0; i < pages; i++ {
		frame, ferr := as.alloc.Acquire()
		if ferr != defs.Ok || (maxPA != 0 && frame >= maxPA) {
			if ferr == defs.Ok {
				as.alloc.Release(frame)
				ferr = defs.ENOMEM
			}
			as.unwindAllocate(base, mapped, pages)
			return 0, ferr
		}
		as.Table.Map(base+uintptr(i)*mem.PageSize, frame, true, true, false)
		mapped++
	}
	return base, defs.Ok
}

// unwindAllocate tears down a partially-mapped reservation: the first
// mapped pages are unmapped (and their owned frames freed), and the whole
// originally-reserved range — not just the mapped portion — is handed
// back to the free set, so no virtual address space is ever leaked on a
// failed Allocate.
func (as *AddressSpace) unwindAllocate(base uintptr, mapped, pages int) {
	for i := 0; i < mapped; i++ {
		as.Table.Unmap(base+uintptr(i)*mem.PageSize, true, as.alloc)
	}
	as.Ranges.Release(base, pages)
}

// Release unmaps pages pages starting at va (freeing each owned frame iff
// freePhysical) then coalesces the freed range with its neighbours (spec
// §4.C: release).
func (as *AddressSpace) Release(va uintptr, pages int, freePhysical bool) defs.Err_t {
	for i := 0; i < pages; i++ {
		as.Table.Unmap(va+uintptr(i)*mem.PageSize, freePhysical, as.alloc)
	}
	as.Ranges.Release(va, pages)
	return defs.Ok
}

// Destroy walks every table level, releasing owned frames, called exactly
// once per process (spec §4.C: destroy).
func (as *AddressSpace) Destroy() {
	as.Table.Walk(func(va uintptr, frame mem.FrameID, owned bool) {
		if owned {
			as.alloc.Release(frame)
		}
	})
}
