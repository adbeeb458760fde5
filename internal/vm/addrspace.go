package vm

import (
	"sync"

	"github.com/google/btree"

	"github.com/andrewaprice/perception/internal/defs"
	"github.com/andrewaprice/perception/internal/mem"
)

// UserMin is the lowest legal user virtual address (page 0 is reserved as a
// permanent guard page, matching the teacher's USERMIN convention).
const UserMin = uintptr(mem.PageSize)

// UserMax is one past the highest legal user virtual address: the lower
// half of the canonical 48-bit split (spec §6).
const UserMax = uintptr(1) << 47

// freeRange is one entry in the address space's free-range bookkeeping
// (spec §3). prev/next are the doubly-linked-list pair spec §9 prescribes
// in place of intrusive pointers.
type freeRange struct {
	id    defs.RangeID_t
	base  uintptr
	pages int
	prev  defs.RangeID_t
	next  defs.RangeID_t
}

const noRange = defs.RangeID_t(0)

type byAddrItem struct {
	base uintptr
	id   defs.RangeID_t
}

func byAddrLess(a, b byAddrItem) bool { return a.base < b.base }

type bySizeItem struct {
	pages int
	base  uintptr
	id    defs.RangeID_t
}

func bySizeLess(a, b bySizeItem) bool {
	if a.pages != b.pages {
		return a.pages < b.pages
	}
	return a.base < b.base
}

// RangeSet is the AA-tree-by-address / AA-tree-by-size / linked-list free
// range tracker described in spec §3/§4.C/§9. The original's self-balancing
// AA-tree nodes are embedded in the range object itself; here each tree
// holds only a (key, id) pair in a github.com/google/btree.BTreeG, with a
// parallel arena (rangesByID) giving O(1) id-to-object lookup, exactly the
// re-architecture spec §9 calls for.
type RangeSet struct {
	mu        sync.Mutex
	byAddr    *btree.BTreeG[byAddrItem]
	bySize    *btree.BTreeG[bySizeItem]
	arena     map[defs.RangeID_t]*freeRange
	head      defs.RangeID_t
	tail      defs.RangeID_t
	nextID    defs.RangeID_t
}

// NewRangeSet builds a free-range tracker with a single free range covering
// [base, base+pages*PageSize).
func NewRangeSet(base uintptr, pages int) *RangeSet {
	rs := &RangeSet{
		byAddr: btree.NewG(32, byAddrLess),
		bySize: btree.NewG(32, bySizeLess),
		arena:  make(map[defs.RangeID_t]*freeRange),
	}
	rs.insertLocked(base, pages)
	return rs
}

func (rs *RangeSet) allocID() defs.RangeID_t {
	rs.nextID++
	return rs.nextID
}

// insertLocked adds [base, base+pages*PageSize) as a free range, coalescing
// with any immediately-adjacent neighbours first (spec §4.C coalescing
// rule: 0, 1, or 2 merges before a single range is inserted).
func (rs *RangeSet) insertLocked(base uintptr, pages int) *freeRange {
	if pages <= 0 {
		panic("vm: zero-length range")
	}
	end := base + uintptr(pages)*mem.PageSize

	// left neighbour: a free range ending exactly at base.
	var left *freeRange
	rs.byAddr.DescendLessOrEqual(byAddrItem{base: base}, func(item byAddrItem) bool {
		r := rs.arena[item.id]
		if r.base+uintptr(r.pages)*mem.PageSize == base {
			left = r
		}
		return false
	})
	// right neighbour: a free range starting exactly at end.
	var right *freeRange
	if it, ok := rs.byAddr.Get(byAddrItem{base: end}); ok {
		right = rs.arena[it.id]
	}

	if left != nil {
		rs.removeRangeLocked(left)
		base = left.base
		pages = int((end - base) / mem.PageSize)
	}
	if right != nil {
		rs.removeRangeLocked(right)
		pages += right.pages
	}

	id := rs.allocID()
	r := &freeRange{id: id, base: base, pages: pages}
	rs.arena[id] = r
	rs.byAddr.ReplaceOrInsert(byAddrItem{base: base, id: id})
	rs.bySize.ReplaceOrInsert(bySizeItem{pages: pages, base: base, id: id})
	rs.linkTailLocked(r)
	return r
}

func (rs *RangeSet) linkTailLocked(r *freeRange) {
	r.prev = rs.tail
	r.next = noRange
	if rs.tail != noRange {
		rs.arena[rs.tail].next = r.id
	} else {
		rs.head = r.id
	}
	rs.tail = r.id
}

func (rs *RangeSet) unlinkLocked(r *freeRange) {
	if r.prev != noRange {
		rs.arena[r.prev].next = r.next
	} else {
		rs.head = r.next
	}
	if r.next != noRange {
		rs.arena[r.next].prev = r.prev
	} else {
		rs.tail = r.prev
	}
}

func (rs *RangeSet) removeRangeLocked(r *freeRange) {
	rs.byAddr.Delete(byAddrItem{base: r.base})
	rs.bySize.Delete(bySizeItem{pages: r.pages, base: r.base})
	rs.unlinkLocked(r)
	delete(rs.arena, r.id)
}

// Reserve finds the smallest free range >= pages (spec §4.C), trims or
// removes it, and returns the chosen base.
func (rs *RangeSet) Reserve(pages int) (uintptr, defs.Err_t) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var found *bySizeItem
	rs.bySize.AscendGreaterOrEqual(bySizeItem{pages: pages, base: 0}, func(item bySizeItem) bool {
		it := item
		found = &it
		return false
	})
	if found == nil {
		return 0, defs.ENOMEM
	}
	r := rs.arena[found.id]
	base := r.base
	rs.removeRangeLocked(r)
	if r.pages > pages {
		rs.insertLocked(base+uintptr(pages)*mem.PageSize, r.pages-pages)
	}
	return base, defs.Ok
}

// ReserveAt splits the free range containing [va, va+pages*PageSize) out of
// the free set, failing if that span is not entirely free (spec §4.C:
// reserve_at).
func (rs *RangeSet) ReserveAt(va uintptr, pages int) defs.Err_t {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var container *freeRange
	rs.byAddr.DescendLessOrEqual(byAddrItem{base: va}, func(item byAddrItem) bool {
		container = rs.arena[item.id]
		return false
	})
	end := va + uintptr(pages)*mem.PageSize
	if container == nil || va < container.base || end > container.base+uintptr(container.pages)*mem.PageSize {
		return defs.ENOMEM
	}
	rs.removeRangeLocked(container)
	if va > container.base {
		rs.insertLocked(container.base, int((va-container.base)/mem.PageSize))
	}
	cend := container.base + uintptr(container.pages)*mem.PageSize
	if end < cend {
		rs.insertLocked(end, int((cend-end)/mem.PageSize))
	}
	return defs.Ok
}

// Release returns [va, va+pages*PageSize) to the free set, coalescing with
// immediate neighbours (spec §4.C).
func (rs *RangeSet) Release(va uintptr, pages int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.insertLocked(va, pages)
}

// Snapshot returns every free range as (base, pages) pairs in ascending
// address order, used by tests to check the round-trip/idempotence laws in
// spec §8.
func (rs *RangeSet) Snapshot() [][2]uintptr {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out [][2]uintptr
	for id := rs.head; id != noRange; id = rs.arena[id].next {
		r := rs.arena[id]
		out = append(out, [2]uintptr{r.base, uintptr(r.pages)})
	}
	return out
}
