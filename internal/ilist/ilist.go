// Package ilist provides the generic intrusive-list helper called for by
// spec.md §9: every doubly-linked list named in the data model (a process's
// threads, a segment's per-process mappings, a timer queue, ...) is an
// explicit prev/next id pair on the element itself plus a List[K] that
// walks those pairs, rather than raw pointers into a containing record.
package ilist

// Node is implemented by any element kept in an ilist.List: it exposes and
// updates its own prev/next links, addressed by key K (typically a numeric
// arena id).
type Node[K comparable] interface {
	Links() (prev, next K)
	SetLinks(prev, next K)
}

// List is a doubly-linked list of ids, with the actual link storage living
// on each element (via Node) rather than in the list itself. zero is the
// sentinel value denoting "no such id" (typically K's zero value).
type List[K comparable] struct {
	head, tail K
	zero       K
	len        int
}

// NewList builds an empty list using zero as the "no element" sentinel.
func NewList[K comparable](zero K) *List[K] {
	return &List[K]{head: zero, tail: zero, zero: zero}
}

// Len reports the number of linked elements.
func (l *List[K]) Len() int { return l.len }

// Head returns the id of the first element, or the zero sentinel if empty.
func (l *List[K]) Head() K { return l.head }

// Empty reports whether the list has no elements.
func (l *List[K]) Empty() bool { return l.len == 0 }

// PushBack appends id (whose Node is get(id)) to the tail of the list.
func (l *List[K]) PushBack(id K, get func(K) Node[K]) {
	n := get(id)
	n.SetLinks(l.tail, l.zero)
	if l.tail != l.zero {
		t := get(l.tail)
		tprev, _ := t.Links()
		t.SetLinks(tprev, id)
	} else {
		l.head = id
	}
	l.tail = id
	l.len++
}

// Remove unlinks id from the list.
func (l *List[K]) Remove(id K, get func(K) Node[K]) {
	n := get(id)
	prev, next := n.Links()
	if prev != l.zero {
		p := get(prev)
		pprev, _ := p.Links()
		p.SetLinks(pprev, next)
	} else {
		l.head = next
	}
	if next != l.zero {
		nx := get(next)
		_, nnext := nx.Links()
		nx.SetLinks(prev, nnext)
	} else {
		l.tail = prev
	}
	n.SetLinks(l.zero, l.zero)
	l.len--
}

// PopFront removes and returns the head element's id, or ok=false if empty.
func (l *List[K]) PopFront(get func(K) Node[K]) (K, bool) {
	if l.len == 0 {
		return l.zero, false
	}
	id := l.head
	l.Remove(id, get)
	return id, true
}

// Each walks the list from head to tail, stopping early if fn returns
// false.
func (l *List[K]) Each(get func(K) Node[K], fn func(K) bool) {
	for id := l.head; id != l.zero; {
		n := get(id)
		_, next := n.Links()
		if !fn(id) {
			return
		}
		id = next
	}
}
