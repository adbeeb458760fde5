// Package svc implements the services registry (spec §4.H): a directory of
// (pid, message id, name) tuples kept sorted by message id, plus
// appearance/disappearance subscriptions. Grounded on the teacher's
// biscuit/src/hashtable package's "small, locked, single-purpose table"
// shape, generalized with a sorted slice since lookups here are always by
// message id range, not by an arbitrary hashed key.
package svc

import (
	"sort"
	"sync"

	"github.com/andrewaprice/perception/internal/defs"
)

// Entry is one registered service (spec §4.H).
type Entry struct {
	Pid       defs.Pid_t
	MessageID uint64
	Name      string
}

// Subscriber is notified of service appearance/disappearance events.
type Subscriber interface {
	Notify(e Entry, appeared bool)
}

// Registry is the process-independent service directory.
type Registry struct {
	mu          sync.Mutex
	entries     []Entry // kept sorted by MessageID
	subscribers map[defs.Pid_t]Subscriber
}

// NewRegistry builds an empty services registry.
func NewRegistry() *Registry {
	return &Registry{subscribers: make(map[defs.Pid_t]Subscriber)}
}

func (r *Registry) indexOf(messageID uint64) int {
	return sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].MessageID >= messageID
	})
}

// Register adds a (pid, messageID, name) tuple, keeping entries sorted by
// message id, and notifies every subscriber of the appearance (spec
// §4.H). Fails with EEXIST if messageID is already registered.
func (r *Registry) Register(pid defs.Pid_t, messageID uint64, name string) defs.Err_t {
	r.mu.Lock()
	i := r.indexOf(messageID)
	if i < len(r.entries) && r.entries[i].MessageID == messageID {
		r.mu.Unlock()
		return defs.EEXIST
	}
	e := Entry{Pid: pid, MessageID: messageID, Name: name}
	r.entries = append(r.entries, Entry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	for _, s := range subs {
		s.Notify(e, true)
	}
	return defs.Ok
}

// Unregister removes messageID's entry and notifies subscribers of its
// disappearance (spec §4.H, used by the UnregisterService syscall;
// UnregisterProcess handles process exit).
func (r *Registry) Unregister(messageID uint64) {
	r.mu.Lock()
	i := r.indexOf(messageID)
	if i >= len(r.entries) || r.entries[i].MessageID != messageID {
		r.mu.Unlock()
		return
	}
	e := r.entries[i]
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	for _, s := range subs {
		s.Notify(e, false)
	}
}

// UnregisterProcess removes every service entry owned by pid, used on
// process destruction.
func (r *Registry) UnregisterProcess(pid defs.Pid_t) {
	r.mu.Lock()
	kept := r.entries[:0]
	var removed []Entry
	for _, e := range r.entries {
		if e.Pid == pid {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	subs := r.snapshotSubsLocked()
	r.mu.Unlock()

	for _, e := range removed {
		for _, s := range subs {
			s.Notify(e, false)
		}
	}
}

// Lookup finds the service registered under messageID.
func (r *Registry) Lookup(messageID uint64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(messageID)
	if i >= len(r.entries) || r.entries[i].MessageID != messageID {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Range returns every entry with messageID in [lo, hi), in ascending order.
func (r *Registry) Range(lo, hi uint64) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := r.indexOf(lo)
	out := make([]Entry, 0)
	for i := start; i < len(r.entries) && r.entries[i].MessageID < hi; i++ {
		out = append(out, r.entries[i])
	}
	return out
}

// Subscribe registers pid to receive appearance/disappearance notifications.
func (r *Registry) Subscribe(pid defs.Pid_t, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[pid] = sub
}

// Unsubscribe removes pid's subscription (spec §4.H, on process exit).
func (r *Registry) Unsubscribe(pid defs.Pid_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, pid)
}

func (r *Registry) snapshotSubsLocked() []Subscriber {
	subs := make([]Subscriber, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		subs = append(subs, s)
	}
	return subs
}
