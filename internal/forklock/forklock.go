// Package forklock keeps the process-wide subsystem locks consistent across
// a fork-like duplication of a guest module.
//
// The registry is a fixed, ordered table of named locks. Immediately before
// duplicating process state, the duplication primitive acquires every lock in
// table order; immediately after, it releases them in exact reverse order, in
// both the original and the duplicated execution contexts. Holding all of
// them guarantees no other thread of control is mid-mutation of a shared
// subsystem at the instant of duplication, and the fixed order is the sole
// deadlock-avoidance discipline: no other code path may take more than one
// registry lock at a time.
package forklock

import "sync"

// Entry pairs a subsystem name with its lock handle. Entries are process
// wide singletons, created once and never destroyed before teardown.
type Entry struct {
	Name string
	Lock sync.Locker
}

// Registry is a fixed ordered sequence of lock entries. The table is built
// once by NewRegistry and never mutated afterwards.
type Registry struct {
	entries []Entry
}

// NewRegistry builds a registry from the given entries. The slice order is
// the acquire order for the lifetime of the registry.
func NewRegistry(entries ...Entry) *Registry {
	r := &Registry{entries: make([]Entry, len(entries))}
	copy(r.entries, entries)
	return r
}

// Len reports the number of entries in the registry.
func (r *Registry) Len() int { return len(r.entries) }

// Names returns the subsystem names in acquire order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.Name
	}
	return names
}

// AcquireAll takes every registry lock in table order. It must be paired
// with ReleaseAll; the duplication primitive itself must not take further
// locks while the registry is held.
func (r *Registry) AcquireAll() {
	for i := range r.entries {
		r.entries[i].Lock.Lock()
	}
}

// ReleaseAll releases every registry lock in the exact reverse of the
// acquire order.
func (r *Registry) ReleaseAll() {
	for i := len(r.entries) - 1; i >= 0; i-- {
		r.entries[i].Lock.Unlock()
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry of internal subsystem locks.
// The table order matches the acquire order used by the original runtime:
// exit handlers first, then the stateful subsystems, with the memory mapping
// lock last.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(
			Entry{Name: "atexit", Lock: new(sync.Mutex)},
			Entry{Name: "at_quick_exit", Lock: new(sync.Mutex)},
			Entry{Name: "locale", Lock: new(sync.Mutex)},
			Entry{Name: "random", Lock: new(sync.Mutex)},
			Entry{Name: "sem_open", Lock: new(sync.Mutex)},
			Entry{Name: "stdio_ofl", Lock: new(sync.Mutex)},
			Entry{Name: "syslog", Lock: new(sync.Mutex)},
			Entry{Name: "timezone", Lock: new(sync.Mutex)},
			Entry{Name: "vm", Lock: new(sync.Mutex)},
		)
	})
	return defaultRegistry
}

// Lock returns the lock registered under the given subsystem name, or nil if
// the name is not in the table. Subsystems use it to take their own lock
// individually; they must never take more than one.
func (r *Registry) Lock(name string) sync.Locker {
	for i := range r.entries {
		if r.entries[i].Name == name {
			return r.entries[i].Lock
		}
	}
	return nil
}
