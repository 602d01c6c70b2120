// Package identity implements C2, the identity resolver (spec.md §4.2).
//
// A user-side registration enters a short-lived pending entry keyed by
// pointer. The next alloc (or matching realloc target) from that pointer
// within the classification window consumes the entry and becomes a "user
// record"; unconsumed entries expire and the allocation stays "system".
package identity

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pending is one outstanding registration awaiting a matching allocation.
type Pending struct {
	VarName          string
	TypeName         string
	TypeNameOriginal string
	RegisteredAt     time.Time
	// ThreadID is the thread the registration was made on; Tick only
	// advances allocsSinceOnThread for alloc events on this same thread,
	// per spec.md §4.2's "N subsequent allocations on the same thread".
	ThreadID uint16
	// allocsSinceOnThread counts subsequent allocations observed on the
	// registering goroutine since this entry was created, for the
	// "N subsequent allocations" half of the classification-window rule.
	allocsSinceOnThread int32
}

// Resolver is the process-wide pending-registration table. One Resolver is
// shared by every tracker backend (spec.md's "global singletons").
type Resolver struct {
	window     time.Duration
	maxAllocs  int32
	pending    sync.Map // uint64 (ptr) -> *Pending
	expired    uint64   // diagnostics: ClassificationMiss count
}

// New creates a Resolver with the given classification window. window is
// typically 100µs (spec.md §4.2/§5); maxAllocs is typically 16.
func New(window time.Duration, maxAllocs int) *Resolver {
	return &Resolver{window: window, maxAllocs: int32(maxAllocs)}
}

// Register enters (or replaces) the pending identity for ptr, scoped to
// threadID (the thread making the registration is the one whose
// subsequent allocations Tick counts against this entry). Registering the
// same pointer twice replaces the prior pending entry, per spec.md §4.2.
func (r *Resolver) Register(ptr uint64, varName, typeName string, threadID uint16) {
	r.pending.Store(ptr, &Pending{
		VarName:          varName,
		TypeName:         canonicalizeTypeName(typeName),
		TypeNameOriginal: typeName,
		RegisteredAt:     time.Now(),
		ThreadID:         threadID,
	})
}

// Consume attempts to match ptr against a pending registration, returning
// it (and true) if one exists and has not expired. The entry is removed
// from the table either way once inspected: a match is consumed exactly
// once, and an expired entry is dropped as a ClassificationMiss.
func (r *Resolver) Consume(ptr uint64) (*Pending, bool) {
	v, ok := r.pending.LoadAndDelete(ptr)
	if !ok {
		return nil, false
	}
	p := v.(*Pending)
	if time.Since(p.RegisteredAt) > r.window {
		atomic.AddUint64(&r.expired, 1)
		return nil, false
	}
	return p, true
}

// Peek reports whether ptr currently has an outstanding, unexpired pending
// registration, without consuming it. internal/dispatcher's Hybrid strategy
// uses this to decide which backend should own a given allocation, leaving
// the actual Consume to whichever tracker ends up handling the event.
func (r *Resolver) Peek(ptr uint64) bool {
	v, ok := r.pending.Load(ptr)
	if !ok {
		return false
	}
	p := v.(*Pending)
	return time.Since(p.RegisteredAt) <= r.window
}

// Tick advances the same-thread allocation counter of every pending entry
// registered on threadID and expires (removes) any entry — on any thread —
// that has now sat past its classification window. An entry only counts
// allocations observed on its own registering thread (spec.md §4.2's "N
// subsequent allocations on the same thread"); Trackers call this once per
// observed alloc event on the resolver's behalf. It is O(n) in the pending
// set, which is expected to stay small since entries live at most a
// handful of allocations.
func (r *Resolver) Tick(threadID uint16) {
	r.pending.Range(func(key, value interface{}) bool {
		p := value.(*Pending)
		expired := time.Since(p.RegisteredAt) > r.window
		if p.ThreadID == threadID {
			n := atomic.AddInt32(&p.allocsSinceOnThread, 1)
			expired = expired || n >= r.maxAllocs
		}
		if expired {
			r.pending.Delete(key)
			atomic.AddUint64(&r.expired, 1)
		}
		return true
	})
}

// ClassificationMisses returns the count of pending entries that expired
// unconsumed.
func (r *Resolver) ClassificationMisses() uint64 { return atomic.LoadUint64(&r.expired) }

// canonicalizeTypeName strips leading "alloc::", "std::" and "core::"
// qualifiers for display, while Register keeps the original text in
// TypeNameOriginal for downstream matching. Other prefixes, including Go
// package paths, are left as they are.
func canonicalizeTypeName(typeName string) string {
	for _, prefix := range []string{"alloc::", "std::", "core::"} {
		for hasPrefix(typeName, prefix) {
			typeName = typeName[len(prefix):]
		}
	}
	return typeName
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
