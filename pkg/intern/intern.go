// Package intern implements the string and call-stack interning tables
// spec.md §3 calls for: every AllocationRecord references a type/var name
// and a call stack by id rather than storing the text/frames inline, so a
// session with millions of allocations pays the string cost once per
// distinct value instead of once per record.
//
// Deduplication is keyed by an xxhash digest the same way the teacher's
// pkg/deduplication.DeduplicationManager dedups log lines: 20x faster than
// sha256 and collision-free enough for a process-local table (a true
// collision only loses interning efficiency, it never corrupts a record,
// since the stored id always maps back to the exact bytes that produced
// it via the table's own slice, not the hash).
package intern

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"memscope/pkg/types"
)

// StringTable interns strings (var names, type names, library/function
// names for foreign records) behind a uint32 id.
type StringTable struct {
	mu      sync.RWMutex
	byHash  map[uint64]uint32
	entries []string
}

// NewStringTable creates an empty table.
func NewStringTable() *StringTable {
	return &StringTable{byHash: make(map[uint64]uint32)}
}

// NewStringTableFrom seeds a table from an existing ordered string slice,
// preserving ids (slice index == id). Used when a component downstream
// (internal/codec's Writer) must keep interning into the same id space a
// shared table (internal/safety's Annex, the session's canonical string
// table) has already assigned ids from, so a record's already-stored ids
// stay valid after re-serialization.
func NewStringTableFrom(seed []string) *StringTable {
	t := NewStringTable()
	for _, s := range seed {
		t.Intern(s)
	}
	return t
}

// Intern returns s's id, assigning a new one if s has not been seen.
func (t *StringTable) Intern(s string) uint32 {
	h := xxhash.Sum64String(s)

	t.mu.RLock()
	if id, ok := t.byHash[h]; ok && t.entries[id] == s {
		t.mu.RUnlock()
		return id
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byHash[h]; ok && t.entries[id] == s {
		return id
	}
	id := uint32(len(t.entries))
	t.entries = append(t.entries, s)
	t.byHash[h] = id
	return id
}

// Get returns the string for id, or "" and false if id is out of range.
func (t *StringTable) Get(id uint32) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.entries) {
		return "", false
	}
	return t.entries[id], true
}

// Strings returns a snapshot copy of the table in insertion (id) order,
// suitable for the codec's string section and the aggregator's JSON
// families (spec.md §3, §4.8).
func (t *StringTable) Strings() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *StringTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// CallStackTable interns raw call stacks behind a uint32 id. Symbol
// resolution (program counters -> function/file/line) happens lazily, at
// export time, in internal/aggregator — the table itself only dedups
// frame sequences.
type CallStackTable struct {
	mu      sync.RWMutex
	byHash  map[uint64]uint32
	entries []types.CallStack
}

// NewCallStackTable creates an empty table.
func NewCallStackTable() *CallStackTable {
	return &CallStackTable{byHash: make(map[uint64]uint32)}
}

// Intern returns frames' id, assigning a new one if this exact frame
// sequence has not been seen.
func (t *CallStackTable) Intern(frames []uintptr) uint32 {
	h := hashFrames(frames)

	t.mu.RLock()
	if id, ok := t.byHash[h]; ok && framesEqual(t.entries[id].Frames, frames) {
		t.mu.RUnlock()
		return id
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byHash[h]; ok && framesEqual(t.entries[id].Frames, frames) {
		return id
	}
	id := uint32(len(t.entries))
	cp := make([]uintptr, len(frames))
	copy(cp, frames)
	t.entries = append(t.entries, types.CallStack{Frames: cp})
	t.byHash[h] = id
	return id
}

// Get returns the call stack for id.
func (t *CallStackTable) Get(id uint32) (types.CallStack, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.entries) {
		return types.CallStack{}, false
	}
	return t.entries[id], true
}

// CallStacks returns a snapshot copy in id order.
func (t *CallStackTable) CallStacks() []types.CallStack {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.CallStack, len(t.entries))
	copy(out, t.entries)
	return out
}

func hashFrames(frames []uintptr) uint64 {
	h := xxhash.New()
	buf := make([]byte, 8)
	for _, f := range frames {
		for i := 0; i < 8; i++ {
			buf[i] = byte(f >> (8 * i))
		}
		h.Write(buf)
	}
	return h.Sum64()
}

func framesEqual(a, b []uintptr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
