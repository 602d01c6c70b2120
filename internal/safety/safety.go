// Package safety implements C9, the safety/FFI annex (spec.md §4.9): the
// unsafe-block and foreign-boundary markers user macros register, and the
// MemoryPassport bookkeeping a pointer gets once it is handed across a
// foreign boundary.
//
// Like internal/hook's re-entrancy guard, this has no real thread-local
// storage to lean on: "the current unsafe block" and "the current foreign
// call" are per-goroutine facts, so they live in a sync.Map keyed by the
// same synthetic goroutine id internal/hook.GoroutineID derives, exactly
// the pattern internal/hook.Guard already established for its own
// in-progress flag.
package safety

import (
	"sync"
	"sync/atomic"

	"memscope/internal/hook"
	"memscope/pkg/intern"
	"memscope/pkg/types"
)

// unsafeState is the per-goroutine "currently inside an unsafe block" fact.
type unsafeState struct {
	blockID uint32
}

// foreignState is the per-goroutine "currently inside a foreign call" fact.
type foreignState struct {
	libraryID  uint32
	functionID uint32
}

// Annex tracks unsafe/foreign boundary state and the MemoryPassport
// registry for one session. One Annex is owned by the dispatcher and
// shared by every tracker backend that wants SourceKind/Unsafe/Foreign
// classification (spec.md §4.9).
type Annex struct {
	strs *intern.StringTable

	unsafeByGoroutine  sync.Map // goroutine id (int64) -> unsafeState
	foreignByGoroutine sync.Map // goroutine id (int64) -> foreignState

	mu             sync.Mutex
	passports      map[uint64]*types.MemoryPassport // source ptr -> open passport
	nextPassportID uint32
	closed         []types.MemoryPassport

	nextUnsafeBlockID uint32
}

// New creates an Annex. strs is the session's shared string table: library
// and function names are interned there so their ids line up with
// whatever else the session interns into the same table (SPEC_FULL.md
// §4.1a/§3's shared-singleton string table).
func New(strs *intern.StringTable) *Annex {
	return &Annex{
		strs:      strs,
		passports: make(map[uint64]*types.MemoryPassport),
	}
}

// BeginUnsafe marks the calling goroutine as inside unsafe block blockID.
// Returns the block id for convenience (callers that did not supply one
// can pass 0 and get an auto-allocated id back).
func (a *Annex) BeginUnsafe(blockID uint32) uint32 {
	if blockID == 0 {
		blockID = atomic.AddUint32(&a.nextUnsafeBlockID, 1)
	}
	a.unsafeByGoroutine.Store(hook.GoroutineID(), unsafeState{blockID: blockID})
	return blockID
}

// EndUnsafe clears the calling goroutine's unsafe-block marker.
func (a *Annex) EndUnsafe() {
	a.unsafeByGoroutine.Delete(hook.GoroutineID())
}

// BeginForeign marks the calling goroutine as inside a call into library/
// function, interning both names.
func (a *Annex) BeginForeign(library, function string) {
	a.foreignByGoroutine.Store(hook.GoroutineID(), foreignState{
		libraryID:  a.strs.Intern(library),
		functionID: a.strs.Intern(function),
	})
}

// EndForeign clears the calling goroutine's foreign-call marker.
func (a *Annex) EndForeign() {
	a.foreignByGoroutine.Delete(hook.GoroutineID())
}

// Classify reports the SourceKind (and matching sub-record, if any) that an
// allocation observed on the calling goroutine right now should carry
// (spec.md §4.9: "When an allocation occurs inside an active unsafe block,
// its source_kind is set to UnsafeNative with the block id"). A goroutine
// can be inside at most one of unsafe/foreign at a time; foreign takes
// precedence since a foreign call site is, by construction, also unsafe in
// Go terms but the more specific classification is more useful downstream.
func (a *Annex) Classify() (types.SourceKind, *types.UnsafeSubRecord, *types.ForeignSubRecord) {
	gid := hook.GoroutineID()

	if v, ok := a.foreignByGoroutine.Load(gid); ok {
		fs := v.(foreignState)
		return types.Foreign, nil, &types.ForeignSubRecord{LibraryNameID: fs.libraryID, FunctionNameID: fs.functionID}
	}
	if v, ok := a.unsafeByGoroutine.Load(gid); ok {
		us := v.(unsafeState)
		return types.UnsafeNative, &types.UnsafeSubRecord{UnsafeBlockID: us.blockID}, nil
	}
	return types.SafeNative, nil, nil
}

// HandToForeign opens a MemoryPassport for ptr when it is handed to a
// foreign call (spec.md §4.9). Safe to call even if ptr already has an
// open passport: the existing one is returned unchanged, since a pointer
// handed to the same or a nested foreign call does not start a second
// independent lifecycle.
func (a *Annex) HandToForeign(ptr uint64, size uint32, library, function string, nowNs uint64) *types.MemoryPassport {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.passports[ptr]; ok {
		return p
	}

	a.nextPassportID++
	p := &types.MemoryPassport{
		PassportID:          a.nextPassportID,
		SourceAllocationPtr: ptr,
		Size:                size,
		Status:              types.HandedToForeign,
		LibraryNameID:       a.strs.Intern(library),
		FunctionNameID:      a.strs.Intern(function),
	}
	p.Lifecycle = append(p.Lifecycle, types.PassportEvent{TimestampNs: nowNs, Status: types.HandedToForeign})
	a.passports[ptr] = p
	return p
}

// ReclaimLocally closes ptr's passport as reclaimed by local code (a local
// dealloc of a pointer that was previously handed to foreign code, or an
// explicit reclamation marker). No-op if ptr has no open passport.
func (a *Annex) ReclaimLocally(ptr uint64, nowNs uint64) {
	a.closePassport(ptr, types.ReclaimedLocally, nowNs, "")
}

// FreedByForeign closes ptr's passport as freed on the foreign side.
func (a *Annex) FreedByForeign(ptr uint64, nowNs uint64, detail string) {
	a.closePassport(ptr, types.FreedByForeign, nowNs, detail)
}

func (a *Annex) closePassport(ptr uint64, status types.PassportStatus, nowNs uint64, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.passports[ptr]
	if !ok {
		return
	}
	p.Status = status
	p.Lifecycle = append(p.Lifecycle, types.PassportEvent{TimestampNs: nowNs, Status: status, Detail: detail})
	a.closed = append(a.closed, *p)
	delete(a.passports, ptr)
}

// Shutdown closes every still-open passport as OrphanedAtShutdown (spec.md
// §4.9) and returns every passport this Annex ever saw, closed or not.
func (a *Annex) Shutdown(nowNs uint64) []types.MemoryPassport {
	a.mu.Lock()
	defer a.mu.Unlock()

	for ptr, p := range a.passports {
		p.Status = types.OrphanedAtShutdown
		p.Lifecycle = append(p.Lifecycle, types.PassportEvent{TimestampNs: nowNs, Status: types.OrphanedAtShutdown})
		a.closed = append(a.closed, *p)
		delete(a.passports, ptr)
	}

	out := make([]types.MemoryPassport, len(a.closed))
	copy(out, a.closed)
	return out
}

// Passports returns a snapshot of every passport seen so far (open or
// closed), without forcing shutdown semantics on still-open ones. Used by
// Snapshot() calls taken mid-session.
func (a *Annex) Passports() []types.MemoryPassport {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.MemoryPassport, 0, len(a.closed)+len(a.passports))
	out = append(out, a.closed...)
	for _, p := range a.passports {
		out = append(out, *p)
	}
	return out
}
