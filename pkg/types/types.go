// Package types defines the core data structures shared across the memory
// tracking runtime: allocation records, the interned string/call-stack
// tables, ownership history, and foreign-boundary passports.
//
// Everything here is intentionally a plain struct with no behavior beyond
// small helpers: the trackers (internal/tracker/*) own mutation, the codec
// (internal/codec) owns serialization, and the aggregator (internal/
// aggregator) owns derived views. Keeping the data model free of those
// concerns is what lets all three share it without import cycles.
package types

import "time"

// SourceKind classifies where an allocation originated relative to safe,
// user-visible Go code.
type SourceKind uint8

const (
	SafeNative SourceKind = iota
	UnsafeNative
	Foreign
)

func (k SourceKind) String() string {
	switch k {
	case UnsafeNative:
		return "unsafe_native"
	case Foreign:
		return "foreign"
	default:
		return "safe_native"
	}
}

// SmartPointerKind tags the flavor of reference-counted or boxed value a
// record observed, mirroring the closed set of wrapper kinds the spec calls
// out rather than a trait hierarchy.
type SmartPointerKind uint8

const (
	SmartPointerNone SmartPointerKind = iota
	Boxed
	RefCounted
	AtomicRefCounted
	Weak
)

// SmartPointerInfo records the wrapper metadata for a boxed/ref-counted
// allocation. Zero value means "not a smart pointer".
type SmartPointerInfo struct {
	Kind               SmartPointerKind
	RefCountAtObs      uint64
	OriginalPtrIfClone uint64 // 0 if this record is not itself a clone
}

// OwnershipEventKind is the closed set of ownership transitions a record can
// go through over its lifetime.
type OwnershipEventKind uint8

const (
	Allocated OwnershipEventKind = iota
	ClonedFrom
	ClonedTo
	Borrowed
	MutablyBorrowed
	Dropped
	Transferred
)

func (k OwnershipEventKind) String() string {
	switch k {
	case ClonedFrom:
		return "cloned_from"
	case ClonedTo:
		return "cloned_to"
	case Borrowed:
		return "borrowed"
	case MutablyBorrowed:
		return "mutably_borrowed"
	case Dropped:
		return "dropped"
	case Transferred:
		return "transferred"
	default:
		return "allocated"
	}
}

// OwnershipEvent is one entry in a record's append-only ownership log.
// Relationships to other records are encoded by id (RelatedPtr /
// RelatedStackID), never by direct pointer, so the log stays acyclic.
type OwnershipEvent struct {
	TimestampNs    uint64
	Kind           OwnershipEventKind
	RelatedPtr     uint64 // 0 if not applicable
	RelatedStackID uint32 // 0 if not applicable (0 is also the empty stack)
	RelatedVarName string // set only for Transferred{to_var}
	Scope          string // set only for Borrowed/MutablyBorrowed
}

// Flags is a bitset over the small set of boolean facts a record can carry.
type Flags uint8

const (
	FlagLeaked Flags = 1 << iota
	FlagContainer
	FlagZeroSized
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// UnsafeSubRecord captures the originating unsafe block for a record whose
// SourceKind is UnsafeNative.
type UnsafeSubRecord struct {
	UnsafeBlockID uint32
}

// ForeignSubRecord captures the originating foreign call for a record whose
// SourceKind is Foreign.
type ForeignSubRecord struct {
	LibraryNameID  uint32 // interned string id
	FunctionNameID uint32 // interned string id
}

// AllocationRecord is the central entity of the data model (spec.md §3).
// Optional fields use pointer/zero-value sentinels rather than a dozen bool
// flags: a nil TimestampDeallocNs means "still live", an empty VarName
// means "system record", and so on.
type AllocationRecord struct {
	Ptr   uint64
	Size  uint32
	Align uint16
	Flags Flags

	ThreadID uint16
	TaskID   *uint32 // set only under the async tracker
	ScopeID  *uint32

	TimestampAllocNs   uint64
	TimestampDeallocNs *uint64 // nil while live

	VarName  string // "" if system record
	TypeName string // canonicalized for display; see TypeNameOriginal

	// TypeNameOriginal preserves the pre-canonicalization text used for
	// downstream matching (spec.md §4.2); TypeName has alloc::/std::-style
	// path prefixes stripped for display.
	TypeNameOriginal string

	CallStackID *uint32 // index into the shared CallStackTable

	OwnershipEvents []OwnershipEvent

	SourceKind SourceKind
	Unsafe     *UnsafeSubRecord  // set iff SourceKind == UnsafeNative
	Foreign    *ForeignSubRecord // set iff SourceKind == Foreign

	SmartPointer *SmartPointerInfo
}

// IsLive reports whether the record has not yet observed a dealloc event.
func (r *AllocationRecord) IsLive() bool { return r.TimestampDeallocNs == nil }

// LifetimeMs returns the record's lifetime in milliseconds and true, or
// (0, false) if the record is still live.
func (r *AllocationRecord) LifetimeMs() (float64, bool) {
	if r.TimestampDeallocNs == nil {
		return 0, false
	}
	return float64(*r.TimestampDeallocNs-r.TimestampAllocNs) / 1e6, true
}

// PassportStatus is the closed set of lifecycle states for memory handed
// across a foreign boundary.
type PassportStatus uint8

const (
	InLocalCustody PassportStatus = iota
	HandedToForeign
	ReclaimedLocally
	FreedByForeign
	OrphanedAtShutdown
)

func (s PassportStatus) String() string {
	switch s {
	case HandedToForeign:
		return "handed_to_foreign"
	case ReclaimedLocally:
		return "reclaimed_locally"
	case FreedByForeign:
		return "freed_by_foreign"
	case OrphanedAtShutdown:
		return "orphaned_at_shutdown"
	default:
		return "in_local_custody"
	}
}

// PassportEvent is one transition in a MemoryPassport's lifecycle.
type PassportEvent struct {
	TimestampNs uint64
	Status      PassportStatus
	Detail      string
}

// MemoryPassport tracks an allocation's lifecycle once it crosses a foreign
// boundary (spec.md §3, §4.9).
type MemoryPassport struct {
	PassportID          uint32
	SourceAllocationPtr uint64
	Size                uint32
	Status              PassportStatus
	Lifecycle           []PassportEvent
	LibraryNameID       uint32
	FunctionNameID      uint32
}

// CallStack is one entry of the append-only CallStackTable: a sequence of
// raw frame program-counter addresses. Symbol resolution happens lazily at
// export time (spec.md §3), not here.
type CallStack struct {
	Frames []uintptr
}

// Snapshot is the immutable view a tracker hands to exporters (spec.md
// §4.3 `snapshot()`). It owns copies, not references into live tracker
// state, so callers may keep reading it while the tracker keeps mutating.
type Snapshot struct {
	SessionID   string
	StartedAt   time.Time
	Strategy    string // "precise" | "lockfree" | "async" | "hybrid"
	Live        []AllocationRecord
	History     []AllocationRecord
	Stats       Stats
	Strings     []string
	CallStacks  []CallStack
	Passports   []MemoryPassport
	Diagnostics Diagnostics
}

// Stats is the aggregate counters every tracker backend maintains
// (spec.md §4.3).
type Stats struct {
	ActiveCount uint64
	ActiveBytes uint64
	PeakBytes   uint64
	TotalCount  uint64
	TotalBytes  uint64
}

// Diagnostics surfaces the counters described in spec.md §7: none of these
// ever become a panic or a fast-path error return, only a number a caller
// can inspect after the fact.
type Diagnostics struct {
	OrphanDeallocs        uint64
	DoubleAllocs          uint64
	ClassificationMisses  uint64
	HistoryEvictions      uint64
	SlabPressureEvictions uint64
	SamplingDrops         uint64
	InitializationErrors  uint64
}
