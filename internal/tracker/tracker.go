// Package tracker defines the Tracker interface shared by the three
// concurrency strategies (precise, lockfree, asynctracker) and the
// dispatcher that multiplexes across them (spec.md §4.3–§4.6).
package tracker

import (
	"memscope/internal/hook"
	"memscope/pkg/types"
)

// Tracker is the contract every concurrency backend satisfies. The
// dispatcher (internal/dispatcher) routes hook.Events to one or more
// Trackers and later asks each for a Snapshot at export time.
type Tracker interface {
	// Name identifies the backend for logging/metrics ("precise",
	// "lockfree", "async").
	Name() string

	// OnEvent processes one hook.Event. Never blocks on anything but the
	// backend's own fast-path synchronization (spec.md §5); never panics
	// (spec.md §7) — all failures become a types.Diagnostics counter.
	OnEvent(ev hook.Event)

	// Snapshot produces an immutable view for export (spec.md §4.3).
	Snapshot() types.Snapshot

	// Diagnostics returns the backend's counters (spec.md §7).
	Diagnostics() types.Diagnostics

	// Shutdown releases any resources a backend holds. The lock-free and
	// async backends keep nothing to flush and implement it as a no-op.
	// Safe to call once.
	Shutdown()
}
