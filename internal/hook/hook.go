// Package hook implements C1, the allocator hook (spec.md §4.1).
//
// Go cannot replace the runtime's global allocator or read true
// thread-local storage, so the hook is realized as an explicit
// instrumentation facade (SPEC_FULL.md §4.1a): callers that want an
// allocation tracked route it through Hook.Alloc/Realloc/Dealloc instead of
// the runtime silently intercepting every make()/new(). Everything else in
// the contract is honored: the hot path never blocks on a contended lock, a
// re-entrant call (the tracker itself allocating while already inside a
// hook callback) is bounced to a no-op bypass instead of recursing, and no
// tracker-side failure is ever allowed to reach the caller.
package hook

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind is the allocator operation an Event describes.
type Kind uint8

const (
	KindAlloc Kind = iota
	KindRealloc
	KindDealloc
)

// Event is the raw tuple the hook emits for every observed operation
// (spec.md §4.1): "(kind, ptr, size, align, thread_id, now_ns)". OldPtr is
// only meaningful for KindRealloc.
type Event struct {
	Kind     Kind
	Ptr      uint64
	OldPtr   uint64
	Size     uint32
	Align    uint16
	ThreadID uint16
	NowNs    uint64
}

// Sink receives events from the hook's fast path. Implementations (the
// dispatcher) must not block or allocate in a way that re-enters the hook;
// Handle is called on the allocating goroutine.
type Sink interface {
	Handle(Event)
}

// Clock produces monotonic nanosecond timestamps relative to a tracker's
// start, matching the "monotonic nanoseconds since tracker start" unit
// spec.md §3 requires for timestamp_alloc/timestamp_dealloc.
type Clock struct {
	start time.Time
}

// NewClock starts a clock at the current instant.
func NewClock() *Clock { return &Clock{start: time.Now()} }

// NowNs returns nanoseconds elapsed since the clock was created.
func (c *Clock) NowNs() uint64 { return uint64(time.Since(c.start).Nanoseconds()) }

// Hook is the process-wide allocator hook. One Hook is installed per
// session (internal/dispatcher owns the singleton); it is safe for
// concurrent use by many goroutines.
type Hook struct {
	sink  atomic.Value // Sink
	guard Guard

	bypassed uint64 // count of events dropped due to re-entrancy; diagnostics only
}

// New creates a Hook with no sink attached; events are dropped until
// SetSink is called (mirrors MEMSCOPE_DISABLE_GLOBAL=1 behavior before a
// session is active).
func New() *Hook {
	return &Hook{}
}

// SetSink installs (or replaces) the event sink. nil disables recording.
func (h *Hook) SetSink(s Sink) {
	if s == nil {
		h.sink.Store((Sink)(nil))
		return
	}
	h.sink.Store(s)
}

func (h *Hook) currentSink() Sink {
	v := h.sink.Load()
	if v == nil {
		return nil
	}
	s, _ := v.(Sink)
	return s
}

// Alloc records an allocation. Re-entrancy safe: if this goroutine is
// already inside a hook callback (the tracker's own bookkeeping allocated),
// the event is silently dropped per spec.md §4.1's bypass-allocator rule.
func (h *Hook) Alloc(clock *Clock, ptr uint64, size uint32, align uint16, threadID uint16) {
	if !h.guard.enter() {
		atomic.AddUint64(&h.bypassed, 1)
		return
	}
	defer h.guard.exit()

	sink := h.currentSink()
	if sink == nil {
		return
	}
	sink.Handle(Event{Kind: KindAlloc, Ptr: ptr, Size: size, Align: align, ThreadID: threadID, NowNs: clock.NowNs()})
}

// Realloc records a realloc as a single event carrying both the old and
// new pointer; trackers treat it as dealloc-then-alloc (spec.md §4.3/§4.4).
func (h *Hook) Realloc(clock *Clock, oldPtr, newPtr uint64, newSize uint32, align uint16, threadID uint16) {
	if !h.guard.enter() {
		atomic.AddUint64(&h.bypassed, 1)
		return
	}
	defer h.guard.exit()

	sink := h.currentSink()
	if sink == nil {
		return
	}
	sink.Handle(Event{Kind: KindRealloc, Ptr: newPtr, OldPtr: oldPtr, Size: newSize, Align: align, ThreadID: threadID, NowNs: clock.NowNs()})
}

// Dealloc records a deallocation.
func (h *Hook) Dealloc(clock *Clock, ptr uint64, size uint32, align uint16, threadID uint16) {
	if !h.guard.enter() {
		atomic.AddUint64(&h.bypassed, 1)
		return
	}
	defer h.guard.exit()

	sink := h.currentSink()
	if sink == nil {
		return
	}
	sink.Handle(Event{Kind: KindDealloc, Ptr: ptr, Size: size, Align: align, ThreadID: threadID, NowNs: clock.NowNs()})
}

// Bypassed returns the count of events dropped due to re-entrancy.
func (h *Hook) Bypassed() uint64 { return atomic.LoadUint64(&h.bypassed) }

// Guard is a per-goroutine in-progress flag (spec.md §4.3's "every entry
// sets a thread-local in-progress flag" / §4.1's re-entrancy-safe hook).
// Go has no public goroutine-local storage, so the flag lives in a
// sync.Map keyed by the synthetic goroutine id obtained from GoroutineID
// (SPEC_FULL.md §4.1a). Exported so every tracker backend (internal/
// tracker/*) can apply the same re-entrancy protection spec.md §4.3/§4.9
// requires of them, not just the hook itself.
type Guard struct {
	inProgress sync.Map // goroutine id (int64) -> struct{}
}

// Enter returns false if this goroutine is already inside the guard
// (re-entrant call); true if it successfully marked entry and must call
// Exit when done.
func (g *Guard) Enter() bool {
	gid := GoroutineID()
	_, loaded := g.inProgress.LoadOrStore(gid, struct{}{})
	return !loaded
}

// Exit clears this goroutine's in-progress flag.
func (g *Guard) Exit() {
	g.inProgress.Delete(GoroutineID())
}

func (g *Guard) enter() bool { return g.Enter() }
func (g *Guard) exit()       { g.Exit() }
