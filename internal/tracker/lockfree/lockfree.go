// Package lockfree implements C4, the lock-free per-goroutine tracker
// (spec.md §4.4) for high-concurrency scenarios where a single session-wide
// mutex (the precise tracker's) would serialize every allocation.
//
// Go has no public per-thread storage or a literal "goroutine termination"
// hook, so "per-thread slab" here means "per-goroutine slab", looked up by
// the synthetic id internal/hook.GoroutineID derives, and "flush on thread
// termination" becomes "always readable from Snapshot", since nothing
// signals a goroutine's exit that a library could hook. DESIGN.md records
// this as a resolved Open Question.
package lockfree

import (
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"memscope/internal/hook"
	"memscope/internal/identity"
	"memscope/pkg/metrics"
	"memscope/pkg/types"
)

// SpillWriter receives large or user-named records that must never be
// dropped by ring-buffer eviction (spec.md §4.4's overflow-spill rule).
// internal/codec's Writer and the dispatcher's in-memory spill buffer
// implement it.
type SpillWriter interface {
	SpillRecord(rec types.AllocationRecord)
}

// Config carries the sampling parameters named in spec.md §4.4.
type Config struct {
	LargeThresholdBytes  uint32
	MediumThresholdBytes uint32
	PMedium              float64
	PSmall               float64
	FrequencyN           uint64
	SlabCapacity         int
}

// compactRecord is the ring-buffer entry. With callStackKey it takes 48
// bytes on a 64-bit platform, not 32. It carries only what a sampled system record needs; user records and
// full ownership history live in the overflow spill path instead.
type compactRecord struct {
	ptr              uint64
	timestampAllocNs uint64
	timestampDeallocNs uint64 // 0 means still live
	size             uint32
	threadID         uint16
	align            uint16
	flags            types.Flags
	callStackKey     uintptr
}

// slab is one goroutine's ring buffer plus its per-stack frequency
// counters. A slab is written only by its owning goroutine; Snapshot
// (called from any goroutine, typically at export time) takes mu to read
// it safely, which is the one lock in this package and is uncontended in
// the overwhelmingly common case of no concurrent export.
type slab struct {
	mu        sync.Mutex
	buf       []compactRecord
	head      int
	count     int
	cap       int
	stackFreq map[uintptr]uint64
}

func newSlab(capacity int) *slab {
	return &slab{buf: make([]compactRecord, capacity), cap: capacity, stackFreq: make(map[uintptr]uint64)}
}

// push appends rec, overwriting the oldest entry if the ring is full.
// Returns true if an existing entry was overwritten (pressure eviction).
func (s *slab) push(rec compactRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := false
	idx := (s.head + s.count) % s.cap
	if s.count == s.cap {
		idx = s.head
		s.head = (s.head + 1) % s.cap
		evicted = true
	} else {
		s.count++
	}
	s.buf[idx] = rec
	return evicted
}

func (s *slab) snapshot() []compactRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]compactRecord, s.count)
	for i := 0; i < s.count; i++ {
		out[i] = s.buf[(s.head+i)%s.cap]
	}
	return out
}

// Tracker is the lock-free, sampled tracker.
type Tracker struct {
	cfg      Config
	logger   *logrus.Logger
	resolver *identity.Resolver
	spill    SpillWriter

	slabs sync.Map // goroutine id (int64) -> *slab

	// diagnostics are process-wide atomics since many goroutines update
	// them concurrently; this is intentionally the one piece of genuinely
	// shared mutable state outside the per-slab locks.
	diag types.Diagnostics
	stats types.Stats

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a lock-free Tracker. spill may be nil, in which case large
// and user records that would otherwise need to bypass eviction are kept
// in the ring buffer like any other record (best effort, degraded
// durability; nothing is logged).
func New(cfg Config, resolver *identity.Resolver, spill SpillWriter, logger *logrus.Logger) *Tracker {
	if cfg.SlabCapacity <= 0 {
		cfg.SlabCapacity = 4096
	}
	if cfg.FrequencyN == 0 {
		cfg.FrequencyN = 256
	}
	return &Tracker{
		cfg:      cfg,
		logger:   logger,
		resolver: resolver,
		spill:    spill,
		rng:      rand.New(rand.NewSource(1)),
	}
}

func (t *Tracker) Name() string { return "lockfree" }

func (t *Tracker) slabFor(threadID int64) *slab {
	if v, ok := t.slabs.Load(threadID); ok {
		return v.(*slab)
	}
	s := newSlab(t.cfg.SlabCapacity)
	actual, _ := t.slabs.LoadOrStore(threadID, s)
	return actual.(*slab)
}

func (t *Tracker) OnEvent(ev hook.Event) {
	switch ev.Kind {
	case hook.KindAlloc:
		t.onAlloc(ev)
	case hook.KindRealloc:
		t.onRealloc(ev)
	case hook.KindDealloc:
		t.onDealloc(ev)
	}
}

func (t *Tracker) onAlloc(ev hook.Event) {
	t.resolver.Tick(ev.ThreadID)
	pending, classified := t.resolver.Consume(ev.Ptr)

	gid := hook.GoroutineID()
	sl := t.slabFor(gid)

	stackKey := callStackKey(3)
	sl.mu.Lock()
	freq := sl.stackFreq[stackKey] + 1
	sl.stackFreq[stackKey] = freq
	sl.mu.Unlock()

	atomic.AddUint64(&t.stats.ActiveCount, 1)
	atomic.AddUint64(&t.stats.ActiveBytes, uint64(ev.Size))
	atomic.AddUint64(&t.stats.TotalCount, 1)
	atomic.AddUint64(&t.stats.TotalBytes, uint64(ev.Size))
	t.bumpPeakLocked()

	rec := compactRecord{
		ptr:              ev.Ptr,
		timestampAllocNs: ev.NowNs,
		size:             ev.Size,
		threadID:         ev.ThreadID,
		align:            ev.Align,
		callStackKey:     stackKey,
	}
	if ev.Size == 0 {
		rec.flags |= types.FlagZeroSized
	}

	if classified {
		// User records are never dropped by sampling (spec.md §4.4's
		// invariant) and always go to spill so later eviction cannot
		// lose them.
		t.spillOrKeep(sl, rec, pending)
		metrics.AllocationsTotal.WithLabelValues("lockfree", "user").Inc()
		return
	}

	metrics.AllocationsTotal.WithLabelValues("lockfree", "system").Inc()

	if !t.shouldSample(ev.Size, freq) {
		atomic.AddUint64(&t.diag.SamplingDrops, 1)
		metrics.SamplingDropsTotal.Inc()
		return
	}

	if ev.Size >= t.cfg.LargeThresholdBytes && t.spill != nil {
		t.spill.SpillRecord(toFullRecord(rec, nil))
		return
	}

	if sl.push(rec) {
		atomic.AddUint64(&t.diag.SlabPressureEvictions, 1)
		metrics.SlabEvictionsTotal.Inc()
	}
}

func (t *Tracker) spillOrKeep(sl *slab, rec compactRecord, pending *identity.Pending) {
	if t.spill != nil {
		t.spill.SpillRecord(toFullRecord(rec, pending))
		return
	}
	if sl.push(rec) {
		atomic.AddUint64(&t.diag.SlabPressureEvictions, 1)
		metrics.SlabEvictionsTotal.Inc()
	}
}

func toFullRecord(rec compactRecord, pending *identity.Pending) types.AllocationRecord {
	full := types.AllocationRecord{
		Ptr:              rec.ptr,
		Size:             rec.size,
		Align:            rec.align,
		Flags:            rec.flags,
		ThreadID:         rec.threadID,
		TimestampAllocNs: rec.timestampAllocNs,
	}
	if rec.timestampDeallocNs != 0 {
		d := rec.timestampDeallocNs
		full.TimestampDeallocNs = &d
	}
	if pending != nil {
		full.VarName = pending.VarName
		full.TypeName = pending.TypeName
		full.TypeNameOriginal = pending.TypeNameOriginal
	}
	return full
}

// shouldSample applies spec.md §4.4's rules in order: large always kept,
// then the frequency guarantee, then size-tiered probability.
func (t *Tracker) shouldSample(size uint32, freqOnStack uint64) bool {
	if size >= t.cfg.LargeThresholdBytes {
		return true
	}
	if t.cfg.FrequencyN > 0 && freqOnStack%t.cfg.FrequencyN == 0 {
		return true
	}
	if size >= t.cfg.MediumThresholdBytes {
		return t.sampleAt(t.cfg.PMedium)
	}
	return t.sampleAt(t.cfg.PSmall)
}

func (t *Tracker) sampleAt(p float64) bool {
	t.rngMu.Lock()
	v := t.rng.Float64()
	t.rngMu.Unlock()
	return v < p
}

func (t *Tracker) onRealloc(ev hook.Event) {
	// Deallocate-then-allocate, per spec.md §4.4: treat as a dealloc of
	// OldPtr (which, in the sampled ring, may or may not be present —
	// that is fine, it simply means the intermediate state was sampled
	// out) followed by a fresh onAlloc of the new pointer/size.
	t.onDealloc(hook.Event{Ptr: ev.OldPtr, ThreadID: ev.ThreadID, NowNs: ev.NowNs})
	t.onAlloc(ev)
}

func (t *Tracker) onDealloc(ev hook.Event) {
	gid := hook.GoroutineID()
	sl := t.slabFor(gid)

	sl.mu.Lock()
	found := false
	for i := 0; i < sl.count; i++ {
		idx := (sl.head + i) % sl.cap
		if sl.buf[idx].ptr == ev.Ptr && sl.buf[idx].timestampDeallocNs == 0 {
			sl.buf[idx].timestampDeallocNs = ev.NowNs
			found = true
			break
		}
	}
	sl.mu.Unlock()

	if !found {
		// Either sampled out at alloc time (not a real inconsistency) or
		// genuinely orphaned; lock-free mode cannot tell the two apart
		// without the full ring, so the dealloc is ignored: nothing is
		// counted, not even an orphan-dealloc diagnostic.
		return
	}

	if atomic.LoadUint64(&t.stats.ActiveCount) > 0 {
		atomic.AddUint64(&t.stats.ActiveCount, ^uint64(0)) // -1
	}
	sizeOf := func() uint32 {
		sl.mu.Lock()
		defer sl.mu.Unlock()
		for i := 0; i < sl.count; i++ {
			idx := (sl.head + i) % sl.cap
			if sl.buf[idx].ptr == ev.Ptr {
				return sl.buf[idx].size
			}
		}
		return 0
	}()
	if sizeOf > 0 {
		sub := uint64(sizeOf)
		for {
			cur := atomic.LoadUint64(&t.stats.ActiveBytes)
			if cur < sub {
				atomic.StoreUint64(&t.stats.ActiveBytes, 0)
				break
			}
			if atomic.CompareAndSwapUint64(&t.stats.ActiveBytes, cur, cur-sub) {
				break
			}
		}
	}
	metrics.DeallocationsTotal.WithLabelValues("lockfree", "matched").Inc()
}

func (t *Tracker) bumpPeakLocked() {
	active := atomic.LoadUint64(&t.stats.ActiveBytes)
	for {
		peak := atomic.LoadUint64(&t.stats.PeakBytes)
		if active <= peak {
			return
		}
		if atomic.CompareAndSwapUint64(&t.stats.PeakBytes, peak, active) {
			return
		}
	}
}

// Snapshot aggregates every goroutine's slab. Per package doc, this is the
// lock-free tracker's substitute for "flush on thread termination": every
// slab is always live and readable, so there is nothing to wait for.
func (t *Tracker) Snapshot() types.Snapshot {
	var live []types.AllocationRecord
	var history []types.AllocationRecord

	t.slabs.Range(func(_, v interface{}) bool {
		sl := v.(*slab)
		for _, rec := range sl.snapshot() {
			full := toFullRecord(rec, nil)
			if rec.timestampDeallocNs == 0 {
				live = append(live, full)
			} else {
				history = append(history, full)
			}
		}
		return true
	})

	return types.Snapshot{
		Strategy: "lockfree",
		Live:     live,
		History:  history,
		Stats: types.Stats{
			ActiveCount: atomic.LoadUint64(&t.stats.ActiveCount),
			ActiveBytes: atomic.LoadUint64(&t.stats.ActiveBytes),
			PeakBytes:   atomic.LoadUint64(&t.stats.PeakBytes),
			TotalCount:  atomic.LoadUint64(&t.stats.TotalCount),
			TotalBytes:  atomic.LoadUint64(&t.stats.TotalBytes),
		},
		Diagnostics: t.Diagnostics(),
	}
}

func (t *Tracker) Diagnostics() types.Diagnostics {
	return types.Diagnostics{
		OrphanDeallocs:        atomic.LoadUint64(&t.diag.OrphanDeallocs),
		DoubleAllocs:          atomic.LoadUint64(&t.diag.DoubleAllocs),
		ClassificationMisses:  t.resolver.ClassificationMisses(),
		HistoryEvictions:      atomic.LoadUint64(&t.diag.HistoryEvictions),
		SlabPressureEvictions: atomic.LoadUint64(&t.diag.SlabPressureEvictions),
		SamplingDrops:         atomic.LoadUint64(&t.diag.SamplingDrops),
	}
}

// Shutdown is a no-op: every slab is reachable from Snapshot at any time,
// so there is no flush to perform (see package doc).
func (t *Tracker) Shutdown() {}

// callStackKey is a cheap, single-frame proxy for a full call stack,
// traded off against spec.md §4.4's "per-stack frequency counters"
// requirement: walking and hashing the full stack on every sampled
// allocation would defeat the point of a lock-free fast path. One
// program-counter frame (skip frames up through the caller of OnEvent) is
// enough to distinguish call sites for the frequency guarantee. No full
// stack is captured for any record on this path; records leave the
// tracker with no CallStackID set.
func callStackKey(skip int) uintptr {
	var pc [1]uintptr
	n := runtime.Callers(skip, pc[:])
	if n == 0 {
		return 0
	}
	return pc[0]
}
