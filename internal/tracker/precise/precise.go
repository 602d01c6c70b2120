// Package precise implements C3, the single-threaded authoritative tracker
// (spec.md §4.3). It is the only backend where every record — user and
// system alike — is kept, with no sampling.
package precise

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"memscope/internal/hook"
	"memscope/internal/identity"
	"memscope/internal/safety"
	"memscope/pkg/metrics"
	"memscope/pkg/types"
)

// Config bounds the history retained after a record is retired
// (spec.md §4.3's bounded-history policy).
type Config struct {
	HistoryMaxCount int
	HistoryMaxBytes int64
}

// Tracker is the precise, single-lock tracker.
type Tracker struct {
	cfg      Config
	logger   *logrus.Logger
	resolver *identity.Resolver
	annex    *safety.Annex
	guard    hook.Guard

	mu      sync.Mutex
	live    map[uint64]*types.AllocationRecord
	history []types.AllocationRecord
	histBytes int64

	stats types.Stats
	diag  types.Diagnostics
}

// New creates a precise Tracker. resolver is the shared identity resolver
// (spec.md §4.2); a Hybrid dispatcher and the lock-free tracker share the
// same resolver instance so a registration is visible regardless of which
// backend observes the matching alloc.
func New(cfg Config, resolver *identity.Resolver, annex *safety.Annex, logger *logrus.Logger) *Tracker {
	if cfg.HistoryMaxCount <= 0 {
		cfg.HistoryMaxCount = 100_000
	}
	if cfg.HistoryMaxBytes <= 0 {
		cfg.HistoryMaxBytes = 256 * 1024 * 1024
	}
	return &Tracker{
		cfg:      cfg,
		logger:   logger,
		resolver: resolver,
		annex:    annex,
		live:     make(map[uint64]*types.AllocationRecord),
	}
}

func (t *Tracker) Name() string { return "precise" }

// OnEvent dispatches to the matching operation. Re-entrancy safe per
// spec.md §4.3: a goroutine already inside OnEvent (because the tracker's
// own bookkeeping triggered another tracked allocation) is a no-op.
func (t *Tracker) OnEvent(ev hook.Event) {
	if !t.guard.Enter() {
		return
	}
	defer t.guard.Exit()

	switch ev.Kind {
	case hook.KindAlloc:
		t.onAlloc(ev)
	case hook.KindRealloc:
		t.onRealloc(ev)
	case hook.KindDealloc:
		t.Dealloc(ev.Ptr, ev.NowNs)
	}
}

func (t *Tracker) onAlloc(ev hook.Event) {
	t.resolver.Tick(ev.ThreadID)
	pending, _ := t.resolver.Consume(ev.Ptr)

	rec := &types.AllocationRecord{
		Ptr:              ev.Ptr,
		Size:             ev.Size,
		Align:            ev.Align,
		ThreadID:         ev.ThreadID,
		TimestampAllocNs: ev.NowNs,
	}
	if ev.Size == 0 {
		rec.Flags |= types.FlagZeroSized
	}
	if pending != nil {
		rec.VarName = pending.VarName
		rec.TypeName = pending.TypeName
		rec.TypeNameOriginal = pending.TypeNameOriginal
	}
	if t.annex != nil {
		rec.SourceKind, rec.Unsafe, rec.Foreign = t.annex.Classify()
	}
	rec.OwnershipEvents = append(rec.OwnershipEvents, types.OwnershipEvent{
		TimestampNs: ev.NowNs,
		Kind:        types.Allocated,
	})

	t.mu.Lock()
	if _, exists := t.live[ev.Ptr]; exists {
		// Double-alloc of a live ptr: treat as implicit dealloc+alloc to
		// recover (spec.md §4.3).
		t.retireLocked(ev.Ptr, ev.NowNs)
		atomic.AddUint64(&t.diag.DoubleAllocs, 1)
	}
	t.live[ev.Ptr] = rec
	t.stats.ActiveCount++
	t.stats.ActiveBytes += uint64(ev.Size)
	t.stats.TotalCount++
	t.stats.TotalBytes += uint64(ev.Size)
	if t.stats.ActiveBytes > t.stats.PeakBytes {
		t.stats.PeakBytes = t.stats.ActiveBytes
	}
	t.mu.Unlock()

	metrics.AllocationsTotal.WithLabelValues("precise", classificationLabel(pending)).Inc()
	metrics.ActiveBytes.Set(float64(t.stats.ActiveBytes))
	metrics.PeakBytes.Set(float64(t.stats.PeakBytes))
}

func classificationLabel(p *identity.Pending) string {
	if p != nil {
		return "user"
	}
	return "system"
}

// onRealloc applies dealloc-then-alloc semantics while preserving identity:
// if a fresh registration matches the new pointer it wins (spec.md §4.3);
// otherwise the old record's var_name/type_name carry forward, since a
// realloc is the continuation of the same logical variable, not a new one.
func (t *Tracker) onRealloc(ev hook.Event) {
	t.resolver.Tick(ev.ThreadID)
	pending, _ := t.resolver.Consume(ev.Ptr)

	t.mu.Lock()
	old, hadOld := t.live[ev.OldPtr]
	if hadOld {
		delete(t.live, ev.OldPtr)
		t.stats.ActiveCount--
		t.stats.ActiveBytes -= uint64(old.Size)
		t.retireRecordLocked(old, ev.NowNs)
	}

	rec := &types.AllocationRecord{
		Ptr:              ev.Ptr,
		Size:             ev.Size,
		Align:            ev.Align,
		ThreadID:         ev.ThreadID,
		TimestampAllocNs: ev.NowNs,
	}
	if ev.Size == 0 {
		rec.Flags |= types.FlagZeroSized
	}
	switch {
	case pending != nil:
		rec.VarName = pending.VarName
		rec.TypeName = pending.TypeName
		rec.TypeNameOriginal = pending.TypeNameOriginal
	case hadOld:
		rec.VarName = old.VarName
		rec.TypeName = old.TypeName
		rec.TypeNameOriginal = old.TypeNameOriginal
	}
	if t.annex != nil {
		rec.SourceKind, rec.Unsafe, rec.Foreign = t.annex.Classify()
	}
	rec.OwnershipEvents = append(rec.OwnershipEvents, types.OwnershipEvent{
		TimestampNs: ev.NowNs,
		Kind:        types.Allocated,
	})

	t.live[ev.Ptr] = rec
	t.stats.ActiveCount++
	t.stats.ActiveBytes += uint64(ev.Size)
	t.stats.TotalCount++
	t.stats.TotalBytes += uint64(ev.Size)
	if t.stats.ActiveBytes > t.stats.PeakBytes {
		t.stats.PeakBytes = t.stats.ActiveBytes
	}
	t.mu.Unlock()

	metrics.ActiveBytes.Set(float64(t.stats.ActiveBytes))
	metrics.PeakBytes.Set(float64(t.stats.PeakBytes))
}

// Dealloc moves ptr's live record into history, or counts an orphan dealloc
// if ptr is not currently live (spec.md §4.3).
func (t *Tracker) Dealloc(ptr uint64, nowNs uint64) {
	t.mu.Lock()
	rec, ok := t.live[ptr]
	if !ok {
		t.mu.Unlock()
		atomic.AddUint64(&t.diag.OrphanDeallocs, 1)
		metrics.DeallocationsTotal.WithLabelValues("precise", "orphan").Inc()
		return
	}
	delete(t.live, ptr)
	t.stats.ActiveCount--
	t.stats.ActiveBytes -= uint64(rec.Size)
	t.retireRecordLocked(rec, nowNs)
	t.mu.Unlock()

	if rec.SourceKind == types.Foreign && t.annex != nil {
		// A local dealloc of a pointer previously handed to foreign code
		// means the foreign side gave it back rather than freeing it
		// itself (spec.md §4.9's reclamation path).
		t.annex.ReclaimLocally(ptr, nowNs)
	}

	metrics.DeallocationsTotal.WithLabelValues("precise", "matched").Inc()
	metrics.ActiveBytes.Set(float64(t.stats.ActiveBytes))
}

// retireLocked moves the record at ptr (if live) into history. Used for the
// double-alloc recovery path; callers hold t.mu.
func (t *Tracker) retireLocked(ptr uint64, nowNs uint64) {
	rec, ok := t.live[ptr]
	if !ok {
		return
	}
	delete(t.live, ptr)
	t.stats.ActiveCount--
	t.stats.ActiveBytes -= uint64(rec.Size)
	t.retireRecordLocked(rec, nowNs)
}

// retireRecordLocked appends rec (with dealloc timestamp set) to history,
// applying the bounded-history eviction policy. Callers hold t.mu.
func (t *Tracker) retireRecordLocked(rec *types.AllocationRecord, nowNs uint64) {
	dealloc := nowNs
	rec.TimestampDeallocNs = &dealloc
	rec.OwnershipEvents = append(rec.OwnershipEvents, types.OwnershipEvent{
		TimestampNs: nowNs,
		Kind:        types.Dropped,
	})

	t.history = append(t.history, *rec)
	t.histBytes += int64(rec.Size)

	t.evictLocked()
}

// evictLocked drops the oldest records once the history cap is exceeded.
// User-named records have eviction priority lowered: they are skipped while
// any unnamed record remains a candidate, per spec.md §4.3.
func (t *Tracker) evictLocked() {
	for len(t.history) > t.cfg.HistoryMaxCount || t.histBytes > t.cfg.HistoryMaxBytes {
		idx := -1
		for i := range t.history {
			if t.history[i].VarName == "" {
				idx = i
				break
			}
		}
		if idx == -1 {
			// Nothing unnamed left to evict; fall back to the oldest
			// record even if it is named, rather than growing unbounded.
			idx = 0
		}
		t.histBytes -= int64(t.history[idx].Size)
		t.history = append(t.history[:idx], t.history[idx+1:]...)
		t.diag.HistoryEvictions++
		metrics.HistoryEvictionsTotal.Inc()
	}
}

// Snapshot returns an immutable copy of live+history state.
func (t *Tracker) Snapshot() types.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	live := make([]types.AllocationRecord, 0, len(t.live))
	for _, r := range t.live {
		live = append(live, *r)
	}
	hist := make([]types.AllocationRecord, len(t.history))
	copy(hist, t.history)

	diag := t.diag
	diag.ClassificationMisses = t.resolver.ClassificationMisses()

	return types.Snapshot{
		Strategy:    "precise",
		Live:        live,
		History:     hist,
		Stats:       t.stats,
		Diagnostics: diag,
	}
}

func (t *Tracker) Diagnostics() types.Diagnostics {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.diag
	d.ClassificationMisses = t.resolver.ClassificationMisses()
	return d
}

// Shutdown is a no-op for the precise tracker: there is no per-goroutine
// state to flush, only the single session-wide map the lock already
// protects.
func (t *Tracker) Shutdown() {}
