// Package dispatcher implements C6 (spec.md §4.6): the component that
// detects the running environment, selects a concurrency strategy, and
// routes every internal/hook.Event to the tracker backend that should
// record it. It is the single entry point internal/hook.Hook calls into,
// the same role the teacher's internal/dispatcher.Dispatcher plays for log
// entries arriving from file/container monitors — receive, classify, route
// to the right downstream component, track lifecycle state, never let a
// backend failure take the whole pipeline down.
package dispatcher

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"memscope/internal/hook"
	"memscope/internal/identity"
	"memscope/internal/safety"
	"memscope/internal/tracker"
	"memscope/internal/tracker/asynctracker"
	"memscope/internal/tracker/lockfree"
	"memscope/internal/tracker/precise"
	"memscope/pkg/config"
	"memscope/pkg/intern"
	"memscope/pkg/merrors"
	"memscope/pkg/metrics"
	"memscope/pkg/tracing"
	"memscope/pkg/types"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// spillBuffer is the in-memory overflow destination wired into the
// lockfree/async backends' SpillWriter slot. A real on-disk
// internal/codec.Writer cannot exist until Finalize has a path to write to
// (cmd/memscope only constructs one after d.Finalize() returns), so large
// and user-classified records that must never be dropped by ring-buffer
// eviction accumulate here instead, keyed by ptr, so a second spill of the
// same pointer replaces the earlier entry. Deallocs are matched only against
// the trackers' own slabs, so a spilled record stays live here.
// Snapshot/Finalize fold its contents into the merged view alongside
// every tracker backend's own records.
type spillBuffer struct {
	mu      sync.Mutex
	records map[uint64]*types.AllocationRecord
}

func newSpillBuffer() *spillBuffer {
	return &spillBuffer{records: make(map[uint64]*types.AllocationRecord)}
}

// SpillRecord implements both lockfree.SpillWriter and
// asynctracker.SpillWriter.
func (b *spillBuffer) SpillRecord(rec types.AllocationRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := rec
	b.records[rec.Ptr] = &r
}

// drain returns every spilled record split into live/history buckets by
// whether a dealloc timestamp is present.
func (b *spillBuffer) drain() (live, history []types.AllocationRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.records {
		if r.TimestampDeallocNs != nil {
			history = append(history, *r)
		} else {
			live = append(live, *r)
		}
	}
	return live, history
}

// State is the dispatcher lifecycle spec.md §4.6 names:
// uninitialized -> active -> finalizing -> finalized.
type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateFinalizing
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	case StateFinalized:
		return "finalized"
	default:
		return "uninitialized"
	}
}

// Dispatcher is the process-wide event router. One Dispatcher is created
// per session and installed as the internal/hook.Hook's sink.
type Dispatcher struct {
	cfg      *config.Config
	logger   *logrus.Logger
	clock    *hook.Clock
	hookRef  *hook.Hook
	resolver *identity.Resolver
	strings  *intern.StringTable
	annex    *safety.Annex
	tracer   oteltrace.Tracer
	spill    *spillBuffer

	strategy config.Strategy // resolved, never "auto" after New

	precise  *precise.Tracker
	lockfree *lockfree.Tracker
	async    *asynctracker.Tracker

	// ownership remembers, for Hybrid routing, which backend recorded a
	// live pointer's alloc, so its matching dealloc/realloc is routed to
	// the same backend regardless of what the identity resolver's pending
	// table looks like by then.
	ownership sync.Map // ptr uint64 -> string (tracker name)

	state    int32 // atomic State
	disabled int32 // atomic bool: true once even the Precise fallback has failed

	sessionID string
	startedAt time.Time

	mu sync.Mutex // guards Finalize from running twice concurrently
}

// New builds a Dispatcher for sessionID, resolving cfg.Session.Strategy if
// it is "auto" (spec.md §4.6's environment detection) and constructing
// every backend the resolved strategy (or Hybrid) needs.
func New(sessionID string, cfg *config.Config, logger *logrus.Logger) *Dispatcher {
	resolver := identity.New(cfg.Session.ClassificationWindow, cfg.Session.ClassificationMaxAllocs)
	strs := intern.NewStringTable()

	d := &Dispatcher{
		cfg:       cfg,
		logger:    logger,
		clock:     hook.NewClock(),
		resolver:  resolver,
		strings:   strs,
		annex:     safety.New(strs),
		tracer:    oteltrace.NewNoopTracerProvider().Tracer("noop"),
		spill:     newSpillBuffer(),
		sessionID: sessionID,
		startedAt: time.Now(),
	}

	d.strategy = resolveStrategy(cfg.Session.Strategy)
	logger.WithFields(logrus.Fields{
		"session_id":        sessionID,
		"configured":        cfg.Session.Strategy,
		"resolved_strategy": d.strategy,
	}).Info("dispatcher resolved concurrency strategy")

	d.buildBackends()
	atomic.StoreInt32(&d.state, int32(StateActive))
	metrics.SetDispatcherState(StateActive.String())

	return d
}

// resolveStrategy implements spec.md §4.6's "auto" environment detection.
// Go cannot inspect whether the caller is single-threaded native code or an
// async runtime the way the original implementation does; the closest
// observable proxy is GOMAXPROCS, used the same way the teacher's
// backpressure manager derives load signals from runtime.ReadMemStats
// rather than true OS-level telemetry. GOMAXPROCS==1 means no concurrent
// allocation pressure is possible, so Precise (no sampling, full fidelity)
// is free; otherwise Hybrid gives every allocation a chance at full
// fidelity without serializing the common case.
func resolveStrategy(configured config.Strategy) config.Strategy {
	if configured != config.StrategyAuto {
		return configured
	}
	if runtime.GOMAXPROCS(0) <= 1 {
		return config.StrategyPrecise
	}
	return config.StrategyHybrid
}

func (d *Dispatcher) buildBackends() {
	switch d.strategy {
	case config.StrategyPrecise:
		d.precise = precise.New(precise.Config{
			HistoryMaxCount: d.cfg.History.MaxCount,
			HistoryMaxBytes: d.cfg.History.MaxBytes,
		}, d.resolver, d.annex, d.logger)

	case config.StrategyLockFree:
		d.lockfree = lockfree.New(lockfreeConfig(d.cfg), d.resolver, d.spill, d.logger)

	case config.StrategyAsync:
		d.async = asynctracker.New(lockfreeConfig(d.cfg), d.resolver, d.spill, d.logger)

	case config.StrategyHybrid:
		d.precise = precise.New(precise.Config{
			HistoryMaxCount: d.cfg.History.MaxCount,
			HistoryMaxBytes: d.cfg.History.MaxBytes,
		}, d.resolver, d.annex, d.logger)
		d.lockfree = lockfree.New(lockfreeConfig(d.cfg), d.resolver, d.spill, d.logger)
	}
}

func lockfreeConfig(cfg *config.Config) lockfree.Config {
	return lockfree.Config{
		LargeThresholdBytes:  cfg.Sampling.LargeThresholdBytes,
		MediumThresholdBytes: cfg.Sampling.MediumThresholdBytes,
		PMedium:              cfg.Sampling.PMedium,
		PSmall:               cfg.Sampling.PSmall,
		FrequencyN:           cfg.Sampling.FrequencyN,
		SlabCapacity:         cfg.Sampling.SlabCapacity,
	}
}

// Resolver exposes the shared identity resolver so callers that implement
// the user-facing registration API (smart-pointer wrappers, safety
// annotations) can call Register directly.
func (d *Dispatcher) Resolver() *identity.Resolver { return d.resolver }

// Safety exposes the shared unsafe/foreign-boundary annex so the
// user-facing registration API (begin_unsafe/end_unsafe/begin_foreign/
// end_foreign) can call into it directly (spec.md §4.9, §6).
func (d *Dispatcher) Safety() *safety.Annex { return d.annex }

// Strings exposes the session's shared string-intern table, the same
// table internal/safety interns library/function names into, so a writer
// serializing a snapshot can seed its own table from it and keep ids
// consistent (spec.md §3's shared-singleton string table).
func (d *Dispatcher) Strings() *intern.StringTable { return d.strings }

// SetTracer wires a pkg/tracing-managed tracer into Finalize, replacing the
// no-op default. Call once during session setup, before Finalize runs.
func (d *Dispatcher) SetTracer(tracer oteltrace.Tracer) { d.tracer = tracer }

// Clock exposes the session clock so the instrumentation facade can
// timestamp events before calling Handle.
func (d *Dispatcher) Clock() *hook.Clock { return d.clock }

// Attach installs the dispatcher as h's sink. Call once at session start.
func (d *Dispatcher) Attach(h *hook.Hook) {
	d.hookRef = h
	h.SetSink(d)
}

// Handle implements hook.Sink. It never panics outward: a panicking
// backend is caught, logged, and demoted per the fallback ladder
// (Hybrid/LockFree/Async -> Precise -> disabled), matching spec.md §4.6's
// requirement that a tracking failure degrade gracefully instead of
// crashing the instrumented program.
func (d *Dispatcher) Handle(ev hook.Event) {
	if atomic.LoadInt32(&d.disabled) != 0 {
		return
	}
	if State(atomic.LoadInt32(&d.state)) != StateActive {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.onBackendPanic(r)
		}
	}()

	switch d.strategy {
	case config.StrategyPrecise:
		d.precise.OnEvent(ev)
	case config.StrategyLockFree:
		d.lockfree.OnEvent(ev)
	case config.StrategyAsync:
		d.async.OnEvent(ev)
	case config.StrategyHybrid:
		d.handleHybrid(ev)
	}
}

// handleHybrid routes an event to Precise if the identity resolver has a
// pending match for its pointer (spec.md §4.2's classification window),
// otherwise LockFree; a dealloc/realloc is routed to whichever backend
// recorded the matching alloc, tracked via d.ownership, so a record is
// never split across two backends' views of its lifetime.
func (d *Dispatcher) handleHybrid(ev hook.Event) {
	switch ev.Kind {
	case hook.KindAlloc:
		owner := "lockfree"
		if d.resolver.Peek(ev.Ptr) {
			owner = "precise"
		}
		d.ownership.Store(ev.Ptr, owner)
		d.routeTo(owner, ev)

	case hook.KindRealloc:
		owner, ok := d.ownership.LoadAndDelete(ev.OldPtr)
		ownerName, _ := owner.(string)
		if !ok {
			ownerName = "lockfree"
			if d.resolver.Peek(ev.Ptr) {
				ownerName = "precise"
			}
		}
		d.ownership.Store(ev.Ptr, ownerName)
		d.routeTo(ownerName, ev)

	case hook.KindDealloc:
		owner, ok := d.ownership.LoadAndDelete(ev.Ptr)
		ownerName, _ := owner.(string)
		if !ok {
			ownerName = "lockfree"
		}
		d.routeTo(ownerName, ev)
	}
}

func (d *Dispatcher) routeTo(owner string, ev hook.Event) {
	if owner == "precise" {
		d.precise.OnEvent(ev)
		return
	}
	d.lockfree.OnEvent(ev)
}

func (d *Dispatcher) onBackendPanic(r interface{}) {
	d.logger.WithField("recovered", r).Error("tracker backend panicked, demoting dispatcher strategy")

	switch d.strategy {
	case config.StrategyPrecise:
		// Precise itself panicked; nothing left to fall back to.
		d.disableTracking(fmt.Errorf("precise tracker panicked: %v", r))
	default:
		if d.precise == nil {
			d.precise = precise.New(precise.Config{
				HistoryMaxCount: d.cfg.History.MaxCount,
				HistoryMaxBytes: d.cfg.History.MaxBytes,
			}, d.resolver, d.annex, d.logger)
		}
		d.strategy = config.StrategyPrecise
	}
}

func (d *Dispatcher) disableTracking(err error) {
	atomic.StoreInt32(&d.disabled, 1)
	if d.hookRef != nil {
		d.hookRef.SetSink(nil)
	}
	wrapped := merrors.Initialization("Handle", "tracking disabled after repeated backend failure").Wrap(err)
	d.logger.WithError(wrapped).Error("memory tracking disabled")
}

// State returns the dispatcher's current lifecycle state.
func (d *Dispatcher) State() State { return State(atomic.LoadInt32(&d.state)) }

// Snapshot merges every active backend's snapshot into one view (spec.md
// §4.6's "aggregated across all active backends"). Safe to call at any
// state, including after Finalize.
func (d *Dispatcher) Snapshot() types.Snapshot {
	merged := types.Snapshot{
		SessionID: d.sessionID,
		StartedAt: d.startedAt,
		Strategy:  string(d.strategy),
	}

	for _, t := range d.activeTrackers() {
		s := t.Snapshot()
		merged.Live = append(merged.Live, s.Live...)
		merged.History = append(merged.History, s.History...)
		merged.Stats.ActiveCount += s.Stats.ActiveCount
		merged.Stats.ActiveBytes += s.Stats.ActiveBytes
		merged.Stats.TotalCount += s.Stats.TotalCount
		merged.Stats.TotalBytes += s.Stats.TotalBytes
		if s.Stats.PeakBytes > merged.Stats.PeakBytes {
			merged.Stats.PeakBytes = s.Stats.PeakBytes
		}
		merged.Diagnostics.OrphanDeallocs += s.Diagnostics.OrphanDeallocs
		merged.Diagnostics.DoubleAllocs += s.Diagnostics.DoubleAllocs
		merged.Diagnostics.HistoryEvictions += s.Diagnostics.HistoryEvictions
		merged.Diagnostics.SlabPressureEvictions += s.Diagnostics.SlabPressureEvictions
		merged.Diagnostics.SamplingDrops += s.Diagnostics.SamplingDrops
	}
	spillLive, spillHistory := d.spill.drain()
	merged.Live = append(merged.Live, spillLive...)
	merged.History = append(merged.History, spillHistory...)

	merged.Diagnostics.ClassificationMisses = d.resolver.ClassificationMisses()
	merged.Strings = d.strings.Strings()
	merged.Passports = d.annex.Passports()

	return merged
}

func (d *Dispatcher) activeTrackers() []tracker.Tracker {
	var trackers []tracker.Tracker
	if d.precise != nil {
		trackers = append(trackers, d.precise)
	}
	if d.lockfree != nil {
		trackers = append(trackers, d.lockfree)
	}
	if d.async != nil {
		trackers = append(trackers, d.async)
	}
	return trackers
}

// AsyncBackend exposes the async tracker directly for the task-boundary
// API (spawn/poll-enter/poll-yield/complete), which has no equivalent on
// the generic hook.Sink interface. Returns nil if the resolved strategy is
// not Async.
func (d *Dispatcher) AsyncBackend() *asynctracker.Tracker { return d.async }

// markLeaked sets FlagLeaked on every record still live at finalize
// (spec.md §4.8's lifecycle-reconstruction step: an allocation with no
// matching dealloc by the time a session ends is a leak, not merely
// "still running").
func markLeaked(live []types.AllocationRecord) {
	for i := range live {
		live[i].Flags |= types.FlagLeaked
	}
}

// Finalize transitions active -> finalizing -> finalized, shuts down every
// backend, and returns the final merged snapshot. Safe to call once;
// subsequent calls return the same terminal snapshot without re-running
// shutdown.
func (d *Dispatcher) Finalize() types.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	if State(atomic.LoadInt32(&d.state)) == StateFinalized {
		snap := d.Snapshot()
		markLeaked(snap.Live)
		return snap
	}

	var snap types.Snapshot
	_ = tracing.Traced(context.Background(), d.tracer, "dispatcher.Finalize", func(context.Context) error {
		atomic.StoreInt32(&d.state, int32(StateFinalizing))
		metrics.SetDispatcherState(StateFinalizing.String())

		if d.hookRef != nil {
			d.hookRef.SetSink(nil)
		}

		for _, t := range d.activeTrackers() {
			t.Shutdown()
		}

		snap = d.Snapshot()
		snap.Passports = d.annex.Shutdown(d.clock.NowNs())
		markLeaked(snap.Live)

		atomic.StoreInt32(&d.state, int32(StateFinalized))
		metrics.SetDispatcherState(StateFinalized.String())
		return nil
	})

	d.logger.WithFields(logrus.Fields{
		"session_id": d.sessionID,
		"live":       len(snap.Live),
		"history":    len(snap.History),
	}).Info("dispatcher finalized")

	return snap
}
