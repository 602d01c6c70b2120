// Package asynctracker implements C5, the async-aware tracker (spec.md
// §4.5) for allocations made inside cooperatively-scheduled task bodies
// rather than directly on a thread.
//
// Go has no pollable future/task abstraction in the runtime itself — the
// closest equivalent is a goroutine running a function reached via go
// func(), optionally carrying a context.Context. SPEC_FULL.md §4.5a
// resolves this by modeling a "task" as an explicit uint32 id the caller
// assigns at spawn time (mirroring the teacher's pkg/task_manager string task
// ids) and propagating "which task is this goroutine currently running" the
// same way internal/hook's re-entrancy Guard propagates goroutine identity:
// a sync.Map keyed by the synthetic goroutine id, pushed at poll-enter and
// popped at poll-yield/complete. Unlike a real poll-based executor, Go gives
// us an unambiguous completion boundary (the goroutine function returning),
// which this tracker uses to finalize per-task bookkeeping that the
// lock-free tracker's goroutine model cannot rely on.
package asynctracker

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"memscope/internal/hook"
	"memscope/internal/identity"
	"memscope/internal/tracker/lockfree"
	"memscope/pkg/metrics"
	"memscope/pkg/types"
)

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(2))
)

func rateSample(p float64) bool {
	rngMu.Lock()
	v := rng.Float64()
	rngMu.Unlock()
	return v < p
}

// Config reuses the lock-free tracker's sampling/slab tuning: an async task
// bucket uses the same size thresholds, probabilities and slab capacity as
// a goroutine slab. It keeps no per-stack counters, so the lock-free
// tracker's per-stack frequency guarantee does not apply here.
type Config = lockfree.Config

// SpillWriter receives records that must bypass slab eviction.
type SpillWriter interface {
	SpillRecord(rec types.AllocationRecord)
}

// TaskState is the lifecycle the teacher's task_manager tracks for a
// log-processing task, narrowed to what an allocation task needs.
type TaskState uint8

const (
	TaskSpawned TaskState = iota
	TaskPolling
	TaskYielded
	TaskCompleted
)

func (s TaskState) String() string {
	switch s {
	case TaskPolling:
		return "polling"
	case TaskYielded:
		return "yielded"
	case TaskCompleted:
		return "completed"
	default:
		return "spawned"
	}
}

type taskInfo struct {
	mu        sync.Mutex
	state     TaskState
	spawnedAt time.Time
	pollCount uint64
}

type compactRecord struct {
	ptr                uint64
	timestampAllocNs   uint64
	timestampDeallocNs uint64
	size               uint32
	threadID           uint16
	align              uint16
	flags              types.Flags
}

type slab struct {
	mu    sync.Mutex
	buf   []compactRecord
	head  int
	count int
	cap   int
}

func newSlab(capacity int) *slab {
	return &slab{buf: make([]compactRecord, capacity), cap: capacity}
}

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

func (s *slab) markDealloc(ptr uint64, nowNs uint64) (size uint32, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.count; i++ {
		idx := (s.head + i) % s.cap
		if s.buf[idx].ptr == ptr && s.buf[idx].timestampDeallocNs == 0 {
			s.buf[idx].timestampDeallocNs = nowNs
			return s.buf[idx].size, true
		}
	}
	return 0, false
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

// Tracker is the task-bucketed, sampled tracker.
type Tracker struct {
	cfg      Config
	logger   *logrus.Logger
	resolver *identity.Resolver
	spill    SpillWriter

	slabs      sync.Map // taskID uint32 -> *slab
	tasks      sync.Map // taskID uint32 -> *taskInfo
	activeTask sync.Map // goroutine id int64 -> uint32 (currently polling task)

	diag  types.Diagnostics
	stats types.Stats

	tasksSpawned   uint64
	tasksCompleted uint64
}

// New creates an async Tracker sharing resolver with the rest of the
// dispatcher's backends (spec.md's "global singletons").
func New(cfg Config, resolver *identity.Resolver, spill SpillWriter, logger *logrus.Logger) *Tracker {
	if cfg.SlabCapacity <= 0 {
		cfg.SlabCapacity = 4096
	}
	if cfg.FrequencyN == 0 {
		cfg.FrequencyN = 256
	}
	return &Tracker{cfg: cfg, logger: logger, resolver: resolver, spill: spill}
}

func (t *Tracker) Name() string { return "async" }

// OnSpawn registers a new task bucket (spec.md §4.5 spawn boundary event).
func (t *Tracker) OnSpawn(taskID uint32) {
	t.tasks.Store(taskID, &taskInfo{state: TaskSpawned, spawnedAt: time.Now()})
	t.slabs.LoadOrStore(taskID, newSlab(t.cfg.SlabCapacity))
	atomic.AddUint64(&t.tasksSpawned, 1)
}

// OnPollEnter marks the calling goroutine as currently executing taskID
// (spec.md §4.5 poll-enter boundary event), so subsequent hook.Events
// observed on this goroutine attribute to taskID's bucket.
func (t *Tracker) OnPollEnter(taskID uint32) {
	gid := hook.GoroutineID()
	t.activeTask.Store(gid, taskID)
	if v, ok := t.tasks.Load(taskID); ok {
		ti := v.(*taskInfo)
		ti.mu.Lock()
		ti.state = TaskPolling
		ti.pollCount++
		ti.mu.Unlock()
	}
}

// OnPollYield clears the calling goroutine's active task (spec.md §4.5
// poll-yield boundary event): allocations after this point, until the next
// poll-enter, attribute to the orphan bucket rather than a stale task.
func (t *Tracker) OnPollYield(taskID uint32) {
	gid := hook.GoroutineID()
	t.activeTask.Delete(gid)
	if v, ok := t.tasks.Load(taskID); ok {
		ti := v.(*taskInfo)
		ti.mu.Lock()
		ti.state = TaskYielded
		ti.mu.Unlock()
	}
}

// OnComplete finalizes taskID (spec.md §4.5 complete boundary event). Unlike
// the lock-free tracker's goroutine model, a task completion is an
// unambiguous, observable boundary: it marks the task TaskCompleted and
// bumps the completed-task counter. No completion timestamp is recorded.
func (t *Tracker) OnComplete(taskID uint32) {
	gid := hook.GoroutineID()
	t.activeTask.Delete(gid)
	if v, ok := t.tasks.Load(taskID); ok {
		ti := v.(*taskInfo)
		ti.mu.Lock()
		ti.state = TaskCompleted
		ti.mu.Unlock()
	}
	atomic.AddUint64(&t.tasksCompleted, 1)
}

func (t *Tracker) currentTask() (uint32, bool) {
	gid := hook.GoroutineID()
	v, ok := t.activeTask.Load(gid)
	if !ok {
		return 0, false
	}
	return v.(uint32), true
}

func (t *Tracker) slabFor(taskID uint32) *slab {
	if v, ok := t.slabs.Load(taskID); ok {
		return v.(*slab)
	}
	s := newSlab(t.cfg.SlabCapacity)
	actual, _ := t.slabs.LoadOrStore(taskID, s)
	return actual.(*slab)
}

// orphanTaskID buckets allocations observed with no active task (a
// goroutine allocating outside any poll-enter/poll-yield span), so they are
// still retained and visible rather than silently attributed to task 0,
// which is a legitimate task id.
const orphanTaskID = ^uint32(0)

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

	taskID, hasTask := t.currentTask()
	if !hasTask {
		taskID = orphanTaskID
	}
	sl := t.slabFor(taskID)

	atomic.AddUint64(&t.stats.ActiveCount, 1)
	atomic.AddUint64(&t.stats.ActiveBytes, uint64(ev.Size))
	atomic.AddUint64(&t.stats.TotalCount, 1)
	atomic.AddUint64(&t.stats.TotalBytes, uint64(ev.Size))
	t.bumpPeak()

	rec := compactRecord{
		ptr:              ev.Ptr,
		timestampAllocNs: ev.NowNs,
		size:             ev.Size,
		threadID:         ev.ThreadID,
		align:            ev.Align,
	}
	if ev.Size == 0 {
		rec.flags |= types.FlagZeroSized
	}

	if classified {
		t.spillOrKeep(sl, rec, pending, taskID)
		metrics.AllocationsTotal.WithLabelValues("async", "user").Inc()
		return
	}
	metrics.AllocationsTotal.WithLabelValues("async", "system").Inc()

	if !t.shouldSample(ev.Size) {
		atomic.AddUint64(&t.diag.SamplingDrops, 1)
		metrics.SamplingDropsTotal.Inc()
		return
	}

	if ev.Size >= t.cfg.LargeThresholdBytes && t.spill != nil {
		t.spill.SpillRecord(toFullRecord(rec, nil, taskID))
		return
	}

	if sl.push(rec) {
		atomic.AddUint64(&t.diag.SlabPressureEvictions, 1)
		metrics.SlabEvictionsTotal.Inc()
	}
}

func (t *Tracker) spillOrKeep(sl *slab, rec compactRecord, pending *identity.Pending, taskID uint32) {
	if t.spill != nil {
		t.spill.SpillRecord(toFullRecord(rec, pending, taskID))
		return
	}
	if sl.push(rec) {
		atomic.AddUint64(&t.diag.SlabPressureEvictions, 1)
		metrics.SlabEvictionsTotal.Inc()
	}
}

func toFullRecord(rec compactRecord, pending *identity.Pending, taskID uint32) types.AllocationRecord {
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
	if taskID != orphanTaskID {
		id := taskID
		full.TaskID = &id
	}
	if pending != nil {
		full.VarName = pending.VarName
		full.TypeName = pending.TypeName
		full.TypeNameOriginal = pending.TypeNameOriginal
	}
	return full
}

func (t *Tracker) shouldSample(size uint32) bool {
	if size >= t.cfg.LargeThresholdBytes {
		return true
	}
	if size >= t.cfg.MediumThresholdBytes {
		return rateSample(t.cfg.PMedium)
	}
	return rateSample(t.cfg.PSmall)
}

func (t *Tracker) onRealloc(ev hook.Event) {
	t.onDealloc(hook.Event{Ptr: ev.OldPtr, ThreadID: ev.ThreadID, NowNs: ev.NowNs})
	t.onAlloc(ev)
}

func (t *Tracker) onDealloc(ev hook.Event) {
	taskID, hasTask := t.currentTask()
	if !hasTask {
		taskID = orphanTaskID
	}
	sl := t.slabFor(taskID)

	size, found := sl.markDealloc(ev.Ptr, ev.NowNs)
	if !found {
		return
	}

	if atomic.LoadUint64(&t.stats.ActiveCount) > 0 {
		atomic.AddUint64(&t.stats.ActiveCount, ^uint64(0))
	}
	sub := uint64(size)
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
	metrics.DeallocationsTotal.WithLabelValues("async", "matched").Inc()
}

func (t *Tracker) bumpPeak() {
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

// Snapshot aggregates every task bucket, including the orphan bucket for
// allocations observed outside any poll span.
func (t *Tracker) Snapshot() types.Snapshot {
	var live, history []types.AllocationRecord

	t.slabs.Range(func(k, v interface{}) bool {
		taskID := k.(uint32)
		sl := v.(*slab)
		for _, rec := range sl.snapshot() {
			full := toFullRecord(rec, nil, taskID)
			if rec.timestampDeallocNs == 0 {
				live = append(live, full)
			} else {
				history = append(history, full)
			}
		}
		return true
	})

	return types.Snapshot{
		Strategy: "async",
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

// Shutdown is a no-op: every task bucket is reachable from Snapshot at any
// time, the same rationale as the lock-free tracker's Shutdown.
func (t *Tracker) Shutdown() {}

// TasksSpawned and TasksCompleted expose task-lifecycle counters. The
// aggregator does not read them; lifetime.json has no task-level rollups.
func (t *Tracker) TasksSpawned() uint64   { return atomic.LoadUint64(&t.tasksSpawned) }
func (t *Tracker) TasksCompleted() uint64 { return atomic.LoadUint64(&t.tasksCompleted) }
