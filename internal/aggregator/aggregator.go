// Package aggregator implements C8 (spec.md §4.8): it takes either a live
// types.Snapshot or a parsed internal/codec.Reader and produces the five
// JSON document families a session export ships — memory_analysis.json,
// lifetime.json, performance.json, unsafe_ffi.json, complex_types.json —
// all keyed by the same record id (ptr) so a reader can join them.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"memscope/internal/codec"
	"memscope/pkg/types"
	"memscope/pkg/workerpool"
)

const schemaVersion = 1

// ExportMode mirrors internal/codec.ExportMode: "full" emits every record,
// "user_only" emits only records with a VarName.
type ExportMode string

const (
	ExportFull     ExportMode = "full"
	ExportUserOnly ExportMode = "user_only"
)

// HostStats is satisfied by pkg/hoststats; kept as a narrow interface here
// so the aggregator does not need to import gopsutil directly and the
// performance.json host block degrades to "absent" rather than failing
// when no provider is wired.
type HostStats interface {
	RSSBytes() (uint64, error)
}

// Aggregator holds the merged, symbol-lazy view of a session used to
// render every JSON family.
type Aggregator struct {
	sessionID string
	startedAt time.Time
	strategy  string
	mode      ExportMode

	records    []types.AllocationRecord
	strings    []string
	callStacks []types.CallStack
	passports  []types.MemoryPassport
	stats      types.Stats
	diag       types.Diagnostics

	host HostStats

	stackCache map[uint32][]FrameInfo
}

// New builds an Aggregator directly from a live dispatcher snapshot.
func New(snap types.Snapshot, mode ExportMode) *Aggregator {
	a := &Aggregator{
		sessionID:  snap.SessionID,
		startedAt:  snap.StartedAt,
		strategy:   snap.Strategy,
		mode:       mode,
		strings:    snap.Strings,
		callStacks: snap.CallStacks,
		passports:  snap.Passports,
		stats:      snap.Stats,
		diag:       snap.Diagnostics,
		stackCache: make(map[uint32][]FrameInfo),
	}
	a.records = append(a.records, snap.Live...)
	a.records = append(a.records, snap.History...)
	if mode == ExportUserOnly {
		a.records = filterUserOnly(a.records)
	}
	return a
}

// NewFromFile opens and parses a ".memscope" file and builds an Aggregator
// from it (the "offline" path spec.md §4.8 names, as opposed to the live
// in-memory path New serves). onlyFields restricts which optional record
// fields are reconstructed, per the binary format's selective parse.
func NewFromFile(path string, mode ExportMode, onlyFields uint32) (*Aggregator, error) {
	r, err := codec.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	recs, err := r.Records(onlyFields)
	if err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}

	a := &Aggregator{
		mode:       mode,
		stackCache: make(map[uint32][]FrameInfo),
	}
	for _, rec := range recs {
		a.records = append(a.records, *rec)
	}
	if mode == ExportUserOnly {
		a.records = filterUserOnly(a.records)
	}
	for _, rec := range a.records {
		a.stats.TotalCount++
		a.stats.TotalBytes += uint64(rec.Size)
		if rec.IsLive() {
			a.stats.ActiveCount++
			a.stats.ActiveBytes += uint64(rec.Size)
		}
	}
	if a.stats.ActiveBytes > a.stats.PeakBytes {
		a.stats.PeakBytes = a.stats.ActiveBytes
	}
	return a, nil
}

// SetHostStats wires an optional RSS cross-check into performance.json's
// host block (SPEC_FULL.md §1.2).
func (a *Aggregator) SetHostStats(h HostStats) { a.host = h }

func filterUserOnly(recs []types.AllocationRecord) []types.AllocationRecord {
	out := recs[:0:0]
	for _, r := range recs {
		if r.VarName != "" {
			out = append(out, r)
		}
	}
	return out
}

// orderedRecords returns records sorted per spec.md §4.8's cross-thread
// ordering rule: by timestamp_alloc, ties broken by (thread_id,
// sequence_within_thread).
func (a *Aggregator) orderedRecords() []types.AllocationRecord {
	out := make([]types.AllocationRecord, len(a.records))
	copy(out, a.records)

	seq := sequenceWithinThread(out)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TimestampAllocNs != out[j].TimestampAllocNs {
			return out[i].TimestampAllocNs < out[j].TimestampAllocNs
		}
		if out[i].ThreadID != out[j].ThreadID {
			return out[i].ThreadID < out[j].ThreadID
		}
		return seq[recordKey(out[i])] < seq[recordKey(out[j])]
	})
	return out
}

// sequenceWithinThread assigns each record its 0-based rank within its own
// thread's alloc-timestamp order, the tie-break spec.md §4.8 names.
func sequenceWithinThread(recs []types.AllocationRecord) map[uint64]int {
	byThread := make(map[uint16][]int)
	for i, r := range recs {
		byThread[r.ThreadID] = append(byThread[r.ThreadID], i)
	}
	seq := make(map[uint64]int, len(recs))
	for _, idxs := range byThread {
		sort.SliceStable(idxs, func(i, j int) bool {
			return recs[idxs[i]].TimestampAllocNs < recs[idxs[j]].TimestampAllocNs
		})
		for rank, idx := range idxs {
			seq[recordKey(recs[idx])] = rank
		}
	}
	return seq
}

// recordKey is the stable join id spec.md §4.8 requires across every
// family: the allocation's pointer value. Two distinct records can only
// share a ptr if one has already been deallocated (realloc/reuse), which
// the aggregator never merges across timestamps, so ptr alone plus the
// already-established total order is enough to disambiguate within one
// export.
func recordKey(r types.AllocationRecord) uint64 { return r.Ptr }

// FrameInfo is one resolved call-stack frame.
type FrameInfo struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// resolveStack lazily symbolizes callStackID's raw frames the first time
// it is requested and caches the result, matching SPEC_FULL.md §4.8's
// "lazy call-stack symbol resolution" — the binary format stores raw
// program counters precisely so this expensive step only ever runs for
// stacks actually referenced by emitted records, not every interned one.
func (a *Aggregator) resolveStack(id uint32) []FrameInfo {
	if cached, ok := a.stackCache[id]; ok {
		return cached
	}
	if int(id) >= len(a.callStacks) {
		return nil
	}
	pcs := a.callStacks[id].Frames
	if len(pcs) == 0 {
		a.stackCache[id] = nil
		return nil
	}

	frames := runtime.CallersFrames(pcs)
	var out []FrameInfo
	for {
		f, more := frames.Next()
		out = append(out, FrameInfo{Function: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	a.stackCache[id] = out
	return out
}

func (a *Aggregator) lookupString(id uint32) string {
	if int(id) >= len(a.strings) {
		return ""
	}
	return a.strings[id]
}

func (a *Aggregator) envelope(nowNs uint64) envelope {
	return envelope{
		SchemaVersion: schemaVersion,
		GeneratedAtNs: nowNs,
		SessionID:     a.sessionID,
	}
}

type envelope struct {
	SchemaVersion int    `json:"schema_version"`
	GeneratedAtNs uint64 `json:"generated_at_ns"`
	SessionID     string `json:"session_id"`
}

// WriteJSONFamilies renders all five documents into dir (created if
// needed), returning the paths written. nowNs stamps generated_at_ns.
func (a *Aggregator) WriteJSONFamilies(dir string, nowNs uint64) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	ordered := a.orderedRecords()

	writers := []struct {
		name  string
		build func() (interface{}, error)
	}{
		{"memory_analysis.json", func() (interface{}, error) { return a.buildMemoryAnalysis(ordered, nowNs), nil }},
		{"lifetime.json", func() (interface{}, error) { return a.buildLifetime(ordered, nowNs), nil }},
		{"performance.json", func() (interface{}, error) { return a.buildPerformance(ordered, nowNs), nil }},
		{"unsafe_ffi.json", func() (interface{}, error) { return a.buildUnsafeFFI(ordered, nowNs), nil }},
		{"complex_types.json", func() (interface{}, error) { return a.buildComplexTypes(ordered, nowNs), nil }},
	}

	var paths []string
	for _, w := range writers {
		doc, err := w.build()
		if err != nil {
			return paths, fmt.Errorf("build %s: %w", w.name, err)
		}
		path := filepath.Join(dir, w.name)
		if err := writeStreamingJSON(path, doc); err != nil {
			return paths, fmt.Errorf("write %s: %w", w.name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// WriteJSONFamiliesParallel is WriteJSONFamilies fanned out across pool
// (SPEC_FULL.md §5): each of the five families is independent once ordered
// is computed, so building and writing them is submitted as five separate
// tasks rather than run in the caller's goroutine one at a time. pool must
// already be started; this call does not start or stop it, since a caller
// exporting many sessions in sequence should reuse one pool rather than pay
// worker spin-up per export.
func (a *Aggregator) WriteJSONFamiliesParallel(dir string, nowNs uint64, pool *workerpool.WorkerPool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	ordered := a.orderedRecords()

	writers := []struct {
		name  string
		build func() interface{}
	}{
		{"memory_analysis.json", func() interface{} { return a.buildMemoryAnalysis(ordered, nowNs) }},
		{"lifetime.json", func() interface{} { return a.buildLifetime(ordered, nowNs) }},
		{"performance.json", func() interface{} { return a.buildPerformance(ordered, nowNs) }},
		{"unsafe_ffi.json", func() interface{} { return a.buildUnsafeFFI(ordered, nowNs) }},
		{"complex_types.json", func() interface{} { return a.buildComplexTypes(ordered, nowNs) }},
	}

	paths := make([]string, len(writers))
	errs := make([]error, len(writers))
	var wg sync.WaitGroup
	wg.Add(len(writers))

	for i, w := range writers {
		i, w := i, w
		path := filepath.Join(dir, w.name)
		paths[i] = path
		task := workerpool.Task{
			ID: w.name,
			Execute: func(ctx context.Context) error {
				defer wg.Done()
				doc := w.build()
				if err := writeStreamingJSON(path, doc); err != nil {
					errs[i] = fmt.Errorf("write %s: %w", w.name, err)
				}
				return errs[i]
			},
		}
		if err := pool.SubmitTaskWithTimeout(task, 5*time.Second); err != nil {
			wg.Done()
			errs[i] = fmt.Errorf("submit %s: %w", w.name, err)
		}
	}

	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return paths, err
		}
	}
	return paths, nil
}

// writeStreamingJSON encodes doc to path with a json.Encoder over the file
// handle. The encoder still renders the whole document into memory before
// writing it out in one call; no caller-side []byte copy is kept.
func writeStreamingJSON(path string, doc interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
