package aggregator

import (
	"sort"

	"memscope/pkg/types"
)

// memoryAnalysisDoc is memory_analysis.json: the flat per-record view every
// other family's "record_id" joins against (spec.md §4.8).
type memoryAnalysisDoc struct {
	envelope
	Mode    ExportMode          `json:"export_mode"`
	Stats   types.Stats         `json:"stats"`
	Records []memoryAnalysisRow `json:"records"`
}

type memoryAnalysisRow struct {
	RecordID   uint64  `json:"record_id"`
	Size       uint32  `json:"size"`
	Align      uint16  `json:"align"`
	ThreadID   uint16  `json:"thread_id"`
	TaskID     *uint32 `json:"task_id,omitempty"`
	VarName    string  `json:"var_name,omitempty"`
	TypeName   string  `json:"type_name,omitempty"`
	SourceKind string  `json:"source_kind"`
	Live       bool    `json:"live"`
	Leaked     bool    `json:"leaked"`
	Container  bool    `json:"container"`
	ZeroSized  bool    `json:"zero_sized"`
}

func (a *Aggregator) buildMemoryAnalysis(recs []types.AllocationRecord, nowNs uint64) memoryAnalysisDoc {
	doc := memoryAnalysisDoc{envelope: a.envelope(nowNs), Mode: a.mode, Stats: a.stats}
	for _, r := range recs {
		doc.Records = append(doc.Records, memoryAnalysisRow{
			RecordID:   r.Ptr,
			Size:       r.Size,
			Align:      r.Align,
			ThreadID:   r.ThreadID,
			TaskID:     r.TaskID,
			VarName:    r.VarName,
			TypeName:   r.TypeName,
			SourceKind: r.SourceKind.String(),
			Live:       r.IsLive(),
			Leaked:     r.Flags.Has(types.FlagLeaked),
			Container:  r.Flags.Has(types.FlagContainer),
			ZeroSized:  r.Flags.Has(types.FlagZeroSized),
		})
	}
	return doc
}

// lifetimeDoc is lifetime.json: reconstructed alloc/dealloc pairing plus the
// ownership event log for each record (spec.md §4.8).
type lifetimeDoc struct {
	envelope
	Records []lifetimeRow `json:"records"`
}

type lifetimeRow struct {
	RecordID         uint64              `json:"record_id"`
	TimestampAllocNs uint64              `json:"timestamp_alloc_ns"`
	TimestampDealloc *uint64             `json:"timestamp_dealloc_ns,omitempty"`
	LifetimeMs       *float64            `json:"lifetime_ms,omitempty"`
	Stack            []FrameInfo         `json:"call_stack,omitempty"`
	Events           []lifetimeEventView `json:"ownership_events,omitempty"`
	SmartPointer     *types.SmartPointerInfo `json:"smart_pointer,omitempty"`
}

type lifetimeEventView struct {
	TimestampNs    uint64 `json:"timestamp_ns"`
	Kind           string `json:"kind"`
	RelatedPtr     uint64 `json:"related_ptr,omitempty"`
	RelatedVarName string `json:"related_var_name,omitempty"`
	Scope          string `json:"scope,omitempty"`
}

func (a *Aggregator) buildLifetime(recs []types.AllocationRecord, nowNs uint64) lifetimeDoc {
	doc := lifetimeDoc{envelope: a.envelope(nowNs)}
	for _, r := range recs {
		row := lifetimeRow{
			RecordID:         r.Ptr,
			TimestampAllocNs: r.TimestampAllocNs,
			TimestampDealloc: r.TimestampDeallocNs,
			SmartPointer:     r.SmartPointer,
		}
		if ms, ok := r.LifetimeMs(); ok {
			row.LifetimeMs = &ms
		}
		if r.CallStackID != nil {
			row.Stack = a.resolveStack(*r.CallStackID)
		}
		for _, ev := range r.OwnershipEvents {
			row.Events = append(row.Events, lifetimeEventView{
				TimestampNs:    ev.TimestampNs,
				Kind:           ev.Kind.String(),
				RelatedPtr:     ev.RelatedPtr,
				RelatedVarName: ev.RelatedVarName,
				Scope:          ev.Scope,
			})
		}
		doc.Records = append(doc.Records, row)
	}
	return doc
}

// performanceDoc is performance.json: aggregate throughput/size stats plus,
// when a HostStats provider is wired, a cross-check against process RSS
// (SPEC_FULL.md §1.2).
type performanceDoc struct {
	envelope
	Stats         types.Stats    `json:"stats"`
	Diagnostics   types.Diagnostics `json:"diagnostics"`
	SizeHistogram []sizeBucket   `json:"size_histogram"`
	ByThread      []threadBucket `json:"by_thread"`
	Host          *hostBlock     `json:"host,omitempty"`
}

type sizeBucket struct {
	UpperBoundBytes uint64 `json:"upper_bound_bytes"` // 0 means "unbounded"
	Count           uint64 `json:"count"`
}

type threadBucket struct {
	ThreadID    uint16 `json:"thread_id"`
	Count       uint64 `json:"count"`
	TotalBytes  uint64 `json:"total_bytes"`
}

type hostBlock struct {
	ProcessRSSBytes   uint64  `json:"process_rss_bytes"`
	TrackerActiveBytes uint64 `json:"tracker_active_bytes"`
	DeltaRatio        float64 `json:"delta_ratio"`
}

var sizeBucketBounds = []uint64{32, 128, 512, 4096, 65536, 1 << 20, 0}

func (a *Aggregator) buildPerformance(recs []types.AllocationRecord, nowNs uint64) performanceDoc {
	doc := performanceDoc{envelope: a.envelope(nowNs), Stats: a.stats, Diagnostics: a.diag}

	buckets := make(map[uint64]uint64, len(sizeBucketBounds))
	byThread := make(map[uint16]*threadBucket)
	for _, r := range recs {
		for _, bound := range sizeBucketBounds {
			if bound == 0 || uint64(r.Size) <= bound {
				buckets[bound]++
				break
			}
		}
		tb, ok := byThread[r.ThreadID]
		if !ok {
			tb = &threadBucket{ThreadID: r.ThreadID}
			byThread[r.ThreadID] = tb
		}
		tb.Count++
		tb.TotalBytes += uint64(r.Size)
	}
	for _, bound := range sizeBucketBounds {
		doc.SizeHistogram = append(doc.SizeHistogram, sizeBucket{UpperBoundBytes: bound, Count: buckets[bound]})
	}
	var tids []uint16
	for tid := range byThread {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	for _, tid := range tids {
		doc.ByThread = append(doc.ByThread, *byThread[tid])
	}

	if a.host != nil {
		if rss, err := a.host.RSSBytes(); err == nil && rss > 0 {
			ratio := 0.0
			if rss > 0 {
				ratio = float64(a.stats.ActiveBytes) / float64(rss)
			}
			doc.Host = &hostBlock{
				ProcessRSSBytes:    rss,
				TrackerActiveBytes: a.stats.ActiveBytes,
				DeltaRatio:         ratio,
			}
		}
	}
	return doc
}

// unsafeFFIDoc is unsafe_ffi.json: every non-SafeNative record grouped by
// its unsafe block or foreign call site, with a coarse risk heuristic
// (spec.md §4.8, §4.9).
type unsafeFFIDoc struct {
	envelope
	UnsafeBlocks      []unsafeBlockGroup `json:"unsafe_blocks"`
	ForeignCalls      []foreignCallGroup `json:"foreign_calls"`
	Passports         []passportView     `json:"passports"`
	DynamicViolations []dynamicViolation `json:"dynamic_violations"`
}

// dynamicViolation cross-references a passport against the runtime
// conditions that made it suspect, rather than restating its status
// (spec.md §4.8/§4.9). Today the only violation kind is a passport still
// open at shutdown, crossed a foreign boundary and never reclaimed locally
// nor freed by the foreign side.
type dynamicViolation struct {
	ViolationType string `json:"violation_type"`
	PassportID    uint64 `json:"passport_id"`
	Ptr           uint64 `json:"record_id"`
	Library       string `json:"library,omitempty"`
	Function      string `json:"function,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

type unsafeBlockGroup struct {
	UnsafeBlockID uint32   `json:"unsafe_block_id"`
	RecordIDs     []uint64 `json:"record_ids"`
	TotalBytes    uint64   `json:"total_bytes"`
	LeakedCount   int      `json:"leaked_count"`
	RiskScore     float64  `json:"risk_score"`
}

type foreignCallGroup struct {
	Library     string   `json:"library"`
	Function    string   `json:"function"`
	RecordIDs   []uint64 `json:"record_ids"`
	TotalBytes  uint64   `json:"total_bytes"`
	LeakedCount int      `json:"leaked_count"`
	RiskScore   float64  `json:"risk_score"`
}

type passportView struct {
	PassportID uint64 `json:"passport_id"`
	Ptr        uint64 `json:"record_id"`
	Size       uint32 `json:"size"`
	Status     string `json:"status"`
	Library    string `json:"library,omitempty"`
	Function   string `json:"function,omitempty"`
}

// riskScore is a coarse, explainable heuristic: leaked records count double,
// capped at 1.0, so a block's score saturates once half or more of its
// allocations are flagged leaked.
func riskScore(total, leaked int) float64 {
	if total == 0 {
		return 0
	}
	s := float64(leaked*2) / float64(total)
	if s > 1 {
		s = 1
	}
	return s
}

func (a *Aggregator) buildUnsafeFFI(recs []types.AllocationRecord, nowNs uint64) unsafeFFIDoc {
	doc := unsafeFFIDoc{envelope: a.envelope(nowNs)}

	unsafeGroups := make(map[uint32]*unsafeBlockGroup)
	var unsafeOrder []uint32
	foreignGroups := make(map[[2]string]*foreignCallGroup)
	var foreignOrder [][2]string

	for _, r := range recs {
		leaked := r.Flags.Has(types.FlagLeaked)
		switch {
		case r.Unsafe != nil:
			g, ok := unsafeGroups[r.Unsafe.UnsafeBlockID]
			if !ok {
				g = &unsafeBlockGroup{UnsafeBlockID: r.Unsafe.UnsafeBlockID}
				unsafeGroups[r.Unsafe.UnsafeBlockID] = g
				unsafeOrder = append(unsafeOrder, r.Unsafe.UnsafeBlockID)
			}
			g.RecordIDs = append(g.RecordIDs, r.Ptr)
			g.TotalBytes += uint64(r.Size)
			if leaked {
				g.LeakedCount++
			}
		case r.Foreign != nil:
			lib := a.lookupString(r.Foreign.LibraryNameID)
			fn := a.lookupString(r.Foreign.FunctionNameID)
			key := [2]string{lib, fn}
			g, ok := foreignGroups[key]
			if !ok {
				g = &foreignCallGroup{Library: lib, Function: fn}
				foreignGroups[key] = g
				foreignOrder = append(foreignOrder, key)
			}
			g.RecordIDs = append(g.RecordIDs, r.Ptr)
			g.TotalBytes += uint64(r.Size)
			if leaked {
				g.LeakedCount++
			}
		}
	}
	for _, id := range unsafeOrder {
		g := unsafeGroups[id]
		g.RiskScore = riskScore(len(g.RecordIDs), g.LeakedCount)
		doc.UnsafeBlocks = append(doc.UnsafeBlocks, *g)
	}
	for _, key := range foreignOrder {
		g := foreignGroups[key]
		g.RiskScore = riskScore(len(g.RecordIDs), g.LeakedCount)
		doc.ForeignCalls = append(doc.ForeignCalls, *g)
	}

	for _, p := range a.passports {
		doc.Passports = append(doc.Passports, passportView{
			PassportID: uint64(p.PassportID),
			Ptr:        p.SourceAllocationPtr,
			Size:       p.Size,
			Status:     p.Status.String(),
			Library:    a.lookupString(p.LibraryNameID),
			Function:   a.lookupString(p.FunctionNameID),
		})
		if p.Status == types.OrphanedAtShutdown {
			doc.DynamicViolations = append(doc.DynamicViolations, dynamicViolation{
				ViolationType: "FfiMemoryLeak",
				PassportID:    uint64(p.PassportID),
				Ptr:           p.SourceAllocationPtr,
				Library:       a.lookupString(p.LibraryNameID),
				Function:      a.lookupString(p.FunctionNameID),
				Detail:        "passport still open at session shutdown, never reclaimed locally or freed by the foreign side",
			})
		}
	}
	return doc
}

// complexTypesDoc is complex_types.json: records grouped by canonical type
// name with smart-pointer and container observations, plus a short
// human-readable suggestion when a pattern looks worth a second look
// (spec.md §4.8).
type complexTypesDoc struct {
	envelope
	Types []complexTypeGroup `json:"types"`
}

type complexTypeGroup struct {
	TypeName         string   `json:"type_name"`
	TypeNameOriginal string   `json:"type_name_original,omitempty"`
	RecordIDs        []uint64 `json:"record_ids"`
	ContainerCount   int      `json:"container_count"`
	SmartPointerKinds map[string]int `json:"smart_pointer_kinds,omitempty"`
	Suggestion       string   `json:"suggestion,omitempty"`
}

var smartPointerKindNames = map[types.SmartPointerKind]string{
	types.Boxed:            "boxed",
	types.RefCounted:        "ref_counted",
	types.AtomicRefCounted: "atomic_ref_counted",
	types.Weak:             "weak",
}

func (a *Aggregator) buildComplexTypes(recs []types.AllocationRecord, nowNs uint64) complexTypesDoc {
	doc := complexTypesDoc{envelope: a.envelope(nowNs)}

	groups := make(map[string]*complexTypeGroup)
	var order []string
	for _, r := range recs {
		if r.TypeName == "" {
			continue
		}
		g, ok := groups[r.TypeName]
		if !ok {
			g = &complexTypeGroup{TypeName: r.TypeName, TypeNameOriginal: r.TypeNameOriginal}
			groups[r.TypeName] = g
			order = append(order, r.TypeName)
		}
		g.RecordIDs = append(g.RecordIDs, r.Ptr)
		if r.Flags.Has(types.FlagContainer) {
			g.ContainerCount++
		}
		if r.SmartPointer != nil {
			if g.SmartPointerKinds == nil {
				g.SmartPointerKinds = make(map[string]int)
			}
			name := smartPointerKindNames[r.SmartPointer.Kind]
			if name != "" {
				g.SmartPointerKinds[name]++
			}
		}
	}
	for _, name := range order {
		g := groups[name]
		g.Suggestion = suggestFor(g)
		doc.Types = append(doc.Types, *g)
	}
	return doc
}

// suggestFor names the one most-actionable observation about a type group,
// preferring the strongest signal when several apply.
func suggestFor(g *complexTypeGroup) string {
	total := len(g.RecordIDs)
	if total == 0 {
		return ""
	}
	if rc := g.SmartPointerKinds["ref_counted"] + g.SmartPointerKinds["atomic_ref_counted"]; rc > 0 && rc == total {
		return "every live instance is reference-counted; check for reference cycles keeping them all alive"
	}
	if g.ContainerCount > 0 && float64(g.ContainerCount)/float64(total) > 0.5 {
		return "mostly container types; consider whether elements are being retained longer than the container"
	}
	return ""
}
