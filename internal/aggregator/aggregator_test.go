package aggregator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscope/pkg/types"
	"memscope/pkg/workerpool"
)

func dealloc(ns uint64) *uint64 { return &ns }

func sampleSnapshot() types.Snapshot {
	libID := uint32(0)
	fnID := uint32(1)
	return types.Snapshot{
		SessionID: "sess-1",
		StartedAt: time.Unix(0, 0),
		Strategy:  "precise",
		Strings:   []string{"libfoo.so", "foo_alloc"},
		Live: []types.AllocationRecord{
			{
				Ptr: 1, Size: 64, ThreadID: 2,
				TimestampAllocNs: 100,
				VarName:          "buf",
				TypeName:         "Vec<u8>",
				SourceKind:       types.SafeNative,
				Flags:            types.FlagContainer,
			},
			{
				Ptr: 2, Size: 8192, ThreadID: 1,
				TimestampAllocNs: 50,
				SourceKind:       types.Foreign,
				Foreign:          &types.ForeignSubRecord{LibraryNameID: libID, FunctionNameID: fnID},
			},
		},
		History: []types.AllocationRecord{
			{
				Ptr: 3, Size: 16, ThreadID: 2,
				TimestampAllocNs:   10,
				TimestampDeallocNs: dealloc(20),
				Flags:              types.FlagLeaked,
				SourceKind:         types.UnsafeNative,
				Unsafe:             &types.UnsafeSubRecord{UnsafeBlockID: 7},
			},
		},
		Stats: types.Stats{ActiveCount: 2, ActiveBytes: 64 + 8192, TotalCount: 3, TotalBytes: 64 + 8192 + 16},
	}
}

func TestNewAndOrderedRecords(t *testing.T) {
	a := New(sampleSnapshot(), ExportFull)
	ordered := a.orderedRecords()
	require.Len(t, ordered, 3)
	// sorted by TimestampAllocNs ascending: 10, 50, 100
	assert.Equal(t, uint64(3), ordered[0].Ptr)
	assert.Equal(t, uint64(2), ordered[1].Ptr)
	assert.Equal(t, uint64(1), ordered[2].Ptr)
}

func TestNewExportUserOnlyFiltersSystemRecords(t *testing.T) {
	a := New(sampleSnapshot(), ExportUserOnly)
	for _, r := range a.records {
		assert.NotEmpty(t, r.VarName)
	}
	assert.Len(t, a.records, 1)
}

func TestWriteJSONFamiliesWritesAllFive(t *testing.T) {
	a := New(sampleSnapshot(), ExportFull)
	dir := t.TempDir()

	paths, err := a.WriteJSONFamilies(dir, 12345)
	require.NoError(t, err)
	require.Len(t, paths, 5)

	for _, want := range []string{
		"memory_analysis.json", "lifetime.json", "performance.json",
		"unsafe_ffi.json", "complex_types.json",
	} {
		path := filepath.Join(dir, want)
		assert.Contains(t, paths, path)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var generic map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &generic))
		assert.Equal(t, "sess-1", generic["session_id"])
	}
}

func TestBuildUnsafeFFIGroupsByBlockAndForeignSite(t *testing.T) {
	a := New(sampleSnapshot(), ExportFull)
	doc := a.buildUnsafeFFI(a.orderedRecords(), 0)

	require.Len(t, doc.UnsafeBlocks, 1)
	assert.Equal(t, uint32(7), doc.UnsafeBlocks[0].UnsafeBlockID)
	assert.Equal(t, 1, doc.UnsafeBlocks[0].LeakedCount)
	assert.Equal(t, 1.0, doc.UnsafeBlocks[0].RiskScore)

	require.Len(t, doc.ForeignCalls, 1)
	assert.Equal(t, "libfoo.so", doc.ForeignCalls[0].Library)
	assert.Equal(t, "foo_alloc", doc.ForeignCalls[0].Function)
}

func TestBuildUnsafeFFIReportsFfiMemoryLeakForOrphanedPassport(t *testing.T) {
	snap := sampleSnapshot()
	snap.Passports = []types.MemoryPassport{
		{
			PassportID:          1,
			SourceAllocationPtr: 2,
			Size:                8192,
			Status:              types.OrphanedAtShutdown,
			LibraryNameID:       0,
			FunctionNameID:      1,
		},
	}
	a := New(snap, ExportFull)
	doc := a.buildUnsafeFFI(a.orderedRecords(), 0)

	require.Len(t, doc.DynamicViolations, 1)
	v := doc.DynamicViolations[0]
	assert.Equal(t, "FfiMemoryLeak", v.ViolationType)
	assert.Equal(t, uint64(2), v.Ptr)
	assert.Equal(t, "libfoo.so", v.Library)
	assert.Equal(t, "foo_alloc", v.Function)
}

func TestBuildComplexTypesSuggestsOnContainerMajority(t *testing.T) {
	a := New(sampleSnapshot(), ExportFull)
	doc := a.buildComplexTypes(a.orderedRecords(), 0)

	require.Len(t, doc.Types, 1)
	assert.Equal(t, "Vec<u8>", doc.Types[0].TypeName)
	assert.Equal(t, 1, doc.Types[0].ContainerCount)
	assert.Contains(t, doc.Types[0].Suggestion, "container")
}

type fakeHostStats struct {
	rss uint64
	err error
}

func (f fakeHostStats) RSSBytes() (uint64, error) { return f.rss, f.err }

func TestBuildPerformanceIncludesHostCrossCheckWhenWired(t *testing.T) {
	a := New(sampleSnapshot(), ExportFull)
	a.SetHostStats(fakeHostStats{rss: 16384})

	doc := a.buildPerformance(a.orderedRecords(), 0)
	require.NotNil(t, doc.Host)
	assert.Equal(t, uint64(16384), doc.Host.ProcessRSSBytes)
	assert.Equal(t, a.stats.ActiveBytes, doc.Host.TrackerActiveBytes)
}

func TestBuildPerformanceOmitsHostWhenUnset(t *testing.T) {
	a := New(sampleSnapshot(), ExportFull)
	doc := a.buildPerformance(a.orderedRecords(), 0)
	assert.Nil(t, doc.Host)
}

func TestResolveStackCachesAndHandlesMissingID(t *testing.T) {
	a := New(sampleSnapshot(), ExportFull)
	assert.Nil(t, a.resolveStack(99))

	pc := make([]uintptr, 0)
	a.callStacks = []types.CallStack{{Frames: pc}}
	assert.Nil(t, a.resolveStack(0))
	_, cached := a.stackCache[0]
	assert.True(t, cached)
}

func TestWriteJSONFamiliesParallelWritesAllFiveWithTimestamp(t *testing.T) {
	a := New(sampleSnapshot(), ExportFull)
	dir := t.TempDir()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	pool := workerpool.NewWorkerPool(workerpool.WorkerPoolConfig{MaxWorkers: 3}, logger)
	require.NoError(t, pool.Start())
	defer pool.Stop()

	paths, err := a.WriteJSONFamiliesParallel(dir, 42, pool)
	require.NoError(t, err)
	require.Len(t, paths, 5)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var generic map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &generic))
		assert.EqualValues(t, 42, generic["generated_at_ns"])
	}
}
