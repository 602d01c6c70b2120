package codec

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memscope/pkg/types"
)

func sampleSnapshot() types.Snapshot {
	taskID := uint32(7)
	deallocTS := uint64(200)
	stackID := uint32(0)

	return types.Snapshot{
		SessionID: "sess-codec",
		Strategy:  "precise",
		Live: []types.AllocationRecord{
			{
				Ptr:              0x1000,
				Size:             64,
				Align:            8,
				ThreadID:         1,
				TimestampAllocNs: 100,
				VarName:          "buf",
				TypeName:         "Vec<u8>",
				TaskID:           &taskID,
				CallStackID:      &stackID,
			},
		},
		History: []types.AllocationRecord{
			{
				Ptr:                0x2000,
				Size:               32,
				Align:              8,
				ThreadID:           2,
				TimestampAllocNs:   50,
				TimestampDeallocNs: &deallocTS,
				SourceKind:         types.SafeNative,
			},
		},
		Stats: types.Stats{ActiveCount: 1, TotalCount: 2},
	}
}

func TestWriteFileRoundTripUncompressed(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/session.memscope"

	w := NewWriter(ExportFull, "none")
	w.AppendRecord(sampleSnapshot().History[0])
	require.NoError(t, w.WriteFile(path, sampleSnapshot(), true))

	r, err := Open(path)
	require.NoError(t, err)
	assert.True(t, r.Finalized())
	assert.Equal(t, uint64(2), r.Header.TotalCount)

	recs, err := r.Records(0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	var named *types.AllocationRecord
	for _, rec := range recs {
		if rec.VarName == "buf" {
			named = rec
		}
	}
	require.NotNil(t, named)
	assert.Equal(t, uint32(64), named.Size)
	assert.Equal(t, "Vec<u8>", named.TypeName)
	require.NotNil(t, named.TaskID)
	assert.Equal(t, uint32(7), *named.TaskID)
}

func TestWriteFileRoundTripCompressed(t *testing.T) {
	for _, codecName := range []string{"gzip", "snappy", "lz4", "zstd"} {
		codecName := codecName
		t.Run(codecName, func(t *testing.T) {
			dir := t.TempDir()
			path := dir + "/session.memscope"

			w := NewWriter(ExportUserOnly, codecName)
			require.NoError(t, w.WriteFile(path, sampleSnapshot(), true))

			r, err := Open(path)
			require.NoError(t, err)
			// user_only: only the Live record (VarName "buf") survives.
			recs, err := r.Records(0)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "buf", recs[0].VarName)
		})
	}
}

func TestSelectiveParseSkipsUnrequestedFields(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/session.memscope"

	w := NewWriter(ExportFull, "none")
	require.NoError(t, w.WriteFile(path, sampleSnapshot(), true))

	r, err := Open(path)
	require.NoError(t, err)

	recs, err := r.Records(FieldVarName)
	require.NoError(t, err)
	var named *types.AllocationRecord
	for _, rec := range recs {
		if rec.Size == 64 {
			named = rec
		}
	}
	require.NotNil(t, named)
	assert.Equal(t, "buf", named.VarName)
	assert.Empty(t, named.TypeName)
	assert.Nil(t, named.TaskID)
}

func TestIndexLooksUpRecordsByPtrThreadAndVarName(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/session.memscope"

	w := NewWriter(ExportFull, "none")
	w.AppendRecord(sampleSnapshot().History[0])
	require.NoError(t, w.WriteFile(path, sampleSnapshot(), true))

	r, err := Open(path)
	require.NoError(t, err)

	byPtrIdx, ok := r.ByPtr(0x1000)
	require.True(t, ok)
	rec, err := r.RecordAt(byPtrIdx, 0)
	require.NoError(t, err)
	assert.Equal(t, "buf", rec.VarName)

	_, ok = r.ByPtr(0xdeadbeef)
	assert.False(t, ok)

	threadIdxs := r.ByThreadID(2)
	require.Len(t, threadIdxs, 1)
	rec, err = r.RecordAt(threadIdxs[0], 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), rec.Ptr)

	// buf is the only named record in the file and VarName is the first
	// field encodeRecord interns per record, so its string id is 0.
	varIdxs := r.ByVarNameID(0)
	require.Len(t, varIdxs, 1)
	rec, err = r.RecordAt(varIdxs[0], 0)
	require.NoError(t, err)
	assert.Equal(t, "buf", rec.VarName)
}

func TestParseRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/session.memscope"
	w := NewWriter(ExportFull, "none")
	require.NoError(t, w.WriteFile(path, sampleSnapshot(), true))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] = 'X'

	_, err = Parse(raw)
	assert.Error(t, err)
}
