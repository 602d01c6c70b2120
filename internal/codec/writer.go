package codec

import (
	"bytes"
	"encoding/binary"
	"hash/crc64"
	"os"
	"path/filepath"
	"sync"

	"memscope/pkg/compression"
	"memscope/pkg/intern"
	"memscope/pkg/merrors"
	"memscope/pkg/types"
)

var crcTable = crc64.MakeTable(crc64.ECMA)

// ExportMode selects whether WriteFile writes every record (spec.md §4.7
// "full") or only user-named ones ("user_only"), the binary-format
// equivalent of the JSON aggregator's same two export modes.
type ExportMode string

const (
	ExportFull     ExportMode = "full"
	ExportUserOnly ExportMode = "user_only"
)

// Writer accumulates a session's records and writes a ".memscope" file on
// WriteFile. It is safe for concurrent AppendRecord/SpillRecord calls from
// multiple tracker backends; WriteFile must be called exactly once.
type Writer struct {
	mu     sync.Mutex
	mode   ExportMode
	codec  compression.Codec
	strs   *intern.StringTable
	stacks *intern.CallStackTable

	records    []*types.AllocationRecord
	userCount  uint64
	systemCount uint64
}

// NewWriter creates a Writer. mode and codecName come from
// config.CodecConfig (spec.md §4.7/§4.7a).
func NewWriter(mode ExportMode, codecName string) *Writer {
	return &Writer{
		mode:   mode,
		codec:  compression.ByName(codecName),
		strs:   intern.NewStringTable(),
		stacks: intern.NewCallStackTable(),
	}
}

// SeedStrings preloads the writer's string table from an already-populated
// session table (internal/dispatcher's shared table, internal/safety's
// library/function names) so any ids a record already carries — a
// ForeignSubRecord's LibraryNameID/FunctionNameID are raw ids, not
// interned fresh at encode time — stay valid in the file this Writer
// produces. Must be called before AppendRecord/WriteFile if the snapshot
// being written contains any such pre-assigned ids.
func (w *Writer) SeedStrings(existing []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.strs = intern.NewStringTableFrom(existing)
}

// AppendRecord stages one record for the next WriteFile call. Called once
// per retired AllocationRecord; still-live records are taken from the
// snapshot WriteFile receives.
func (w *Writer) AppendRecord(rec types.AllocationRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.mode == ExportUserOnly && rec.VarName == "" {
		return
	}
	r := rec
	w.records = append(w.records, &r)
	if rec.VarName != "" {
		w.userCount++
	} else {
		w.systemCount++
	}
}

// SpillRecord implements lockfree.SpillWriter/asynctracker.SpillWriter:
// large or user records that must bypass in-memory slab eviction are
// appended directly here instead.
func (w *Writer) SpillRecord(rec types.AllocationRecord) { w.AppendRecord(rec) }

// WriteFile serializes every staged record plus snap's live records (which
// have not yet been retired into history, and so never reached
// AppendRecord) into path, atomically. finalized marks the session as
// cleanly closed (spec.md §4.7's finalized flag): a crash before this call
// returns leaves, at most, a temp file on disk, never a corrupt target.
func (w *Writer) WriteFile(path string, snap types.Snapshot, finalized bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rec := range snap.Live {
		if w.mode == ExportUserOnly && rec.VarName == "" {
			continue
		}
		r := rec
		w.records = append(w.records, &r)
		if rec.VarName != "" {
			w.userCount++
		} else {
			w.systemCount++
		}
	}

	var recordsBuf bytes.Buffer
	for _, rec := range w.records {
		recordsBuf.Write(encodeRecord(rec, w.strs, w.stacks))
	}

	recordsBytes, err := w.codec.Encode(recordsBuf.Bytes())
	if err != nil {
		return merrors.Export("WriteFile", "failed to compress records region").Wrap(err)
	}

	var stringsBuf bytes.Buffer
	for _, s := range w.strs.Strings() {
		writeLenPrefixed(&stringsBuf, []byte(s))
	}
	stringsBytes, err := w.codec.Encode(stringsBuf.Bytes())
	if err != nil {
		return merrors.Export("WriteFile", "failed to compress strings region").Wrap(err)
	}

	var stacksBuf bytes.Buffer
	for _, cs := range w.stacks.CallStacks() {
		var frameBuf bytes.Buffer
		for _, f := range cs.Frames {
			putU64(&frameBuf, uint64(f))
		}
		writeLenPrefixed(&stacksBuf, frameBuf.Bytes())
	}
	stacksBytes, err := w.codec.Encode(stacksBuf.Bytes())
	if err != nil {
		return merrors.Export("WriteFile", "failed to compress call stacks region").Wrap(err)
	}

	index := buildIndex(w.records, w.strs)

	h := &Header{
		Magic:         Magic,
		FormatVersion: FormatVersion,
		CodecID:       byte(w.codec.ID()),
		TotalCount:    uint64(len(w.records)),
		UserCount:     w.userCount,
		SystemCount:   w.systemCount,
	}
	if finalized {
		h.Flags |= FlagFinalized
	}
	if w.codec.ID() != compression.IDNone {
		h.Flags |= FlagCompressed
	}

	h.RecordsOffset = HeaderSize
	h.RecordsLength = uint64(len(recordsBytes))
	h.StringsOffset = h.RecordsOffset + h.RecordsLength
	h.StringsLength = uint64(len(stringsBytes))
	h.CallStacksOffset = h.StringsOffset + h.StringsLength
	h.CallStacksLength = uint64(len(stacksBytes))
	h.IndexOffset = h.CallStacksOffset + h.CallStacksLength

	var out bytes.Buffer
	out.Write(h.encode())
	out.Write(recordsBytes)
	out.Write(stringsBytes)
	out.Write(stacksBytes)
	out.Write(index)

	h.TrailerOffset = uint64(out.Len())

	// Re-encode the header now that TrailerOffset is known, by rewriting
	// the header prefix of the already-built buffer in place, so the
	// checksum below covers the final header bytes.
	final := out.Bytes()
	copy(final[0:HeaderSize], h.encode())

	checksum := crc64.Checksum(final, crcTable)
	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], checksum)

	return atomicWrite(path, append(final, trailer[:]...))
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(data)))
	buf.Write(lenBuf[:n])
	buf.Write(data)
}

// buildIndex writes the ptr->offset, thread_id->offsets, and
// var_name_id->offsets index segment (spec.md §4.7). Offsets are record
// *indices* within the decoded record slice rather than byte offsets,
// since the parser reconstructs the slice in one pass and random-access
// byte seeking within a compressed region is not possible without
// decompressing it anyway. strs must already hold every var name a record
// references (WriteFile calls this after encodeRecord has interned them
// all), so resolving a record's var name here returns the same id the
// records region stored rather than minting a new one.
func buildIndex(records []*types.AllocationRecord, strs *intern.StringTable) []byte {
	var buf bytes.Buffer

	putU32(&buf, uint32(len(records)))
	for i, rec := range records {
		putU64(&buf, rec.Ptr)
		putU32(&buf, uint32(i))
	}

	byThread := make(map[uint16][]uint32)
	for i, rec := range records {
		byThread[rec.ThreadID] = append(byThread[rec.ThreadID], uint32(i))
	}
	putU32(&buf, uint32(len(byThread)))
	for tid, idxs := range byThread {
		putU16(&buf, tid)
		putU32(&buf, uint32(len(idxs)))
		for _, i := range idxs {
			putU32(&buf, i)
		}
	}

	byVarName := make(map[uint32][]uint32)
	for i, rec := range records {
		if rec.VarName == "" {
			continue
		}
		id := strs.Intern(rec.VarName)
		byVarName[id] = append(byVarName[id], uint32(i))
	}
	putU32(&buf, uint32(len(byVarName)))
	for id, idxs := range byVarName {
		putU32(&buf, id)
		putU32(&buf, uint32(len(idxs)))
		for _, i := range idxs {
			putU32(&buf, i)
		}
	}

	return buf.Bytes()
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".memscope-tmp-*")
	if err != nil {
		return merrors.Export("atomicWrite", "failed to create temp file").Wrap(err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return merrors.Export("atomicWrite", "failed to write temp file").Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return merrors.Export("atomicWrite", "failed to fsync temp file").Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return merrors.Export("atomicWrite", "failed to close temp file").Wrap(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return merrors.Export("atomicWrite", "failed to rename temp file into place").Wrap(err)
	}
	return nil
}
