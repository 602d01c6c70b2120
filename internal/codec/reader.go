package codec

import (
	"bytes"
	"encoding/binary"
	"hash/crc64"
	"os"

	"memscope/pkg/compression"
	"memscope/pkg/merrors"
	"memscope/pkg/types"
)

// Reader opens a ".memscope" file and gives selective, decompressed access
// to its regions without requiring the caller to know which codec wrote it.
type Reader struct {
	Header     *Header
	records    []byte // decompressed records region
	strings    []string
	callStacks []types.CallStack

	index fileIndex
}

// fileIndex is the decoded form of the index segment buildIndex writes:
// record positions (indices into the decoded record slice, not byte
// offsets) keyed by ptr, thread id, and var name id, so a caller can find
// the records it wants without decoding every record in the file
// (spec.md §4.7).
type fileIndex struct {
	byPtr     map[uint64]uint32
	byThread  map[uint16][]uint32
	byVarName map[uint32][]uint32
}

// Open reads path fully, validates magic/version/checksum, and
// decompresses every region up front. memscope sessions are expected to
// fit comfortably in memory (spec.md's target scale); streaming
// decompression is left as a follow-up if that assumption stops holding.
func Open(path string) (*Reader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, merrors.Parse("Open", "failed to read file").Wrap(err)
	}
	return Parse(raw)
}

// Parse validates and decodes an in-memory ".memscope" buffer, the form
// Open uses for files and tests use for golden buffers.
func Parse(raw []byte) (*Reader, error) {
	if len(raw) < HeaderSize+8 {
		return nil, merrors.Parse("Parse", "buffer too short to contain header and trailer").Wrap(ErrShortHeader)
	}

	trailerStart := len(raw) - 8
	wantChecksum := binary.LittleEndian.Uint64(raw[trailerStart:])
	gotChecksum := crc64.Checksum(raw[:trailerStart], crcTable)
	if wantChecksum != gotChecksum {
		return nil, merrors.Parse("Parse", "trailer checksum mismatch").Wrap(ErrChecksumMismatch)
	}

	h, err := decodeHeader(raw)
	if err != nil {
		return nil, merrors.Parse("Parse", "failed to decode header").Wrap(err)
	}
	if h.Magic != Magic {
		return nil, merrors.Parse("Parse", "bad magic bytes").Wrap(ErrBadMagic)
	}
	if h.FormatVersion != FormatVersion {
		return nil, merrors.Parse("Parse", "unsupported format version").Wrap(ErrUnsupportedVersion)
	}

	codec := compression.ByID(compression.ID(h.CodecID))

	recordsRaw := raw[h.RecordsOffset : h.RecordsOffset+h.RecordsLength]
	recordsBytes, err := codec.Decode(recordsRaw)
	if err != nil {
		return nil, merrors.Parse("Parse", "failed to decompress records region").Wrap(err)
	}

	stringsRaw := raw[h.StringsOffset : h.StringsOffset+h.StringsLength]
	stringsBytes, err := codec.Decode(stringsRaw)
	if err != nil {
		return nil, merrors.Parse("Parse", "failed to decompress strings region").Wrap(err)
	}
	strs, err := decodeStrings(stringsBytes)
	if err != nil {
		return nil, merrors.Parse("Parse", "failed to parse strings region").Wrap(err)
	}

	stacksRaw := raw[h.CallStacksOffset : h.CallStacksOffset+h.CallStacksLength]
	stacksBytes, err := codec.Decode(stacksRaw)
	if err != nil {
		return nil, merrors.Parse("Parse", "failed to decompress call stacks region").Wrap(err)
	}
	stacks, err := decodeCallStacks(stacksBytes)
	if err != nil {
		return nil, merrors.Parse("Parse", "failed to parse call stacks region").Wrap(err)
	}

	idx, err := decodeIndex(raw[h.IndexOffset:h.TrailerOffset])
	if err != nil {
		return nil, merrors.Parse("Parse", "failed to parse index segment").Wrap(err)
	}

	return &Reader{
		Header:     h,
		records:    recordsBytes,
		strings:    strs,
		callStacks: stacks,
		index:      idx,
	}, nil
}

// Finalized reports whether the exporting session reached a clean
// Finalize() before this file was written (spec.md §4.7's finalized flag).
func (r *Reader) Finalized() bool { return r.Header.Flags&FlagFinalized != 0 }

// Records decodes every record in file order. onlyFields, if non-zero,
// restricts which optional fields are reconstructed (spec.md §4.7's
// selective parse) — useful for callers that only need, say, size and
// lifetime and want to skip call-stack/ownership-event allocation.
func (r *Reader) Records(onlyFields uint32) ([]*types.AllocationRecord, error) {
	br := bytes.NewReader(r.records)
	out := make([]*types.AllocationRecord, 0, r.Header.TotalCount)
	for br.Len() > 0 {
		rec, err := decodeRecord(br, r.strings, r.callStacks, onlyFields)
		if err != nil {
			return nil, merrors.Parse("Records", "failed to decode record").Wrap(err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// CallStack resolves a call stack id to its raw frames, for callers doing
// lazy symbolization (spec.md §4.8's "lazy call-stack symbol resolution").
func (r *Reader) CallStack(id uint32) (types.CallStack, bool) {
	if int(id) >= len(r.callStacks) {
		return types.CallStack{}, false
	}
	return r.callStacks[id], true
}

// String resolves a string id.
func (r *Reader) String(id uint32) (string, bool) {
	if int(id) >= len(r.strings) {
		return "", false
	}
	return r.strings[id], true
}

// decodeIndex parses the index segment buildIndex wrote: ptr->index,
// thread_id->indices, var_name_id->indices, in that order, uncompressed
// (the index is never passed through the region codec).
func decodeIndex(buf []byte) (fileIndex, error) {
	br := bytes.NewReader(buf)
	idx := fileIndex{
		byPtr:     make(map[uint64]uint32),
		byThread:  make(map[uint16][]uint32),
		byVarName: make(map[uint32][]uint32),
	}

	ptrCount := getU32(br)
	for i := uint32(0); i < ptrCount; i++ {
		ptr := getU64(br)
		recIdx := getU32(br)
		idx.byPtr[ptr] = recIdx
	}

	threadCount := getU32(br)
	for i := uint32(0); i < threadCount; i++ {
		tid := getU16(br)
		n := getU32(br)
		idxs := make([]uint32, n)
		for j := uint32(0); j < n; j++ {
			idxs[j] = getU32(br)
		}
		idx.byThread[tid] = idxs
	}

	varNameCount := getU32(br)
	for i := uint32(0); i < varNameCount; i++ {
		id := getU32(br)
		n := getU32(br)
		idxs := make([]uint32, n)
		for j := uint32(0); j < n; j++ {
			idxs[j] = getU32(br)
		}
		idx.byVarName[id] = idxs
	}

	return idx, nil
}

// ByPtr returns the record index for ptr, the position Records(0) would
// decode it at.
func (r *Reader) ByPtr(ptr uint64) (uint32, bool) {
	i, ok := r.index.byPtr[ptr]
	return i, ok
}

// ByThreadID returns the record indices allocated on the given thread.
func (r *Reader) ByThreadID(tid uint16) []uint32 {
	return r.index.byThread[tid]
}

// ByVarNameID returns the record indices whose VarName interns to id. String
// resolves an id back to its text; the Reader has no name-to-id lookup.
func (r *Reader) ByVarNameID(id uint32) []uint32 {
	return r.index.byVarName[id]
}

// RecordAt decodes a single record at the index position previously
// returned by ByPtr/ByThreadID/ByVarNameID, without decoding the rest of
// the file (spec.md §4.7's "stream specific subsets without decoding the
// whole file").
func (r *Reader) RecordAt(recordIndex uint32, onlyFields uint32) (*types.AllocationRecord, error) {
	br := bytes.NewReader(r.records)
	var cur uint32
	for br.Len() > 0 {
		rec, err := decodeRecord(br, r.strings, r.callStacks, onlyFields)
		if err != nil {
			return nil, merrors.Parse("RecordAt", "failed to decode record").Wrap(err)
		}
		if cur == recordIndex {
			return rec, nil
		}
		cur++
	}
	return nil, merrors.Parse("RecordAt", "record index out of range").Wrap(ErrTruncated)
}

func decodeStrings(buf []byte) ([]string, error) {
	r := bytes.NewReader(buf)
	var out []string
	for r.Len() > 0 {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := readFull(r, b); err != nil {
			return nil, err
		}
		out = append(out, string(b))
	}
	return out, nil
}

func decodeCallStacks(buf []byte) ([]types.CallStack, error) {
	r := bytes.NewReader(buf)
	var out []types.CallStack
	for r.Len() > 0 {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := readFull(r, b); err != nil {
			return nil, err
		}
		fr := bytes.NewReader(b)
		frames := make([]uintptr, 0, len(b)/8)
		for fr.Len() > 0 {
			frames = append(frames, uintptr(getU64(fr)))
		}
		out = append(out, types.CallStack{Frames: frames})
	}
	return out, nil
}
