package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"memscope/pkg/intern"
	"memscope/pkg/types"
)

// encodeRecord serializes rec as a varint-length-prefixed entry: the
// length prefix lets a selective parser skip an entire record (or just its
// tail, once it has read the fixed prefix and the bitmap) without decoding
// fields it does not need.
func encodeRecord(rec *types.AllocationRecord, strs *intern.StringTable, stacks *intern.CallStackTable) []byte {
	var body bytes.Buffer

	var bitmap uint32
	if rec.VarName != "" {
		bitmap |= FieldVarName
	}
	if rec.TypeName != "" {
		bitmap |= FieldTypeName
	}
	if rec.TaskID != nil {
		bitmap |= FieldTaskID
	}
	if rec.ScopeID != nil {
		bitmap |= FieldScopeID
	}
	if rec.CallStackID != nil {
		bitmap |= FieldCallStackID
	}
	if rec.TimestampDeallocNs != nil {
		bitmap |= FieldDeallocTimestamp
	}
	if len(rec.OwnershipEvents) > 0 {
		bitmap |= FieldOwnershipEvents
	}
	if rec.Unsafe != nil {
		bitmap |= FieldUnsafe
	}
	if rec.Foreign != nil {
		bitmap |= FieldForeign
	}
	if rec.SmartPointer != nil {
		bitmap |= FieldSmartPointer
	}

	putU32(&body, bitmap)
	putU64(&body, rec.Ptr)
	putU32(&body, rec.Size)
	putU16(&body, rec.Align)
	body.WriteByte(byte(rec.Flags))
	putU16(&body, rec.ThreadID)
	putU64(&body, rec.TimestampAllocNs)
	body.WriteByte(byte(rec.SourceKind))

	if bitmap&FieldVarName != 0 {
		putU32(&body, strs.Intern(rec.VarName))
	}
	if bitmap&FieldTypeName != 0 {
		putU32(&body, strs.Intern(rec.TypeName))
	}
	if bitmap&FieldTaskID != 0 {
		putU32(&body, *rec.TaskID)
	}
	if bitmap&FieldScopeID != 0 {
		putU32(&body, *rec.ScopeID)
	}
	if bitmap&FieldCallStackID != 0 {
		putU32(&body, *rec.CallStackID)
	}
	if bitmap&FieldDeallocTimestamp != 0 {
		putU64(&body, *rec.TimestampDeallocNs)
	}
	if bitmap&FieldOwnershipEvents != 0 {
		putU32(&body, uint32(len(rec.OwnershipEvents)))
		for _, ev := range rec.OwnershipEvents {
			putU64(&body, ev.TimestampNs)
			body.WriteByte(byte(ev.Kind))
			putU64(&body, ev.RelatedPtr)
			putU32(&body, ev.RelatedStackID)
			putU32(&body, strs.Intern(ev.RelatedVarName))
			putU32(&body, strs.Intern(ev.Scope))
		}
	}
	if bitmap&FieldUnsafe != 0 {
		putU32(&body, rec.Unsafe.UnsafeBlockID)
	}
	if bitmap&FieldForeign != 0 {
		putU32(&body, rec.Foreign.LibraryNameID)
		putU32(&body, rec.Foreign.FunctionNameID)
	}
	if bitmap&FieldSmartPointer != 0 {
		body.WriteByte(byte(rec.SmartPointer.Kind))
		putU64(&body, rec.SmartPointer.RefCountAtObs)
		putU64(&body, rec.SmartPointer.OriginalPtrIfClone)
	}

	var out bytes.Buffer
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(body.Len()))
	out.Write(lenBuf[:n])
	out.Write(body.Bytes())
	return out.Bytes()
}

// decodeRecord reads one record from r and returns it. onlyFields, if non-zero, lets a caller skip
// reconstructing fields it does not need (spec.md §4.7's selective parse);
// passing 0 decodes every field present in the bitmap.
func decodeRecord(r *bytes.Reader, strs []string, stacks []types.CallStack, onlyFields uint32) (*types.AllocationRecord, error) {
	recLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("read record length: %w", err)
	}
	body := make([]byte, recLen)
	if _, err := readFull(r, body); err != nil {
		return nil, fmt.Errorf("read record body: %w", err)
	}
	br := bytes.NewReader(body)

	bitmap := getU32(br)
	rec := &types.AllocationRecord{}
	rec.Ptr = getU64(br)
	rec.Size = getU32(br)
	rec.Align = getU16(br)
	rec.Flags = types.Flags(readByte(br))
	rec.ThreadID = getU16(br)
	rec.TimestampAllocNs = getU64(br)
	rec.SourceKind = types.SourceKind(readByte(br))

	want := func(field uint32) bool { return onlyFields == 0 || onlyFields&field != 0 }

	if bitmap&FieldVarName != 0 {
		id := getU32(br)
		if want(FieldVarName) {
			rec.VarName = lookupString(strs, id)
		}
	}
	if bitmap&FieldTypeName != 0 {
		id := getU32(br)
		if want(FieldTypeName) {
			rec.TypeName = lookupString(strs, id)
		}
	}
	if bitmap&FieldTaskID != 0 {
		v := getU32(br)
		if want(FieldTaskID) {
			rec.TaskID = &v
		}
	}
	if bitmap&FieldScopeID != 0 {
		v := getU32(br)
		if want(FieldScopeID) {
			rec.ScopeID = &v
		}
	}
	if bitmap&FieldCallStackID != 0 {
		v := getU32(br)
		if want(FieldCallStackID) {
			rec.CallStackID = &v
		}
	}
	if bitmap&FieldDeallocTimestamp != 0 {
		v := getU64(br)
		if want(FieldDeallocTimestamp) {
			rec.TimestampDeallocNs = &v
		}
	}
	if bitmap&FieldOwnershipEvents != 0 {
		count := getU32(br)
		events := make([]types.OwnershipEvent, 0, count)
		for i := uint32(0); i < count; i++ {
			ts := getU64(br)
			kind := types.OwnershipEventKind(readByte(br))
			relPtr := getU64(br)
			relStack := getU32(br)
			relVarID := getU32(br)
			scopeID := getU32(br)
			if want(FieldOwnershipEvents) {
				events = append(events, types.OwnershipEvent{
					TimestampNs:    ts,
					Kind:           kind,
					RelatedPtr:     relPtr,
					RelatedStackID: relStack,
					RelatedVarName: lookupString(strs, relVarID),
					Scope:          lookupString(strs, scopeID),
				})
			}
		}
		if want(FieldOwnershipEvents) {
			rec.OwnershipEvents = events
		}
	}
	if bitmap&FieldUnsafe != 0 {
		id := getU32(br)
		if want(FieldUnsafe) {
			rec.Unsafe = &types.UnsafeSubRecord{UnsafeBlockID: id}
		}
	}
	if bitmap&FieldForeign != 0 {
		lib := getU32(br)
		fn := getU32(br)
		if want(FieldForeign) {
			rec.Foreign = &types.ForeignSubRecord{LibraryNameID: lib, FunctionNameID: fn}
		}
	}
	if bitmap&FieldSmartPointer != 0 {
		kind := types.SmartPointerKind(readByte(br))
		refCount := getU64(br)
		orig := getU64(br)
		if want(FieldSmartPointer) {
			rec.SmartPointer = &types.SmartPointerInfo{Kind: kind, RefCountAtObs: refCount, OriginalPtrIfClone: orig}
		}
	}

	return rec, nil
}

func lookupString(strs []string, id uint32) string {
	if int(id) >= len(strs) {
		return ""
	}
	return strs[id]
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func putU16(b *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func putU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func putU64(b *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

func getU16(r *bytes.Reader) uint16 {
	var tmp [2]byte
	readFull(r, tmp[:])
	return binary.LittleEndian.Uint16(tmp[:])
}

func getU32(r *bytes.Reader) uint32 {
	var tmp [4]byte
	readFull(r, tmp[:])
	return binary.LittleEndian.Uint32(tmp[:])
}

func getU64(r *bytes.Reader) uint64 {
	var tmp [8]byte
	readFull(r, tmp[:])
	return binary.LittleEndian.Uint64(tmp[:])
}

func readByte(r *bytes.Reader) byte {
	b, _ := r.ReadByte()
	return b
}
