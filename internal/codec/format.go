// Package codec implements C7 (spec.md §4.7): the binary ".memscope" file
// format a session's snapshot is serialized to, and the selective parser
// that reads it back without materializing fields a caller does not need.
//
// Layout, little-endian throughout:
//
//	header (fixed size)
//	records region   -- varint-length-prefixed, field-bitmap records
//	strings region    -- length-prefixed UTF-8 blobs, in StringTable id order
//	call stacks region -- length-prefixed uintptr sequences, in table id order
//	index segment     -- ptr->offset, thread_id->offsets, var_name_id->offsets
//	trailer           -- crc64 checksum over everything before it
//
// The records/strings/call-stacks regions are optionally compressed as one
// block each (SPEC_FULL.md §4.7a) via pkg/compression, selected by the
// header's codec_id byte so a parser never needs the original session's
// config to pick a decoder.
package codec

import "encoding/binary"

// Magic identifies a memscope binary file.
var Magic = [4]byte{'M', 'S', 'C', 'P'}

// FormatVersion is bumped whenever the header or record layout changes in
// a way old parsers cannot skip over via rec_len.
const FormatVersion uint16 = 1

// Header flag bits.
const (
	FlagFinalized uint16 = 1 << iota
	FlagCompressed
)

// Field bitmap bits, one per optional AllocationRecord field. A parser
// that only needs, say, ptr/size/lifetime can skip straight past any
// record lacking FieldVarName without decoding the rest of the bitmap's
// fields (spec.md §4.7's "selective parsing").
const (
	FieldVarName uint32 = 1 << iota
	FieldTypeName
	FieldTaskID
	FieldScopeID
	FieldCallStackID
	FieldDeallocTimestamp
	FieldOwnershipEvents
	FieldUnsafe
	FieldForeign
	FieldSmartPointer
)

// Header is the fixed-size file header. Reserved fields keep room for a
// format revision to add a new offset without relayouting the struct.
type Header struct {
	Magic         [4]byte
	FormatVersion uint16
	Flags         uint16
	CodecID       byte
	Reserved      [7]byte

	TotalCount   uint64
	UserCount    uint64
	SystemCount  uint64

	RecordsOffset    uint64
	RecordsLength    uint64
	StringsOffset    uint64
	StringsLength    uint64
	CallStacksOffset uint64
	CallStacksLength uint64
	IndexOffset      uint64
	TrailerOffset    uint64
}

// HeaderSize is the Header's fixed on-disk size in bytes.
const HeaderSize = 4 + 2 + 2 + 1 + 7 + 8*11

func (h *Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.FormatVersion)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	buf[8] = h.CodecID
	copy(buf[9:16], h.Reserved[:])

	off := 16
	fields := []uint64{
		h.TotalCount, h.UserCount, h.SystemCount,
		h.RecordsOffset, h.RecordsLength,
		h.StringsOffset, h.StringsLength,
		h.CallStacksOffset, h.CallStacksLength,
		h.IndexOffset, h.TrailerOffset,
	}
	for _, f := range fields {
		binary.LittleEndian.PutUint64(buf[off:off+8], f)
		off += 8
	}
	return buf
}

func decodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, ErrShortHeader
	}
	h := &Header{}
	copy(h.Magic[:], buf[0:4])
	h.FormatVersion = binary.LittleEndian.Uint16(buf[4:6])
	h.Flags = binary.LittleEndian.Uint16(buf[6:8])
	h.CodecID = buf[8]
	copy(h.Reserved[:], buf[9:16])

	off := 16
	read := func() uint64 {
		v := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		return v
	}
	h.TotalCount = read()
	h.UserCount = read()
	h.SystemCount = read()
	h.RecordsOffset = read()
	h.RecordsLength = read()
	h.StringsOffset = read()
	h.StringsLength = read()
	h.CallStacksOffset = read()
	h.CallStacksLength = read()
	h.IndexOffset = read()
	h.TrailerOffset = read()
	return h, nil
}
