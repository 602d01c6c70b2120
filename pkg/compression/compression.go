// Package compression implements SPEC_FULL.md §4.7a's optional block
// compression for the binary format's records, strings and call-stack
// regions (each compressed as one block): the teacher's pkg/compression
// picks an HTTP body codec from an Accept-Encoding header through a
// registry of named Compressor implementations; this package keeps that
// registry shape but picks a codec from the session's config.CodecConfig
// instead, and compresses the writer's buffered region bytes rather than
// an HTTP body.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ID is the single byte stored in the binary format's reserved codec_id
// header field (spec.md §4.7's reserved bytes), so a parser can pick the
// decoder without consulting any config.
type ID byte

const (
	IDNone ID = iota
	IDGzip
	IDSnappy
	IDLZ4
	IDZstd
)

// Codec compresses and decompresses one block of record bytes.
type Codec interface {
	ID() ID
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// ByName resolves a config.CodecConfig.Codec string ("none", "gzip",
// "snappy", "lz4", "zstd") to a Codec. Unknown names return IDNone's no-op codec
// to keep Export available even with a typo'd config.
func ByName(name string) Codec {
	switch name {
	case "gzip":
		return gzipCodec{}
	case "snappy":
		return snappyCodec{}
	case "lz4":
		return lz4Codec{}
	case "zstd":
		return zstdCodec{}
	default:
		return noneCodec{}
	}
}

// ByID resolves the header byte a parser reads back.
func ByID(id ID) Codec {
	switch id {
	case IDGzip:
		return gzipCodec{}
	case IDSnappy:
		return snappyCodec{}
	case IDLZ4:
		return lz4Codec{}
	case IDZstd:
		return zstdCodec{}
	default:
		return noneCodec{}
	}
}

type noneCodec struct{}

func (noneCodec) ID() ID                          { return IDNone }
func (noneCodec) Name() string                    { return "none" }
func (noneCodec) Encode(data []byte) ([]byte, error) { return data, nil }
func (noneCodec) Decode(data []byte) ([]byte, error) { return data, nil }

type gzipCodec struct{}

func (gzipCodec) ID() ID       { return IDGzip }
func (gzipCodec) Name() string { return "gzip" }

func (gzipCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("gzip encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip encode close: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip decode: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decode read: %w", err)
	}
	return out, nil
}

type snappyCodec struct{}

func (snappyCodec) ID() ID       { return IDSnappy }
func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Encode(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCodec) Decode(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

type lz4Codec struct{}

func (lz4Codec) ID() ID       { return IDLZ4 }
func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("lz4 encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 encode close: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decode(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4 decode: %w", err)
	}
	return out, nil
}

// zstdCodec gives the highest compression ratio of the four, at the cost
// of a slower encode; session configs pick it for archival exports where
// file size matters more than Finalize latency.
type zstdCodec struct{}

func (zstdCodec) ID() ID       { return IDZstd }
func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Encode(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encode: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func (zstdCodec) Decode(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
