package codec

import "errors"

// Sentinel parse failures, exported so callers (cmd/memscope's exit-code
// mapping, spec.md §6) can distinguish "invalid file" from "unsupported
// version" via errors.Is without parsing merrors.Error messages.
var (
	ErrShortHeader        = errors.New("codec: buffer shorter than header")
	ErrBadMagic           = errors.New("codec: bad magic bytes")
	ErrChecksumMismatch   = errors.New("codec: trailer checksum mismatch")
	ErrTruncated          = errors.New("codec: record region truncated")
	ErrUnsupportedVersion = errors.New("codec: unsupported format version")
)
