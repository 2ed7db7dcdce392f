package persistence

import "errors"

// Error taxonomy from the format's perspective. Reader-level failures
// during recovery are captured as ReadResult data, not propagated as
// one of these (see segment_reader.go).
var (
	ErrUnknownFormatVersion = errors.New("persistence: unknown format version")
	ErrCorruptedData        = errors.New("persistence: corrupted data")
	ErrChecksumMismatch     = errors.New("persistence: checksum mismatch")
	ErrLogicalError         = errors.New("persistence: logical error")
)
