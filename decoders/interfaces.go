package decoders

import (
	"context"
	"errors"
	"io"
)

// ErrNoMatch is attached to records whose raw text did not match the
// configured log_pattern / grok_pattern. The record is still emitted so the
// parser can keep it addressable.
var ErrNoMatch = errors.New("record did not match the configured pattern")

// Record is one decoded record, produced lazily by a Decoder and consumed
// immediately by the parser. Fields is nil when decoding failed; Err carries
// the reason.
type Record struct {
	// LogIndex is the 1-based position of the record within the object
	LogIndex int
	Raw      string
	Fields   map[string]any
	Metadata map[string]any
	Err      error
}

// Decoder is the per-file-format strategy. Count and Extract both operate on
// a fresh reader over the decompressed object; Extract yields records for the
// 1-indexed inclusive window [start, end] without materializing the object.
// Implementations provided by this package: [TextDecoder], [JSONDecoder],
// [CSVDecoder], [WinEvtXMLDecoder], [ParquetDecoder], [CEFDecoder].
type Decoder interface {
	Identifier() string
	Count(ctx context.Context, r io.Reader) (int, error)
	Extract(ctx context.Context, r io.Reader, start, end int) <-chan *Record
}
