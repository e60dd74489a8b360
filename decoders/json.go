package decoders

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
)

func init() {
	Factory.register("json", NewJSONDecoder)
}

// JSONDecoder handles NDJSON and concatenated JSON documents. When
// json_delimiter is set, each document is an envelope whose delimiter key
// holds the array of records (e.g. CloudTrail "Records"); the remaining
// envelope fields are exposed as per-record metadata.
type JSONDecoder struct {
	logType   string
	delimiter string
	tracker   *ErrorTracker
}

func NewJSONDecoder(lc *config.LogConfig, tracker *ErrorTracker) (Decoder, error) {
	return &JSONDecoder{
		logType:   lc.LogType,
		delimiter: lc.JSONDelimiter,
		tracker:   tracker,
	}, nil
}

func (d *JSONDecoder) Identifier() string { return "json" }

func (d *JSONDecoder) Count(ctx context.Context, r io.Reader) (int, error) {
	count := 0
	err := d.walk(ctx, r, func(_ json.RawMessage, _ map[string]any) bool {
		count++
		return true
	})
	return count, err
}

func (d *JSONDecoder) Extract(ctx context.Context, r io.Reader, start, end int) <-chan *Record {
	out := make(chan *Record)
	go func() {
		defer close(out)
		index := 0
		err := d.walk(ctx, r, func(raw json.RawMessage, meta map[string]any) bool {
			index++
			if index < start {
				return true
			}
			if index > end {
				return false
			}
			rec := &Record{LogIndex: index, Raw: string(raw), Metadata: meta}
			var fields map[string]any
			if err := json.Unmarshal(raw, &fields); err != nil {
				rec.Err = fmt.Errorf("invalid JSON record: %w", err)
				d.tracker.Observe(d.logType, rec.Raw, rec.Err)
			} else {
				rec.Fields = fields
			}
			return send(ctx, out, rec)
		})
		if err != nil {
			send(ctx, out, &Record{LogIndex: index + 1, Err: err})
		}
	}()
	return out
}

// walk decodes consecutive JSON documents from the stream, unwrapping the
// delimiter array when configured, and invokes fn per record until it
// returns false.
func (d *JSONDecoder) walk(ctx context.Context, r io.Reader, fn func(raw json.RawMessage, meta map[string]any) bool) error {
	dec := json.NewDecoder(r)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var doc json.RawMessage
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decoding JSON stream: %w", err)
		}

		if d.delimiter == "" {
			if !fn(doc, nil) {
				return nil
			}
			continue
		}

		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(doc, &envelope); err != nil {
			// not an object; treat the whole document as one record
			if !fn(doc, nil) {
				return nil
			}
			continue
		}
		inner, ok := envelope[d.delimiter]
		if !ok {
			if !fn(doc, nil) {
				return nil
			}
			continue
		}

		var records []json.RawMessage
		if err := json.Unmarshal(inner, &records); err != nil {
			return fmt.Errorf("json_delimiter %q is not an array: %w", d.delimiter, err)
		}
		meta := envelopeMetadata(envelope, d.delimiter)
		for _, rec := range records {
			if !fn(rec, meta) {
				return nil
			}
		}
	}
}

// envelopeMetadata converts the non-record envelope fields into record
// metadata (e.g. CloudWatch Logs owner/logGroup/logStream).
func envelopeMetadata(envelope map[string]json.RawMessage, delimiter string) map[string]any {
	if len(envelope) <= 1 {
		return nil
	}
	meta := make(map[string]any, len(envelope)-1)
	for k, v := range envelope {
		if k == delimiter {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err == nil {
			meta[k] = val
		}
	}
	return meta
}
