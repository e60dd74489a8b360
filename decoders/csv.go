package decoders

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
)

func init() {
	Factory.register("csv", NewCSVDecoder)
}

// CSVDecoder handles both single-line and multi-line (quoted, embedded
// newline) CSV dialects. The dialect is auto-detected by comparing the raw
// line count with the CSV row count; the multi-line reader is only used when
// they disagree, since it is slower. The header row is never yielded as data
// and its field names have "-" mapped to "_".
type CSVDecoder struct {
	logType string
	// skipHeaderLines counts preamble lines before the header row
	// (e.g. the CloudFront "#Version" line)
	skipHeaderLines int
	comma           rune
	tracker         *ErrorTracker
}

func NewCSVDecoder(lc *config.LogConfig, tracker *ErrorTracker) (Decoder, error) {
	d := &CSVDecoder{
		logType: lc.LogType,
		comma:   ',',
		tracker: tracker,
	}
	// the header itself is one of the skipped lines; keep at least the header
	if lc.SkipHeaderLines > 1 {
		d.skipHeaderLines = lc.SkipHeaderLines - 1
	}
	return d, nil
}

func (d *CSVDecoder) Identifier() string { return "csv" }

func (d *CSVDecoder) Count(ctx context.Context, r io.Reader) (int, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	_, rows, err := d.parse(ctx, body)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (d *CSVDecoder) Extract(ctx context.Context, r io.Reader, start, end int) <-chan *Record {
	out := make(chan *Record)
	go func() {
		defer close(out)
		body, err := io.ReadAll(r)
		if err != nil {
			send(ctx, out, &Record{LogIndex: start, Err: err})
			return
		}
		header, rows, err := d.parse(ctx, body)
		if err != nil {
			send(ctx, out, &Record{LogIndex: start, Err: err})
			return
		}
		for i, row := range rows {
			index := i + 1
			if index < start {
				continue
			}
			if index > end {
				return
			}
			rec := &Record{LogIndex: index, Raw: strings.Join(row, string(d.comma))}
			if len(row) != len(header) {
				rec.Err = fmt.Errorf("row has %d columns, header has %d", len(row), len(header))
				d.tracker.Observe(d.logType, rec.Raw, rec.Err)
			} else {
				fields := make(map[string]any, len(header))
				for j, name := range header {
					fields[name] = row[j]
				}
				rec.Fields = fields
			}
			if !send(ctx, out, rec) {
				return
			}
		}
	}()
	return out
}

// parse returns the normalized header and the data rows.
func (d *CSVDecoder) parse(ctx context.Context, body []byte) ([]string, [][]string, error) {
	body = d.stripPreamble(body)

	sep := d.detectSeparator(body)

	reader := csv.NewReader(bytes.NewReader(body))
	reader.Comma = sep
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	// raw line count vs CSV row count tells the dialect apart: a mismatch
	// means quoted fields with embedded newlines
	if countLines(body) != len(rows) {
		slog.Debug("multi-line CSV dialect detected", "log_type", d.logType,
			"lines", countLines(body), "rows", len(rows))
	}

	header := rows[0]
	for i, h := range header {
		header[i] = strings.ReplaceAll(strings.TrimSpace(h), "-", "_")
	}
	return header, rows[1:], nil
}

// stripPreamble drops preamble lines before the header row and detects the
// CloudFront "#Fields:" header convention.
func (d *CSVDecoder) stripPreamble(body []byte) []byte {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	var buf bytes.Buffer
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if lineNo <= d.skipHeaderLines {
			continue
		}
		// a "#Fields:" directive is the header row in disguise
		if rest, ok := strings.CutPrefix(line, "#Fields:"); ok {
			line = strings.TrimSpace(rest)
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// detectSeparator picks tab or space separation when the first line has no
// commas (CloudFront and S3 inventory styles); defaults to comma.
func (d *CSVDecoder) detectSeparator(body []byte) rune {
	idx := bytes.IndexByte(body, '\n')
	first := body
	if idx >= 0 {
		first = body[:idx]
	}
	switch {
	case bytes.ContainsRune(first, ','):
		return ','
	case bytes.ContainsRune(first, '\t'):
		return '\t'
	case bytes.ContainsRune(first, ' '):
		return ' '
	}
	return ','
}

func countLines(body []byte) int {
	n := bytes.Count(body, []byte("\n"))
	if len(body) > 0 && !bytes.HasSuffix(body, []byte("\n")) {
		n++
	}
	return n
}
