package decoders

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/elastic/go-grok"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
)

func init() {
	Factory.register("text", NewTextDecoder)
}

// TextDecoder handles delimited text logs: one record per line, or multi-line
// blocks whose start is marked by the multiline_firstline regex. Field
// extraction uses the per-type log_pattern (named groups) or grok_pattern.
type TextDecoder struct {
	logType         string
	pattern         *regexp.Regexp
	grok            *grok.Grok
	firstline       *regexp.Regexp
	skipHeaderLines int
	tracker         *ErrorTracker
}

func NewTextDecoder(lc *config.LogConfig, tracker *ErrorTracker) (Decoder, error) {
	d := &TextDecoder{
		logType:         lc.LogType,
		pattern:         lc.LogPattern,
		firstline:       lc.MultilineFirstline,
		skipHeaderLines: lc.SkipHeaderLines,
		tracker:         tracker,
	}
	if lc.GrokPattern != "" {
		g := grok.New()
		if err := g.Compile(lc.GrokPattern, true); err != nil {
			return nil, fmt.Errorf("compiling grok_pattern for %s: %w", lc.LogType, err)
		}
		d.grok = g
	}
	if d.pattern == nil && d.grok == nil {
		return nil, fmt.Errorf("log type %s: text format needs log_pattern or grok_pattern", lc.LogType)
	}
	return d, nil
}

func (d *TextDecoder) Identifier() string { return "text" }

// Count returns the number of records in the stream: non-empty lines for the
// single-line dialect, firstline matches for the multi-line dialect.
func (d *TextDecoder) Count(ctx context.Context, r io.Reader) (int, error) {
	scanner := newLineScanner(r)
	count := 0
	lineNo := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		lineNo++
		if lineNo <= d.skipHeaderLines {
			continue
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if d.firstline != nil {
			if d.firstline.MatchString(line) {
				count++
			}
			continue
		}
		count++
	}
	return count, scanner.Err()
}

func (d *TextDecoder) Extract(ctx context.Context, r io.Reader, start, end int) <-chan *Record {
	out := make(chan *Record)
	go func() {
		defer close(out)
		scanner := newLineScanner(r)
		lineNo := 0
		index := 0

		var block []string
		emitBlock := func() bool {
			if block == nil {
				return true
			}
			raw := strings.Join(block, "\n")
			block = nil
			index++
			if index < start {
				return true
			}
			if index > end {
				return false
			}
			return send(ctx, out, d.decodeLine(raw, index))
		}

		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			lineNo++
			if lineNo <= d.skipHeaderLines {
				continue
			}
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}

			if d.firstline == nil {
				index++
				if index < start {
					continue
				}
				if index > end {
					return
				}
				if !send(ctx, out, d.decodeLine(line, index)) {
					return
				}
				continue
			}

			if d.firstline.MatchString(line) {
				if !emitBlock() {
					return
				}
				block = []string{line}
			} else if block != nil {
				block = append(block, line)
			}
			// lines before the first firstline match are dropped
		}
		emitBlock()
	}()
	return out
}

// decodeLine extracts named fields; a no-match keeps the raw text and carries
// ErrNoMatch so the parser can mark the record instead of dropping it.
func (d *TextDecoder) decodeLine(raw string, index int) *Record {
	rec := &Record{LogIndex: index, Raw: raw}

	if d.pattern != nil {
		m := d.pattern.FindStringSubmatch(raw)
		if m != nil {
			fields := make(map[string]any)
			for i, name := range d.pattern.SubexpNames() {
				if i == 0 || name == "" || m[i] == "" {
					continue
				}
				fields[name] = m[i]
			}
			rec.Fields = fields
			return rec
		}
	}
	if d.grok != nil {
		parsed, err := d.grok.ParseTypedString(raw)
		if err == nil && len(parsed) > 0 {
			rec.Fields = parsed
			return rec
		}
	}

	rec.Err = ErrNoMatch
	d.tracker.Observe(d.logType, raw, ErrNoMatch)
	return rec
}

// send delivers a record unless the context is cancelled first.
func send(ctx context.Context, out chan<- *Record, rec *Record) bool {
	select {
	case out <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}

// newLineScanner builds a scanner tolerant of long lines (up to 10 MiB).
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	return scanner
}
