package decoders

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
)

func init() {
	Factory.register("cef", NewCEFDecoder)
}

// cefHeaderFields are the seven pipe-delimited CEF header positions after the
// "CEF:version" prefix.
var cefHeaderFields = []string{
	"cef_version", "device_vendor", "device_product", "device_version",
	"signature_id", "name", "severity",
}

// CEFDecoder parses Common Event Format lines: a pipe-delimited header
// followed by a key=value extension string. Escaped delimiters (\| and \=)
// are handled and custom csN/cnN labels are remapped to their label names.
type CEFDecoder struct {
	logType string
	tracker *ErrorTracker
}

func NewCEFDecoder(lc *config.LogConfig, tracker *ErrorTracker) (Decoder, error) {
	return &CEFDecoder{logType: lc.LogType, tracker: tracker}, nil
}

func (d *CEFDecoder) Identifier() string { return "cef" }

func (d *CEFDecoder) Count(ctx context.Context, r io.Reader) (int, error) {
	scanner := newLineScanner(r)
	count := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	return count, scanner.Err()
}

func (d *CEFDecoder) Extract(ctx context.Context, r io.Reader, start, end int) <-chan *Record {
	out := make(chan *Record)
	go func() {
		defer close(out)
		scanner := newLineScanner(r)
		index := 0
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			index++
			if index < start {
				continue
			}
			if index > end {
				return
			}
			rec := &Record{LogIndex: index, Raw: line}
			fields, err := d.decodeLine(line)
			if err != nil {
				rec.Err = err
				d.tracker.Observe(d.logType, line, err)
			} else {
				rec.Fields = fields
			}
			if !send(ctx, out, rec) {
				return
			}
		}
	}()
	return out
}

func (d *CEFDecoder) decodeLine(line string) (map[string]any, error) {
	idx := strings.Index(line, "CEF:")
	if idx < 0 {
		return nil, fmt.Errorf("%w: no CEF prefix", ErrNoMatch)
	}
	// a syslog prefix before "CEF:" is kept as the raw prefix field
	prefix := strings.TrimSpace(line[:idx])
	rest := line[idx+len("CEF:"):]

	header, extension := splitCEFHeader(rest)
	if len(header) < len(cefHeaderFields) {
		return nil, fmt.Errorf("%w: CEF header has %d of %d fields", ErrNoMatch, len(header), len(cefHeaderFields))
	}

	fields := make(map[string]any, len(cefHeaderFields)+8)
	if prefix != "" {
		fields["syslog_header"] = prefix
	}
	for i, name := range cefHeaderFields {
		fields[name] = unescapeCEF(header[i], false)
	}

	ext := parseCEFExtension(extension)
	remapCustomLabels(ext)
	for k, v := range ext {
		fields[k] = v
	}
	return fields, nil
}

// splitCEFHeader splits the seven header fields on unescaped pipes; the
// remainder is the extension string.
func splitCEFHeader(s string) ([]string, string) {
	var header []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			cur.WriteByte(c)
			escaped = true
		case c == '|':
			header = append(header, cur.String())
			cur.Reset()
			if len(header) == len(cefHeaderFields) {
				return header, s[i+1:]
			}
		default:
			cur.WriteByte(c)
		}
	}
	return append(header, cur.String()), ""
}

// parseCEFExtension parses the space-separated key=value extension string.
// Values may contain spaces; a token only starts a new pair when it contains
// an unescaped '='.
func parseCEFExtension(s string) map[string]string {
	out := make(map[string]string)
	var key string
	var value strings.Builder

	flush := func() {
		if key != "" {
			out[key] = unescapeCEF(strings.TrimSpace(value.String()), true)
		}
		value.Reset()
	}

	for _, token := range strings.Split(s, " ") {
		if eq := indexUnescaped(token, '='); eq >= 0 {
			flush()
			key = token[:eq]
			value.WriteString(token[eq+1:])
			continue
		}
		if key != "" {
			value.WriteByte(' ')
			value.WriteString(token)
		}
	}
	flush()
	return out
}

func indexUnescaped(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == c {
			return i
		}
	}
	return -1
}

// unescapeCEF resolves CEF escapes; '=' is only escaped inside extensions.
func unescapeCEF(s string, extension bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			next := s[i+1]
			switch {
			case next == '\\' || next == '|':
				b.WriteByte(next)
				i++
				continue
			case next == '=' && extension:
				b.WriteByte(next)
				i++
				continue
			case next == 'n':
				b.WriteByte('\n')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// remapCustomLabels renames csN/cnN values to their csNLabel names:
// cs1Label=Rule cs1=deny-all  ->  rule=deny-all
func remapCustomLabels(ext map[string]string) {
	for k, label := range ext {
		base, ok := strings.CutSuffix(k, "Label")
		if !ok {
			continue
		}
		val, ok := ext[base]
		if !ok {
			continue
		}
		name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(label)), " ", "_")
		if name == "" {
			continue
		}
		ext[name] = val
		delete(ext, base)
		delete(ext, k)
	}
}
