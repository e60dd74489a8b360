package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampError reports that a configured timestamp key/format yielded no
// usable instant, which must surface rather than silently fall back.
type TimestampError struct {
	LogType string
	Key     string
	Value   string
	Format  string
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("log type %s: timestamp key %q value %q does not match format %q",
		e.LogType, e.Key, e.Value, e.Format)
}

// epoch magnitudes: seconds through 2286 stay under 1e10; millis under 1e13;
// anything larger is microseconds
const (
	epochMillisMin = int64(1e10)
	epochMicrosMin = int64(1e13)
)

// parseEpoch distinguishes seconds/millis/micros by magnitude.
func parseEpoch(value string) (time.Time, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return time.Time{}, false
	}
	n := int64(f)
	switch {
	case n >= epochMicrosMin:
		return time.UnixMicro(n).UTC(), true
	case n >= epochMillisMin:
		return time.UnixMilli(n).UTC(), true
	default:
		sec := n
		nsec := int64((f - float64(n)) * 1e9)
		return time.Unix(sec, nsec).UTC(), true
	}
}

// parseSyslog parses the classic year-less syslog timestamp. The year is
// inferred so the result is never more than ~12h in the future relative to
// now: a December log read in January belongs to the previous year.
func parseSyslog(value string, loc *time.Location, now time.Time) (time.Time, bool) {
	for _, layout := range []string{"Jan _2 15:04:05", "Jan _2 15:04:05.000"} {
		t, err := time.ParseInLocation(layout, value, loc)
		if err != nil {
			continue
		}
		t = t.AddDate(now.Year(), 0, 0)
		if t.After(now.Add(12 * time.Hour)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t, true
	}
	return time.Time{}, false
}

func parseISO8601(value string, loc *time.Location) (time.Time, bool) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000Z0700",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000000",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// strptimeReplacements maps Python strptime directives, used verbatim in the
// log type configuration, to Go reference-time fragments.
var strptimeReplacements = []struct{ from, to string }{
	{"%Y", "2006"},
	{"%y", "06"},
	{"%m", "01"},
	{"%d", "02"},
	{"%e", "_2"},
	{"%H", "15"},
	{"%M", "04"},
	{"%S", "05"},
	{"%f", "000000"},
	{"%b", "Jan"},
	{"%a", "Mon"},
	{"%z", "-0700"},
	{"%Z", "MST"},
	{"%%", "%"},
	{`\t`, "\t"},
}

// strptimeToLayout converts a strptime-style format to a Go time layout.
func strptimeToLayout(format string) string {
	for _, r := range strptimeReplacements {
		format = strings.ReplaceAll(format, r.from, r.to)
	}
	return format
}

// parseTimestampValue applies one configured format tag to one raw value.
func parseTimestampValue(value, format string, loc *time.Location, now time.Time) (time.Time, bool) {
	switch format {
	case "epoch", "epoch_millis", "epoch_micros":
		return parseEpoch(value)
	case "syslog":
		return parseSyslog(value, loc, now)
	case "iso8601", "":
		if t, ok := parseISO8601(value, loc); ok {
			return t, true
		}
		// a bare number still means epoch
		return parseEpoch(value)
	default:
		layout := strptimeToLayout(format)
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, true
		}
		return time.Time{}, false
	}
}
