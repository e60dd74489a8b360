package parser

import (
	"net"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// getPath resolves a dotted path ("userIdentity.userName") in a nested field
// map. A literal key containing dots wins over path traversal.
func getPath(fields map[string]any, path string) (any, bool) {
	if fields == nil {
		return nil, false
	}
	if v, ok := fields[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur any = fields
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes a dotted path into a nested map, creating intermediate maps.
func setPath(fields map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := fields
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// asString renders a field value the way it should appear in a keyword field.
func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
		return ""
	}
}

// asInt coerces numeric-looking values; ok is false otherwise.
func asInt(v any) (int, bool) {
	switch val := v.(type) {
	case float64:
		return int(val), true
	case int:
		return val, true
	case int64:
		return int(val), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// asInt64 coerces to int64 for byte/packet counters.
func asInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case float64:
		return int64(val), true
	case int:
		return int64(val), true
	case int64:
		return val, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// validIP reports whether the value is IP-shaped; mapping an arbitrary token
// into an ip field would poison the index mapping.
func validIP(s string) bool {
	return net.ParseIP(strings.TrimSpace(s)) != nil
}

// stringifyField flattens a sub-document to its JSON text so fields that
// carry multiple types across records cannot cause index mapping conflicts.
func stringifyField(fields map[string]any, name string) {
	v, ok := getPath(fields, name)
	if !ok {
		return
	}
	switch v.(type) {
	case map[string]any, []any:
		if b, err := json.Marshal(v); err == nil {
			setPath(fields, name, string(b))
		}
	}
}
