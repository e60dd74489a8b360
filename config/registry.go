package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"gopkg.in/ini.v1"
)

//go:embed aws.ini
var builtinConfig []byte

// Kind is the coercion applied to a raw config value
type Kind int

const (
	KindStr Kind = iota
	KindInt
	KindBool
	KindRegex
	KindList
	KindJSONList
)

func (k Kind) String() string {
	switch k {
	case KindStr:
		return "str"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindRegex:
		return "regex"
	case KindList:
		return "list"
	case KindJSONList:
		return "json_list"
	}
	return "unknown"
}

// keyKinds is the fixed key -> kind table for per-log-type configuration.
// BuildLogConfig rejects any section key that is neither in this table nor a
// free-form ECS mapping or static value line, so a typoed key surfaces as a
// misconfigured log type instead of being silently ignored.
var keyKinds = map[string]Kind{
	"file_format":               KindStr,
	"s3_key":                    KindStr,
	"s3_key_ignore":             KindRegex,
	"log_pattern":               KindRegex,
	"grok_pattern":              KindStr,
	"multiline_firstline":       KindRegex,
	"text_header_line_number":   KindInt,
	"ignore_header_line_number": KindInt,
	"max_log_count":             KindInt,
	"via_cloudwatch_logs":       KindBool,
	"via_firelens":              KindBool,
	"json_delimiter":            KindStr,
	"json_to_text":              KindList,
	"timestamp_key":             KindStr,
	"timestamp_key_list":        KindList,
	"timestamp_format":          KindStr,
	"timestamp_format_list":     KindList,
	"timestamp_tz":              KindStr,
	"index_name":                KindStr,
	"index_rotation":            KindStr,
	"index_tz":                  KindStr,
	"index_time":                KindStr,
	"doc_id":                    KindStr,
	"doc_id_suffix":             KindStr,
	"ecs":                       KindList,
	"static_ecs":                KindList,
	"geoip":                     KindList,
	"ioc_ip":                    KindList,
	"ioc_domain":                KindList,
	"renamed_newfields":         KindJSONList,
	"exclude_log_patterns":      KindJSONList,
	"ecs_version":               KindStr,
}

// KeyError reports a missing or malformed per-log-type configuration key,
// symptomatic of a misconfigured log type.
type KeyError struct {
	LogType string
	Key     string
	Err     error
}

func (e *KeyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid config %s/%s: %v", e.LogType, e.Key, e.Err)
	}
	return fmt.Sprintf("unknown config key %s/%s", e.LogType, e.Key)
}

func (e *KeyError) Unwrap() error { return e.Err }

type cacheKey struct {
	logType string
	key     string
	kind    Kind
}

// Registry loads the layered per-log-type configuration and hands out typed,
// cached values. Layers, later overriding earlier per key:
//  1. built-in aws.ini (embedded)
//  2. user.ini next to the binary, when present
//  3. every *.ini under $LOGCONF_DIR, when set (lexical order)
type Registry struct {
	file *ini.File

	mu    sync.RWMutex
	cache map[cacheKey]any

	logConfigMu sync.Mutex
	logConfigs  map[string]*LogConfig
}

// NewRegistry loads the built-in configuration plus any override layers.
func NewRegistry(extraLayers ...string) (*Registry, error) {
	sources := []any{builtinConfig}

	if _, err := os.Stat("user.ini"); err == nil {
		sources = append(sources, "user.ini")
	}
	if dir := os.Getenv("LOGCONF_DIR"); dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, "*.ini"))
		if err == nil {
			sort.Strings(matches)
			for _, m := range matches {
				sources = append(sources, m)
			}
		}
	}
	for _, l := range extraLayers {
		sources = append(sources, l)
	}

	return newRegistryFromSources(sources...)
}

// NewRegistryFromBytes builds a registry from raw INI layers. Test seam.
func NewRegistryFromBytes(layers ...[]byte) (*Registry, error) {
	sources := make([]any, len(layers))
	for i, l := range layers {
		sources[i] = l
	}
	return newRegistryFromSources(sources...)
}

func newRegistryFromSources(sources ...any) (*Registry, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no config sources")
	}
	f, err := ini.LoadSources(ini.LoadOptions{
		Loose:                   true,
		Insensitive:             false,
		AllowShadows:            false,
		SkipUnrecognizableLines: true,
	}, sources[0], sources[1:]...)
	if err != nil {
		return nil, fmt.Errorf("loading log configuration: %w", err)
	}
	return &Registry{
		file:       f,
		cache:      make(map[cacheKey]any),
		logConfigs: make(map[string]*LogConfig),
	}, nil
}

// LogTypes returns all configured log type names, excluding the DEFAULT section.
func (r *Registry) LogTypes() []string {
	var names []string
	for _, s := range r.file.Sections() {
		if s.Name() == ini.DefaultSection {
			continue
		}
		names = append(names, s.Name())
	}
	sort.Strings(names)
	return names
}

// HasType reports whether a log type section exists.
func (r *Registry) HasType(logType string) bool {
	return r.file.HasSection(logType)
}

// Get returns a typed config value for (logType, key), caching the coerced
// result. A missing key returns (nil, nil) so callers can apply defaults; a
// malformed value returns a *KeyError naming the offending type and key.
func (r *Registry) Get(logType, key string, kind Kind) (any, error) {
	ck := cacheKey{logType, key, kind}
	r.mu.RLock()
	if v, ok := r.cache[ck]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	if !r.file.HasSection(logType) {
		return nil, &KeyError{LogType: logType, Key: key, Err: fmt.Errorf("log type not configured")}
	}
	sec := r.file.Section(logType)
	if !sec.HasKey(key) {
		// fall back to the DEFAULT section
		def := r.file.Section(ini.DefaultSection)
		if !def.HasKey(key) {
			return nil, nil
		}
		sec = def
	}
	raw := sec.Key(key).String()

	v, err := coerce(raw, kind)
	if err != nil {
		return nil, &KeyError{LogType: logType, Key: key, Err: err}
	}

	r.mu.Lock()
	r.cache[ck] = v
	r.mu.Unlock()
	return v, nil
}

func coerce(raw string, kind Kind) (any, error) {
	switch kind {
	case KindStr:
		return raw, nil
	case KindInt:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(raw), "%d", &n); err != nil {
			return nil, fmt.Errorf("not an integer: %q", raw)
		}
		return n, nil
	case KindBool:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0", "":
			return false, nil
		}
		return nil, fmt.Errorf("not a boolean: %q", raw)
	case KindRegex:
		if raw == "" {
			return (*regexp.Regexp)(nil), nil
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid regex: %w", err)
		}
		return re, nil
	case KindList:
		return splitList(raw), nil
	case KindJSONList:
		if strings.TrimSpace(raw) == "" {
			return []map[string]string(nil), nil
		}
		var items []map[string]string
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("invalid JSON list: %w", err)
		}
		return items, nil
	}
	return nil, fmt.Errorf("unsupported kind %v", kind)
}

// splitList accepts whitespace-, comma- and bracket-delimited list syntax:
//
//	"a b c", "a, b, c", "[a, b, c]"
func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, `"' `)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// GetString returns a string value, empty when the key is absent.
func (r *Registry) GetString(logType, key string) (string, error) {
	v, err := r.Get(logType, key, KindStr)
	if err != nil || v == nil {
		return "", err
	}
	return v.(string), nil
}

// GetInt returns an int value, def when the key is absent.
func (r *Registry) GetInt(logType, key string, def int) (int, error) {
	v, err := r.Get(logType, key, KindInt)
	if err != nil || v == nil {
		return def, err
	}
	return v.(int), nil
}

// GetBool returns a bool value, false when the key is absent.
func (r *Registry) GetBool(logType, key string) (bool, error) {
	v, err := r.Get(logType, key, KindBool)
	if err != nil || v == nil {
		return false, err
	}
	return v.(bool), nil
}

// GetRegex returns a compiled regex, nil when the key is absent or empty.
func (r *Registry) GetRegex(logType, key string) (*regexp.Regexp, error) {
	v, err := r.Get(logType, key, KindRegex)
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*regexp.Regexp), nil
}

// GetList returns a list value, nil when the key is absent.
func (r *Registry) GetList(logType, key string) ([]string, error) {
	v, err := r.Get(logType, key, KindList)
	if err != nil || v == nil {
		return nil, err
	}
	return v.([]string), nil
}

// GetJSONList returns a JSON list value, nil when the key is absent.
func (r *Registry) GetJSONList(logType, key string) ([]map[string]string, error) {
	v, err := r.Get(logType, key, KindJSONList)
	if err != nil || v == nil {
		return nil, err
	}
	return v.([]map[string]string), nil
}

// rawKeys returns every key set for a log type (merged with DEFAULT),
// used to collect the free-form ECS field mapping lines.
func (r *Registry) rawKeys(logType string) map[string]string {
	out := make(map[string]string)
	for _, k := range r.file.Section(ini.DefaultSection).Keys() {
		out[k.Name()] = k.String()
	}
	if r.file.HasSection(logType) {
		for _, k := range r.file.Section(logType).Keys() {
			out[k.Name()] = k.String()
		}
	}
	return out
}
