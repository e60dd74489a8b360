package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Rotation is the index rotation policy
type Rotation string

const (
	RotationNone    Rotation = "auto"
	RotationDaily   Rotation = "daily"
	RotationWeekly  Rotation = "weekly"
	RotationMonthly Rotation = "monthly"
	RotationYearly  Rotation = "annually"
)

// ExcludePattern marks fully-parsed records as excluded when the named field
// matches the pattern.
type ExcludePattern struct {
	Field   string
	Pattern *regexp.Regexp
}

// LogConfig is the fully-materialized, immutable configuration of one log
// type. Built once per type via Registry.BuildLogConfig and shared by every
// invocation on a warm process.
type LogConfig struct {
	LogType    string
	FileFormat string

	S3Key       string
	S3KeyRegex  *regexp.Regexp
	S3KeyIgnore *regexp.Regexp

	LogPattern         *regexp.Regexp
	GrokPattern        string
	MultilineFirstline *regexp.Regexp
	SkipHeaderLines    int
	JSONDelimiter      string
	JSONToText         []string
	ViaCWL             bool
	ViaFirelens        bool

	TimestampKeys    []string
	TimestampFormats []string
	TimestampTZ      *time.Location

	IndexName     string
	IndexRotation Rotation
	IndexTZ       *time.Location
	IndexTimeKey  string

	DocIDField  string
	MaxLogCount int

	ECSVersion    string
	ECSFields     []string
	FieldMapping  map[string]string // ecs field -> source field
	StaticECS     map[string]string // ecs field -> literal value
	RenamedFields []map[string]string

	GeoFields       []string
	IOCIPFields     []string
	IOCDomainFields []string

	ExcludePatterns []ExcludePattern
}

// HasFileFormat reports whether a usable file_format is configured.
func (c *LogConfig) HasFileFormat() bool { return c.FileFormat != "" }

// HasIndexName reports whether a destination index is configured.
func (c *LogConfig) HasIndexName() bool { return c.IndexName != "" }

const defaultMaxLogCount = 100000

// BuildLogConfig materializes the typed config for one log type, applying
// the key -> kind coercion table. The result is cached per type.
func (r *Registry) BuildLogConfig(logType string) (*LogConfig, error) {
	r.logConfigMu.Lock()
	defer r.logConfigMu.Unlock()
	if lc, ok := r.logConfigs[logType]; ok {
		return lc, nil
	}

	if !r.HasType(logType) {
		return nil, &KeyError{LogType: logType, Key: "", Err: fmt.Errorf("log type not configured")}
	}

	lc := &LogConfig{LogType: logType, MaxLogCount: defaultMaxLogCount}
	var err error

	if lc.FileFormat, err = r.GetString(logType, "file_format"); err != nil {
		return nil, err
	}
	if lc.S3Key, err = r.GetString(logType, "s3_key"); err != nil {
		return nil, err
	}
	if lc.S3Key != "" {
		if lc.S3KeyRegex, err = regexp.Compile(lc.S3Key); err != nil {
			return nil, &KeyError{LogType: logType, Key: "s3_key", Err: err}
		}
	}
	if lc.S3KeyIgnore, err = r.GetRegex(logType, "s3_key_ignore"); err != nil {
		return nil, err
	}
	if lc.LogPattern, err = r.GetRegex(logType, "log_pattern"); err != nil {
		return nil, err
	}
	if lc.GrokPattern, err = r.GetString(logType, "grok_pattern"); err != nil {
		return nil, err
	}
	if lc.MultilineFirstline, err = r.GetRegex(logType, "multiline_firstline"); err != nil {
		return nil, err
	}
	if lc.SkipHeaderLines, err = r.GetInt(logType, "ignore_header_line_number", 0); err != nil {
		return nil, err
	}
	if lc.JSONDelimiter, err = r.GetString(logType, "json_delimiter"); err != nil {
		return nil, err
	}
	if lc.JSONToText, err = r.GetList(logType, "json_to_text"); err != nil {
		return nil, err
	}
	if lc.ViaCWL, err = r.GetBool(logType, "via_cloudwatch_logs"); err != nil {
		return nil, err
	}
	if lc.ViaFirelens, err = r.GetBool(logType, "via_firelens"); err != nil {
		return nil, err
	}
	if lc.MaxLogCount, err = r.GetInt(logType, "max_log_count", defaultMaxLogCount); err != nil {
		return nil, err
	}

	if err := r.buildTimestampConfig(logType, lc); err != nil {
		return nil, err
	}
	if err := r.buildIndexConfig(logType, lc); err != nil {
		return nil, err
	}

	if lc.DocIDField, err = r.GetString(logType, "doc_id"); err != nil {
		return nil, err
	}
	if lc.ECSVersion, err = r.GetString(logType, "ecs_version"); err != nil {
		return nil, err
	}
	if lc.GeoFields, err = r.GetList(logType, "geoip"); err != nil {
		return nil, err
	}
	if lc.IOCIPFields, err = r.GetList(logType, "ioc_ip"); err != nil {
		return nil, err
	}
	if lc.IOCDomainFields, err = r.GetList(logType, "ioc_domain"); err != nil {
		return nil, err
	}
	if lc.RenamedFields, err = r.GetJSONList(logType, "renamed_newfields"); err != nil {
		return nil, err
	}

	if err := r.buildFieldMapping(logType, lc); err != nil {
		return nil, err
	}
	if err := r.buildExcludePatterns(logType, lc); err != nil {
		return nil, err
	}
	if err := r.validateKeys(logType, lc); err != nil {
		return nil, err
	}

	r.logConfigs[logType] = lc
	return lc, nil
}

func (r *Registry) buildTimestampConfig(logType string, lc *LogConfig) error {
	key, err := r.GetString(logType, "timestamp_key")
	if err != nil {
		return err
	}
	keyList, err := r.GetList(logType, "timestamp_key_list")
	if err != nil {
		return err
	}
	if key != "" {
		lc.TimestampKeys = append(lc.TimestampKeys, key)
	}
	lc.TimestampKeys = append(lc.TimestampKeys, keyList...)

	format, err := r.GetString(logType, "timestamp_format")
	if err != nil {
		return err
	}
	formatList, err := r.GetList(logType, "timestamp_format_list")
	if err != nil {
		return err
	}
	if format != "" {
		lc.TimestampFormats = append(lc.TimestampFormats, format)
	}
	lc.TimestampFormats = append(lc.TimestampFormats, formatList...)

	tz, err := r.GetString(logType, "timestamp_tz")
	if err != nil {
		return err
	}
	if lc.TimestampTZ, err = parseTZOffset(tz); err != nil {
		return &KeyError{LogType: logType, Key: "timestamp_tz", Err: err}
	}
	return nil
}

func (r *Registry) buildIndexConfig(logType string, lc *LogConfig) error {
	var err error
	if lc.IndexName, err = r.GetString(logType, "index_name"); err != nil {
		return err
	}
	rotation, err := r.GetString(logType, "index_rotation")
	if err != nil {
		return err
	}
	switch Rotation(rotation) {
	case "", RotationNone:
		lc.IndexRotation = RotationNone
	case RotationDaily, RotationWeekly, RotationMonthly, RotationYearly:
		lc.IndexRotation = Rotation(rotation)
	default:
		return &KeyError{LogType: logType, Key: "index_rotation",
			Err: fmt.Errorf("unknown rotation %q", rotation)}
	}
	if lc.IndexTimeKey, err = r.GetString(logType, "index_time"); err != nil {
		return err
	}
	tz, err := r.GetString(logType, "index_tz")
	if err != nil {
		return err
	}
	if lc.IndexTZ, err = parseTZOffset(tz); err != nil {
		return &KeyError{LogType: logType, Key: "index_tz", Err: err}
	}
	return nil
}

// buildFieldMapping collects the ecs list plus the free-form
// "ecs_field = source_field" mapping lines and the static_ecs literals.
func (r *Registry) buildFieldMapping(logType string, lc *LogConfig) error {
	ecsFields, err := r.GetList(logType, "ecs")
	if err != nil {
		return err
	}
	lc.ECSFields = ecsFields
	lc.FieldMapping = make(map[string]string, len(ecsFields))

	raw := r.rawKeys(logType)
	for _, ecsField := range ecsFields {
		src, ok := raw[ecsField]
		if !ok || src == "" {
			return &KeyError{LogType: logType, Key: ecsField,
				Err: fmt.Errorf("ecs field listed but no mapping line")}
		}
		lc.FieldMapping[ecsField] = src
	}

	staticFields, err := r.GetList(logType, "static_ecs")
	if err != nil {
		return err
	}
	lc.StaticECS = make(map[string]string, len(staticFields))
	for _, f := range staticFields {
		val, ok := raw[f]
		if !ok {
			return &KeyError{LogType: logType, Key: f,
				Err: fmt.Errorf("static_ecs field listed but no value line")}
		}
		lc.StaticECS[f] = val
	}
	return nil
}

// validateKeys rejects section keys that are neither in the keyKinds table
// nor accounted for as ECS mapping or static value lines. DEFAULT-section
// keys are shared across types and not validated here.
func (r *Registry) validateKeys(logType string, lc *LogConfig) error {
	for _, k := range r.file.Section(logType).Keys() {
		name := k.Name()
		if _, ok := keyKinds[name]; ok {
			continue
		}
		if _, ok := lc.FieldMapping[name]; ok {
			continue
		}
		if _, ok := lc.StaticECS[name]; ok {
			continue
		}
		return &KeyError{LogType: logType, Key: name}
	}
	return nil
}

func (r *Registry) buildExcludePatterns(logType string, lc *LogConfig) error {
	items, err := r.GetJSONList(logType, "exclude_log_patterns")
	if err != nil {
		return err
	}
	for _, item := range items {
		field := item["field"]
		pattern := item["pattern"]
		if field == "" || pattern == "" {
			return &KeyError{LogType: logType, Key: "exclude_log_patterns",
				Err: fmt.Errorf("entry needs both field and pattern")}
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return &KeyError{LogType: logType, Key: "exclude_log_patterns", Err: err}
		}
		lc.ExcludePatterns = append(lc.ExcludePatterns, ExcludePattern{Field: field, Pattern: re})
	}
	return nil
}

// parseTZOffset converts offsets like "+09:00", "-0500", "9" or an IANA zone
// name into a fixed location. Empty input means UTC.
func parseTZOffset(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.UTC, nil
	}
	if loc, err := time.LoadLocation(s); err == nil {
		return loc, nil
	}

	sign := 1
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		sign = -1
		s = s[1:]
	}
	var hours, mins int
	switch {
	case strings.Contains(s, ":"):
		parts := strings.SplitN(s, ":", 2)
		h, err1 := strconv.Atoi(parts[0])
		m, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("invalid tz offset %q", s)
		}
		hours, mins = h, m
	case len(s) == 4:
		h, err1 := strconv.Atoi(s[:2])
		m, err2 := strconv.Atoi(s[2:])
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("invalid tz offset %q", s)
		}
		hours, mins = h, m
	default:
		h, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid tz offset %q", s)
		}
		hours = h
	}
	offset := sign * (hours*3600 + mins*60)
	name := fmt.Sprintf("UTC%+03d:%02d", sign*hours, mins)
	return time.FixedZone(name, offset), nil
}
