// Package parser normalizes decoded records into the canonical event model:
// field renaming, timestamp extraction, schema mapping, per-type transforms,
// enrichment, document identity and index naming.
package parser

import (
	"crypto/md5" //nolint:gosec // identity hash, not security
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/mileusna/useragent"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/decoders"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/enrichment"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/schema"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/transforms"
)

// Result classifies the outcome of normalizing one record.
type Result struct {
	// Ignored records failed decoding; they keep a fallback ID for
	// addressability but are not loaded
	Ignored       bool
	IgnoredReason string
	// Excluded records were fully parsed but matched an exclude pattern
	Excluded bool
	// Err reports a typed failure (e.g. *TimestampError)
	Err error
}

// Enrichers bundles the reference-data engines the parser consults.
type Enrichers struct {
	Geo *enrichment.GeoDB
	IOC *enrichment.IOCDB
	XFF *enrichment.XFFDB
}

// Parser is the per-log-type record pipeline. One instance per log type per
// process; safe for reuse across invocations.
type Parser struct {
	cfg      *config.LogConfig
	enrich   Enrichers
	xform    transforms.Func
	hasXform bool
}

func New(cfg *config.LogConfig, enrich Enrichers) *Parser {
	p := &Parser{cfg: cfg, enrich: enrich}
	p.xform, p.hasXform = transforms.Lookup(cfg.LogType)
	return p
}

// Parse runs the fixed normalization order over one decoded record.
// bucket/key identify the source object; now is the ingestion instant.
func (p *Parser) Parse(rec *decoders.Record, bucket, key string, now time.Time) (*schema.NormalizedEvent, Result) {
	ev := &schema.NormalizedEvent{
		LogType:      p.cfg.LogType,
		LogS3Bucket:  bucket,
		LogS3Key:     key,
		IngestedTime: now,
		Timestamp:    now,
	}

	// (1) skip normalization for records the decoder already flagged; the
	// fallback ID keeps the document addressable even unparsed
	if rec.Err != nil {
		ev.Message = rec.Raw
		ev.ID = hashID(rec.Raw, key, fmt.Sprintf("%d", rec.LogIndex))
		return ev, Result{Ignored: true, IgnoredReason: rec.Err.Error()}
	}

	fields := rec.Fields
	if fields == nil {
		fields = make(map[string]any)
	}

	// (2) rename configured fields
	for _, entry := range p.cfg.RenamedFields {
		from, to := entry["from"], entry["to"]
		if from == "" || to == "" {
			continue
		}
		if v, ok := getPath(fields, from); ok {
			setPath(fields, to, v)
			delete(fields, from)
		}
	}

	// (3) timestamp
	ts, err := p.extractTimestamp(fields, rec.Metadata, now)
	if err != nil {
		ev.Message = rec.Raw
		ev.ID = hashID(rec.Raw, key, fmt.Sprintf("%d", rec.LogIndex))
		return ev, Result{Ignored: true, IgnoredReason: err.Error(), Err: err}
	}
	ev.Timestamp = ts

	// (4) fixed envelope fields
	ev.Message = rec.Raw
	if lg, ok := rec.Metadata["cwl_log_group"].(string); ok {
		ev.LogGroup = lg
	}
	if ls, ok := rec.Metadata["cwl_log_stream"].(string); ok {
		ev.LogStream = ls
	}

	// (5) flatten multi-type sub-documents before mapping
	for _, name := range p.cfg.JSONToText {
		stringifyField(fields, name)
	}

	// (6) canonical schema mapping
	for _, ecsField := range p.cfg.ECSFields {
		src := p.cfg.FieldMapping[ecsField]
		v, ok := getPath(fields, src)
		if !ok {
			continue
		}
		p.setCanonical(ev, ecsField, v)
	}
	for ecsField, literal := range p.cfg.StaticECS {
		p.setCanonical(ev, ecsField, literal)
	}
	p.applyCloudDefaults(ev, rec.Metadata)

	// (7) per-type transform; user registrations override built-ins
	if p.hasXform {
		if err := p.xform(ev, fields); err != nil {
			return ev, Result{Ignored: true, IgnoredReason: fmt.Sprintf("transform failed: %v", err), Err: err}
		}
	}

	// (8) enrichment, merged non-destructively
	p.enrichGeo(ev)
	p.enrichIOC(ev, fields)
	p.enrichXFF(ev, fields)
	p.enrichUserAgent(ev)
	p.buildRelated(ev)

	// (9) passthrough fields move under the log type namespace
	delete(fields, transforms.DocIDSuffixField)
	if len(fields) > 0 {
		ev.Extra = fields
		ev.ExtraPrefix = p.cfg.LogType
	}

	ev.ID = p.deriveDocID(ev, rec, fields)

	if field, pattern, matched := p.matchExcludePattern(fields); matched {
		return ev, Result{Excluded: true,
			IgnoredReason: fmt.Sprintf("field %s matched exclude pattern %s", field, pattern)}
	}
	return ev, Result{}
}

func (p *Parser) extractTimestamp(fields, meta map[string]any, now time.Time) (time.Time, error) {
	if len(p.cfg.TimestampKeys) == 0 {
		// no timestamp configured: CloudWatch Logs delivery time beats
		// ingestion time when available
		if ms, ok := meta["cwl_timestamp"].(int64); ok && ms > 0 {
			return time.UnixMilli(ms).UTC(), nil
		}
		return now, nil
	}

	loc := p.cfg.TimestampTZ
	if loc == nil {
		loc = time.UTC
	}

	var lastErr error
	for i, tsKey := range p.cfg.TimestampKeys {
		v, ok := getPath(fields, tsKey)
		if !ok {
			continue
		}
		value := asString(v)
		format := ""
		if i < len(p.cfg.TimestampFormats) {
			format = p.cfg.TimestampFormats[i]
		} else if len(p.cfg.TimestampFormats) > 0 {
			format = p.cfg.TimestampFormats[len(p.cfg.TimestampFormats)-1]
		}
		if t, ok := parseTimestampValue(value, format, loc, now); ok {
			return t.UTC(), nil
		}
		lastErr = &TimestampError{LogType: p.cfg.LogType, Key: tsKey, Value: value, Format: format}
	}

	if lastErr != nil {
		return time.Time{}, lastErr
	}
	// configured key absent from this record: ingestion time
	return now, nil
}

// setCanonical routes a mapped value into the typed schema branch; values
// without a typed home land in the passthrough map unchanged (they are still
// in fields).
func (p *Parser) setCanonical(ev *schema.NormalizedEvent, ecsField string, v any) {
	s := asString(v)
	if s == "" || s == "-" {
		return
	}
	switch ecsField {
	case "event.action":
		p.event(ev).Action = s
	case "event.id":
		p.event(ev).ID = s
	case "event.code":
		p.event(ev).Code = s
	case "event.module":
		p.event(ev).Module = s
	case "event.category":
		p.event(ev).Category = s
	case "event.outcome":
		p.event(ev).Outcome = s
	case "cloud.provider":
		p.cloud(ev).Provider = s
	case "cloud.region":
		p.cloud(ev).Region = s
	case "cloud.account.id":
		if p.cloud(ev).Account == nil {
			p.cloud(ev).Account = &schema.CloudAccount{}
		}
		p.cloud(ev).Account.ID = s
	case "cloud.instance.id":
		if p.cloud(ev).Instance == nil {
			p.cloud(ev).Instance = &schema.CloudEntity{}
		}
		p.cloud(ev).Instance.ID = s
	case "host.hostname":
		p.host(ev).Hostname = s
	case "host.name":
		p.host(ev).Name = s
	case "source.ip":
		if validIP(s) {
			p.source(ev).IP = s
		}
	case "source.port":
		if n, ok := asInt(v); ok {
			p.source(ev).Port = n
		}
	case "source.address":
		p.source(ev).Address = s
	case "source.domain":
		p.source(ev).Domain = s
	case "source.bytes":
		if n, ok := asInt64(v); ok {
			p.source(ev).Bytes = n
		}
	case "source.packets":
		if n, ok := asInt64(v); ok {
			p.source(ev).Packets = n
		}
	case "destination.ip":
		if validIP(s) {
			p.destination(ev).IP = s
		}
	case "destination.port":
		if n, ok := asInt(v); ok {
			p.destination(ev).Port = n
		}
	case "destination.address":
		p.destination(ev).Address = s
	case "destination.domain":
		p.destination(ev).Domain = s
	case "network.transport":
		p.network(ev).Transport = s
	case "network.protocol":
		p.network(ev).Protocol = s
	case "network.direction":
		p.network(ev).Direction = s
	case "http.request.method":
		p.http(ev).RequestMethod = s
	case "http.response.status_code":
		if n, ok := asInt(v); ok {
			p.http(ev).ResponseStatusCode = n
		}
	case "http.version":
		p.http(ev).Version = s
	case "url.original":
		p.url(ev).Original = s
	case "url.path":
		p.url(ev).Path = s
	case "url.domain":
		p.url(ev).Domain = s
	case "user.id":
		p.user(ev).ID = s
	case "user.name":
		p.user(ev).Name = s
	case "user.domain":
		p.user(ev).Domain = s
	case "user_agent.original":
		p.userAgent(ev).Original = s
	default:
		// no typed branch; keep it addressable under the namespace
		if ev.Extra == nil {
			ev.Extra = make(map[string]any)
			ev.ExtraPrefix = p.cfg.LogType
		}
		setPath(ev.Extra, ecsField, s)
	}
}

func (p *Parser) applyCloudDefaults(ev *schema.NormalizedEvent, meta map[string]any) {
	if ev.Cloud == nil || ev.Cloud.Provider == "" {
		return
	}
	if ev.Cloud.Account == nil || ev.Cloud.Account.ID == "" {
		if id, ok := meta["aws_account_id"].(string); ok {
			ev.Cloud.Account = &schema.CloudAccount{ID: id}
		}
	}
	if ev.Cloud.Region == "" {
		if region, ok := meta["aws_region"].(string); ok {
			ev.Cloud.Region = region
		}
	}
}

func (p *Parser) enrichGeo(ev *schema.NormalizedEvent) {
	if p.enrich.Geo == nil || !p.enrich.Geo.Enabled() {
		return
	}
	for _, target := range p.cfg.GeoFields {
		var ep *schema.EndpointFields
		switch target {
		case "source":
			ep = ev.Source
		case "destination":
			ep = ev.Destination
		}
		if ep == nil || ep.IP == "" {
			continue
		}
		loc, asn := p.enrich.Geo.CheckIPAddress(ep.IP)
		if ep.Geo == nil {
			ep.Geo = loc
		}
		if ep.AS == nil {
			ep.AS = asn
		}
	}
}

func (p *Parser) enrichIOC(ev *schema.NormalizedEvent, fields map[string]any) {
	if p.enrich.IOC == nil || !p.enrich.IOC.Enabled() {
		return
	}
	var matches []enrichment.ThreatMatch
	for _, field := range p.cfg.IOCIPFields {
		if ip := p.canonicalString(ev, fields, field); ip != "" {
			matches = append(matches, p.enrich.IOC.CheckIPAddress(ip)...)
		}
	}
	for _, field := range p.cfg.IOCDomainFields {
		if domain := p.canonicalString(ev, fields, field); domain != "" {
			matches = append(matches, p.enrich.IOC.CheckDomain(domain)...)
		}
	}
	if summary := enrichment.SummarizeMatches(matches); summary != nil && ev.Threat == nil {
		ev.Threat = summary
	}
}

func (p *Parser) enrichXFF(ev *schema.NormalizedEvent, fields map[string]any) {
	if p.enrich.XFF == nil || !p.enrich.XFF.Enabled() {
		return
	}
	raw := ""
	for _, key := range []string{"x_forwarded_for", "xff", "X-Forwarded-For"} {
		if v, ok := getPath(fields, key); ok {
			raw = asString(v)
			break
		}
	}
	if raw == "" {
		return
	}
	client := p.enrich.XFF.SelectClientIPFromXFF(strings.Split(raw, ","))
	if client != "" && validIP(client) {
		src := p.source(ev)
		if src.IP == "" || src.IP != client {
			if src.IP != "" && src.Address == "" {
				src.Address = src.IP
			}
			src.IP = client
		}
	}
}

func (p *Parser) enrichUserAgent(ev *schema.NormalizedEvent) {
	if ev.UserAgent == nil || ev.UserAgent.Original == "" {
		return
	}
	ua := useragent.Parse(ev.UserAgent.Original)
	if ua.Name != "" {
		ev.UserAgent.Name = ua.Name
		ev.UserAgent.Version = ua.Version
	}
	if ua.OS != "" {
		ev.UserAgent.OS = &schema.OSFields{
			Name:     ua.OS,
			Version:  ua.OSVersion,
			FullName: strings.TrimSpace(ua.OS + " " + ua.OSVersion),
		}
	}
	if ua.Device != "" {
		ev.UserAgent.Device = &schema.DeviceFields{Name: ua.Device}
	}
}

func (p *Parser) buildRelated(ev *schema.NormalizedEvent) {
	var related schema.RelatedFields
	if ev.Source != nil && ev.Source.IP != "" {
		related.IP = append(related.IP, ev.Source.IP)
	}
	if ev.Destination != nil && ev.Destination.IP != "" && !contains(related.IP, ev.Destination.IP) {
		related.IP = append(related.IP, ev.Destination.IP)
	}
	if ev.User != nil && ev.User.Name != "" {
		related.User = append(related.User, ev.User.Name)
	}
	if ev.Host != nil && ev.Host.Hostname != "" {
		related.Hosts = append(related.Hosts, ev.Host.Hostname)
	}
	if len(related.IP) > 0 || len(related.User) > 0 || len(related.Hosts) > 0 {
		ev.Related = &related
	}
}

// canonicalString reads a dotted canonical field back from the typed event,
// falling back to the raw fields.
func (p *Parser) canonicalString(ev *schema.NormalizedEvent, fields map[string]any, field string) string {
	switch field {
	case "source.ip":
		if ev.Source != nil {
			return ev.Source.IP
		}
	case "destination.ip":
		if ev.Destination != nil {
			return ev.Destination.IP
		}
	case "source.domain":
		if ev.Source != nil {
			return ev.Source.Domain
		}
	case "destination.domain":
		if ev.Destination != nil {
			return ev.Destination.Domain
		}
	case "url.domain":
		if ev.URL != nil {
			return ev.URL.Domain
		}
	}
	if v, ok := getPath(fields, field); ok {
		return asString(v)
	}
	return ""
}

// deriveDocID computes the deterministic @id: configured field, transform
// suffix hint, then MD5 of message+context as last resort.
func (p *Parser) deriveDocID(ev *schema.NormalizedEvent, rec *decoders.Record, fields map[string]any) string {
	if p.cfg.DocIDField != "" {
		if v, ok := getPath(fields, p.cfg.DocIDField); ok {
			if s := asString(v); s != "" {
				return s
			}
		}
	}
	base := hashID(ev.Message, ev.LogS3Key, fmt.Sprintf("%d", rec.LogIndex))
	if suffix, ok := fields[transforms.DocIDSuffixField]; ok {
		if s := asString(suffix); s != "" {
			return base + "_" + s
		}
	}
	return base
}

func hashID(parts ...string) string {
	h := md5.New() //nolint:gosec
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Parser) matchExcludePattern(fields map[string]any) (string, string, bool) {
	for _, ex := range p.cfg.ExcludePatterns {
		v, ok := getPath(fields, ex.Field)
		if !ok {
			continue
		}
		if ex.Pattern.MatchString(asString(v)) {
			return ex.Field, ex.Pattern.String(), true
		}
	}
	return "", "", false
}

// IndexName computes the destination index: base name plus the rotation
// suffix from the event or ingestion timestamp, timezone-adjusted.
func (p *Parser) IndexName(ev *schema.NormalizedEvent) string {
	base := p.cfg.IndexName
	if p.cfg.IndexRotation == config.RotationNone {
		return base
	}

	ts := ev.Timestamp
	if p.cfg.IndexTimeKey == "@ingested_time" {
		ts = ev.IngestedTime
	}
	if p.cfg.IndexTZ != nil {
		ts = ts.In(p.cfg.IndexTZ)
	}

	switch p.cfg.IndexRotation {
	case config.RotationDaily:
		return base + "-" + ts.Format("2006-01-02")
	case config.RotationWeekly:
		year, week := ts.ISOWeek()
		return fmt.Sprintf("%s-%04d-w%02d", base, year, week)
	case config.RotationMonthly:
		return base + "-" + ts.Format("2006-01")
	case config.RotationYearly:
		return base + "-" + ts.Format("2006")
	}
	return base
}

// lazy branch accessors

func (p *Parser) event(ev *schema.NormalizedEvent) *schema.EventFields {
	if ev.Event == nil {
		ev.Event = &schema.EventFields{}
	}
	return ev.Event
}

func (p *Parser) cloud(ev *schema.NormalizedEvent) *schema.CloudFields {
	if ev.Cloud == nil {
		ev.Cloud = &schema.CloudFields{}
	}
	return ev.Cloud
}

func (p *Parser) host(ev *schema.NormalizedEvent) *schema.HostFields {
	if ev.Host == nil {
		ev.Host = &schema.HostFields{}
	}
	return ev.Host
}

func (p *Parser) source(ev *schema.NormalizedEvent) *schema.EndpointFields {
	if ev.Source == nil {
		ev.Source = &schema.EndpointFields{}
	}
	return ev.Source
}

func (p *Parser) destination(ev *schema.NormalizedEvent) *schema.EndpointFields {
	if ev.Destination == nil {
		ev.Destination = &schema.EndpointFields{}
	}
	return ev.Destination
}

func (p *Parser) network(ev *schema.NormalizedEvent) *schema.NetworkFields {
	if ev.Network == nil {
		ev.Network = &schema.NetworkFields{}
	}
	return ev.Network
}

func (p *Parser) http(ev *schema.NormalizedEvent) *schema.HTTPFields {
	if ev.HTTP == nil {
		ev.HTTP = &schema.HTTPFields{}
	}
	return ev.HTTP
}

func (p *Parser) url(ev *schema.NormalizedEvent) *schema.URLFields {
	if ev.URL == nil {
		ev.URL = &schema.URLFields{}
	}
	return ev.URL
}

func (p *Parser) user(ev *schema.NormalizedEvent) *schema.UserFields {
	if ev.User == nil {
		ev.User = &schema.UserFields{}
	}
	return ev.User
}

func (p *Parser) userAgent(ev *schema.NormalizedEvent) *schema.UserAgentFields {
	if ev.UserAgent == nil {
		ev.UserAgent = &schema.UserAgentFields{}
	}
	return ev.UserAgent
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
