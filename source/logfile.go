package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/decoders"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/fanout"
)

// Status is the per-object state machine outcome.
type Status int

const (
	StatusActive Status = iota
	// StatusIgnored objects are skipped softly (empty, path-only,
	// unconfigured type, ignore pattern, deferred split)
	StatusIgnored
	// StatusCritical objects are operator misconfigurations that must be
	// surfaced, not silently skipped
	StatusCritical
)

// Deps are the process-wide collaborators a LogFile needs, constructed once
// per warm process.
type Deps struct {
	Registry *config.Registry
	Clients  *ClientResolver
	Fanout   *fanout.Sender
	Tracker  *decoders.ErrorTracker
}

var (
	accountIDRe = regexp.MustCompile(`/(\d{12})/`)
	regionRe    = regexp.MustCompile(`(af|ap|ca|eu|il|me|sa|us|us-gov)-(central|north|south|east|west|northeast|northwest|southeast|southwest)-[0-9]`)
)

// LogFile wraps one S3 object being processed: resolves its log type from
// the key, decides ignored/critical/active, defers oversized objects to the
// split queue, and streams decoded records for the active window.
type LogFile struct {
	Bucket string
	Key    string

	LogType string
	Config  *config.LogConfig
	Status  Status
	Reason  string

	// 1-indexed inclusive active window; TotalCount is only known when this
	// invocation counted the full object (StartNumber absent from the event)
	StartNumber int
	EndNumber   int
	TotalCount  int

	SizeBytes int64

	body     []byte
	meta     map[string]any
	lineMeta []map[string]any
	decoder  decoders.Decoder

	deps *Deps
}

// NewLogFile runs the per-object state machine. The returned file is always
// non-nil for inspection; processing errors that indicate misconfiguration
// set StatusCritical instead of returning an error.
func NewLogFile(ctx context.Context, deps *Deps, n Notification) (*LogFile, error) {
	f := &LogFile{
		Bucket:      n.Bucket,
		Key:         n.Key,
		StartNumber: n.StartNumber,
		EndNumber:   n.EndNumber,
		deps:        deps,
		meta:        make(map[string]any),
	}

	if n.Key == "" || strings.HasSuffix(n.Key, "/") {
		f.ignore("this key is a path, not an object")
		return f, nil
	}

	f.LogType = resolveLogType(deps.Registry, n.Key)
	if f.LogType == "unknown" {
		f.ignore("unknown log type in s3 key")
		return f, nil
	}

	lc, err := deps.Registry.BuildLogConfig(f.LogType)
	if err != nil {
		f.critical(fmt.Sprintf("misconfigured log type: %v", err))
		return f, nil
	}
	f.Config = lc

	if lc.S3KeyIgnore != nil && lc.S3KeyIgnore.MatchString(n.Key) {
		f.ignore("matched s3_key_ignore")
		return f, nil
	}
	if !lc.HasFileFormat() {
		f.critical("file_format is not configured")
		return f, nil
	}
	if !lc.HasIndexName() {
		f.critical("index_name is not configured")
		return f, nil
	}

	if err := f.fetch(ctx); err != nil {
		return f, err
	}
	if f.Status != StatusActive {
		return f, nil
	}

	if err := f.preprocess(); err != nil {
		f.critical(fmt.Sprintf("unable to unwrap log envelope: %v", err))
		return f, nil
	}

	dec, err := decoders.Factory.GetDecoder(lc, deps.Tracker)
	if err != nil {
		f.critical(err.Error())
		return f, nil
	}
	f.decoder = dec

	return f, f.resolveWindow(ctx)
}

func (f *LogFile) ignore(reason string) {
	f.Status = StatusIgnored
	f.Reason = reason
	slog.Warn("ignoring object", "s3_bucket", f.Bucket, "s3_key", f.Key,
		"log_type", f.LogType, "reason", reason)
}

func (f *LogFile) critical(reason string) {
	f.Status = StatusCritical
	f.Reason = reason
	slog.Error("critical object, processing halted",
		"s3_bucket", f.Bucket, "s3_key", f.Key, "log_type", f.LogType, "reason", reason)
}

// Ignored reports whether the object was skipped softly.
func (f *LogFile) Ignored() bool { return f.Status == StatusIgnored }

// Critical reports whether the object hit an operator misconfiguration.
func (f *LogFile) Critical() bool { return f.Status == StatusCritical }

// Metadata returns the object-level metadata merged into every record.
func (f *LogFile) Metadata() map[string]any { return f.meta }

// fetch downloads and decompresses the object body.
func (f *LogFile) fetch(ctx context.Context) error {
	client, err := f.deps.Clients.ClientFor(f.Bucket, f.Key)
	if err != nil {
		// missing cross-account credentials must fail loudly
		return err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &f.Bucket,
		Key:    &f.Key,
	})
	if err != nil {
		return fmt.Errorf("getting s3://%s/%s: %w", f.Bucket, f.Key, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("reading s3://%s/%s: %w", f.Bucket, f.Key, err)
	}
	if out.ContentLength != nil {
		f.SizeBytes = *out.ContentLength
	} else {
		f.SizeBytes = int64(len(raw))
	}
	if out.LastModified != nil {
		f.meta["s3_last_modified"] = out.LastModified.Format(time.RFC3339)
	}

	body, err := decompress(raw, f.Key)
	if err != nil {
		return fmt.Errorf("decompressing s3://%s/%s: %w", f.Bucket, f.Key, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		f.ignore("empty file")
		return nil
	}
	f.body = body

	f.meta["s3_bucket"] = f.Bucket
	f.meta["s3_key"] = f.Key
	if m := accountIDRe.FindStringSubmatch(f.Key); m != nil {
		f.meta["aws_account_id"] = m[1]
	}
	if m := regionRe.FindString(f.Key); m != "" {
		f.meta["aws_region"] = m
	}
	return nil
}

// resolveWindow determines the record count once and either defers the
// object to the split queue or fixes the active extraction window.
func (f *LogFile) resolveWindow(ctx context.Context) error {
	if f.StartNumber > 0 {
		// this invocation is one shard of a split job; the count was done by
		// the invocation that split it
		return nil
	}

	count, err := f.decoder.Count(ctx, bytes.NewReader(f.body))
	if err != nil {
		return fmt.Errorf("counting records in s3://%s/%s: %w", f.Bucket, f.Key, err)
	}
	f.TotalCount = count
	if count == 0 {
		f.ignore("no records in file")
		return nil
	}

	if count > f.Config.MaxLogCount {
		shards := fanout.PartitionShards(count, f.Config.MaxLogCount)
		if err := f.deps.Fanout.SendShards(ctx, f.Bucket, f.Key, shards); err != nil {
			return fmt.Errorf("splitting oversized object: %w", err)
		}
		f.ignore(fmt.Sprintf("split into %d shards of up to %d records", len(shards), f.Config.MaxLogCount))
		return nil
	}

	f.StartNumber = 1
	f.EndNumber = count
	return nil
}

// Records streams decoded records for the active window, merging object and
// per-line envelope metadata into each record.
func (f *LogFile) Records(ctx context.Context) <-chan *decoders.Record {
	out := make(chan *decoders.Record)
	go func() {
		defer close(out)
		if f.Status != StatusActive || f.decoder == nil {
			return
		}
		for rec := range f.decoder.Extract(ctx, bytes.NewReader(f.body), f.StartNumber, f.EndNumber) {
			rec.Metadata = f.mergedMetadata(rec)
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (f *LogFile) mergedMetadata(rec *decoders.Record) map[string]any {
	merged := make(map[string]any, len(f.meta)+len(rec.Metadata)+2)
	for k, v := range f.meta {
		merged[k] = v
	}
	for k, v := range rec.Metadata {
		merged[k] = v
	}
	if f.lineMeta != nil {
		if i := rec.LogIndex - 1; i >= 0 && i < len(f.lineMeta) {
			for k, v := range f.lineMeta[i] {
				merged[k] = v
			}
		}
	}
	return merged
}

var gzipMagic = []byte{0x1f, 0x8b}

func decompress(raw []byte, key string) ([]byte, error) {
	if !bytes.HasPrefix(raw, gzipMagic) && !strings.HasSuffix(key, ".gz") {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// logTypeCache memoizes key-pattern resolution regexes per process
var logTypeCache sync.Map // log type -> *regexp.Regexp

// resolveLogType matches the key against every configured type's s3_key
// pattern; first match wins, "unknown" otherwise.
func resolveLogType(reg *config.Registry, key string) string {
	for _, logType := range reg.LogTypes() {
		var re *regexp.Regexp
		if cached, ok := logTypeCache.Load(logType); ok {
			re, _ = cached.(*regexp.Regexp)
		} else {
			pattern, err := reg.GetString(logType, "s3_key")
			if err != nil || pattern == "" {
				logTypeCache.Store(logType, (*regexp.Regexp)(nil))
				continue
			}
			re, err = regexp.Compile(pattern)
			if err != nil {
				slog.Error("invalid s3_key pattern", "log_type", logType, "error", err)
				re = nil
			}
			logTypeCache.Store(logType, re)
		}
		if re != nil && re.MatchString(key) {
			return logType
		}
	}
	return "unknown"
}
