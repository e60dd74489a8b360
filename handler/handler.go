package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/goccy/go-json"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/loader"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/metrics"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/source"
)

// ErrRetryNeeded marks an object whose load must be re-driven; the message
// stays on the queue (or the invocation fails) so the delivery is retried.
var ErrRetryNeeded = errors.New("retry needed")

// Response is the Lambda return value. BatchItemFailures makes SQS redeliver
// only the failed messages of a batch.
type Response struct {
	BatchItemFailures []BatchItemFailure `json:"batchItemFailures,omitempty"`
}

type BatchItemFailure struct {
	ItemIdentifier string `json:"itemIdentifier"`
}

// HandleLambdaEvent dispatches a raw invocation payload: an SQS batch
// (including DLQ redrives whose bodies wrap earlier S3 events), a direct S3
// notification, a bare shard descriptor, or an EventBridge notification.
func (p *Pipeline) HandleLambdaEvent(ctx context.Context, raw json.RawMessage) (Response, error) {
	var sqsEvent events.SQSEvent
	if err := json.Unmarshal(raw, &sqsEvent); err == nil && len(sqsEvent.Records) > 0 &&
		sqsEvent.Records[0].EventSource == "aws:sqs" {
		return p.handleSQSBatch(ctx, sqsEvent)
	}

	notifications, err := source.ParseNotifications(raw)
	if err != nil {
		return Response{}, err
	}
	for _, n := range notifications {
		if err := p.ProcessRecord(ctx, n); err != nil {
			return Response{}, err
		}
	}
	return Response{}, nil
}

// handleSQSBatch processes each message independently and reports per-message
// failures so only those are redelivered.
func (p *Pipeline) handleSQSBatch(ctx context.Context, ev events.SQSEvent) (Response, error) {
	var resp Response
	for _, msg := range ev.Records {
		var nested events.SQSEvent
		if err := json.Unmarshal([]byte(msg.Body), &nested); err == nil &&
			len(nested.Records) > 0 && nested.Records[0].EventSource == "aws:sqs" {
			// dead-letter redrive: the failed queue event rides inside this
			// body, so recurse and fail this message if any inner one failed
			inner, err := p.handleSQSBatch(ctx, nested)
			if err != nil || len(inner.BatchItemFailures) > 0 {
				resp.BatchItemFailures = append(resp.BatchItemFailures,
					BatchItemFailure{ItemIdentifier: msg.MessageId})
			}
			continue
		}

		notifications, err := source.ParseNotifications([]byte(msg.Body))
		if err != nil {
			slog.Error("dropping unparseable sqs message",
				"message_id", msg.MessageId, "error", err.Error())
			continue
		}
		for _, n := range notifications {
			n.MessageID = msg.MessageId
			if err := p.ProcessRecord(ctx, n); err != nil {
				slog.Error("object failed, message will be redelivered",
					"object", n.String(), "message_id", msg.MessageId, "error", err.Error())
				resp.BatchItemFailures = append(resp.BatchItemFailures,
					BatchItemFailure{ItemIdentifier: msg.MessageId})
				break
			}
		}
	}
	return resp, nil
}

// ProcessRecord runs the full pipeline for one object notification: fetch,
// decode, normalize, enrich, bulk-load, report.
func (p *Pipeline) ProcessRecord(ctx context.Context, n source.Notification) error {
	started := time.Now()
	slog.Info("processing object", "object", n.String())

	file, err := source.NewLogFile(ctx, p.deps, n)
	if err != nil {
		return err
	}
	if file.Ignored() {
		return nil
	}
	if file.Critical() {
		return fmt.Errorf("s3://%s/%s: %s", file.Bucket, file.Key, file.Reason)
	}

	ps := p.parserFor(file.Config)
	ld := loader.New(p.Search, p.Dedup)
	now := time.Now().UTC()

	for rec := range file.Records(ctx) {
		ld.AddCounted()
		ev, result := ps.Parse(rec, file.Bucket, file.Key, now)
		if result.Ignored {
			ld.AddExcluded()
			continue
		}
		if result.Excluded {
			ld.AddExcluded()
			continue
		}
		doc, err := ev.Serialize()
		if err != nil {
			slog.Error("serializing event failed", "object", n.String(),
				"doc_id", ev.ID, "error", err.Error())
			ld.AddExcluded()
			continue
		}
		if err := ld.Add(ctx, ps.IndexName(ev), ev.ID, doc); err != nil {
			return fmt.Errorf("%w: %s", ErrRetryNeeded, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ld.Flush(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrRetryNeeded, err)
	}

	stats := ld.Stats()
	p.report(ctx, file, stats, time.Since(started))

	if stats.RetryNeeded {
		return fmt.Errorf("%w: %d of %d documents were not indexed",
			ErrRetryNeeded, stats.Counted-stats.Success-stats.Excluded, stats.Counted)
	}
	return nil
}

func (p *Pipeline) report(ctx context.Context, file *source.LogFile, stats loader.Stats, elapsed time.Duration) {
	emit := slog.Info
	if stats.Counted > 0 && stats.Success == 0 {
		// records were decoded but nothing landed in the index
		emit = slog.Warn
	}
	emit("object done",
		"s3_bucket", file.Bucket,
		"s3_key", file.Key,
		"log_type", file.LogType,
		"counted", stats.Counted,
		"loaded", stats.Success,
		"errors", stats.Error,
		"excluded", stats.Excluded,
		"bulk_took_ms", stats.TookMillis,
		"payload_bytes", stats.PayloadBytes,
		"elapsed_ms", elapsed.Milliseconds(),
		"decode_errors", p.tracker.Count(file.LogType),
	)
	for _, reason := range stats.ErrorReasons {
		slog.Error("document rejected", "s3_key", file.Key, "reason", reason)
	}

	if p.Metrics == nil {
		return
	}
	pub := metrics.NewPublisher(p.Metrics, os.Getenv("AWS_LAMBDA_FUNCTION_NAME"))
	pub.Record(metrics.ObjectStats{
		LogType:        file.LogType,
		LoadedCount:    stats.Success,
		ErrorCount:     stats.Error,
		ExcludedCount:  stats.Excluded,
		CountedCount:   stats.Counted,
		TookMillis:     stats.TookMillis,
		InputBytes:     file.SizeBytes,
		OutputBytes:    int64(stats.PayloadBytes),
		DurationMillis: elapsed.Milliseconds(),
	})
	pub.Flush(ctx)
}
