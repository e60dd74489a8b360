package handler

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/decoders"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/loader"
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/source"
)

func TestResponseShape(t *testing.T) {
	resp := Response{BatchItemFailures: []BatchItemFailure{{ItemIdentifier: "msg-1"}}}
	body, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"batchItemFailures": [{"itemIdentifier": "msg-1"}]}`, string(body))

	// an empty response serializes without the failures key so Lambda treats
	// the batch as fully successful
	body, err = json.Marshal(Response{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(body))
}

func TestHandleLambdaEventUnrecognized(t *testing.T) {
	p := &Pipeline{}
	_, err := p.HandleLambdaEvent(context.Background(), json.RawMessage(`{"hello": "world"}`))
	assert.Error(t, err)
}

func TestHandleSQSBatchDropsUnparseableMessages(t *testing.T) {
	p := &Pipeline{}
	resp, err := p.handleSQSBatch(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{
			{MessageId: "m1", EventSource: "aws:sqs", Body: "not json"},
		},
	})
	require.NoError(t, err)
	// a body that can never parse is dropped, not redelivered forever
	assert.Empty(t, resp.BatchItemFailures)
}

func TestHandleSQSBatchDeadLetterRedrive(t *testing.T) {
	// a type that resolves but has no file_format makes ProcessRecord fail,
	// so an inner failure must surface on the outer message
	reg, err := config.NewRegistryFromBytes([]byte("[appfw]\ns3_key = appfw-logs/\n"))
	require.NoError(t, err)
	p := &Pipeline{
		Registry: reg,
		tracker:  decoders.NewErrorTracker(),
		deps:     &source.Deps{Registry: reg},
	}

	s3Body := `{"Records":[{"eventSource":"aws:s3","s3":{"bucket":{"name":"b"},"object":{"key":"appfw-logs/app.log"}}}]}`
	redriven, err := json.Marshal(events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "orig-1", EventSource: "aws:sqs", Body: s3Body},
	}})
	require.NoError(t, err)

	resp, err := p.handleSQSBatch(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{
			{MessageId: "dlq-1", EventSource: "aws:sqs", Body: string(redriven)},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "dlq-1", resp.BatchItemFailures[0].ItemIdentifier)
}

func TestReportWarnsWhenNothingLoaded(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	p := &Pipeline{tracker: decoders.NewErrorTracker()}
	file := &source.LogFile{Bucket: "b", Key: "k", LogType: "appfw"}

	p.report(context.Background(), file, loader.Stats{Counted: 3, Error: 3}, time.Second)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), "object done")

	buf.Reset()
	p.report(context.Background(), file, loader.Stats{Counted: 3, Success: 3}, time.Second)
	assert.Contains(t, buf.String(), `"level":"INFO"`)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ES_ENDPOINT", "search-test.us-east-1.es.amazonaws.com")
	t.Setenv("GEOIP_BUCKET", "geo-bucket")
	t.Setenv("SQS_SPLITTED_LOGS_URL", "https://sqs.example/split")
	t.Setenv("BULK_REQUESTS_PER_SECOND", "12.5")

	cfg := ConfigFromEnv()
	assert.Equal(t, "search-test.us-east-1.es.amazonaws.com", cfg.Endpoint)
	assert.Equal(t, "geo-bucket", cfg.GeoIPBucket)
	assert.Equal(t, "https://sqs.example/split", cfg.SplitQueueURL)
	assert.Equal(t, 12.5, cfg.BulkRequestsPerSecond)
}
