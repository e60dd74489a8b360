// Package metrics publishes per-invocation ingestion statistics to
// CloudWatch custom metrics.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/google/uuid"
)

const (
	namespace = "SIEM"

	// PutMetricData accepts at most 1000 datums per call; 20 keeps request
	// sizes small and matches the dashboard granularity
	putMetricDataChunkSize = 20
)

// CloudWatchAPI is the subset of the CloudWatch client the publisher uses.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// ObjectStats is the per-source-object result reported as metrics.
type ObjectStats struct {
	LogType        string
	LoadedCount    int
	ErrorCount     int
	ExcludedCount  int
	CountedCount   int
	TookMillis     int
	InputBytes     int64
	OutputBytes    int64
	DurationMillis int64
}

// Publisher batches stats and flushes them in chunked PutMetricData calls.
// One publisher per invocation; ExecutionID ties the datums together.
type Publisher struct {
	client      CloudWatchAPI
	functionArn string
	executionID string
	datums      []types.MetricDatum
}

func NewPublisher(client CloudWatchAPI, functionArn string) *Publisher {
	return &Publisher{
		client:      client,
		functionArn: functionArn,
		executionID: uuid.NewString(),
	}
}

// ExecutionID is the unique identifier stamped on this invocation's datums.
func (p *Publisher) ExecutionID() string { return p.executionID }

// Record queues the metric datums for one processed object.
func (p *Publisher) Record(stats ObjectStats) {
	now := time.Now()
	dims := []types.Dimension{
		{Name: aws.String("logtype"), Value: aws.String(stats.LogType)},
	}
	add := func(name string, value float64, unit types.StandardUnit) {
		p.datums = append(p.datums, types.MetricDatum{
			MetricName: aws.String(name),
			Dimensions: dims,
			Timestamp:  aws.Time(now),
			Value:      aws.Float64(value),
			Unit:       unit,
		})
	}
	add("LoadedDocCount", float64(stats.LoadedCount), types.StandardUnitCount)
	add("ErrorDocCount", float64(stats.ErrorCount), types.StandardUnitCount)
	add("ExcludedDocCount", float64(stats.ExcludedCount), types.StandardUnitCount)
	add("CountedDocCount", float64(stats.CountedCount), types.StandardUnitCount)
	add("BulkTook", float64(stats.TookMillis), types.StandardUnitMilliseconds)
	add("InputBytes", float64(stats.InputBytes), types.StandardUnitBytes)
	add("OutputBytes", float64(stats.OutputBytes), types.StandardUnitBytes)
	add("ProcessingTime", float64(stats.DurationMillis), types.StandardUnitMilliseconds)
}

// Flush publishes all queued datums in chunks. Publishing failures are
// logged, never fatal: metrics must not fail the ingestion path.
func (p *Publisher) Flush(ctx context.Context) {
	if p.client == nil || len(p.datums) == 0 {
		return
	}
	for start := 0; start < len(p.datums); start += putMetricDataChunkSize {
		end := start + putMetricDataChunkSize
		if end > len(p.datums) {
			end = len(p.datums)
		}
		_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(namespace),
			MetricData: p.datums[start:end],
		})
		if err != nil {
			slog.Warn("publishing metrics failed",
				"error", fmt.Sprintf("%v", err),
				"execution_id", p.executionID)
			return
		}
	}
	p.datums = p.datums[:0]
}
