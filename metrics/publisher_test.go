package metrics

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloudWatch struct {
	calls []*cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.calls = append(f.calls, params)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestPublisherRecordAndFlush(t *testing.T) {
	cw := &fakeCloudWatch{}
	p := NewPublisher(cw, "arn:aws:lambda:us-east-1:123:function:loader")
	assert.NotEmpty(t, p.ExecutionID())

	p.Record(ObjectStats{
		LogType:     "cloudtrail",
		LoadedCount: 100,
		ErrorCount:  2,
		OutputBytes: 4096,
	})
	p.Flush(context.Background())

	require.Len(t, cw.calls, 1)
	call := cw.calls[0]
	assert.Equal(t, "SIEM", *call.Namespace)
	require.NotEmpty(t, call.MetricData)
	assert.Equal(t, "LoadedDocCount", *call.MetricData[0].MetricName)
	assert.Equal(t, float64(100), *call.MetricData[0].Value)
	assert.Equal(t, "logtype", *call.MetricData[0].Dimensions[0].Name)
	assert.Equal(t, "cloudtrail", *call.MetricData[0].Dimensions[0].Value)

	values := map[string]float64{}
	for _, d := range call.MetricData {
		values[*d.MetricName] = *d.Value
	}
	assert.Equal(t, float64(4096), values["OutputBytes"])
}

func TestPublisherChunksLargeBatches(t *testing.T) {
	cw := &fakeCloudWatch{}
	p := NewPublisher(cw, "")

	// 8 datums per object; 10 objects exceed one chunk
	for i := 0; i < 10; i++ {
		p.Record(ObjectStats{LogType: "t"})
	}
	p.Flush(context.Background())

	total := 0
	for _, call := range cw.calls {
		assert.LessOrEqual(t, len(call.MetricData), putMetricDataChunkSize)
		total += len(call.MetricData)
	}
	assert.Equal(t, 80, total)
}

func TestPublisherFlushEmpty(t *testing.T) {
	cw := &fakeCloudWatch{}
	p := NewPublisher(cw, "")
	p.Flush(context.Background())
	assert.Empty(t, cw.calls)
}
