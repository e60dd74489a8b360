// Package fanout defers oversized objects by republishing contiguous record
// windows to the split-logs queue, bounding per-invocation memory and time.
package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"
)

// Shard is one contiguous 1-indexed inclusive record window of an object.
type Shard struct {
	Start int
	End   int
}

// PartitionShards partitions [1, total] into ceil(total/max) contiguous,
// non-overlapping windows.
func PartitionShards(total, max int) []Shard {
	if total <= 0 || max <= 0 {
		return nil
	}
	shards := make([]Shard, 0, (total+max-1)/max)
	for start := 1; start <= total; start += max {
		end := start + max - 1
		if end > total {
			end = total
		}
		shards = append(shards, Shard{Start: start, End: end})
	}
	return shards
}

// ShardMessage is the queue payload representing one window of a split job.
type ShardMessage struct {
	Siem struct {
		StartNumber int `json:"start_number"`
		EndNumber   int `json:"end_number"`
	} `json:"siem"`
	S3 struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// NewShardMessage builds the payload for one shard of bucket/key.
func NewShardMessage(bucket, key string, shard Shard) ShardMessage {
	var m ShardMessage
	m.Siem.StartNumber = shard.Start
	m.Siem.EndNumber = shard.End
	m.S3.Bucket.Name = bucket
	m.S3.Object.Key = key
	return m
}

// SQSAPI is the subset of the SQS API the sender needs.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Sender publishes shard messages to the split-logs queue.
type Sender struct {
	client   SQSAPI
	queueURL string
}

func NewSender(client SQSAPI, queueURL string) *Sender {
	return &Sender{client: client, queueURL: queueURL}
}

// Enabled reports whether a split-logs queue is configured.
func (s *Sender) Enabled() bool {
	return s.client != nil && s.queueURL != ""
}

// SendShards enqueues one message per shard.
func (s *Sender) SendShards(ctx context.Context, bucket, key string, shards []Shard) error {
	if !s.Enabled() {
		return fmt.Errorf("split-logs queue is not configured")
	}
	for _, shard := range shards {
		body, err := json.Marshal(NewShardMessage(bucket, key, shard))
		if err != nil {
			return fmt.Errorf("marshaling shard message: %w", err)
		}
		bodyStr := string(body)
		if _, err := s.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    &s.queueURL,
			MessageBody: &bodyStr,
		}); err != nil {
			return fmt.Errorf("sending shard %d-%d for s3://%s/%s: %w",
				shard.Start, shard.End, bucket, key, err)
		}
	}
	slog.Info("oversized object fanned out to split-logs queue",
		"s3_bucket", bucket, "s3_key", key, "shards", len(shards))
	return nil
}
