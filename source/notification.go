package source

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
)

// Notification identifies one S3 object to process, optionally windowed to a
// shard of a split job. MessageID carries the SQS message identifier for
// partial-batch failure reporting.
type Notification struct {
	Bucket      string
	Key         string
	StartNumber int
	EndNumber   int
	MessageID   string
}

func (n Notification) String() string {
	if n.StartNumber > 0 {
		return fmt.Sprintf("s3://%s/%s[%d-%d]", n.Bucket, n.Key, n.StartNumber, n.EndNumber)
	}
	return fmt.Sprintf("s3://%s/%s", n.Bucket, n.Key)
}

// s3EventRecord is the S3 notification record shape, extended with the
// optional siem shard descriptor used by split-job continuations.
type s3EventRecord struct {
	EventSource string `json:"eventSource"`
	Siem        *struct {
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

type s3Event struct {
	Records []s3EventRecord `json:"Records"`
}

// eventBridgeEvent is the EventBridge "Object Created" notification shape.
type eventBridgeEvent struct {
	Source     string `json:"source"`
	DetailType string `json:"detail-type"`
	Detail     struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"detail"`
}

// ParseNotifications extracts object notifications from a raw message body:
// a direct S3 event, a bare shard descriptor, or an EventBridge notification.
func ParseNotifications(body []byte) ([]Notification, error) {
	// bare shard descriptor or single record
	var rec s3EventRecord
	if err := json.Unmarshal(body, &rec); err == nil && rec.S3.Bucket.Name != "" {
		return []Notification{notificationFromRecord(rec)}, nil
	}

	var ev s3Event
	if err := json.Unmarshal(body, &ev); err == nil && len(ev.Records) > 0 {
		var out []Notification
		for _, r := range ev.Records {
			if r.S3.Bucket.Name == "" {
				continue
			}
			out = append(out, notificationFromRecord(r))
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	var ebe eventBridgeEvent
	if err := json.Unmarshal(body, &ebe); err == nil &&
		ebe.Source == "aws.s3" && ebe.Detail.Bucket.Name != "" {
		return []Notification{{
			Bucket: ebe.Detail.Bucket.Name,
			Key:    unquoteKey(ebe.Detail.Object.Key),
		}}, nil
	}

	return nil, fmt.Errorf("unrecognized event shape: %.128s", string(body))
}

func notificationFromRecord(rec s3EventRecord) Notification {
	n := Notification{
		Bucket: rec.S3.Bucket.Name,
		Key:    unquoteKey(rec.S3.Object.Key),
	}
	if rec.Siem != nil {
		n.StartNumber = rec.Siem.StartNumber
		n.EndNumber = rec.Siem.EndNumber
	}
	return n
}

// unquoteKey undoes the URL encoding S3 applies to keys in notifications.
func unquoteKey(key string) string {
	key = strings.ReplaceAll(key, "+", " ")
	if unquoted, err := url.QueryUnescape(key); err == nil {
		return unquoted
	}
	return key
}
