package transforms

import (
	"time"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/schema"
)

func init() {
	Register("cloudfront", transformCloudFront)
}

// transformCloudFront rebuilds the event timestamp from the separate W3C
// date and time columns and classifies the edge result.
func transformCloudFront(ev *schema.NormalizedEvent, fields map[string]any) error {
	date, _ := fields["date"].(string)
	clock, _ := fields["time"].(string)
	if date != "" && clock != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", date+" "+clock); err == nil {
			ev.Timestamp = t.UTC()
		}
	}

	if ev.Event == nil {
		ev.Event = &schema.EventFields{}
	}
	ev.Event.Kind = "event"
	ev.Event.Category = "web"

	if status, ok := fields["sc_status"].(string); ok {
		if n, ok := atoi(status); ok {
			if ev.HTTP == nil {
				ev.HTTP = &schema.HTTPFields{}
			}
			ev.HTTP.ResponseStatusCode = n
			if n < 400 {
				ev.Event.Outcome = "success"
			} else {
				ev.Event.Outcome = "failure"
			}
		}
	}
	return nil
}
