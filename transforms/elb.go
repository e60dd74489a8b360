package transforms

import (
	"net/url"
	"strings"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/schema"
)

func init() {
	Register("elb", transformELB)
}

func transformELB(ev *schema.NormalizedEvent, fields map[string]any) error {
	if ev.Event == nil {
		ev.Event = &schema.EventFields{}
	}
	ev.Event.Kind = "event"
	ev.Event.Category = "web"

	if code, ok := fields["elb_status_code"].(string); ok && code != "" && code != "-" {
		if ev.HTTP == nil {
			ev.HTTP = &schema.HTTPFields{}
		}
		if n, ok := atoi(code); ok {
			ev.HTTP.ResponseStatusCode = n
			if n < 400 {
				ev.Event.Outcome = "success"
			} else {
				ev.Event.Outcome = "failure"
			}
		}
	}
	if version, ok := fields["http_version"].(string); ok {
		if ev.HTTP == nil {
			ev.HTTP = &schema.HTTPFields{}
		}
		ev.HTTP.Version = strings.TrimPrefix(strings.TrimSpace(version), "HTTP/")
	}

	if ev.URL != nil && ev.URL.Original != "" {
		if u, err := url.Parse(ev.URL.Original); err == nil {
			ev.URL.Path = u.Path
			ev.URL.Domain = u.Hostname()
		}
	}
	return nil
}

func atoi(s string) (int, bool) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
