package transforms

import (
	"strings"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/schema"
)

func init() {
	Register("cloudtrail", transformCloudTrail)
}

// transformCloudTrail derives event outcome and user identity details that
// the flat field mapping cannot express.
func transformCloudTrail(ev *schema.NormalizedEvent, fields map[string]any) error {
	if ev.Event == nil {
		ev.Event = &schema.EventFields{}
	}
	ev.Event.Kind = "event"
	ev.Event.Category = "management"

	if _, ok := fields["errorCode"]; ok {
		ev.Event.Outcome = "failure"
	} else {
		ev.Event.Outcome = "success"
	}

	// userIdentity.arn is more reliable than userName for assumed roles
	if ident, ok := fields["userIdentity"].(map[string]any); ok {
		if ev.User == nil || ev.User.Name == "" {
			if arn, ok := ident["arn"].(string); ok && arn != "" {
				parts := strings.Split(arn, "/")
				if ev.User == nil {
					ev.User = &schema.UserFields{}
				}
				ev.User.Name = parts[len(parts)-1]
			}
		}
		if ev.User != nil {
			if id, ok := ident["principalId"].(string); ok {
				ev.User.ID = id
			}
		}
	}

	if readOnly, ok := fields["readOnly"].(bool); ok && !readOnly {
		ev.Event.Category = "configuration"
	}
	return nil
}
