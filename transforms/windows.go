package transforms

import (
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/schema"
)

func init() {
	Register("windows_event", transformWindowsEvent)
}

func transformWindowsEvent(ev *schema.NormalizedEvent, fields map[string]any) error {
	if ev.Event == nil {
		ev.Event = &schema.EventFields{}
	}
	ev.Event.Kind = "event"

	if action, ok := fields["action"].(string); ok {
		ev.Event.Action = action
	}
	if outcome, ok := fields["action_outcome"].(string); ok {
		ev.Event.Outcome = outcome
	}
	if ev.Event.Action == "logon" || ev.Event.Action == "logoff" {
		ev.Event.Category = "authentication"
	}

	if ip, ok := fields["ip_address"].(string); ok && ip != "" && ip != "-" {
		if ev.Source == nil {
			ev.Source = &schema.EndpointFields{}
		}
		if ev.Source.IP == "" {
			ev.Source.IP = ip
		}
	}
	if domain, ok := fields["target_domain_name"].(string); ok && domain != "" {
		if ev.User == nil {
			ev.User = &schema.UserFields{}
		}
		ev.User.Domain = domain
	}

	// stable event record id makes redelivered events idempotent
	if recordID, ok := fields["event_record_id"].(string); ok && recordID != "" {
		fields[DocIDSuffixField] = recordID
	}
	return nil
}
