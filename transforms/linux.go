package transforms

import (
	"fmt"
	"regexp"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/schema"
)

func init() {
	Register("linux_secure", transformLinuxSecure)
}

var (
	sshAcceptedRe = regexp.MustCompile(`^Accepted\s+(\S+)\s+for\s+(\S+)\s+from\s+(\S+)\s+port\s+(\d+)`)
	sshFailedRe   = regexp.MustCompile(`^Failed\s+(\S+)\s+for\s+(?:invalid user\s+)?(\S+)\s+from\s+(\S+)\s+port\s+(\d+)`)
	sshInvalidRe  = regexp.MustCompile(`^Invalid user\s+(\S+)\s+from\s+(\S+)`)
)

// transformLinuxSecure extracts authentication outcomes from sshd messages.
func transformLinuxSecure(ev *schema.NormalizedEvent, fields map[string]any) error {
	msg, _ := fields["syslog_message"].(string)
	if msg == "" {
		return nil
	}
	if ev.Event == nil {
		ev.Event = &schema.EventFields{}
	}
	ev.Event.Kind = "event"
	ev.Event.Category = "authentication"

	if m := sshAcceptedRe.FindStringSubmatch(msg); m != nil {
		ev.Event.Action = "logon"
		ev.Event.Outcome = "success"
		setAuthDetails(ev, m[2], m[3], m[4])
		return nil
	}
	if m := sshFailedRe.FindStringSubmatch(msg); m != nil {
		ev.Event.Action = "logon"
		ev.Event.Outcome = "failure"
		setAuthDetails(ev, m[2], m[3], m[4])
		return nil
	}
	if m := sshInvalidRe.FindStringSubmatch(msg); m != nil {
		ev.Event.Action = "logon"
		ev.Event.Outcome = "failure"
		setAuthDetails(ev, m[1], m[2], "")
	}
	return nil
}

func setAuthDetails(ev *schema.NormalizedEvent, user, ip, port string) {
	if ev.User == nil {
		ev.User = &schema.UserFields{}
	}
	ev.User.Name = user
	if ev.Source == nil {
		ev.Source = &schema.EndpointFields{}
	}
	ev.Source.IP = ip
	if port != "" {
		if _, err := fmt.Sscanf(port, "%d", &ev.Source.Port); err != nil {
			ev.Source.Port = 0
		}
	}
}
