package transforms

import (
	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/schema"
)

func init() {
	Register("vpcflowlogs", transformVPCFlowLogs)
}

// ianaProtocols maps the numeric protocol field to its transport name.
var ianaProtocols = map[string]string{
	"1":  "icmp",
	"6":  "tcp",
	"17": "udp",
	"41": "ipv6",
	"47": "gre",
	"50": "esp",
	"58": "ipv6-icmp",
}

func transformVPCFlowLogs(ev *schema.NormalizedEvent, fields map[string]any) error {
	if ev.Event == nil {
		ev.Event = &schema.EventFields{}
	}
	ev.Event.Kind = "event"
	ev.Event.Category = "network"

	switch ev.Event.Action {
	case "ACCEPT":
		ev.Event.Outcome = "success"
	case "REJECT":
		ev.Event.Outcome = "failure"
	}

	if ev.Network == nil {
		ev.Network = &schema.NetworkFields{}
	}
	if proto, ok := fields["protocol"].(string); ok {
		if name, ok := ianaProtocols[proto]; ok {
			ev.Network.Transport = name
		}
	}
	if ev.Source != nil {
		ev.Network.Bytes = ev.Source.Bytes
		ev.Network.Packets = ev.Source.Packets
	}
	return nil
}
