package decoders

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
)

func init() {
	Factory.register("winevtxml", NewWinEvtXMLDecoder)
}

const (
	winEvtOpenTag  = "<Event "
	winEvtCloseTag = "</Event>"
)

// eventIDActions maps well-known Windows security event IDs to an ECS-style
// action and outcome pair.
var eventIDActions = map[string][2]string{
	"4624": {"logon", "success"},
	"4625": {"logon", "failure"},
	"4634": {"logoff", "success"},
	"4648": {"logon-explicit-credentials", "success"},
	"4672": {"special-privileges-assigned", "success"},
	"4720": {"user-created", "success"},
	"4726": {"user-deleted", "success"},
	"4740": {"account-locked", "failure"},
	"4768": {"kerberos-tgt-requested", "success"},
	"4769": {"kerberos-service-ticket-requested", "success"},
	"4771": {"kerberos-preauth-failed", "failure"},
	"4776": {"credential-validation", "success"},
}

// packedListFields hold newline- or comma-packed attribute lists that are
// split into arrays for indexing.
var packedListFields = map[string]bool{
	"privilege_list": true,
	"access_list":    true,
	"user_list":      true,
}

// WinEvtXMLDecoder groups lines between <Event ...> and </Event> markers into
// one logical record and extracts the System/EventData structure.
type WinEvtXMLDecoder struct {
	logType string
	tracker *ErrorTracker
}

func NewWinEvtXMLDecoder(lc *config.LogConfig, tracker *ErrorTracker) (Decoder, error) {
	return &WinEvtXMLDecoder{logType: lc.LogType, tracker: tracker}, nil
}

func (d *WinEvtXMLDecoder) Identifier() string { return "winevtxml" }

func (d *WinEvtXMLDecoder) Count(ctx context.Context, r io.Reader) (int, error) {
	scanner := newLineScanner(r)
	count := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if strings.Contains(scanner.Text(), winEvtCloseTag) {
			count++
		}
	}
	return count, scanner.Err()
}

func (d *WinEvtXMLDecoder) Extract(ctx context.Context, r io.Reader, start, end int) <-chan *Record {
	out := make(chan *Record)
	go func() {
		defer close(out)
		scanner := newLineScanner(r)
		index := 0
		var block []string
		inEvent := false

		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Text()
			if !inEvent {
				if i := strings.Index(line, winEvtOpenTag); i >= 0 {
					inEvent = true
					block = []string{line[i:]}
				}
				if !inEvent {
					continue
				}
			} else {
				block = append(block, line)
			}
			if !strings.Contains(line, winEvtCloseTag) {
				continue
			}

			inEvent = false
			index++
			raw := strings.Join(block, "\n")
			block = nil
			if index < start {
				continue
			}
			if index > end {
				return
			}

			rec := &Record{LogIndex: index, Raw: raw}
			fields, err := d.decodeEvent(raw)
			if err != nil {
				rec.Err = err
				d.tracker.Observe(d.logType, raw, err)
			} else {
				rec.Fields = fields
			}
			if !send(ctx, out, rec) {
				return
			}
		}
	}()
	return out
}

type winEvtXML struct {
	System struct {
		Provider struct {
			Name string `xml:"Name,attr"`
		} `xml:"Provider"`
		EventID     string `xml:"EventID"`
		Level       string `xml:"Level"`
		Task        string `xml:"Task"`
		Computer    string `xml:"Computer"`
		Channel     string `xml:"Channel"`
		EventRecord string `xml:"EventRecordID"`
		TimeCreated struct {
			SystemTime string `xml:"SystemTime,attr"`
		} `xml:"TimeCreated"`
	} `xml:"System"`
	EventData struct {
		Data []struct {
			Name  string `xml:"Name,attr"`
			Value string `xml:",chardata"`
		} `xml:"Data"`
	} `xml:"EventData"`
}

func (d *WinEvtXMLDecoder) decodeEvent(raw string) (map[string]any, error) {
	var ev winEvtXML
	if err := xml.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("invalid windows event XML: %w", err)
	}

	fields := map[string]any{
		"provider_name":   ev.System.Provider.Name,
		"event_id":        ev.System.EventID,
		"level":           ev.System.Level,
		"task":            ev.System.Task,
		"computer":        ev.System.Computer,
		"channel":         ev.System.Channel,
		"event_record_id": ev.System.EventRecord,
		"time_created":    ev.System.TimeCreated.SystemTime,
	}

	for _, data := range ev.EventData.Data {
		name := snakeCaseName(data.Name)
		if name == "" {
			continue
		}
		value := strings.TrimSpace(data.Value)
		if packedListFields[name] {
			fields[name] = splitPackedList(value)
		} else {
			fields[name] = value
		}
	}

	if action, ok := eventIDActions[ev.System.EventID]; ok {
		fields["action"] = action[0]
		fields["action_outcome"] = action[1]
	}
	return fields, nil
}

// splitPackedList splits packed attribute lists ("SeDebugPrivilege\n\t\tSe...")
// into a clean array.
func splitPackedList(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == '\n' || r == '\t' || r == ',' || r == ' '
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// snakeCaseName converts the XML attribute name (TargetUserName) to the
// snake_case field name (target_user_name).
func snakeCaseName(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + 'a' - 'A')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
