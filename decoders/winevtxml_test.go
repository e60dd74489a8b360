package decoders

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
)

const winEvtSample = `<Events>
<Event xmlns='http://schemas.microsoft.com/win/2004/08/events/event'>
  <System>
    <Provider Name='Microsoft-Windows-Security-Auditing'/>
    <EventID>4625</EventID>
    <Level>0</Level>
    <Task>12544</Task>
    <Computer>DC01.example.local</Computer>
    <Channel>Security</Channel>
    <EventRecordID>987654</EventRecordID>
    <TimeCreated SystemTime='2024-06-01T12:00:00.000Z'/>
  </System>
  <EventData>
    <Data Name='TargetUserName'>alice</Data>
    <Data Name='IpAddress'>192.0.2.55</Data>
    <Data Name='PrivilegeList'>SeDebugPrivilege
			SeTcbPrivilege</Data>
  </EventData>
</Event>
<Event xmlns='http://schemas.microsoft.com/win/2004/08/events/event'>
  <System>
    <Provider Name='Microsoft-Windows-Security-Auditing'/>
    <EventID>4624</EventID>
    <Computer>DC01.example.local</Computer>
    <EventRecordID>987655</EventRecordID>
    <TimeCreated SystemTime='2024-06-01T12:00:05.000Z'/>
  </System>
  <EventData>
    <Data Name='TargetUserName'>bob</Data>
  </EventData>
</Event>
</Events>`

func newWinEvt(t *testing.T) Decoder {
	t.Helper()
	d, err := NewWinEvtXMLDecoder(&config.LogConfig{LogType: "t", FileFormat: "winevtxml"}, NewErrorTracker())
	require.NoError(t, err)
	return d
}

func TestWinEvtXMLDecoderCount(t *testing.T) {
	d := newWinEvt(t)
	count, err := d.Count(context.Background(), strings.NewReader(winEvtSample))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestWinEvtXMLDecoderExtract(t *testing.T) {
	d := newWinEvt(t)
	recs := collect(t, d.Extract(context.Background(), strings.NewReader(winEvtSample), 1, 2))
	require.Len(t, recs, 2)
	require.NoError(t, recs[0].Err)

	f := recs[0].Fields
	assert.Equal(t, "4625", f["event_id"])
	assert.Equal(t, "DC01.example.local", f["computer"])
	assert.Equal(t, "987654", f["event_record_id"])
	assert.Equal(t, "2024-06-01T12:00:00.000Z", f["time_created"])
	// EventData attribute names are snake_cased
	assert.Equal(t, "alice", f["target_user_name"])
	assert.Equal(t, "192.0.2.55", f["ip_address"])
	// packed lists become arrays
	assert.Equal(t, []string{"SeDebugPrivilege", "SeTcbPrivilege"}, f["privilege_list"])
	// well-known event IDs get an action/outcome mapping
	assert.Equal(t, "logon", f["action"])
	assert.Equal(t, "failure", f["action_outcome"])

	assert.Equal(t, "success", recs[1].Fields["action_outcome"])
}

func TestWinEvtXMLDecoderWindow(t *testing.T) {
	d := newWinEvt(t)
	recs := collect(t, d.Extract(context.Background(), strings.NewReader(winEvtSample), 2, 2))
	require.Len(t, recs, 1)
	assert.Equal(t, "bob", recs[0].Fields["target_user_name"])
}

func TestSnakeCaseName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "camel", in: "TargetUserName", want: "target_user_name"},
		{name: "two words", in: "IpAddress", want: "ip_address"},
		{name: "already lower", in: "status", want: "status"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, snakeCaseName(tt.in))
		})
	}
}
