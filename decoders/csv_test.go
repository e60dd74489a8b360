package decoders

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
)

func TestCSVDecoderBasic(t *testing.T) {
	lc := &config.LogConfig{LogType: "t", FileFormat: "csv"}
	d, err := NewCSVDecoder(lc, NewErrorTracker())
	require.NoError(t, err)

	input := "name,ip,status\nalice,192.0.2.1,200\nbob,192.0.2.2,404\n"

	count, err := d.Count(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	recs := collect(t, d.Extract(context.Background(), strings.NewReader(input), 1, count))
	require.Len(t, recs, 2)
	assert.Equal(t, "alice", recs[0].Fields["name"])
	assert.Equal(t, "404", recs[1].Fields["status"])
}

func TestCSVDecoderHeaderNormalization(t *testing.T) {
	lc := &config.LogConfig{LogType: "t", FileFormat: "csv"}
	d, err := NewCSVDecoder(lc, NewErrorTracker())
	require.NoError(t, err)

	input := "sc-status,cs-method\n200,GET\n"
	recs := collect(t, d.Extract(context.Background(), strings.NewReader(input), 1, 1))
	require.Len(t, recs, 1)
	assert.Equal(t, "200", recs[0].Fields["sc_status"])
	assert.Equal(t, "GET", recs[0].Fields["cs_method"])
}

func TestCSVDecoderCloudFrontPreamble(t *testing.T) {
	lc := &config.LogConfig{LogType: "t", FileFormat: "csv", SkipHeaderLines: 2}
	d, err := NewCSVDecoder(lc, NewErrorTracker())
	require.NoError(t, err)

	input := "#Version: 1.0\n#Fields: date time sc-status\n2024-06-01 00:01:02 200\n2024-06-01 00:01:03 301\n"

	count, err := d.Count(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	recs := collect(t, d.Extract(context.Background(), strings.NewReader(input), 1, count))
	require.Len(t, recs, 2)
	assert.Equal(t, "2024-06-01", recs[0].Fields["date"])
	assert.Equal(t, "301", recs[1].Fields["sc_status"])
}

func TestCSVDecoderTabSeparated(t *testing.T) {
	lc := &config.LogConfig{LogType: "t", FileFormat: "csv"}
	d, err := NewCSVDecoder(lc, NewErrorTracker())
	require.NoError(t, err)

	input := "a\tb\n1\t2\n"
	recs := collect(t, d.Extract(context.Background(), strings.NewReader(input), 1, 1))
	require.Len(t, recs, 1)
	assert.Equal(t, "2", recs[0].Fields["b"])
}

func TestCSVDecoderQuotedNewlines(t *testing.T) {
	lc := &config.LogConfig{LogType: "t", FileFormat: "csv"}
	d, err := NewCSVDecoder(lc, NewErrorTracker())
	require.NoError(t, err)

	input := "msg,code\n\"line one\nline two\",1\n\"simple\",2\n"
	count, err := d.Count(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCSVDecoderRaggedRow(t *testing.T) {
	lc := &config.LogConfig{LogType: "t", FileFormat: "csv"}
	tracker := NewErrorTracker()
	d, err := NewCSVDecoder(lc, tracker)
	require.NoError(t, err)

	input := "a,b,c\n1,2,3\n4,5\n"
	recs := collect(t, d.Extract(context.Background(), strings.NewReader(input), 1, 2))
	require.Len(t, recs, 2)
	assert.NoError(t, recs[0].Err)
	assert.Error(t, recs[1].Err)
	assert.Equal(t, 1, tracker.Count("t"))
}
