package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTZOffset(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantSec int
		wantErr bool
	}{
		{name: "empty is UTC", raw: "", wantSec: 0},
		{name: "colon form", raw: "+09:00", wantSec: 9 * 3600},
		{name: "negative compact form", raw: "-0500", wantSec: -5 * 3600},
		{name: "bare hours", raw: "9", wantSec: 9 * 3600},
		{name: "half hour", raw: "+05:30", wantSec: 5*3600 + 30*60},
		{name: "garbage", raw: "nonsense+zone", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := parseTZOffset(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, offset := time.Date(2024, 6, 1, 0, 0, 0, 0, loc).Zone()
			assert.Equal(t, tt.wantSec, offset)
		})
	}
}

func TestBuildLogConfig(t *testing.T) {
	r, err := NewRegistryFromBytes([]byte(`
[web]
file_format = text
s3_key = AccessLog/
log_pattern = ^(?P<remote>\S+) (?P<request>.+)$
index_name = log-web
index_rotation = monthly
timestamp_key = datetime
timestamp_format = %d/%b/%Y:%H:%M:%S %z
ecs = source.ip http.request.method
source.ip = remote
http.request.method = method
static_ecs = cloud.provider
cloud.provider = aws
exclude_log_patterns = [{"field": "useragent", "pattern": "ELB-HealthChecker.*"}]
`))
	require.NoError(t, err)

	lc, err := r.BuildLogConfig("web")
	require.NoError(t, err)

	assert.Equal(t, "text", lc.FileFormat)
	assert.Equal(t, RotationMonthly, lc.IndexRotation)
	assert.Equal(t, []string{"datetime"}, lc.TimestampKeys)
	assert.Equal(t, "remote", lc.FieldMapping["source.ip"])
	assert.Equal(t, "aws", lc.StaticECS["cloud.provider"])
	require.Len(t, lc.ExcludePatterns, 1)
	assert.True(t, lc.ExcludePatterns[0].Pattern.MatchString("ELB-HealthChecker/2.0"))
	assert.Equal(t, 100000, lc.MaxLogCount)

	// cached: second build returns the same instance
	lc2, err := r.BuildLogConfig("web")
	require.NoError(t, err)
	assert.Same(t, lc, lc2)
}

func TestBuildLogConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		ini  string
		key  string
	}{
		{
			name: "ecs field without mapping line",
			ini:  "[t]\nfile_format = json\necs = source.ip\n",
			key:  "source.ip",
		},
		{
			name: "unknown rotation",
			ini:  "[t]\nfile_format = json\nindex_rotation = hourly\n",
			key:  "index_rotation",
		},
		{
			name: "bad exclude pattern entry",
			ini:  "[t]\nfile_format = json\nexclude_log_patterns = [{\"field\": \"a\"}]\n",
			key:  "exclude_log_patterns",
		},
		{
			// a typoed key must surface instead of being silently ignored
			name: "unknown key",
			ini:  "[t]\nfile_format = json\nlog_patern = ^x$\n",
			key:  "log_patern",
		},
		{
			name: "mapping line without ecs entry",
			ini:  "[t]\nfile_format = json\nsource.ip = srcaddr\n",
			key:  "source.ip",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRegistryFromBytes([]byte(tt.ini))
			require.NoError(t, err)

			_, err = r.BuildLogConfig("t")
			var keyErr *KeyError
			require.ErrorAs(t, err, &keyErr)
			assert.Equal(t, tt.key, keyErr.Key)
		})
	}
}
