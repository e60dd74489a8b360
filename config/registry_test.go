package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "whitespace separated",
			raw:  "a b c",
			want: []string{"a", "b", "c"},
		},
		{
			name: "comma separated",
			raw:  "a, b, c",
			want: []string{"a", "b", "c"},
		},
		{
			name: "bracketed with quotes",
			raw:  `["a", "b", "c"]`,
			want: []string{"a", "b", "c"},
		},
		{
			name: "empty",
			raw:  "",
			want: nil,
		},
		{
			name: "single value",
			raw:  "source.ip",
			want: []string{"source.ip"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitList(tt.raw))
		})
	}
}

func TestRegistryLayering(t *testing.T) {
	base := []byte(`
[apache]
file_format = text
index_name = log-apache
max_log_count = 1000
`)
	override := []byte(`
[apache]
max_log_count = 50

[custom]
file_format = json
index_name = log-custom
`)
	r, err := NewRegistryFromBytes(base, override)
	require.NoError(t, err)

	// later layer wins per key, untouched keys survive
	n, err := r.GetInt("apache", "max_log_count", 0)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	s, err := r.GetString("apache", "index_name")
	require.NoError(t, err)
	assert.Equal(t, "log-apache", s)

	assert.True(t, r.HasType("custom"))
	assert.Contains(t, r.LogTypes(), "apache")
	assert.Contains(t, r.LogTypes(), "custom")
}

func TestRegistryTypedAccessors(t *testing.T) {
	r, err := NewRegistryFromBytes([]byte(`
[t]
file_format = text
via_cloudwatch_logs = True
log_pattern = ^(?P<host>\S+)
ecs = source.ip event.action
renamed_newfields = [{"from": "srcaddr", "to": "src_addr"}]
bad_int = abc
`))
	require.NoError(t, err)

	b, err := r.GetBool("t", "via_cloudwatch_logs")
	require.NoError(t, err)
	assert.True(t, b)

	re, err := r.GetRegex("t", "log_pattern")
	require.NoError(t, err)
	require.NotNil(t, re)
	assert.True(t, re.MatchString("web01 rest"))

	list, err := r.GetList("t", "ecs")
	require.NoError(t, err)
	assert.Equal(t, []string{"source.ip", "event.action"}, list)

	items, err := r.GetJSONList("t", "renamed_newfields")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "srcaddr", items[0]["from"])

	_, err = r.GetInt("t", "bad_int", 0)
	var keyErr *KeyError
	require.ErrorAs(t, err, &keyErr)
	assert.Equal(t, "t", keyErr.LogType)
	assert.Equal(t, "bad_int", keyErr.Key)
}

func TestRegistryMissingKeyFallsBackToDefault(t *testing.T) {
	r, err := NewRegistryFromBytes([]byte(`
index_tz = +09:00

[t]
file_format = json
`))
	require.NoError(t, err)

	tz, err := r.GetString("t", "index_tz")
	require.NoError(t, err)
	assert.Equal(t, "+09:00", tz)

	// genuinely absent key yields the zero value, not an error
	s, err := r.GetString("t", "doc_id")
	require.NoError(t, err)
	assert.Empty(t, s)
}

func TestRegistryUnknownLogType(t *testing.T) {
	r, err := NewRegistryFromBytes([]byte("[t]\nfile_format = json\n"))
	require.NoError(t, err)

	_, err = r.GetString("nope", "file_format")
	var keyErr *KeyError
	require.ErrorAs(t, err, &keyErr)
}

func TestBuiltinConfigLoads(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	assert.True(t, r.HasType("cloudtrail"))
	assert.True(t, r.HasType("vpcflowlogs"))

	lc, err := r.BuildLogConfig("cloudtrail")
	require.NoError(t, err)
	assert.Equal(t, "json", lc.FileFormat)
	assert.True(t, lc.HasIndexName())
}
