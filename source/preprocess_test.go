package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
)

func TestUnwrapCloudWatchLogs(t *testing.T) {
	f := &LogFile{
		Config: &config.LogConfig{ViaCWL: true},
		meta:   make(map[string]any),
		body: []byte(`{"messageType": "CONTROL_MESSAGE", "logEvents": [{"id": "0", "timestamp": 0, "message": "CWL CONTROL MESSAGE"}]}
{"messageType": "DATA_MESSAGE", "owner": "123456789012", "logGroup": "/var/log/secure", "logStream": "ip-10-0-0-5",
 "logEvents": [
   {"id": "e1", "timestamp": 1717243200000, "message": "Jun  1 12:00:00 host sshd[1]: Accepted publickey for alice\n"},
   {"id": "e2", "timestamp": 1717243201000, "message": "Jun  1 12:00:01 host sshd[2]: Failed password for bob"}
 ]}`),
	}

	require.NoError(t, f.preprocess())

	assert.Equal(t, "123456789012", f.meta["aws_account_id"])
	assert.Equal(t, "/var/log/secure", f.meta["cwl_log_group"])
	assert.Equal(t, "ip-10-0-0-5", f.meta["cwl_log_stream"])

	// control message dropped, two data lines kept, trailing newline trimmed
	assert.Equal(t,
		"Jun  1 12:00:00 host sshd[1]: Accepted publickey for alice\nJun  1 12:00:01 host sshd[2]: Failed password for bob\n",
		string(f.body))

	require.Len(t, f.lineMeta, 2)
	assert.Equal(t, "e1", f.lineMeta[0]["cwl_id"])
	assert.Equal(t, int64(1717243201000), f.lineMeta[1]["cwl_timestamp"])
}

func TestUnwrapFirelens(t *testing.T) {
	f := &LogFile{
		Config: &config.LogConfig{ViaFirelens: true},
		meta:   make(map[string]any),
		body: []byte(`{"log": "GET /health 200", "container_id": "abc123", "container_name": "web", "source": "stdout", "ecs_cluster": "prod"}
not json at all
{"log": "POST /login 401", "container_id": "abc123"}
`),
	}

	require.NoError(t, f.preprocess())

	assert.Equal(t, "GET /health 200\nnot json at all\nPOST /login 401\n", string(f.body))
	require.Len(t, f.lineMeta, 3)
	assert.Equal(t, "web", f.lineMeta[0]["container_name"])
	assert.Equal(t, "prod", f.lineMeta[0]["ecs_cluster"])
	// passthrough lines carry no metadata
	assert.Nil(t, f.lineMeta[1])
}

func TestResolveLogType(t *testing.T) {
	r, err := config.NewRegistryFromBytes([]byte(`
[apache]
s3_key = AccessLog/
file_format = text

[cloudtrail]
s3_key = CloudTrail/
file_format = json
`))
	require.NoError(t, err)

	assert.Equal(t, "apache", resolveLogType(r, "web/AccessLog/2024/06/01.gz"))
	assert.Equal(t, "cloudtrail", resolveLogType(r, "AWSLogs/123/CloudTrail/us-east-1/x.json.gz"))
	assert.Equal(t, "unknown", resolveLogType(r, "random/object.txt"))
}

func TestDecompress(t *testing.T) {
	plain := []byte("hello logs\n")
	got, err := decompress(plain, "file.txt")
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestKeyMetadataPatterns(t *testing.T) {
	key := "AWSLogs/123456789012/vpcflowlogs/ap-northeast-1/2024/06/01/x.gz"
	m := accountIDRe.FindStringSubmatch(key)
	require.NotNil(t, m)
	assert.Equal(t, "123456789012", m[1])
	assert.Equal(t, "ap-northeast-1", regionRe.FindString(key))
}
