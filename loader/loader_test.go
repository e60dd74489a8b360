package loader

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/opensearch"
)

// bulkServer fakes the _bulk endpoint, returning queued responses in order.
type bulkServer struct {
	t         *testing.T
	responses []bulkReply
	requests  []string
	gzipped   []bool
}

type bulkReply struct {
	status int
	body   string
}

func (b *bulkServer) handler(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	gzipped := r.Header.Get("Content-Encoding") == "gzip"
	if gzipped {
		zr, err := gzip.NewReader(r.Body)
		require.NoError(b.t, err)
		body = zr
	}
	payload, err := io.ReadAll(body)
	require.NoError(b.t, err)
	b.requests = append(b.requests, string(payload))
	b.gzipped = append(b.gzipped, gzipped)

	reply := bulkReply{status: 200, body: `{"took": 1, "errors": false, "items": []}`}
	if len(b.responses) > 0 {
		reply = b.responses[0]
		b.responses = b.responses[1:]
	}
	w.WriteHeader(reply.status)
	w.Write([]byte(reply.body))
}

func newBulkClient(t *testing.T, srv *bulkServer) *opensearch.Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(ts.Close)
	c, err := opensearch.New(ts.URL, opensearch.Auth{}, 0)
	require.NoError(t, err)
	return c
}

func TestLoaderClassification(t *testing.T) {
	srv := &bulkServer{t: t, responses: []bulkReply{{200, `{
		"took": 7, "errors": true, "items": [
			{"index": {"_index": "log-x", "_id": "a", "status": 201}},
			{"index": {"_index": "log-x", "_id": "b", "status": 409, "error": {"type": "version_conflict_engine_exception", "reason": "exists"}}},
			{"index": {"_index": "log-x", "_id": "c", "status": 400, "error": {"type": "mapper_parsing_exception", "reason": "bad field"}}}
		]}`}}}
	l := New(newBulkClient(t, srv), nil)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.Add(context.Background(), "log-x", id, []byte(`{"f":1}`)))
	}
	require.NoError(t, l.Flush(context.Background()))

	stats := l.Stats()
	assert.Equal(t, 1, stats.Success)
	// 409 and 400 are terminal document errors, not retries
	assert.Equal(t, 2, stats.Error)
	assert.False(t, stats.RetryNeeded)
	assert.Equal(t, 7, stats.TookMillis)
	require.Len(t, stats.ErrorReasons, 2)
	assert.Contains(t, stats.ErrorReasons[0], "version_conflict_engine_exception")
}

func TestLoaderRetryOnServerError(t *testing.T) {
	srv := &bulkServer{t: t, responses: []bulkReply{{200, `{
		"took": 1, "errors": true, "items": [
			{"index": {"_id": "a", "status": 201}},
			{"index": {"_id": "b", "status": 503, "error": {"type": "unavailable_shards_exception", "reason": "busy"}}}
		]}`}}}
	l := New(newBulkClient(t, srv), nil)

	require.NoError(t, l.Add(context.Background(), "log-x", "a", []byte(`{}`)))
	require.NoError(t, l.Add(context.Background(), "log-x", "b", []byte(`{}`)))
	require.NoError(t, l.Flush(context.Background()))

	stats := l.Stats()
	// the whole object is retried even though one document landed
	assert.True(t, stats.RetryNeeded)
	assert.Equal(t, 1, stats.Success)
}

func TestLoaderWholeRequestFailure(t *testing.T) {
	srv := &bulkServer{t: t, responses: []bulkReply{{503, `{"error": "unavailable"}`}}}
	l := New(newBulkClient(t, srv), nil)

	require.NoError(t, l.Add(context.Background(), "log-x", "a", []byte(`{}`)))
	err := l.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, l.Stats().RetryNeeded)
}

func TestLoaderCompressionDowngradeOn403(t *testing.T) {
	srv := &bulkServer{t: t, responses: []bulkReply{
		{403, `{"message": "compression not allowed"}`},
		{200, `{"took": 1, "errors": false, "items": [{"index": {"_id": "a", "status": 201}}]}`},
	}}
	client := newBulkClient(t, srv)
	l := New(client, nil)

	require.NoError(t, l.Add(context.Background(), "log-x", "a", []byte(`{"f":1}`)))
	require.NoError(t, l.Flush(context.Background()))

	require.Len(t, srv.requests, 2)
	assert.True(t, srv.gzipped[0])
	assert.False(t, srv.gzipped[1])
	assert.False(t, client.Compressing())
	assert.Equal(t, 1, l.Stats().Success)
}

func TestLoaderPayloadShape(t *testing.T) {
	srv := &bulkServer{t: t}
	l := New(newBulkClient(t, srv), nil)

	require.NoError(t, l.Add(context.Background(), "log-x", "id1", []byte(`{"a":1}`)))
	require.NoError(t, l.Flush(context.Background()))

	require.Len(t, srv.requests, 1)
	lines := strings.Split(strings.TrimSpace(srv.requests[0]), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"index": {"_index": "log-x", "_id": "id1"}}`, lines[0])
	assert.JSONEq(t, `{"a":1}`, lines[1])
}

func TestLoaderFlushEmpty(t *testing.T) {
	srv := &bulkServer{t: t}
	l := New(newBulkClient(t, srv), nil)
	require.NoError(t, l.Flush(context.Background()))
	assert.Empty(t, srv.requests)
}

func TestLoaderServerlessDedupRollback(t *testing.T) {
	srv := &bulkServer{t: t, responses: []bulkReply{
		{200, `{"took": 1, "errors": true, "items": [
			{"create": {"status": 201}},
			{"create": {"status": 503, "error": {"type": "unavailable_shards_exception", "reason": "busy"}}}
		]}`},
		{200, `{"took": 1, "errors": false, "items": [{"create": {"status": 201}}]}`},
	}}
	client := newBulkClient(t, srv)
	client.UseServerless()
	dedup := NewDedupSet(100)

	l := New(client, dedup)
	require.NoError(t, l.Add(context.Background(), "log-x", "a", []byte(`{"doc":"a"}`)))
	require.NoError(t, l.Add(context.Background(), "log-x", "b", []byte(`{"doc":"b"}`)))
	require.NoError(t, l.Flush(context.Background()))

	stats := l.Stats()
	assert.Equal(t, 1, stats.Success)
	assert.True(t, stats.RetryNeeded)

	// redelivery of the same object: the landed document is skipped via the
	// dedup set, only the failed one is sent again
	l2 := New(client, dedup)
	require.NoError(t, l2.Add(context.Background(), "log-x", "a", []byte(`{"doc":"a"}`)))
	require.NoError(t, l2.Add(context.Background(), "log-x", "b", []byte(`{"doc":"b"}`)))
	require.NoError(t, l2.Flush(context.Background()))

	require.Len(t, srv.requests, 2)
	assert.Contains(t, srv.requests[1], `{"doc":"b"}`)
	assert.NotContains(t, srv.requests[1], `{"doc":"a"}`)
	assert.Equal(t, 1, l2.Stats().Success)
	assert.Equal(t, 1, l2.Stats().Excluded)
}

func TestDedupSet(t *testing.T) {
	d := NewDedupSet(3)
	assert.False(t, d.CheckAndAdd("a"))
	assert.True(t, d.CheckAndAdd("a"))

	d.Remove("a")
	assert.False(t, d.CheckAndAdd("a"))

	// cap reached: set is cleared wholesale, earlier ids forgotten
	d.CheckAndAdd("b")
	d.CheckAndAdd("c")
	assert.False(t, d.CheckAndAdd("d"))
	assert.False(t, d.CheckAndAdd("a"))
}
