// Package loader accumulates serialized events into size-bounded bulk
// payloads, ships them, and classifies the per-document results.
package loader

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/opensearch"
)

// maxPayloadBytes is the flush threshold for one bulk request. Kept under the
// 10 MiB managed-domain request cap with headroom for the action lines.
const maxPayloadBytes = 6_000_000

// maxErrorSamples caps the error reasons retained per object for logging.
const maxErrorSamples = 10

// Stats accumulates load results across all flushes for one source object.
type Stats struct {
	Success      int
	Error        int
	Excluded     int
	Counted      int
	TookMillis   int
	PayloadBytes int
	ErrorReasons []string
	RetryNeeded  bool
}

func (s *Stats) addErrorReason(reason string) {
	if len(s.ErrorReasons) < maxErrorSamples {
		s.ErrorReasons = append(s.ErrorReasons, reason)
	}
}

// DedupSet remembers document IDs already created in a serverless collection
// during this process's lifetime. Serverless rejects client-supplied IDs, so
// retried invocations would duplicate documents without it. Bounded: oldest
// entries are forgotten wholesale once the cap is reached.
type DedupSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	limit int
}

func NewDedupSet(limit int) *DedupSet {
	return &DedupSet{seen: make(map[string]struct{}), limit: limit}
}

// CheckAndAdd reports whether id was already recorded, recording it if not.
func (d *DedupSet) CheckAndAdd(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	if len(d.seen) >= d.limit {
		d.seen = make(map[string]struct{})
	}
	d.seen[id] = struct{}{}
	return false
}

// Remove forgets an id, used when the create for it failed.
func (d *DedupSet) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
}

// Loader batches documents for one source object. Not safe for concurrent
// use; each object is processed by one goroutine.
type Loader struct {
	client *opensearch.Client
	dedup  *DedupSet

	buf     bytes.Buffer
	pending []string // doc IDs in buffer order, for dedup correction
	stats   Stats
}

func New(client *opensearch.Client, dedup *DedupSet) *Loader {
	return &Loader{client: client, dedup: dedup}
}

// Add queues one document, flushing first if the payload would exceed the
// size threshold.
func (l *Loader) Add(ctx context.Context, index, docID string, doc []byte) error {
	serverless := l.client.Serverless()
	if serverless && l.dedup != nil && l.dedup.CheckAndAdd(docID) {
		// already created in an earlier attempt of this process
		l.stats.Excluded++
		return nil
	}

	action, err := opensearch.ActionLine(index, docID, serverless)
	if err != nil {
		return fmt.Errorf("building action line: %w", err)
	}

	if l.buf.Len() > 0 && l.buf.Len()+len(action)+len(doc)+2 > maxPayloadBytes {
		if err := l.Flush(ctx); err != nil {
			return err
		}
	}

	l.buf.Write(action)
	l.buf.WriteByte('\n')
	l.buf.Write(doc)
	l.buf.WriteByte('\n')
	l.pending = append(l.pending, docID)
	return nil
}

// Flush ships the buffered payload, if any, and folds the response into the
// accumulated stats.
func (l *Loader) Flush(ctx context.Context) error {
	if l.buf.Len() == 0 {
		return nil
	}
	payload := l.buf.Bytes()
	l.stats.PayloadBytes += len(payload)

	resp, status, err := l.client.Bulk(ctx, payload)
	if err != nil {
		l.rollbackPending(0)
		return fmt.Errorf("bulk request: %w", err)
	}

	if status == http.StatusForbidden && l.client.Compressing() {
		// some proxies reject Content-Encoding: gzip; downgrade once and
		// retry this payload uncompressed
		slog.Warn("bulk request got 403 with gzip enabled, disabling compression")
		l.client.DisableCompression()
		resp, status, err = l.client.Bulk(ctx, payload)
		if err != nil {
			l.rollbackPending(0)
			return fmt.Errorf("bulk request after compression downgrade: %w", err)
		}
	}
	if status >= 400 {
		l.rollbackPending(0)
		l.reset()
		l.stats.RetryNeeded = true
		return fmt.Errorf("bulk request status %d", status)
	}

	l.classify(resp)
	l.reset()
	return nil
}

// classify walks the per-item results in request order. 2xx succeeds; 400 and
// 409 are terminal document errors; anything else marks the whole object for
// retry. Failed serverless creates are removed from the dedup set so a retry
// can create them.
func (l *Loader) classify(resp *opensearch.BulkResponse) {
	l.stats.TookMillis += resp.Took
	for i, item := range resp.Items {
		res := item.Result()
		if res == nil {
			continue
		}
		switch {
		case res.Status < 300:
			l.stats.Success++
		case res.Status == http.StatusBadRequest || res.Status == http.StatusConflict:
			l.stats.Error++
			if res.Error != nil {
				l.stats.addErrorReason(fmt.Sprintf("%s: %s", res.Error.Type, res.Error.Reason))
			}
			l.rollbackOne(i)
		default:
			l.stats.RetryNeeded = true
			if res.Error != nil {
				l.stats.addErrorReason(fmt.Sprintf("status %d %s: %s", res.Status, res.Error.Type, res.Error.Reason))
			}
			l.rollbackOne(i)
		}
	}
}

func (l *Loader) rollbackOne(i int) {
	if l.dedup == nil || !l.client.Serverless() {
		return
	}
	if i < len(l.pending) {
		l.dedup.Remove(l.pending[i])
	}
}

// rollbackPending forgets dedup entries from position from onward when the
// whole request failed before yielding per-item results.
func (l *Loader) rollbackPending(from int) {
	if l.dedup == nil || !l.client.Serverless() {
		return
	}
	for _, id := range l.pending[from:] {
		l.dedup.Remove(id)
	}
}

func (l *Loader) reset() {
	l.buf.Reset()
	l.pending = l.pending[:0]
}

// AddExcluded records an event that was parsed but filtered out before
// loading.
func (l *Loader) AddExcluded() { l.stats.Excluded++ }

// AddCounted records a record observed by the decoder, loaded or not.
func (l *Loader) AddCounted() { l.stats.Counted++ }

// Stats returns the accumulated results. Call after the final Flush.
func (l *Loader) Stats() Stats { return l.stats }
