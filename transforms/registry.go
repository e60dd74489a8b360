// Package transforms holds the per-log-type custom transform functions,
// selected by log type name at parse time. The registry replaces runtime
// script loading: built-ins register in init() and user code may override a
// type by registering again.
package transforms

import (
	"sync"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/schema"
)

// Func mutates a normalized event after field mapping and before
// enrichment. fields is the decoded source record; a Func may set the
// DocIDSuffixField in fields to steer document ID derivation.
type Func func(ev *schema.NormalizedEvent, fields map[string]any) error

// DocIDSuffixField is the well-known field a transform may set to append a
// stable suffix to the derived document ID.
const DocIDSuffixField = "__doc_id_suffix"

var (
	mu       sync.RWMutex
	registry = make(map[string]Func)
)

// Register binds a transform to a log type. A later registration replaces an
// earlier one, so user overrides win over built-ins.
func Register(logType string, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	registry[logType] = fn
}

// Lookup returns the transform for a log type, if any.
func Lookup(logType string) (Func, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := registry[logType]
	return fn, ok
}

// Registered returns the log types that have a transform bound.
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}
