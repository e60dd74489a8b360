package decoders

import (
	"log/slog"
	"sync"
)

// maxLoggedDecodeErrors caps per-type decode error log lines; after the cap a
// single critical notice is emitted and further errors are counted silently.
const maxLoggedDecodeErrors = 10

// ErrorTracker counts decode errors per log type across the process lifetime.
// Safe for concurrent use so the local batch mode can share one instance.
type ErrorTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{counts: make(map[string]int)}
}

// Observe records one decode error and logs it, rate-limited per log type.
func (t *ErrorTracker) Observe(logType, raw string, err error) {
	t.mu.Lock()
	t.counts[logType]++
	n := t.counts[logType]
	t.mu.Unlock()

	switch {
	case n <= maxLoggedDecodeErrors:
		slog.Error("decode error", "log_type", logType, "error", err, "raw", raw)
	case n == maxLoggedDecodeErrors+1:
		slog.Error("too many decode errors, suppressing further messages",
			"log_type", logType, "logged", maxLoggedDecodeErrors)
	}
}

// Count returns the number of decode errors observed for a log type.
func (t *ErrorTracker) Count(logType string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[logType]
}
