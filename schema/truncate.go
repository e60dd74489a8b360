package schema

// MaxFieldBytes is the index engine's per-field size ceiling for keyword
// fields (Lucene byte-length limit).
const MaxFieldBytes = 32766

// truncationMarker terminates every truncated value so truncation is
// detectable and idempotent.
const truncationMarker = "<<truncated>>"

// TruncateOversized walks a document map and truncates any string field whose
// UTF-8 length is at or over MaxFieldBytes, appending the truncation marker.
// The @message field is exempt: it is indexed as text, not keyword.
// Re-running on already-truncated output is a no-op.
func TruncateOversized(doc map[string]any) {
	for k, v := range doc {
		if k == "@message" {
			continue
		}
		switch val := v.(type) {
		case string:
			doc[k] = truncateString(val)
		case map[string]any:
			TruncateOversized(val)
		case []any:
			for i, item := range val {
				switch inner := item.(type) {
				case string:
					val[i] = truncateString(inner)
				case map[string]any:
					TruncateOversized(inner)
				}
			}
		}
	}
}

func truncateString(s string) string {
	if len(s) < MaxFieldBytes {
		return s
	}
	limit := MaxFieldBytes - len(truncationMarker) - 1
	// avoid splitting a multi-byte rune
	for limit > 0 && s[limit]&0xC0 == 0x80 {
		limit--
	}
	return s[:limit] + truncationMarker
}
