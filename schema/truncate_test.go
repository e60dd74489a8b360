package schema

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateOversized(t *testing.T) {
	long := strings.Repeat("x", MaxFieldBytes+100)
	doc := map[string]any{
		"short":    "fine",
		"long":     long,
		"@message": long,
		"nested": map[string]any{
			"inner": long,
		},
		"list": []any{long, "ok"},
	}

	TruncateOversized(doc)

	assert.Equal(t, "fine", doc["short"])
	assert.Less(t, len(doc["long"].(string)), MaxFieldBytes)
	assert.True(t, strings.HasSuffix(doc["long"].(string), truncationMarker))

	// @message is indexed as text, never truncated
	assert.Len(t, doc["@message"], MaxFieldBytes+100)

	nested := doc["nested"].(map[string]any)
	assert.True(t, strings.HasSuffix(nested["inner"].(string), truncationMarker))

	list := doc["list"].([]any)
	assert.True(t, strings.HasSuffix(list[0].(string), truncationMarker))
	assert.Equal(t, "ok", list[1])
}

func TestTruncateOversizedIdempotent(t *testing.T) {
	doc := map[string]any{"long": strings.Repeat("x", MaxFieldBytes*2)}
	TruncateOversized(doc)
	once := doc["long"].(string)

	TruncateOversized(doc)
	assert.Equal(t, once, doc["long"].(string))
}

func TestTruncateStringRuneBoundary(t *testing.T) {
	// multi-byte runes positioned across the cut point must not be split
	long := strings.Repeat("日", MaxFieldBytes) // 3 bytes each
	got := truncateString(long)

	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, truncationMarker))
	assert.Less(t, len(got), MaxFieldBytes)
}

func TestSerializeNestsExtraUnderPrefix(t *testing.T) {
	ev := &NormalizedEvent{
		ID:          "abc",
		LogType:     "apache",
		ExtraPrefix: "apache",
		Extra:       map[string]any{"remote": "192.0.2.1"},
	}
	doc, err := ev.MarshalMap()
	require.NoError(t, err)

	sub, ok := doc["apache"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "192.0.2.1", sub["remote"])
	assert.Equal(t, "abc", doc["@id"])
}
