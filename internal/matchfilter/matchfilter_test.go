package matchfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func match(t *testing.T, filter string, info map[string]any) bool {
	t.Helper()
	e, err := Parse(filter)
	require.NoError(t, err, "filter %q must parse", filter)
	return e.Match(info)
}

func TestEquality(t *testing.T) {
	info := map[string]any{"channel_id": "X", "availability": "needs_auth"}

	assert.True(t, match(t, "channel_id = 'X'", info))
	assert.False(t, match(t, "channel_id = 'Y'", info))
	assert.True(t, match(t, "channel_id != 'Y'", info))
	assert.True(t, match(t, "channel_id = 'X' & availability = 'needs_auth'", info))
	assert.False(t, match(t, "channel_id = 'X' & availability = 'public'", info))
}

func TestNumericComparison(t *testing.T) {
	info := map[string]any{"duration": 350.0, "view_count": 1000}

	assert.True(t, match(t, "duration > 300", info))
	assert.True(t, match(t, "duration >= 350", info))
	assert.False(t, match(t, "duration < 350", info))
	assert.True(t, match(t, "view_count <= 1000", info))
	assert.True(t, match(t, "duration = 350", info))
	assert.True(t, match(t, "duration != 351", info))
}

func TestRegexMatch(t *testing.T) {
	info := map[string]any{"title": "Live Concert 2024", "uploader": "SomeChannel"}

	assert.True(t, match(t, "title ~= 'Concert'", info))
	assert.True(t, match(t, "title ~= '(?i)live'", info))
	assert.False(t, match(t, "title ~= '^Concert'", info))

	_, err := Parse("title ~= '('")
	assert.Error(t, err, "bad regex must fail at parse time")
}

func TestPresenceAndTruthiness(t *testing.T) {
	info := map[string]any{
		"is_live":      false,
		"like_count":   0,
		"description":  "",
		"channel_id":   "abc",
		"formats":      []any{"a"},
		"empty_list":   []any{},
		"nil_field":    nil,
	}

	assert.True(t, match(t, "is_live?", info), "present even when falsy")
	assert.False(t, match(t, "missing?", info))
	assert.False(t, match(t, "nil_field?", info), "nil counts as absent")

	assert.False(t, match(t, "is_live", info))
	assert.False(t, match(t, "like_count", info))
	assert.False(t, match(t, "description", info))
	assert.True(t, match(t, "channel_id", info))
	assert.True(t, match(t, "formats", info))
	assert.False(t, match(t, "empty_list", info))

	assert.True(t, match(t, "!is_live", info))
	assert.True(t, match(t, "!missing", info))
	assert.False(t, match(t, "!channel_id", info))
}

func TestAbsentKeyComparisonsAreFalse(t *testing.T) {
	info := map[string]any{}

	assert.False(t, match(t, "duration > 0", info))
	assert.False(t, match(t, "duration < 100", info))
	assert.False(t, match(t, "title = ''", info))
	assert.False(t, match(t, "title != 'x'", info), "comparisons on absent keys are false, even !=")
}

func TestBooleanOperatorsAndParens(t *testing.T) {
	info := map[string]any{"a": 1, "b": 0}

	assert.True(t, match(t, "a | b", info))
	assert.False(t, match(t, "a & b", info))
	assert.True(t, match(t, "a & !b", info))
	assert.True(t, match(t, "(a | b) & a", info))
	assert.True(t, match(t, "!(a & b)", info))
}

func TestDottedKeys(t *testing.T) {
	info := map[string]any{
		"requested": map[string]any{"format": map[string]any{"height": 1080.0}},
	}

	assert.True(t, match(t, "requested.format.height >= 720", info))
	assert.False(t, match(t, "requested.format.width > 0", info))
}

func TestBareWordValues(t *testing.T) {
	info := map[string]any{"availability": "needs_auth", "live_status": "is_upcoming"}

	assert.True(t, match(t, "availability = needs_auth", info))
	assert.True(t, match(t, "live_status = is_upcoming", info))
}

func TestStringifiedNumbers(t *testing.T) {
	// JSON decoding yields float64; integral values still compare as text.
	info := map[string]any{"height": 1080.0}
	assert.True(t, match(t, "height ~= '^1080$'", info))
}

func TestParseErrors(t *testing.T) {
	for _, filter := range []string{
		"",
		"a =",
		"a = 'unterminated",
		"(a = 1",
		"a ~ b",
		"& a",
		"a = 1 b = 2",
	} {
		_, err := Parse(filter)
		assert.Error(t, err, "filter %q should not parse", filter)
	}
}
