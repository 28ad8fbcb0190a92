package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAcceptedShapes(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2026-02-24T10:30:00Z", time.Date(2026, 2, 24, 10, 30, 0, 0, time.UTC)},
		{"2026-02-24T10:30:00.123Z", time.Date(2026, 2, 24, 10, 30, 0, 123_000_000, time.UTC)},
		{"2026-02-24T05:30:00-05:00", time.Date(2026, 2, 24, 10, 30, 0, 0, time.UTC)},
		{"2026-02-24T10:30:00", time.Date(2026, 2, 24, 10, 30, 0, 0, time.UTC)},
		{"2026-02-24", time.Date(2026, 2, 24, 0, 0, 0, 0, time.UTC)},
		{"  2026-02-24T10:30:00Z  ", time.Date(2026, 2, 24, 10, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, ok := Parse(tc.in)
		require.True(t, ok, "Parse(%q)", tc.in)
		assert.True(t, got.Equal(tc.want), "Parse(%q) = %v, want %v", tc.in, got, tc.want)
		assert.Equal(t, time.UTC, got.Location())
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "   ", "not-a-date", "2026-13-99", "10:30"} {
		_, ok := Parse(in)
		assert.False(t, ok, "Parse(%q) should fail", in)
	}
}

func TestFormatUTCRoundTrip(t *testing.T) {
	in := time.Date(2026, 2, 24, 5, 30, 0, 500_000_000, time.FixedZone("UTC-05:00", -5*3600))
	s := FormatUTC(in)
	assert.Equal(t, "2026-02-24T10:30:00.500Z", s)

	back, ok := Parse(s)
	require.True(t, ok)
	assert.True(t, back.Equal(in))
}

func TestFormatUTCOrderingIsLexicographic(t *testing.T) {
	// Fixed-width output: string order must match time order, the store's
	// range queries compare timestamps as text.
	a := FormatUTC(time.Date(2026, 2, 24, 9, 5, 0, 7_000_000, time.UTC))
	b := FormatUTC(time.Date(2026, 2, 24, 10, 30, 0, 0, time.UTC))
	assert.Len(t, a, len(b))
	assert.Less(t, a, b)
}

func TestParseHHMM(t *testing.T) {
	h, m, ok := ParseHHMM("23:05")
	require.True(t, ok)
	assert.Equal(t, 23, h)
	assert.Equal(t, 5, m)

	_, _, ok = ParseHHMM("")
	assert.False(t, ok)
	_, _, ok = ParseHHMM("25:00")
	assert.False(t, ok)
	_, _, ok = ParseHHMM("half past nine")
	assert.False(t, ok)
}

func TestFixedOffsetLocation(t *testing.T) {
	loc, ok := FixedOffsetLocation("-05:00")
	require.True(t, ok)
	_, offset := time.Now().In(loc).Zone()
	assert.Equal(t, -5*3600, offset)

	loc, ok = FixedOffsetLocation("+01:30")
	require.True(t, ok)
	_, offset = time.Now().In(loc).Zone()
	assert.Equal(t, 90*60, offset)

	loc, ok = FixedOffsetLocation("")
	require.True(t, ok)
	assert.Equal(t, time.Local, loc)

	for _, in := range []string{"UTC", "-5:00", "+0500", "Z", "+25:00"} {
		_, ok := FixedOffsetLocation(in)
		assert.False(t, ok, "FixedOffsetLocation(%q) should fail", in)
	}
}
