// Package timeutil normalizes the timestamp formats used by the Arr APIs and
// the state store. All persisted timestamps are ISO-8601 UTC.
package timeutil

import (
	"strings"
	"time"
)

// Layout is the fixed-width format used for persisted timestamps. Constant
// width keeps lexicographic ordering identical to chronological ordering,
// which the store's range queries rely on.
const Layout = "2006-01-02T15:04:05.000Z07:00"

// FormatUTC renders t as a persisted UTC timestamp.
func FormatUTC(t time.Time) string {
	return t.UTC().Format(Layout)
}

// NowUTC returns the current instant in the persisted format.
func NowUTC() string {
	return FormatUTC(time.Now())
}

// Parse interprets an ISO-8601 timestamp. Accepts a trailing "Z" or a
// "+HH:MM"/"-HH:MM" offset, fractional seconds, a missing offset (treated as
// UTC), and bare dates ("2026-02-24" means midnight UTC). Returns the zero
// time when the value cannot be understood.
func Parse(value string) (time.Time, bool) {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, false
	}

	// Date-only: two dashes, ten characters.
	if len(s) == 10 && strings.Count(s, "-") == 2 {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05.999999999",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseHHMM parses a clock time like "23:00" into hour and minute.
func ParseHHMM(value string) (hour, minute int, ok bool) {
	s := strings.TrimSpace(value)
	if s == "" {
		return 0, 0, false
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

// FixedOffsetLocation parses a fixed UTC offset like "-05:00" or "+01:30".
// An empty value means the host-local timezone.
func FixedOffsetLocation(offset string) (*time.Location, bool) {
	s := strings.TrimSpace(offset)
	if s == "" {
		return time.Local, true
	}
	if len(s) != 6 || (s[0] != '+' && s[0] != '-') || s[3] != ':' {
		return nil, false
	}
	t, err := time.Parse("15:04", s[1:])
	if err != nil {
		return nil, false
	}
	seconds := t.Hour()*3600 + t.Minute()*60
	if s[0] == '-' {
		seconds = -seconds
	}
	return time.FixedZone("UTC"+s, seconds), true
}
