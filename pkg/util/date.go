package util

import (
	"strconv"
	"time"
)

// ParseTime tries RFC3339, RFC3339Nano, and unix seconds. Returns (t, true) if any worked.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0), true
	}
	return time.Time{}, false
}

// ParseTimeDefault parses time or returns default if empty/invalid.
func ParseTimeDefault(s string, def time.Time) time.Time {
	if t, ok := ParseTime(s); ok {
		return t
	}
	return def
}

// AlignDown floors t to the interval grid in UTC.
func AlignDown(t time.Time, interval time.Duration) time.Time {
	return t.UTC().Truncate(interval)
}

// AlignUp ceils t to the interval grid in UTC.
func AlignUp(t time.Time, interval time.Duration) time.Time {
	t = t.UTC()
	aligned := t.Truncate(interval)
	if aligned.Equal(t) {
		return aligned
	}
	return aligned.Add(interval)
}

// GridSlots counts interval slots in [from, to). Inputs should be grid-aligned.
func GridSlots(from, to time.Time, interval time.Duration) int {
	if !to.After(from) {
		return 0
	}
	return int(to.Sub(from) / interval)
}
