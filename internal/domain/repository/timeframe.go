package repository

import "time"

// Timeframe identifies a pivot bucketing resolution.
type Timeframe string

const (
	TFHourly  Timeframe = "hourly"
	TF4H      Timeframe = "4h"
	TFSession Timeframe = "session"
	TFDaily   Timeframe = "daily"
	TFWeekly  Timeframe = "weekly"
	TFMonthly Timeframe = "monthly"
)

// AllTimeframes returns the supported timeframes in coarseness order.
func AllTimeframes() []Timeframe {
	return []Timeframe{TFHourly, TF4H, TFSession, TFDaily, TFWeekly, TFMonthly}
}

// IsValidTimeframe returns true if tf is a supported timeframe.
func IsValidTimeframe(tf Timeframe) bool {
	switch tf {
	case TFHourly, TF4H, TFSession, TFDaily, TFWeekly, TFMonthly:
		return true
	default:
		return false
	}
}

// DefaultTimeframe returns the default timeframe.
func DefaultTimeframe() Timeframe { return TFDaily }

// NormalizeTimeframe converts a raw string to a valid timeframe (or default).
func NormalizeTimeframe(s string) Timeframe {
	if s == "" {
		return DefaultTimeframe()
	}
	tf := Timeframe(s)
	if IsValidTimeframe(tf) {
		return tf
	}
	return DefaultTimeframe()
}

// DefaultTTL is the staleness horizon per timeframe when config leaves it
// unset. Finer timeframes change meaningfully within minutes; coarse ones do
// not.
func DefaultTTL(tf Timeframe) time.Duration {
	switch tf {
	case TFHourly:
		return 5 * time.Minute
	case TF4H:
		return 15 * time.Minute
	case TFSession:
		return 30 * time.Minute
	case TFDaily:
		return time.Hour
	case TFWeekly:
		return 6 * time.Hour
	case TFMonthly:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}
