package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type PivotRole string

const (
	RoleP1 PivotRole = "P1"
	RoleP2 PivotRole = "P2"
)

type PivotKind string

const (
	KindHigh PivotKind = "high"
	KindLow  PivotKind = "low"
)

type PivotOutcome string

const (
	OutcomeHeld     PivotOutcome = "held"
	OutcomeFlipped  PivotOutcome = "flipped"
	OutcomeUntested PivotOutcome = "untested"
)

// PivotPoint is one detected level within a bucket. Slot is the formation
// position inside the bucket (hour of day for daily buckets, weekday for
// weekly, see pivot.SlotOf).
type PivotPoint struct {
	Level    float64      `json:"level"`
	Role     PivotRole    `json:"role"`
	Kind     PivotKind    `json:"kind"`
	FormedAt time.Time    `json:"formed_at"`
	Slot     int          `json:"slot"`
	Outcome  PivotOutcome `json:"outcome"`
}

// PivotRow is one bucket's entry in the analysis table. Degenerate rows carry
// no pivots.
type PivotRow struct {
	BucketStart time.Time   `json:"bucket_start"`
	BucketEnd   time.Time   `json:"bucket_end"`
	Session     string      `json:"session,omitempty"`
	Degenerate  bool        `json:"degenerate,omitempty"`
	P1          *PivotPoint `json:"p1,omitempty"`
	P2          *PivotPoint `json:"p2,omitempty"`
}

// RoleStats aggregates outcome counts for one pivot role. Percentages are
// over Scored and sum to 100 within rounding.
type RoleStats struct {
	Scored      int     `json:"scored"`
	Held        int     `json:"held"`
	Flipped     int     `json:"flipped"`
	Untested    int     `json:"untested"`
	HeldPct     float64 `json:"held_pct"`
	FlippedPct  float64 `json:"flipped_pct"`
	UntestedPct float64 `json:"untested_pct"`
}

// FrequencyRow is one formation slot of the frequency table: how often P1/P2
// formed there across the scored buckets, and when each last did.
type FrequencyRow struct {
	Slot    int        `json:"slot"`
	Label   string     `json:"label"`
	P1Count int        `json:"p1_count"`
	P1Pct   float64    `json:"p1_pct"`
	P1Last  *time.Time `json:"p1_last,omitempty"`
	P2Count int        `json:"p2_count"`
	P2Pct   float64    `json:"p2_pct"`
	P2Last  *time.Time `json:"p2_last,omitempty"`
}

// AnalysisStats is the aggregate over all scored buckets.
type AnalysisStats struct {
	Buckets          int            `json:"buckets"`
	Scored           int            `json:"scored"`
	Degenerate       int            `json:"degenerate"`
	P1               RoleStats      `json:"p1"`
	P2               RoleStats      `json:"p2"`
	Overall          RoleStats      `json:"overall"`
	AboveMid         int            `json:"above_mid"`
	BelowMid         int            `json:"below_mid"`
	BiasRatio        float64        `json:"bias_ratio"`
	InsufficientData bool           `json:"insufficient_data"`
	Frequency        []FrequencyRow `json:"frequency,omitempty"`
}

// AnalysisResult is the cached analysis artifact, unique per AnalysisKey.
type AnalysisResult struct {
	Ticker        string        `json:"ticker"`
	Timeframe     string        `json:"timeframe"`
	DateRangeDays int           `json:"date_range_days"`
	Weekdays      []int         `json:"weekdays"`
	PivotTable    []PivotRow    `json:"pivot_table"`
	Stats         AnalysisStats `json:"stats"`
	Degraded      bool          `json:"degraded,omitempty"`
	Warning       string        `json:"warning,omitempty"`
	LastUpdated   time.Time     `json:"last_updated"`
}

// FlipRisk is the snapshot assessment derived from the frequency table and
// the in-progress bucket's provisional pivots.
type FlipRisk struct {
	P1FlipPct float64 `json:"p1_flip_pct"`
	Level     string  `json:"level"`
	P2FormPct float64 `json:"p2_form_pct"`
}

// PivotSnapshot is the provisional state of the newest (possibly partial)
// bucket. AsOf is the newest candle timestamp, not the wall clock.
type PivotSnapshot struct {
	Ticker      string      `json:"ticker"`
	Timeframe   string      `json:"timeframe"`
	BucketStart time.Time   `json:"bucket_start"`
	BucketEnd   time.Time   `json:"bucket_end"`
	Candles     int         `json:"candles"`
	Degenerate  bool        `json:"degenerate,omitempty"`
	P1          *PivotPoint `json:"p1,omitempty"`
	P2          *PivotPoint `json:"p2,omitempty"`
	FlipRisk    *FlipRisk   `json:"flip_risk,omitempty"`
	AsOf        time.Time   `json:"as_of"`
}

// AnalysisKey uniquely identifies a cached analysis. Weekdays are normalized
// (sorted, deduplicated) so parameter order never splits the key space.
type AnalysisKey struct {
	Ticker    string
	Timeframe string
	Days      int
	Weekdays  []int
}

func NewAnalysisKey(ticker, timeframe string, days int, weekdays []int) AnalysisKey {
	return AnalysisKey{
		Ticker:    strings.ToUpper(ticker),
		Timeframe: timeframe,
		Days:      days,
		Weekdays:  NormalizeWeekdays(weekdays),
	}
}

// String renders the canonical cache key, e.g. "BTCUSDT:daily:180:0-1-2-3-4".
// An empty weekday filter canonicalizes to "all".
func (k AnalysisKey) String() string {
	wd := "all"
	if len(k.Weekdays) > 0 {
		parts := make([]string, len(k.Weekdays))
		for i, d := range k.Weekdays {
			parts[i] = fmt.Sprintf("%d", d)
		}
		wd = strings.Join(parts, "-")
	}
	return fmt.Sprintf("%s:%s:%d:%s", k.Ticker, k.Timeframe, k.Days, wd)
}

// NormalizeWeekdays sorts and deduplicates a weekday filter
// (0=Monday..6=Sunday). Nil stays nil (no filter).
func NormalizeWeekdays(weekdays []int) []int {
	if len(weekdays) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(weekdays))
	out := make([]int, 0, len(weekdays))
	for _, d := range weekdays {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Ints(out)
	return out
}

// ParseWeekdays parses a CSV weekday filter ("0,1,4") into a normalized
// slice. An empty string means no filter.
func ParseWeekdays(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("weekday %q is not a number", p)
		}
		if d < 0 || d > 6 {
			return nil, fmt.Errorf("weekday %d out of range 0..6", d)
		}
		out = append(out, d)
	}
	return NormalizeWeekdays(out), nil
}
