// Package pivot implements time bucketing, P1/P2 pivot detection, and
// statistics aggregation over fixed-granularity OHLCV candles. Everything
// here is a pure function of its inputs: no wall clock, no I/O.
package pivot

import (
	"fmt"
	"time"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	"github.com/luckshury/whop-web-app/internal/domain/repository"
)

// Session is one fixed UTC trading window [StartHour, EndHour).
type Session struct {
	Name      string `yaml:"name" json:"name"`
	StartHour int    `yaml:"start_hour" json:"start_hour"`
	EndHour   int    `yaml:"end_hour" json:"end_hour"`
}

// DefaultSessions partitions the UTC day into the three classic regions.
func DefaultSessions() []Session {
	return []Session{
		{Name: "asia", StartHour: 0, EndHour: 8},
		{Name: "london", StartHour: 8, EndHour: 16},
		{Name: "newyork", StartHour: 16, EndHour: 24},
	}
}

// ValidateSessions checks that the table partitions the 24h day: ascending,
// contiguous, starting at 0 and ending at 24.
func ValidateSessions(sessions []Session) error {
	if len(sessions) == 0 {
		return fmt.Errorf("empty session table")
	}
	prev := 0
	for _, s := range sessions {
		if s.Name == "" {
			return fmt.Errorf("session without a name")
		}
		if s.StartHour != prev {
			return fmt.Errorf("session %s starts at %d, want %d", s.Name, s.StartHour, prev)
		}
		if s.EndHour <= s.StartHour || s.EndHour > 24 {
			return fmt.Errorf("session %s has invalid end hour %d", s.Name, s.EndHour)
		}
		prev = s.EndHour
	}
	if prev != 24 {
		return fmt.Errorf("session table covers up to hour %d, want 24", prev)
	}
	return nil
}

// Bucket is a contiguous timeframe-aligned window of candles: [Start, End).
// Complete is false for the leading/trailing bucket when the candle span
// begins or ends inside it; incomplete buckets are never pivot-scored.
type Bucket struct {
	Start    time.Time
	End      time.Time
	Session  string
	Weekday  int
	Complete bool
	Candles  []models.Candle

	// Derived window OHLC.
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// Weekday maps t to the 0=Monday..6=Sunday convention.
func Weekday(t time.Time) int {
	return (int(t.UTC().Weekday()) + 6) % 7
}

// Engine buckets candle sequences per timeframe.
type Engine struct {
	sessions []Session
}

func NewEngine(sessions []Session) *Engine {
	if len(sessions) == 0 {
		sessions = DefaultSessions()
	}
	return &Engine{sessions: sessions}
}

// Sessions returns the engine's session table.
func (e *Engine) Sessions() []Session { return e.sessions }

// bucketStart truncates ts to its bucket origin for tf and names the session
// when tf is session-based.
func (e *Engine) bucketStart(ts time.Time, tf repository.Timeframe) (time.Time, string) {
	ts = ts.UTC()
	switch tf {
	case repository.TFHourly:
		return ts.Truncate(time.Hour), ""
	case repository.TF4H:
		return ts.Truncate(4 * time.Hour), ""
	case repository.TFSession:
		day := ts.Truncate(24 * time.Hour)
		for _, s := range e.sessions {
			if ts.Hour() >= s.StartHour && ts.Hour() < s.EndHour {
				return day.Add(time.Duration(s.StartHour) * time.Hour), s.Name
			}
		}
		last := e.sessions[len(e.sessions)-1]
		return day.Add(time.Duration(last.StartHour) * time.Hour), last.Name
	case repository.TFDaily:
		return ts.Truncate(24 * time.Hour), ""
	case repository.TFWeekly:
		day := ts.Truncate(24 * time.Hour)
		return day.AddDate(0, 0, -Weekday(day)), ""
	case repository.TFMonthly:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC), ""
	default:
		return ts.Truncate(24 * time.Hour), ""
	}
}

// bucketEnd returns the exclusive end for a bucket starting at start.
func (e *Engine) bucketEnd(start time.Time, tf repository.Timeframe, session string) time.Time {
	switch tf {
	case repository.TFHourly:
		return start.Add(time.Hour)
	case repository.TF4H:
		return start.Add(4 * time.Hour)
	case repository.TFSession:
		for _, s := range e.sessions {
			if s.Name == session {
				return start.Add(time.Duration(s.EndHour-s.StartHour) * time.Hour)
			}
		}
		return start.Add(8 * time.Hour)
	case repository.TFWeekly:
		return start.AddDate(0, 0, 7)
	case repository.TFMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.Add(24 * time.Hour)
	}
}

// Bucketize groups an ascending, deduplicated candle sequence into aligned
// buckets. Output buckets are ascending and non-overlapping; their union
// covers the candle span. Identical input always yields identical boundaries.
func (e *Engine) Bucketize(candles []models.Candle, tf repository.Timeframe) []Bucket {
	if len(candles) == 0 {
		return nil
	}

	var out []Bucket
	var cur *Bucket
	for _, c := range candles {
		start, session := e.bucketStart(c.Timestamp, tf)
		if cur == nil || !start.Equal(cur.Start) {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &Bucket{
				Start:   start,
				End:     e.bucketEnd(start, tf, session),
				Session: session,
				Weekday: Weekday(start),
				Open:    c.Open,
				High:    c.High,
				Low:     c.Low,
			}
		}
		cur.Candles = append(cur.Candles, c)
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
	}
	out = append(out, *cur)

	// Boundary completeness: the first bucket is partial when the span begins
	// inside it, the last when the span ends inside it. Interior buckets are
	// complete by construction.
	for i := range out {
		out[i].Complete = true
	}
	first := &out[0]
	if !first.Candles[0].Timestamp.Equal(first.Start) {
		first.Complete = false
	}
	last := &out[len(out)-1]
	tail := last.Candles[len(last.Candles)-1].Timestamp.Add(models.SourceInterval)
	if !tail.Equal(last.End) {
		last.Complete = false
	}
	return out
}

// FilterWeekdays retains buckets whose start weekday (0=Monday..6=Sunday) is
// listed. An empty filter retains everything.
func FilterWeekdays(buckets []Bucket, weekdays []int) []Bucket {
	if len(weekdays) == 0 {
		return buckets
	}
	allowed := make(map[int]bool, len(weekdays))
	for _, d := range weekdays {
		allowed[d] = true
	}
	out := make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		if allowed[b.Weekday] {
			out = append(out, b)
		}
	}
	return out
}

// Buckets composes Bucketize and FilterWeekdays.
func (e *Engine) Buckets(candles []models.Candle, tf repository.Timeframe, weekdays []int) []Bucket {
	return FilterWeekdays(e.Bucketize(candles, tf), weekdays)
}
