package pivot

import (
	"fmt"
	"time"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	"github.com/luckshury/whop-web-app/internal/domain/repository"
)

// Formation slots discretize where inside its bucket a pivot formed: the
// 15-minute offset for hourly buckets, the hour offset for 4h and session
// buckets, the hour of day for daily, the weekday for weekly, and the day of
// month for monthly. Slots are zero-based.

// SlotOf returns the formation slot of ts within bucket b for tf.
func SlotOf(tf repository.Timeframe, b Bucket, ts time.Time) int {
	ts = ts.UTC()
	switch tf {
	case repository.TFHourly:
		return ts.Minute() / 15
	case repository.TF4H, repository.TFSession:
		return int(ts.Sub(b.Start) / time.Hour)
	case repository.TFDaily:
		return ts.Hour()
	case repository.TFWeekly:
		return Weekday(ts)
	case repository.TFMonthly:
		return ts.Day() - 1
	default:
		return 0
	}
}

// SlotCount returns how many slots tf exposes. Session timeframes take the
// longest configured session.
func (e *Engine) SlotCount(tf repository.Timeframe) int {
	switch tf {
	case repository.TFHourly, repository.TF4H:
		return 4
	case repository.TFSession:
		max := 0
		for _, s := range e.sessions {
			if n := s.EndHour - s.StartHour; n > max {
				max = n
			}
		}
		return max
	case repository.TFDaily:
		return 24
	case repository.TFWeekly:
		return 7
	case repository.TFMonthly:
		return 31
	default:
		return 24
	}
}

var weekdayLabels = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// SlotLabel renders a slot for display: ":15" for hourly offsets, "+2h" for
// intra-bucket hours, "13:00" for hours of day, weekday names, or the day of
// month.
func SlotLabel(tf repository.Timeframe, slot int) string {
	switch tf {
	case repository.TFHourly:
		return fmt.Sprintf(":%02d", slot*15)
	case repository.TF4H, repository.TFSession:
		return fmt.Sprintf("+%dh", slot)
	case repository.TFDaily:
		return fmt.Sprintf("%02d:00", slot)
	case repository.TFWeekly:
		if slot >= 0 && slot < len(weekdayLabels) {
			return weekdayLabels[slot]
		}
		return fmt.Sprintf("day %d", slot)
	case repository.TFMonthly:
		return fmt.Sprintf("%02d", slot+1)
	default:
		return fmt.Sprintf("%d", slot)
	}
}

// AssessFlipRisk derives the live flip odds for an in-progress bucket from
// the historical frequency table. p2Slot is the slot of the current
// provisional P2, refSlot the slot "now" falls in. The P1 share at or after
// the P2 slot is the chance the current P2 is displaced into a P1; the P2
// share strictly after now is the chance a fresh P2 still forms.
func AssessFlipRisk(rows []models.FrequencyRow, p2Slot, refSlot int) models.FlipRisk {
	var p1AtOrAfter, p2After float64
	for _, r := range rows {
		if r.Slot >= p2Slot {
			p1AtOrAfter += r.P1Pct
		}
		if r.Slot > refSlot {
			p2After += r.P2Pct
		}
	}

	level := "high"
	switch {
	case p1AtOrAfter < 20:
		level = "low"
	case p1AtOrAfter < 50:
		level = "moderate"
	}
	return models.FlipRisk{
		P1FlipPct: round1(p1AtOrAfter),
		Level:     level,
		P2FormPct: round1(p2After),
	}
}
