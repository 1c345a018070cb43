package pivot

import (
	"github.com/luckshury/whop-web-app/internal/domain/models"
	"github.com/luckshury/whop-web-app/internal/domain/repository"
)

// Snapshot computes the provisional pivot state of the newest bucket in the
// candle sequence, whether or not that bucket is complete. Provisional
// outcomes are always untested. freq is the historical frequency table used
// for flip risk; empty skips the assessment. AsOf is derived from the candle
// data, never the wall clock, so identical inputs give identical snapshots.
func (e *Engine) Snapshot(candles []models.Candle, tf repository.Timeframe, freq []models.FrequencyRow) (models.PivotSnapshot, error) {
	if len(candles) == 0 {
		return models.PivotSnapshot{}, &models.InsufficientDataError{Reason: "no candles in range"}
	}

	all := e.Bucketize(candles, tf)
	last := all[len(all)-1]
	snap := models.PivotSnapshot{
		BucketStart: last.Start,
		BucketEnd:   last.End,
		Candles:     len(last.Candles),
		AsOf:        last.Candles[len(last.Candles)-1].Timestamp,
	}

	p1, p2, err := Detect(last, nil, 0)
	if err != nil {
		snap.Degenerate = true
		return snap, nil
	}
	p1.Slot = SlotOf(tf, last, p1.FormedAt)
	p2.Slot = SlotOf(tf, last, p2.FormedAt)
	snap.P1, snap.P2 = &p1, &p2

	if len(freq) > 0 {
		risk := AssessFlipRisk(freq, p2.Slot, SlotOf(tf, last, snap.AsOf))
		snap.FlipRisk = &risk
	}
	return snap, nil
}
