package pivot

import (
	"github.com/luckshury/whop-web-app/internal/domain/models"
	"github.com/luckshury/whop-web-app/internal/domain/repository"
)

// Detect finds the two pivots of a bucket and classifies them against the
// calendar-adjacent bucket. The bucket extremes are the highest high and the
// lowest low; the chronologically earlier extreme is P1, the later P2. Price
// ties resolve to the earliest candle, and when one candle carries both
// extremes its low is P1 and its high P2.
//
// next is the bucket immediately following b, or nil when the sequence ends;
// outcomes are untested unless next is complete and starts exactly at b.End.
// proximityPct is the held-zone tolerance in percent of the pivot level.
//
// Returns a *models.DegenerateBucketError when b has fewer than two candles.
func Detect(b Bucket, next *Bucket, proximityPct float64) (models.PivotPoint, models.PivotPoint, error) {
	if len(b.Candles) < 2 {
		return models.PivotPoint{}, models.PivotPoint{}, &models.DegenerateBucketError{
			Start:   b.Start,
			Candles: len(b.Candles),
		}
	}

	hi, lo := 0, 0
	for i, c := range b.Candles {
		if c.High > b.Candles[hi].High {
			hi = i
		}
		if c.Low < b.Candles[lo].Low {
			lo = i
		}
	}
	high, low := b.Candles[hi], b.Candles[lo]

	var p1, p2 models.PivotPoint
	if high.Timestamp.Before(low.Timestamp) {
		p1 = models.PivotPoint{Level: high.High, Role: models.RoleP1, Kind: models.KindHigh, FormedAt: high.Timestamp}
		p2 = models.PivotPoint{Level: low.Low, Role: models.RoleP2, Kind: models.KindLow, FormedAt: low.Timestamp}
	} else {
		// Low first, or both extremes on the same candle.
		p1 = models.PivotPoint{Level: low.Low, Role: models.RoleP1, Kind: models.KindLow, FormedAt: low.Timestamp}
		p2 = models.PivotPoint{Level: high.High, Role: models.RoleP2, Kind: models.KindHigh, FormedAt: high.Timestamp}
	}

	p1.Outcome = classify(p1, b, next, proximityPct)
	p2.Outcome = classify(p2, b, next, proximityPct)
	return p1, p2, nil
}

// classify scores one pivot level against the adjacent bucket. A resistance
// (high pivot) flips when the next close settles above it and holds when the
// next high comes within the proximity band without such a close; a support
// mirrors that below. Everything else is untested.
func classify(p models.PivotPoint, b Bucket, next *Bucket, proximityPct float64) models.PivotOutcome {
	if next == nil || !next.Complete || !next.Start.Equal(b.End) {
		return models.OutcomeUntested
	}
	tolerance := p.Level * proximityPct / 100
	switch p.Kind {
	case models.KindHigh:
		if next.Close > p.Level {
			return models.OutcomeFlipped
		}
		if next.High >= p.Level-tolerance {
			return models.OutcomeHeld
		}
	case models.KindLow:
		if next.Close < p.Level {
			return models.OutcomeFlipped
		}
		if next.Low <= p.Level+tolerance {
			return models.OutcomeHeld
		}
	}
	return models.OutcomeUntested
}

// Analyze runs the full pipeline over a resolved candle sequence: bucketize,
// score each complete bucket in the weekday filter, and aggregate. The
// calendar-adjacent bucket used for outcomes comes from the unfiltered
// sequence, so a weekday filter never manufactures false adjacency.
func (e *Engine) Analyze(candles []models.Candle, tf repository.Timeframe, weekdays []int, proximityPct float64) ([]models.PivotRow, models.AnalysisStats) {
	all := e.Bucketize(candles, tf)

	var allowed map[int]bool
	if len(weekdays) > 0 {
		allowed = make(map[int]bool, len(weekdays))
		for _, d := range weekdays {
			allowed[d] = true
		}
	}

	acc := NewAccumulator(tf, e.SlotCount(tf))
	rows := make([]models.PivotRow, 0, len(all))
	for i := range all {
		b := all[i]
		if !b.Complete {
			continue
		}
		if allowed != nil && !allowed[b.Weekday] {
			continue
		}
		var next *Bucket
		if i+1 < len(all) {
			next = &all[i+1]
		}

		row := models.PivotRow{
			BucketStart: b.Start,
			BucketEnd:   b.End,
			Session:     b.Session,
		}
		p1, p2, err := Detect(b, next, proximityPct)
		if err != nil {
			row.Degenerate = true
			acc.AddDegenerate()
			rows = append(rows, row)
			continue
		}
		p1.Slot = SlotOf(tf, b, p1.FormedAt)
		p2.Slot = SlotOf(tf, b, p2.FormedAt)
		row.P1, row.P2 = &p1, &p2
		acc.Add(b, p1, p2)
		rows = append(rows, row)
	}
	return rows, acc.Stats()
}
