package pivot

import (
	"math"
	"time"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	"github.com/luckshury/whop-web-app/internal/domain/repository"
)

type outcomeCounts struct {
	held     int
	flipped  int
	untested int
}

func (c *outcomeCounts) add(o models.PivotOutcome) {
	switch o {
	case models.OutcomeHeld:
		c.held++
	case models.OutcomeFlipped:
		c.flipped++
	default:
		c.untested++
	}
}

func (c *outcomeCounts) merge(o outcomeCounts) {
	c.held += o.held
	c.flipped += o.flipped
	c.untested += o.untested
}

type slotCell struct {
	p1Count int
	p2Count int
	p1Last  time.Time
	p2Last  time.Time
}

// Accumulator is an associative, commutative reduction over scored buckets.
// Two accumulators built from disjoint bucket sets merge into the same stats
// as one built from the union.
type Accumulator struct {
	tf         repository.Timeframe
	buckets    int
	degenerate int
	p1         outcomeCounts
	p2         outcomeCounts
	aboveMid   int
	belowMid   int
	slots      []slotCell
	newestEnd  time.Time
}

func NewAccumulator(tf repository.Timeframe, slotCount int) *Accumulator {
	return &Accumulator{tf: tf, slots: make([]slotCell, slotCount)}
}

// Add folds one scored bucket and its two pivots into the accumulator.
func (a *Accumulator) Add(b Bucket, p1, p2 models.PivotPoint) {
	a.buckets++
	a.p1.add(p1.Outcome)
	a.p2.add(p2.Outcome)

	mid := (p1.Level + p2.Level) / 2
	if b.Close > mid {
		a.aboveMid++
	} else if b.Close < mid {
		a.belowMid++
	}

	if p1.Slot >= 0 && p1.Slot < len(a.slots) {
		cell := &a.slots[p1.Slot]
		cell.p1Count++
		if p1.FormedAt.After(cell.p1Last) {
			cell.p1Last = p1.FormedAt
		}
	}
	if p2.Slot >= 0 && p2.Slot < len(a.slots) {
		cell := &a.slots[p2.Slot]
		cell.p2Count++
		if p2.FormedAt.After(cell.p2Last) {
			cell.p2Last = p2.FormedAt
		}
	}
	if b.End.After(a.newestEnd) {
		a.newestEnd = b.End
	}
}

// AddDegenerate counts a bucket that could not be scored.
func (a *Accumulator) AddDegenerate() {
	a.buckets++
	a.degenerate++
}

// Merge folds o into a. Counts sum, slot cells sum, recency takes the max.
func (a *Accumulator) Merge(o *Accumulator) {
	a.buckets += o.buckets
	a.degenerate += o.degenerate
	a.p1.merge(o.p1)
	a.p2.merge(o.p2)
	a.aboveMid += o.aboveMid
	a.belowMid += o.belowMid
	for i := range a.slots {
		if i >= len(o.slots) {
			break
		}
		a.slots[i].p1Count += o.slots[i].p1Count
		a.slots[i].p2Count += o.slots[i].p2Count
		if o.slots[i].p1Last.After(a.slots[i].p1Last) {
			a.slots[i].p1Last = o.slots[i].p1Last
		}
		if o.slots[i].p2Last.After(a.slots[i].p2Last) {
			a.slots[i].p2Last = o.slots[i].p2Last
		}
	}
	if o.newestEnd.After(a.newestEnd) {
		a.newestEnd = o.newestEnd
	}
}

// NewestEnd is the end of the newest scored bucket, the reference point for
// frequency recency. Zero when nothing was scored.
func (a *Accumulator) NewestEnd() time.Time { return a.newestEnd }

// Stats finalizes the accumulator. When no bucket could be scored the result
// carries InsufficientData and zeroed rates rather than NaN divisions.
func (a *Accumulator) Stats() models.AnalysisStats {
	scored := a.buckets - a.degenerate
	st := models.AnalysisStats{
		Buckets:    a.buckets,
		Scored:     scored,
		Degenerate: a.degenerate,
	}
	if scored == 0 {
		st.InsufficientData = true
		return st
	}

	st.P1 = roleStats(a.p1, scored)
	st.P2 = roleStats(a.p2, scored)
	var overall outcomeCounts
	overall.merge(a.p1)
	overall.merge(a.p2)
	st.Overall = roleStats(overall, scored*2)

	st.AboveMid = a.aboveMid
	st.BelowMid = a.belowMid
	if n := a.aboveMid + a.belowMid; n > 0 {
		st.BiasRatio = float64(a.aboveMid) / float64(n)
	}
	st.Frequency = a.frequencyRows(scored)
	return st
}

func roleStats(c outcomeCounts, scored int) models.RoleStats {
	rs := models.RoleStats{
		Scored:   scored,
		Held:     c.held,
		Flipped:  c.flipped,
		Untested: c.untested,
	}
	rs.HeldPct = pct(c.held, scored)
	rs.FlippedPct = pct(c.flipped, scored)
	rs.UntestedPct = pct(c.untested, scored)
	return rs
}

func (a *Accumulator) frequencyRows(scored int) []models.FrequencyRow {
	rows := make([]models.FrequencyRow, len(a.slots))
	for i, cell := range a.slots {
		row := models.FrequencyRow{
			Slot:    i,
			Label:   SlotLabel(a.tf, i),
			P1Count: cell.p1Count,
			P1Pct:   round1(pct(cell.p1Count, scored)),
			P2Count: cell.p2Count,
			P2Pct:   round1(pct(cell.p2Count, scored)),
		}
		if !cell.p1Last.IsZero() {
			t := cell.p1Last
			row.P1Last = &t
		}
		if !cell.p2Last.IsZero() {
			t := cell.p2Last
			row.P2Last = &t
		}
		rows[i] = row
	}
	return rows
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
