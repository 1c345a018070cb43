package pivot

import (
	"testing"
	"time"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	"github.com/luckshury/whop-web-app/internal/domain/repository"
)

func TestSlotOf(t *testing.T) {
	e := NewEngine(nil)
	ts := time.Date(2024, 1, 3, 13, 30, 0, 0, time.UTC) // Wednesday

	cases := []struct {
		tf   repository.Timeframe
		want int
	}{
		{repository.TFHourly, 2},  // :30 within the hour
		{repository.TF4H, 1},      // 13:30 inside 12-16
		{repository.TFSession, 5}, // 13:30 inside london 8-16
		{repository.TFDaily, 13},
		{repository.TFWeekly, 2},
		{repository.TFMonthly, 2},
	}
	for _, c := range cases {
		start, _ := e.bucketStart(ts, c.tf)
		b := Bucket{Start: start}
		if got := SlotOf(c.tf, b, ts); got != c.want {
			t.Errorf("%s slot = %d, want %d", c.tf, got, c.want)
		}
	}
}

func TestSlotCount(t *testing.T) {
	e := NewEngine(nil)
	cases := map[repository.Timeframe]int{
		repository.TFHourly:  4,
		repository.TF4H:      4,
		repository.TFSession: 8,
		repository.TFDaily:   24,
		repository.TFWeekly:  7,
		repository.TFMonthly: 31,
	}
	for tf, want := range cases {
		if got := e.SlotCount(tf); got != want {
			t.Errorf("%s slot count = %d, want %d", tf, got, want)
		}
	}
}

func TestSlotLabel(t *testing.T) {
	cases := []struct {
		tf   repository.Timeframe
		slot int
		want string
	}{
		{repository.TFHourly, 1, ":15"},
		{repository.TF4H, 2, "+2h"},
		{repository.TFSession, 0, "+0h"},
		{repository.TFDaily, 9, "09:00"},
		{repository.TFWeekly, 0, "Monday"},
		{repository.TFWeekly, 6, "Sunday"},
		{repository.TFMonthly, 0, "01"},
	}
	for _, c := range cases {
		if got := SlotLabel(c.tf, c.slot); got != c.want {
			t.Errorf("%s slot %d label = %q, want %q", c.tf, c.slot, got, c.want)
		}
	}
}

func TestAssessFlipRisk(t *testing.T) {
	rows := []models.FrequencyRow{
		{Slot: 0, P1Pct: 5, P2Pct: 10},
		{Slot: 1, P1Pct: 10, P2Pct: 20},
		{Slot: 2, P1Pct: 25, P2Pct: 30},
		{Slot: 3, P1Pct: 60, P2Pct: 40},
	}

	// P2 sits in slot 2, reference time in slot 2.
	risk := AssessFlipRisk(rows, 2, 2)
	if risk.P1FlipPct != 85 {
		t.Errorf("p1 flip pct = %v, want 85", risk.P1FlipPct)
	}
	if risk.Level != "high" {
		t.Errorf("level = %q, want high", risk.Level)
	}
	if risk.P2FormPct != 40 {
		t.Errorf("p2 form pct = %v, want 40", risk.P2FormPct)
	}

	if got := AssessFlipRisk(rows, 3, 3); got.Level != "high" || got.P2FormPct != 0 {
		t.Errorf("terminal slot risk = %+v", got)
	}
	if got := AssessFlipRisk(rows[:3], 2, 0); got.Level != "moderate" {
		t.Errorf("level = %q, want moderate", got.Level)
	}
	if got := AssessFlipRisk(rows[:2], 1, 0); got.Level != "low" {
		t.Errorf("level = %q, want low", got.Level)
	}
}

func TestSnapshotPartialBucket(t *testing.T) {
	e := NewEngine(nil)
	// A complete Monday plus six candles of Tuesday.
	candles := grid(day(2024, 1, 1), 96+6, 100)
	candles[96+2].High = 108 // Tuesday 00:30
	candles[96+5].Low = 94   // Tuesday 01:15

	freq := []models.FrequencyRow{
		{Slot: 0, P1Pct: 10, P2Pct: 5},
		{Slot: 1, P1Pct: 15, P2Pct: 10},
		{Slot: 2, P1Pct: 30, P2Pct: 25},
	}
	snap, err := e.Snapshot(candles, repository.TFDaily, freq)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.BucketStart.Equal(day(2024, 1, 2)) {
		t.Errorf("bucket start = %v", snap.BucketStart)
	}
	if snap.Candles != 6 {
		t.Errorf("candles = %d, want 6", snap.Candles)
	}
	if snap.P1 == nil || snap.P1.Kind != models.KindHigh || snap.P1.Level != 108 {
		t.Fatalf("provisional P1 = %+v", snap.P1)
	}
	if snap.P2 == nil || snap.P2.Kind != models.KindLow || snap.P2.Level != 94 {
		t.Fatalf("provisional P2 = %+v", snap.P2)
	}
	if snap.P1.Outcome != models.OutcomeUntested || snap.P2.Outcome != models.OutcomeUntested {
		t.Error("provisional outcomes must be untested")
	}
	if !snap.AsOf.Equal(day(2024, 1, 2).Add(75 * time.Minute)) {
		t.Errorf("as-of = %v, want the newest candle", snap.AsOf)
	}
	if snap.FlipRisk == nil {
		t.Fatal("expected a flip risk assessment")
	}
	// P2 sits in slot 1 and the reference time is 01:15, also slot 1.
	if snap.FlipRisk.Level != "moderate" {
		t.Errorf("risk level = %q, want moderate", snap.FlipRisk.Level)
	}
	if snap.FlipRisk.P2FormPct != 25 {
		t.Errorf("p2 form pct = %v, want 25", snap.FlipRisk.P2FormPct)
	}
}

func TestSnapshotDegenerate(t *testing.T) {
	e := NewEngine(nil)
	candles := grid(day(2024, 1, 1), 96+1, 100)

	snap, err := e.Snapshot(candles, repository.TFDaily, nil)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Degenerate || snap.Candles != 1 || snap.P1 != nil {
		t.Errorf("snapshot = %+v, want degenerate", snap)
	}
}

func TestSnapshotEmpty(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.Snapshot(nil, repository.TFDaily, nil)
	if err == nil {
		t.Fatal("expected an error for empty input")
	}
}
