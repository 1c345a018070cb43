package models

import (
	"fmt"
	"time"
)

// SourceInterval is the fixed granularity of source candles. Every stored
// timestamp sits on this grid.
const SourceInterval = 15 * time.Minute

// Candle is one immutable OHLCV record. Unique per (Ticker, Timestamp);
// Timestamp is the UTC open of the 15-minute slot.
type Candle struct {
	Ticker    string    `json:"ticker"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Turnover  float64   `json:"turnover,omitempty"`
}

// Validate reports why the candle is malformed, or nil if it is usable.
func (c Candle) Validate() error {
	switch {
	case c.Ticker == "":
		return fmt.Errorf("empty ticker")
	case c.Timestamp.IsZero():
		return fmt.Errorf("zero timestamp")
	case c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0:
		return fmt.Errorf("negative price")
	case c.Volume < 0:
		return fmt.Errorf("negative volume")
	case c.High < c.Open || c.High < c.Close:
		return fmt.Errorf("high below body")
	case c.Low > c.Open || c.Low > c.Close:
		return fmt.Errorf("low above body")
	}
	return nil
}
