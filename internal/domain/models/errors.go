package models

import (
	"fmt"
	"time"
)

// FetchError is an upstream exchange failure. Retryable distinguishes
// transient conditions (rate limit, 5xx, timeout) from permanent ones
// (unknown symbol, malformed request).
type FetchError struct {
	Ticker    string
	Reason    string
	Retryable bool
	Err       error
}

func NewFetchError(ticker, reason string, retryable bool, err error) *FetchError {
	return &FetchError{Ticker: ticker, Reason: reason, Retryable: retryable, Err: err}
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.Ticker, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// DataIntegrityError reports malformed rows dropped from a batch. The batch
// itself continues; this error is counted and logged, never propagated as a
// request failure.
type DataIntegrityError struct {
	Ticker  string
	Reason  string
	Dropped int
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("integrity %s: dropped %d row(s): %s", e.Ticker, e.Dropped, e.Reason)
}

// DegenerateBucketError marks a bucket with fewer than two candles, which
// cannot yield two distinct pivots. Recorded per bucket, excluded from
// aggregate denominators, never fatal.
type DegenerateBucketError struct {
	Start   time.Time
	Candles int
}

func (e *DegenerateBucketError) Error() string {
	return fmt.Sprintf("degenerate bucket at %s: %d candle(s)", e.Start.Format(time.RFC3339), e.Candles)
}

// InsufficientDataError means the requested range holds no usable candles.
// Surfaced to the caller as a typed "cannot analyze" result.
type InsufficientDataError struct {
	Ticker string
	Reason string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %s: %s", e.Ticker, e.Reason)
}

// CacheUnavailableError means the persistent analysis cache is unreachable.
// The core degrades to recompute-and-serve; this never fails a request.
type CacheUnavailableError struct {
	Op  string
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("analysis cache %s: %v", e.Op, e.Err)
}

func (e *CacheUnavailableError) Unwrap() error { return e.Err }
