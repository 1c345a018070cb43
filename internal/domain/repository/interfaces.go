package repository

import (
	"context"
	"time"

	"github.com/luckshury/whop-web-app/internal/domain/models"
)

// CandleStore is read/write access to the persistent candle store. WriteBatch
// is an idempotent upsert on the (ticker, timestamp) unique key: duplicate
// rows are no-ops, not errors.
type CandleStore interface {
	ReadRange(ctx context.Context, ticker string, from, to time.Time) ([]models.Candle, error)
	LatestTimestamp(ctx context.Context, ticker string) (time.Time, bool, error)
	EarliestTimestamp(ctx context.Context, ticker string) (time.Time, bool, error)
	WriteBatch(ctx context.Context, candles []models.Candle) (int64, error)
	Health(ctx context.Context) error
}

// ExchangeClient fetches candles from the upstream exchange. Failures come
// back as *models.FetchError.
type ExchangeClient interface {
	FetchKlines(ctx context.Context, ticker string, from, to time.Time) ([]models.Candle, error)
}

// AuditSink records operational entries, fire and forget. Implementations
// swallow their own failures; the caller never blocks on audit delivery.
type AuditSink interface {
	Record(ctx context.Context, e models.AuditEntry)
}

// Metrics records operational measurements.
type Metrics interface {
	RecordCacheHit(tier string)
	RecordCacheMiss(kind string)
	RecordCompute(timeframe string, seconds float64)
	RecordFetch(result string, rows int, seconds float64)
	RecordStoreWrite(rows int64)
	RecordRefreshJob(result string)
	RecordError(kind string)
}
