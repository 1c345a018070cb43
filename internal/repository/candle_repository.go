package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	"github.com/luckshury/whop-web-app/internal/domain/repository"
)

// ClickHouseCandleStore implements CandleStore on a ReplacingMergeTree keyed
// by (ticker, ts). Re-inserting a slot replaces it on merge, so writes are
// idempotent; reads go through FINAL to collapse not-yet-merged duplicates.
type ClickHouseCandleStore struct {
	db    *sql.DB
	table string
}

// NewClickHouseCandleStore creates ClickHouse-backed candle storage.
func NewClickHouseCandleStore(db *sql.DB, table string) repository.CandleStore {
	return &ClickHouseCandleStore{db: db, table: table}
}

func (s *ClickHouseCandleStore) ReadRange(ctx context.Context, ticker string, from, to time.Time) ([]models.Candle, error) {
	q := fmt.Sprintf("SELECT ticker, ts, open, high, low, close, volume, turnover FROM %s FINAL WHERE ticker = ? AND ts >= ? AND ts < ? ORDER BY ts ASC", s.table)
	rows, err := s.db.QueryContext(ctx, q, ticker, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		var ts time.Time
		if err := rows.Scan(&c.Ticker, &ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Turnover); err != nil {
			return nil, err
		}
		c.Timestamp = ts.UTC()
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

func (s *ClickHouseCandleStore) LatestTimestamp(ctx context.Context, ticker string) (time.Time, bool, error) {
	q := fmt.Sprintf("SELECT count(), max(ts) FROM %s WHERE ticker = ?", s.table)
	var count uint64
	var ts time.Time
	if err := s.db.QueryRowContext(ctx, q, ticker).Scan(&count, &ts); err != nil {
		return time.Time{}, false, err
	}
	if count == 0 {
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

func (s *ClickHouseCandleStore) EarliestTimestamp(ctx context.Context, ticker string) (time.Time, bool, error) {
	q := fmt.Sprintf("SELECT count(), min(ts) FROM %s WHERE ticker = ?", s.table)
	var count uint64
	var ts time.Time
	if err := s.db.QueryRowContext(ctx, q, ticker).Scan(&count, &ts); err != nil {
		return time.Time{}, false, err
	}
	if count == 0 {
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

func (s *ClickHouseCandleStore) WriteBatch(ctx context.Context, candles []models.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	// Batch insert using VALUES multi-row to reduce round-trips.
	// Chunk size tuned to 2000 rows per batch.
	const chunkSize = 2000
	var written int64
	for start := 0; start < len(candles); start += chunkSize {
		end := start + chunkSize
		if end > len(candles) {
			end = len(candles)
		}

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*8)
		for _, c := range candles[start:end] {
			if c.Ticker == "" || c.Timestamp.IsZero() {
				continue
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				c.Ticker,
				c.Timestamp.UTC(),
				c.Open,
				c.High,
				c.Low,
				c.Close,
				c.Volume,
				c.Turnover,
			)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (ticker, ts, open, high, low, close, volume, turnover) VALUES %s", s.table, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return written, err
		}
		written += int64(len(values))
	}
	return written, nil
}

func (s *ClickHouseCandleStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
