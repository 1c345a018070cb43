package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	drepo "github.com/luckshury/whop-web-app/internal/domain/repository"
	"github.com/luckshury/whop-web-app/pkg/logger"
	"github.com/luckshury/whop-web-app/pkg/util"
)

// timeRange is one half-open [From, To) span on the source grid.
type timeRange struct {
	From time.Time
	To   time.Time
}

// ResolveResult is the resolver output: the merged candle sequence plus
// provenance. Degraded means the sequence covers less than the request
// because an upstream fetch failed or a subrange does not exist upstream.
type ResolveResult struct {
	Ticker    string
	From      time.Time
	To        time.Time
	Candles   []models.Candle
	Fetched   int
	Persisted int64
	Degraded  bool
	Warning   string
}

// CandleResolver fills the gap between what the store holds and what the
// caller asked for: read the store, fetch only the missing subranges from
// the exchange, persist what was fetched, return one gap-free sequence.
type CandleResolver struct {
	store    drepo.CandleStore
	exchange drepo.ExchangeClient
	audit    drepo.AuditSink
	metrics  drepo.Metrics
	logger   *logger.Logger
}

func NewCandleResolver(store drepo.CandleStore, exchange drepo.ExchangeClient, audit drepo.AuditSink, metrics drepo.Metrics, lgr *logger.Logger) *CandleResolver {
	return &CandleResolver{store: store, exchange: exchange, audit: audit, metrics: metrics, logger: lgr}
}

// Resolve returns the ordered candles for [from, to), aligned to the source
// grid (from rounded up, to rounded down). Fetch failures degrade to partial
// coverage when any coverage exists; with none they propagate as
// *models.FetchError.
func (r *CandleResolver) Resolve(ctx context.Context, ticker string, from, to time.Time) (*ResolveResult, error) {
	started := time.Now()
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, fmt.Errorf("ticker required")
	}
	from = util.AlignUp(from, models.SourceInterval)
	to = util.AlignDown(to, models.SourceInterval)
	if !to.After(from) {
		return nil, &models.InsufficientDataError{Ticker: ticker, Reason: "empty range after grid alignment"}
	}

	res, err := r.resolve(ctx, ticker, from, to)

	entry := models.AuditEntry{
		Timestamp:  started.UTC(),
		Ticker:     ticker,
		Operation:  models.OpResolve,
		Success:    err == nil,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if res != nil {
		entry.RowsAffected = res.Persisted
	}
	if err != nil {
		entry.Error = err.Error()
	}
	r.audit.Record(ctx, entry)

	return res, err
}

func (r *CandleResolver) resolve(ctx context.Context, ticker string, from, to time.Time) (*ResolveResult, error) {
	stored, err := r.store.ReadRange(ctx, ticker, from, to)
	if err != nil {
		// Store outage degrades to fetch-everything rather than failing.
		r.logger.Warn("candle store read failed",
			logger.String("ticker", ticker), logger.Error(err))
		r.metrics.RecordError("store_read")
		stored = nil
	}

	res := &ResolveResult{Ticker: ticker, From: from, To: to}
	gaps := missingRanges(from, to, stored)
	if len(gaps) == 0 {
		res.Candles = stored
		return res, nil
	}

	merged := stored
	var fetched []models.Candle
	var lastErr error
	failed := 0
	for _, gap := range gaps {
		rows, ferr := r.exchange.FetchKlines(ctx, ticker, gap.From, gap.To)
		if ferr != nil {
			failed++
			lastErr = ferr
			r.logger.Warn("gap fetch failed",
				logger.String("ticker", ticker),
				logger.String("from", gap.From.Format(time.RFC3339)),
				logger.String("to", gap.To.Format(time.RFC3339)),
				logger.Error(ferr))
			continue
		}
		fetched = append(fetched, rows...)
	}

	if len(fetched) > 0 {
		merged = mergeCandles(merged, fetched)
		res.Fetched = len(fetched)
		written, werr := r.store.WriteBatch(ctx, fetched)
		if werr != nil {
			r.logger.Warn("candle persist failed",
				logger.String("ticker", ticker),
				logger.Int("rows", len(fetched)), logger.Error(werr))
			r.metrics.RecordError("store_write")
		} else {
			res.Persisted = written
			r.metrics.RecordStoreWrite(written)
		}
	}

	if failed > 0 {
		if len(merged) == 0 {
			return nil, lastErr
		}
		res.Degraded = true
		res.Warning = fmt.Sprintf("%d of %d gap(s) could not be fetched; returning partial coverage", failed, len(gaps))
	}

	if len(merged) == 0 {
		return nil, &models.InsufficientDataError{Ticker: ticker, Reason: "no candles in range"}
	}

	// The returned span must be gap-free. A hole that survived fetching
	// (subrange absent upstream) cuts the result to the newest contiguous run.
	tail := contiguousTail(merged)
	if len(tail) < len(merged) && !res.Degraded {
		res.Degraded = true
		res.Warning = "interior gap could not be filled; returning newest contiguous span"
	}
	res.Candles = tail
	return res, nil
}

// missingRanges walks the aligned grid and returns every contiguous [from, to)
// subrange not covered by stored. stored must be ascending.
func missingRanges(from, to time.Time, stored []models.Candle) []timeRange {
	var gaps []timeRange
	cursor := from
	for _, c := range stored {
		ts := c.Timestamp
		if ts.Before(cursor) {
			continue
		}
		if !ts.Before(to) {
			break
		}
		if ts.After(cursor) {
			gaps = append(gaps, timeRange{From: cursor, To: ts})
		}
		cursor = ts.Add(models.SourceInterval)
	}
	if cursor.Before(to) {
		gaps = append(gaps, timeRange{From: cursor, To: to})
	}
	return gaps
}

// mergeCandles combines stored and fetched rows into one ascending sequence.
// On timestamp collision the fetched row wins.
func mergeCandles(stored, fetched []models.Candle) []models.Candle {
	byTS := make(map[int64]models.Candle, len(stored)+len(fetched))
	for _, c := range stored {
		byTS[c.Timestamp.Unix()] = c
	}
	for _, c := range fetched {
		byTS[c.Timestamp.Unix()] = c
	}
	out := make([]models.Candle, 0, len(byTS))
	for _, c := range byTS {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// contiguousTail returns the longest suffix with no missing grid slots.
func contiguousTail(candles []models.Candle) []models.Candle {
	for i := len(candles) - 1; i > 0; i-- {
		if candles[i].Timestamp.Sub(candles[i-1].Timestamp) != models.SourceInterval {
			return candles[i:]
		}
	}
	return candles
}
