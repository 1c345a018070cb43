package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	drepo "github.com/luckshury/whop-web-app/internal/domain/repository"
	"github.com/luckshury/whop-web-app/internal/pivot"
	"github.com/luckshury/whop-web-app/internal/service/analysiscache"
	"github.com/luckshury/whop-web-app/pkg/logger"
)

// AnalysisOptions tunes the analysis pipeline.
type AnalysisOptions struct {
	ProximityPct float64
	MaxRangeDays int
	DefaultDays  int
}

// AnalysisUseCase runs the pivot pipeline (resolve, bucket, detect,
// aggregate) behind the layered analysis cache.
type AnalysisUseCase struct {
	resolver *CandleResolver
	engine   *pivot.Engine
	cache    *analysiscache.Service
	audit    drepo.AuditSink
	metrics  drepo.Metrics
	logger   *logger.Logger
	opts     AnalysisOptions
}

func NewAnalysisUseCase(resolver *CandleResolver, engine *pivot.Engine, cache *analysiscache.Service, audit drepo.AuditSink, metrics drepo.Metrics, lgr *logger.Logger, opts AnalysisOptions) *AnalysisUseCase {
	if opts.ProximityPct <= 0 {
		opts.ProximityPct = 0.5
	}
	if opts.MaxRangeDays <= 0 {
		opts.MaxRangeDays = 730
	}
	if opts.DefaultDays <= 0 {
		opts.DefaultDays = 30
	}
	return &AnalysisUseCase{
		resolver: resolver,
		engine:   engine,
		cache:    cache,
		audit:    audit,
		metrics:  metrics,
		logger:   lgr,
		opts:     opts,
	}
}

// AnalysisParams identifies one analysis request. Weekdays use 0=Monday.
type AnalysisParams struct {
	Ticker    string
	Timeframe drepo.Timeframe
	Days      int
	Weekdays  []int
	Force     bool
}

func (uc *AnalysisUseCase) normalize(p AnalysisParams) (AnalysisParams, error) {
	if p.Ticker == "" {
		return p, fmt.Errorf("ticker required")
	}
	if !drepo.IsValidTimeframe(p.Timeframe) {
		p.Timeframe = drepo.NormalizeTimeframe(string(p.Timeframe))
	}
	if p.Days <= 0 {
		p.Days = uc.opts.DefaultDays
	}
	if p.Days > uc.opts.MaxRangeDays {
		p.Days = uc.opts.MaxRangeDays
	}
	return p, nil
}

// GetAnalysis returns the pivot table and stats for the request, served from
// cache when fresh. The source is "memory", "redis", or "computed".
func (uc *AnalysisUseCase) GetAnalysis(ctx context.Context, p AnalysisParams) (*models.AnalysisResult, string, error) {
	p, err := uc.normalize(p)
	if err != nil {
		return nil, "", err
	}
	key := models.NewAnalysisKey(p.Ticker, string(p.Timeframe), p.Days, p.Weekdays)
	return uc.cache.GetOrCompute(ctx, key, p.Force, func(ctx context.Context) (*models.AnalysisResult, error) {
		return uc.compute(ctx, key, p.Timeframe)
	})
}

// Invalidate drops every cached analysis for a ticker. Called after new
// candles land so the next read recomputes.
func (uc *AnalysisUseCase) Invalidate(ctx context.Context, ticker string) {
	uc.cache.Invalidate(ctx, ticker)
}

func (uc *AnalysisUseCase) compute(ctx context.Context, key models.AnalysisKey, tf drepo.Timeframe) (*models.AnalysisResult, error) {
	started := time.Now()
	to := started.UTC()
	from := to.AddDate(0, 0, -key.Days)

	rres, err := uc.resolver.Resolve(ctx, key.Ticker, from, to)
	if err != nil {
		uc.recordCompute(ctx, key, 0, started, err)
		return nil, err
	}

	rows, stats := uc.engine.Analyze(rres.Candles, tf, key.Weekdays, uc.opts.ProximityPct)
	result := &models.AnalysisResult{
		Ticker:        key.Ticker,
		Timeframe:     key.Timeframe,
		DateRangeDays: key.Days,
		Weekdays:      key.Weekdays,
		PivotTable:    rows,
		Stats:         stats,
		Degraded:      rres.Degraded,
		Warning:       rres.Warning,
		LastUpdated:   time.Now().UTC(),
	}

	uc.metrics.RecordCompute(string(tf), time.Since(started).Seconds())
	uc.recordCompute(ctx, key, len(rows), started, nil)
	return result, nil
}

func (uc *AnalysisUseCase) recordCompute(ctx context.Context, key models.AnalysisKey, rows int, started time.Time, err error) {
	entry := models.AuditEntry{
		Timestamp:    started.UTC(),
		Ticker:       key.Ticker,
		Operation:    models.OpComputeAnalysis,
		RowsAffected: int64(rows),
		Success:      err == nil,
		DurationMS:   time.Since(started).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	uc.audit.Record(ctx, entry)
}

// snapshotLookback is how far back to resolve so the window always spans the
// in-progress bucket.
func snapshotLookback(tf drepo.Timeframe) time.Duration {
	switch tf {
	case drepo.TFHourly:
		return 3 * time.Hour
	case drepo.TF4H:
		return 9 * time.Hour
	case drepo.TFSession, drepo.TFDaily:
		return 26 * time.Hour
	case drepo.TFWeekly:
		return 8 * 24 * time.Hour
	case drepo.TFMonthly:
		return 33 * 24 * time.Hour
	default:
		return 26 * time.Hour
	}
}

// GetSnapshot returns the provisional pivots of the newest bucket plus a
// flip-risk assessment seeded by the default-range frequency table.
func (uc *AnalysisUseCase) GetSnapshot(ctx context.Context, ticker string, tf drepo.Timeframe) (*models.PivotSnapshot, error) {
	p, err := uc.normalize(AnalysisParams{Ticker: ticker, Timeframe: tf})
	if err != nil {
		return nil, err
	}
	tf = p.Timeframe

	// The frequency context is best-effort: without history the snapshot
	// still reports provisional pivots, just no flip risk.
	var freq []models.FrequencyRow
	analysis, _, err := uc.GetAnalysis(ctx, AnalysisParams{Ticker: p.Ticker, Timeframe: tf, Days: uc.opts.DefaultDays})
	if err == nil {
		freq = analysis.Stats.Frequency
	} else {
		var ide *models.InsufficientDataError
		if !errors.As(err, &ide) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	rres, err := uc.resolver.Resolve(ctx, p.Ticker, now.Add(-snapshotLookback(tf)), now)
	if err != nil {
		return nil, err
	}

	snap, err := uc.engine.Snapshot(rres.Candles, tf, freq)
	if err != nil {
		return nil, err
	}
	snap.Ticker = p.Ticker
	snap.Timeframe = string(tf)
	return &snap, nil
}
