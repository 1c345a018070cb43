package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	drepo "github.com/luckshury/whop-web-app/internal/domain/repository"
	"github.com/luckshury/whop-web-app/pkg/logger"
	"github.com/luckshury/whop-web-app/pkg/queue"
)

// Queue message types handled by the refresher workers.
const (
	JobTypeRefresh  = "candles.refresh"
	JobTypeBackfill = "candles.backfill"
)

const (
	// refreshOverlap re-fetches the last half hour so the still-forming
	// candle at the previous top-up is replaced by its final values.
	refreshOverlap  = 30 * time.Minute
	coldStartWindow = 2 * time.Hour

	backfillChunkDays = 30
	// coverageSlack keeps startup from re-enqueueing backfills over a
	// horizon that drifts a few slots per day.
	coverageSlack = 24 * time.Hour

	refreshLockTTL  = 10 * time.Minute
	backfillLockTTL = time.Hour
)

// Pair is one refresher-managed trading pair. Lower priority numbers run
// first and qualify for analysis pre-warming.
type Pair struct {
	Ticker       string `json:"ticker"`
	Priority     int    `json:"priority"`
	Interval     string `json:"interval,omitempty"`
	BackfillDays int    `json:"backfill_days"`
}

// RefresherOptions tunes the background refresh pipeline.
type RefresherOptions struct {
	Pairs          []Pair
	DefaultCron    string
	WarmDays       int
	BackfillDays   int
	WarmTimeframes []string
	WarmPriority   int
}

// Locker is the distributed lock keeping at most one job per pair in
// flight across instances.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// RefreshPayload asks a worker to top up recent candles for one ticker.
type RefreshPayload struct {
	Ticker string `json:"ticker"`
}

// BackfillPayload asks a worker to ensure Days of history for one ticker.
// Force re-walks the whole window even when coverage already reaches it.
type BackfillPayload struct {
	Ticker string `json:"ticker"`
	Days   int    `json:"days,omitempty"`
	Force  bool   `json:"force,omitempty"`
}

// Refresher keeps popular pairs current: cron entries enqueue incremental
// top-ups, queue workers resolve them, and deep backfills ensure the
// configured history horizon per pair.
type Refresher struct {
	resolver *CandleResolver
	analysis *AnalysisUseCase
	store    drepo.CandleStore
	queue    queue.QueueService
	locks    Locker
	audit    drepo.AuditSink
	metrics  drepo.Metrics
	logger   *logger.Logger
	cron     *cron.Cron
	pairs    map[string]Pair
	opts     RefresherOptions
}

// NewRefresher creates a new Refresher instance.
func NewRefresher(resolver *CandleResolver, analysis *AnalysisUseCase, store drepo.CandleStore, q queue.QueueService, locks Locker, audit drepo.AuditSink, metrics drepo.Metrics, lgr *logger.Logger, opts RefresherOptions) *Refresher {
	if opts.DefaultCron == "" {
		opts.DefaultCron = "*/15 * * * *"
	}
	if opts.WarmDays <= 0 {
		opts.WarmDays = 30
	}
	if opts.BackfillDays <= 0 {
		opts.BackfillDays = 730
	}
	if opts.WarmPriority <= 0 {
		opts.WarmPriority = 1
	}

	pairs := make(map[string]Pair, len(opts.Pairs))
	for i := range opts.Pairs {
		p := &opts.Pairs[i]
		p.Ticker = strings.ToUpper(strings.TrimSpace(p.Ticker))
		if p.BackfillDays <= 0 {
			p.BackfillDays = opts.BackfillDays
		}
		pairs[p.Ticker] = *p
	}
	sort.SliceStable(opts.Pairs, func(i, j int) bool {
		if opts.Pairs[i].Priority != opts.Pairs[j].Priority {
			return opts.Pairs[i].Priority < opts.Pairs[j].Priority
		}
		return opts.Pairs[i].Ticker < opts.Pairs[j].Ticker
	})

	return &Refresher{
		resolver: resolver,
		analysis: analysis,
		store:    store,
		queue:    q,
		locks:    locks,
		audit:    audit,
		metrics:  metrics,
		logger:   lgr,
		cron:     cron.New(),
		pairs:    pairs,
		opts:     opts,
	}
}

// Jobs returns the queue jobs the consumer side registers.
func (r *Refresher) Jobs() []queue.Job {
	return []queue.Job{&refreshJob{r: r}, &backfillJob{r: r}}
}

// Pairs returns the configured pairs ordered by priority.
func (r *Refresher) Pairs() []Pair {
	out := make([]Pair, len(r.opts.Pairs))
	copy(out, r.opts.Pairs)
	return out
}

// Start schedules one cron entry per pair and scans stored coverage,
// enqueueing a deep backfill for every pair that falls short of its
// history horizon.
func (r *Refresher) Start(ctx context.Context) error {
	for _, p := range r.opts.Pairs {
		spec := p.Interval
		if spec == "" {
			spec = r.opts.DefaultCron
		}
		ticker := p.Ticker
		if _, err := r.cron.AddFunc(spec, func() { r.scheduledRefresh(ticker) }); err != nil {
			return fmt.Errorf("schedule %s: %w", ticker, err)
		}
	}
	r.cron.Start()
	r.logger.Info("refresher started",
		logger.Int("pairs", len(r.opts.Pairs)),
		logger.String("default_cron", r.opts.DefaultCron))

	go r.enqueueShortCoverage(ctx)
	return nil
}

// Stop halts the schedule and waits for entries already running.
func (r *Refresher) Stop(ctx context.Context) error {
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
		r.logger.Info("refresher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("refresher stop: %w", ctx.Err())
	}
}

// EnqueueRefresh queues an incremental top-up for the ticker.
func (r *Refresher) EnqueueRefresh(ctx context.Context, ticker string) error {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return fmt.Errorf("ticker required")
	}
	if err := r.queue.PublishMessage(ctx, JobTypeRefresh, RefreshPayload{Ticker: ticker}); err != nil {
		r.metrics.RecordError("queue_publish")
		return fmt.Errorf("publish refresh: %w", err)
	}
	return nil
}

// EnqueueBackfill queues a deep backfill. Days of zero uses the pair's
// configured horizon.
func (r *Refresher) EnqueueBackfill(ctx context.Context, ticker string, days int, force bool) error {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return fmt.Errorf("ticker required")
	}
	if err := r.queue.PublishMessage(ctx, JobTypeBackfill, BackfillPayload{Ticker: ticker, Days: days, Force: force}); err != nil {
		r.metrics.RecordError("queue_publish")
		return fmt.Errorf("publish backfill: %w", err)
	}
	return nil
}

func (r *Refresher) scheduledRefresh(ticker string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.EnqueueRefresh(ctx, ticker); err != nil {
		r.logger.Error("enqueue refresh failed",
			logger.String("ticker", ticker),
			logger.Error(err))
	}
}

func (r *Refresher) enqueueShortCoverage(ctx context.Context) {
	now := time.Now().UTC()
	for _, p := range r.opts.Pairs {
		if ctx.Err() != nil {
			return
		}
		earliest, ok, err := r.store.EarliestTimestamp(ctx, p.Ticker)
		if err != nil {
			r.logger.Warn("coverage check failed",
				logger.String("ticker", p.Ticker),
				logger.Error(err))
			continue
		}
		target := now.AddDate(0, 0, -p.BackfillDays)
		if ok && !earliest.After(target.Add(coverageSlack)) {
			continue
		}
		if err := r.EnqueueBackfill(ctx, p.Ticker, p.BackfillDays, false); err != nil {
			r.logger.Error("enqueue backfill failed",
				logger.String("ticker", p.Ticker),
				logger.Error(err))
		}
	}
}

// refresh tops up the recent window for one ticker: resolve from the last
// stored slot (minus overlap) to now, drop stale cached analyses when new
// rows landed, and pre-warm the configured combinations.
func (r *Refresher) refresh(ctx context.Context, ticker string) error {
	started := time.Now()
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return fmt.Errorf("ticker required")
	}

	unlock := r.tryLock(ctx, "lock:refresh:"+ticker, refreshLockTTL)
	if unlock == nil {
		r.logger.Info("refresh already in flight", logger.String("ticker", ticker))
		return nil
	}
	defer unlock()

	now := time.Now().UTC()
	since := now.Add(-coldStartWindow)
	latest, ok, err := r.store.LatestTimestamp(ctx, ticker)
	if err != nil {
		r.logger.Warn("latest timestamp lookup failed",
			logger.String("ticker", ticker),
			logger.Error(err))
	} else if ok {
		since = latest.Add(-refreshOverlap)
	}

	res, err := r.resolver.Resolve(ctx, ticker, since, now)
	if err != nil {
		r.finish(ctx, models.OpRefresh, ticker, 0, started, err)
		return fmt.Errorf("refresh %s: %w", ticker, err)
	}

	if res.Persisted > 0 {
		r.analysis.Invalidate(ctx, ticker)
	}
	r.warm(ctx, ticker)
	r.finish(ctx, models.OpRefresh, ticker, res.Persisted, started, nil)
	r.logger.Info("refresh complete",
		logger.String("ticker", ticker),
		logger.Int64("persisted", res.Persisted),
		logger.Int("candles", len(res.Candles)))
	return nil
}

// backfill walks the history horizon in month-sized chunks, resolving each
// so only the missing slots are fetched. Chunks older than the pair's
// listing come back empty and are skipped.
func (r *Refresher) backfill(ctx context.Context, ticker string, days int, force bool) error {
	started := time.Now()
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return fmt.Errorf("ticker required")
	}
	if days <= 0 {
		days = r.opts.BackfillDays
		if pair, ok := r.pairs[ticker]; ok {
			days = pair.BackfillDays
		}
	}

	unlock := r.tryLock(ctx, "lock:backfill:"+ticker, backfillLockTTL)
	if unlock == nil {
		r.logger.Info("backfill already in flight", logger.String("ticker", ticker))
		return nil
	}
	defer unlock()

	now := time.Now().UTC()
	target := now.AddDate(0, 0, -days)

	if !force {
		earliest, ok, err := r.store.EarliestTimestamp(ctx, ticker)
		if err != nil {
			r.logger.Warn("coverage check failed",
				logger.String("ticker", ticker),
				logger.Error(err))
		} else if ok && !earliest.After(target.Add(coverageSlack)) {
			r.logger.Info("backfill already covered",
				logger.String("ticker", ticker),
				logger.Int("days", days))
			r.finish(ctx, models.OpBackfill, ticker, 0, started, nil)
			return nil
		}
	}

	var total int64
	for cursor := target; cursor.Before(now); cursor = cursor.AddDate(0, 0, backfillChunkDays) {
		if err := ctx.Err(); err != nil {
			r.finish(ctx, models.OpBackfill, ticker, total, started, err)
			return err
		}
		chunkEnd := cursor.AddDate(0, 0, backfillChunkDays)
		if chunkEnd.After(now) {
			chunkEnd = now
		}
		res, err := r.resolver.Resolve(ctx, ticker, cursor, chunkEnd)
		if err != nil {
			var ide *models.InsufficientDataError
			if errors.As(err, &ide) {
				continue
			}
			r.finish(ctx, models.OpBackfill, ticker, total, started, err)
			return fmt.Errorf("backfill %s: %w", ticker, err)
		}
		total += res.Persisted
	}

	if total > 0 {
		r.analysis.Invalidate(ctx, ticker)
	}
	r.finish(ctx, models.OpBackfill, ticker, total, started, nil)
	r.logger.Info("backfill complete",
		logger.String("ticker", ticker),
		logger.Int("days", days),
		logger.Int64("persisted", total))
	return nil
}

func (r *Refresher) warm(ctx context.Context, ticker string) {
	pair, ok := r.pairs[ticker]
	if !ok || pair.Priority > r.opts.WarmPriority {
		return
	}
	for _, tf := range r.opts.WarmTimeframes {
		p := AnalysisParams{Ticker: ticker, Timeframe: drepo.NormalizeTimeframe(tf), Days: r.opts.WarmDays}
		if _, _, err := r.analysis.GetAnalysis(ctx, p); err != nil {
			r.logger.Warn("pre-warm failed",
				logger.String("ticker", ticker),
				logger.String("timeframe", tf),
				logger.Error(err))
		}
	}
}

// tryLock acquires the dedupe lock and returns its release func. A held
// lock returns nil; a lock backend failure proceeds without dedupe since
// every job is idempotent.
func (r *Refresher) tryLock(ctx context.Context, key string, ttl time.Duration) func() {
	locked, err := r.locks.TryLock(ctx, key, ttl)
	if err != nil {
		r.logger.Warn("lock unavailable", logger.String("key", key), logger.Error(err))
		return func() {}
	}
	if !locked {
		return nil
	}
	release := context.WithoutCancel(ctx)
	return func() {
		if err := r.locks.Unlock(release, key); err != nil {
			r.logger.Warn("unlock failed", logger.String("key", key), logger.Error(err))
		}
	}
}

func (r *Refresher) finish(ctx context.Context, op, ticker string, rows int64, started time.Time, err error) {
	entry := models.AuditEntry{
		Timestamp:    started.UTC(),
		Ticker:       ticker,
		Operation:    op,
		RowsAffected: rows,
		Success:      err == nil,
		DurationMS:   time.Since(started).Milliseconds(),
	}
	result := "ok"
	if err != nil {
		entry.Error = err.Error()
		result = "error"
	}
	r.audit.Record(ctx, entry)
	r.metrics.RecordRefreshJob(result)
}

type refreshJob struct{ r *Refresher }

func (j *refreshJob) Name() string { return "candle-refresh" }
func (j *refreshJob) Type() string { return JobTypeRefresh }

func (j *refreshJob) Handle(ctx context.Context, payload interface{}) error {
	p, err := queue.ParsePayload[RefreshPayload](payload)
	if err != nil {
		return fmt.Errorf("refresh payload: %w", err)
	}
	return j.r.refresh(ctx, p.Ticker)
}

type backfillJob struct{ r *Refresher }

func (j *backfillJob) Name() string { return "candle-backfill" }
func (j *backfillJob) Type() string { return JobTypeBackfill }

func (j *backfillJob) Handle(ctx context.Context, payload interface{}) error {
	p, err := queue.ParsePayload[BackfillPayload](payload)
	if err != nil {
		return fmt.Errorf("backfill payload: %w", err)
	}
	return j.r.backfill(ctx, p.Ticker, p.Days, p.Force)
}
