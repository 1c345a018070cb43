package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	computeHist  *prometheus.HistogramVec
	fetchTotal   *prometheus.CounterVec
	fetchRows    *prometheus.CounterVec
	fetchHist    *prometheus.HistogramVec
	storeWrites  prometheus.Counter
	refreshTotal *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		cacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pivot_cache_hits_total",
				Help: "Analysis cache hits by tier",
			},
			[]string{"tier"},
		),
		cacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pivot_cache_misses_total",
				Help: "Analysis cache misses by kind",
			},
			[]string{"kind"},
		),
		computeHist: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pivot_compute_duration_seconds",
				Help:    "Duration of pivot analysis computation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"timeframe"},
		),
		fetchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pivot_exchange_fetches_total",
				Help: "Exchange fetches by result",
			},
			[]string{"result"},
		),
		fetchRows: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pivot_exchange_rows_total",
				Help: "Candle rows fetched from the exchange",
			},
			[]string{"result"},
		),
		fetchHist: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pivot_exchange_fetch_seconds",
				Help:    "Duration of exchange fetches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		storeWrites: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pivot_store_rows_written_total",
				Help: "Candle rows written to the store",
			},
		),
		refreshTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pivot_refresh_jobs_total",
				Help: "Background refresh jobs by result",
			},
			[]string{"result"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pivot_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
	}
}

// RecordCacheHit records an analysis cache hit on the given tier.
func (r *Recorder) RecordCacheHit(tier string) {
	r.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a cache miss (cold, stale, or error).
func (r *Recorder) RecordCacheMiss(kind string) {
	r.cacheMisses.WithLabelValues(kind).Inc()
}

// RecordCompute records one full analysis computation.
func (r *Recorder) RecordCompute(timeframe string, seconds float64) {
	r.computeHist.WithLabelValues(timeframe).Observe(seconds)
}

// RecordFetch records one exchange fetch with its row count.
func (r *Recorder) RecordFetch(result string, rows int, seconds float64) {
	r.fetchTotal.WithLabelValues(result).Inc()
	r.fetchRows.WithLabelValues(result).Add(float64(rows))
	r.fetchHist.WithLabelValues(result).Observe(seconds)
}

// RecordStoreWrite records rows written to the candle store.
func (r *Recorder) RecordStoreWrite(rows int64) {
	r.storeWrites.Add(float64(rows))
}

// RecordRefreshJob records a completed refresh job.
func (r *Recorder) RecordRefreshJob(result string) {
	r.refreshTotal.WithLabelValues(result).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}
