package analysiscache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/luckshury/whop-web-app/internal/domain/models"
	drepo "github.com/luckshury/whop-web-app/internal/domain/repository"
	"github.com/luckshury/whop-web-app/pkg/cache"
	"github.com/luckshury/whop-web-app/pkg/logger"
)

// SourceComputed marks a result that was built for this request rather than
// served from a cache tier.
const SourceComputed = "computed"

const keyPrefix = "analysis"

// retention is how long Redis keeps an entry past staleness. Expiry doubles
// as the housekeeping purge; lookup enforces freshness separately.
const retention = 30 * 24 * time.Hour

// ComputeFunc builds a fresh analysis for one key.
type ComputeFunc func(ctx context.Context) (*models.AnalysisResult, error)

// Store is the slice of the layered cache this service needs.
type Store interface {
	GetWithTier(ctx context.Context, key string, dest interface{}) (string, error)
	SetTiered(ctx context.Context, key string, value interface{}, memTTL, redisTTL time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// Service caches analysis artifacts in the layered cache and coalesces
// concurrent misses: all requests for one key share a single computation.
type Service struct {
	cache   Store
	logger  *logger.Logger
	metrics drepo.Metrics
	group   singleflight.Group
	memTTL  time.Duration
}

// New creates the analysis cache service. memTTL caps how long the in-process
// tier keeps an entry; the Redis tier follows the per-timeframe horizon.
func New(lc Store, memTTL time.Duration, lgr *logger.Logger, metrics drepo.Metrics) *Service {
	if memTTL <= 0 {
		memTTL = 5 * time.Minute
	}
	return &Service{
		cache:   lc,
		logger:  lgr,
		metrics: metrics,
		memTTL:  memTTL,
	}
}

// GetOrCompute returns the analysis for key, serving from cache when a fresh
// entry exists. On a miss (or force) it computes via compute, stores the
// result in both tiers, and reports the source: "memory", "redis", or
// "computed". Cache infrastructure failures degrade to compute-and-serve.
func (s *Service) GetOrCompute(ctx context.Context, key models.AnalysisKey, force bool, compute ComputeFunc) (*models.AnalysisResult, string, error) {
	cacheKey := cache.GenerateKey(keyPrefix, key.String())
	ttl := drepo.DefaultTTL(drepo.Timeframe(key.Timeframe))

	if !force {
		if res, tier, ok := s.lookup(ctx, cacheKey, ttl); ok {
			s.metrics.RecordCacheHit(tier)
			return res, tier, nil
		}
	}

	// Coalesce concurrent misses. The computation runs on a context detached
	// from the first caller so its cancellation cannot strand the others.
	ch := s.group.DoChan(cacheKey, func() (interface{}, error) {
		bgCtx := context.WithoutCancel(ctx)
		res, err := compute(bgCtx)
		if err != nil {
			return nil, err
		}
		s.store(bgCtx, cacheKey, ttl, res)
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, "", r.Err
		}
		return r.Val.(*models.AnalysisResult), SourceComputed, nil
	}
}

// Invalidate drops every cached analysis for ticker across all timeframes and
// parameter combinations. Called after new candles land.
func (s *Service) Invalidate(ctx context.Context, ticker string) {
	pattern := cache.BuildPattern(cache.GenerateKey(keyPrefix, ticker) + ":")
	if err := s.cache.DeleteByPattern(ctx, pattern); err != nil {
		s.logger.Warn("analysis cache invalidate failed",
			logger.String("ticker", ticker),
			logger.Error(&models.CacheUnavailableError{Op: "invalidate", Err: err}))
		s.metrics.RecordError("cache_invalidate")
	}
}

// lookup reads one entry and applies the staleness horizon. A stale or
// undecodable entry counts as a miss.
func (s *Service) lookup(ctx context.Context, cacheKey string, ttl time.Duration) (*models.AnalysisResult, string, bool) {
	var raw string
	tier, err := s.cache.GetWithTier(ctx, cacheKey, &raw)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			s.metrics.RecordCacheMiss("absent")
		} else {
			s.logger.Warn("analysis cache read failed",
				logger.String("key", cacheKey),
				logger.Error(&models.CacheUnavailableError{Op: "get", Err: err}))
			s.metrics.RecordCacheMiss("unavailable")
			s.metrics.RecordError("cache_get")
		}
		return nil, "", false
	}

	var res models.AnalysisResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		s.logger.Warn("analysis cache entry undecodable",
			logger.String("key", cacheKey), logger.Error(err))
		s.metrics.RecordCacheMiss("decode")
		return nil, "", false
	}
	if time.Since(res.LastUpdated) > ttl {
		s.metrics.RecordCacheMiss("stale")
		return nil, "", false
	}
	return &res, tier, true
}

// store writes the result through both tiers. Failures are logged, never
// propagated: the caller already holds a fresh result.
func (s *Service) store(ctx context.Context, cacheKey string, ttl time.Duration, res *models.AnalysisResult) {
	payload, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("analysis result marshal failed",
			logger.String("key", cacheKey), logger.Error(err))
		return
	}
	memTTL := s.memTTL
	if ttl < memTTL {
		memTTL = ttl
	}
	if err := s.cache.SetTiered(ctx, cacheKey, string(payload), memTTL, retention); err != nil {
		s.logger.Warn("analysis cache write failed",
			logger.String("key", cacheKey),
			logger.Error(&models.CacheUnavailableError{Op: "set", Err: err}))
		s.metrics.RecordError("cache_set")
	}
}
