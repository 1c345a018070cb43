package di

import (
	"context"
	"fmt"
	"time"

	"github.com/luckshury/whop-web-app/internal/domain/repository"
	"github.com/luckshury/whop-web-app/internal/handler/api"
	"github.com/luckshury/whop-web-app/internal/pivot"
	internalrepo "github.com/luckshury/whop-web-app/internal/repository"
	"github.com/luckshury/whop-web-app/internal/service/analysiscache"
	"github.com/luckshury/whop-web-app/internal/service/bybit"
	"github.com/luckshury/whop-web-app/internal/usecase"
	pkgcache "github.com/luckshury/whop-web-app/pkg/cache"
	pkgch "github.com/luckshury/whop-web-app/pkg/clickhouse"
	"github.com/luckshury/whop-web-app/pkg/config"
	xhttp "github.com/luckshury/whop-web-app/pkg/http"
	pkgkafka "github.com/luckshury/whop-web-app/pkg/kafka"
	"github.com/luckshury/whop-web-app/pkg/logger"
	"github.com/luckshury/whop-web-app/pkg/metrics"
	pkgqueue "github.com/luckshury/whop-web-app/pkg/queue"
	"github.com/luckshury/whop-web-app/pkg/server"
)

// ProvideLogger creates the process logger. The error collector, which
// needs Redis, is attached later in ProvideApp.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideClickHouseClient creates a ClickHouse client and ensures the
// schema exists.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	client, err := pkgch.NewClient(
		pkgch.WithAddr(cfg.ClickHouse.Host, cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db := cfg.ClickHouse.Database
	if err := client.InitSchema(ctx, []string{
		"CREATE DATABASE IF NOT EXISTS " + db,
		"CREATE TABLE IF NOT EXISTS " + db + `.candles_15m (
			ticker LowCardinality(String),
			ts DateTime('UTC'),
			open Float64, high Float64, low Float64, close Float64,
			volume Float64, turnover Float64
		) ENGINE = ReplacingMergeTree ORDER BY (ticker, ts)`,
		"CREATE TABLE IF NOT EXISTS " + db + `.update_logs (
			ts DateTime('UTC'),
			ticker String,
			operation LowCardinality(String),
			rows_affected Int64,
			success UInt8,
			error String,
			duration_ms Int64
		) ENGINE = MergeTree ORDER BY ts TTL ts + INTERVAL 90 DAY`,
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return client, nil
}

// ProvideRedisCache connects the Redis tier.
func ProvideRedisCache(cfg *config.Config) (*pkgcache.RedisCache, error) {
	rc, err := pkgcache.NewRedisCache(
		pkgcache.WithRedisAddr(cfg.Redis.Addr),
		pkgcache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
	)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return rc, nil
}

// ProvideLayeredCache stacks the in-process LRU in front of Redis.
func ProvideLayeredCache(rc *pkgcache.RedisCache, cfg *config.Config) *pkgcache.LayeredCache {
	return pkgcache.NewLayeredCache(rc,
		pkgcache.WithLayeredMemoryEntries(cfg.Analysis.MemoryEntries),
	)
}

// ProvideCandleStore creates ClickHouse-backed candle storage.
func ProvideCandleStore(ch *pkgch.Client, cfg *config.Config) repository.CandleStore {
	return internalrepo.NewClickHouseCandleStore(ch.DB(), cfg.ClickHouse.Database+".candles_15m")
}

// AuditStack bundles the audit pipeline for the configured backend. The
// clickhouse backend writes update_logs directly; the kafka backend
// publishes entries to a topic and drains it back into ClickHouse through
// the bundled consumer; none discards everything.
type AuditStack struct {
	Sink     repository.AuditSink
	Store    *internalrepo.ClickHouseAuditSink
	Producer *pkgkafka.Producer
	Consumer *pkgkafka.Consumer
}

// ProvideAuditStack assembles the audit pipeline per cfg.Audit.Backend.
func ProvideAuditStack(cfg *config.Config, ch *pkgch.Client, lgr *logger.Logger, m repository.Metrics) (*AuditStack, error) {
	if cfg.Audit.Backend == "none" {
		return &AuditStack{Sink: internalrepo.NoopAuditSink{}}, nil
	}

	store := internalrepo.NewClickHouseAuditSink(
		ch.DB(),
		cfg.ClickHouse.Database+".update_logs",
		lgr, m,
		cfg.Audit.BatchSize,
		cfg.Audit.BatchTimeout,
	)
	if cfg.Audit.Backend == "clickhouse" {
		return &AuditStack{Sink: store, Store: store}, nil
	}

	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroup(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerStartOffset(cfg.Kafka.Consumer.StartOffset),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
	)
	if err != nil {
		_ = producer.Close()
		store.Close()
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	if err := consumer.RegisterHandler(usecase.NewKafkaAuditHandler(cfg.Kafka.Topic, store, m)); err != nil {
		_ = producer.Close()
		store.Close()
		return nil, err
	}
	consumer.SetHook(pkgkafka.NewLoggingHook(lgr, time.Second))

	return &AuditStack{
		Sink:     internalrepo.NewKafkaAuditSink(producer, cfg.Kafka.Topic, lgr),
		Store:    store,
		Producer: producer,
		Consumer: consumer,
	}, nil
}

// ProvideExchangeClient creates the Bybit kline client.
func ProvideExchangeClient(cfg *config.Config, lgr *logger.Logger, m repository.Metrics) repository.ExchangeClient {
	return bybit.New(bybit.Options{
		BaseURL:        cfg.Bybit.BaseURL,
		Category:       cfg.Bybit.Category,
		Timeout:        cfg.Bybit.Timeout,
		PageLimit:      cfg.Bybit.PageLimit,
		MaxRetries:     cfg.Bybit.MaxRetries,
		RequestsPerSec: cfg.Bybit.RateRPS,
		Burst:          cfg.Bybit.RateBurst,
	}, lgr, m)
}

// ProvideResolver creates the candle resolver.
func ProvideResolver(store repository.CandleStore, exchange repository.ExchangeClient, stack *AuditStack, m repository.Metrics, lgr *logger.Logger) *usecase.CandleResolver {
	return usecase.NewCandleResolver(store, exchange, stack.Sink, m, lgr)
}

// ProvideEngine creates the pivot engine from the configured session table.
func ProvideEngine(cfg *config.Config) (*pivot.Engine, error) {
	var sessions []pivot.Session
	for _, s := range cfg.Analysis.Sessions {
		sessions = append(sessions, pivot.Session{
			Name:      s.Name,
			StartHour: s.StartHour,
			EndHour:   s.EndHour,
		})
	}
	if len(sessions) > 0 {
		if err := pivot.ValidateSessions(sessions); err != nil {
			return nil, fmt.Errorf("analysis.sessions: %w", err)
		}
	}
	return pivot.NewEngine(sessions), nil
}

// ProvideAnalysisCache creates the layered analysis cache service.
func ProvideAnalysisCache(lc *pkgcache.LayeredCache, cfg *config.Config, lgr *logger.Logger, m repository.Metrics) *analysiscache.Service {
	return analysiscache.New(lc, cfg.Analysis.MemoryTTL, lgr, m)
}

// ProvideAnalysisUseCase creates the analysis use case.
func ProvideAnalysisUseCase(resolver *usecase.CandleResolver, engine *pivot.Engine, ac *analysiscache.Service, stack *AuditStack, m repository.Metrics, lgr *logger.Logger, cfg *config.Config) *usecase.AnalysisUseCase {
	return usecase.NewAnalysisUseCase(resolver, engine, ac, stack.Sink, m, lgr, usecase.AnalysisOptions{
		ProximityPct: cfg.Analysis.ProximityPct,
		MaxRangeDays: cfg.Analysis.MaxRangeDays,
	})
}

// ProvideCandlesUseCase creates the raw candle read use case.
func ProvideCandlesUseCase(resolver *usecase.CandleResolver) *usecase.CandlesUseCase {
	return usecase.NewCandlesUseCase(resolver)
}

// ProvideQueue creates the Redis job queue shared by the refresher.
func ProvideQueue(cfg *config.Config, lgr *logger.Logger, rc *pkgcache.RedisCache) *pkgqueue.RedisQueue {
	return pkgqueue.NewRedisQueue(lgr, &pkgqueue.QueueConfig{
		Workers:    cfg.Refresh.Queue.Workers,
		QueueSize:  cfg.Refresh.Queue.QueueSize,
		RetryLimit: cfg.Refresh.Queue.RetryLimit,
		RetryDelay: cfg.Refresh.Queue.RetryDelay,
	}, rc.Client(), pkgqueue.ModeProducerConsumer)
}

// ProvideRefresher creates the background refresher and registers its jobs
// on the queue. The layered cache doubles as the distributed lock backend.
func ProvideRefresher(resolver *usecase.CandleResolver, analysis *usecase.AnalysisUseCase, store repository.CandleStore, q *pkgqueue.RedisQueue, lc *pkgcache.LayeredCache, stack *AuditStack, m repository.Metrics, lgr *logger.Logger, cfg *config.Config) *usecase.Refresher {
	pairs := make([]usecase.Pair, 0, len(cfg.PopularPairs))
	for _, p := range cfg.PopularPairs {
		pairs = append(pairs, usecase.Pair{
			Ticker:       p.Ticker,
			Priority:     p.Priority,
			Interval:     p.Interval,
			BackfillDays: p.BackfillDays,
		})
	}

	r := usecase.NewRefresher(resolver, analysis, store, q, lc, stack.Sink, m, lgr, usecase.RefresherOptions{
		Pairs:          pairs,
		DefaultCron:    cfg.Refresh.Cron,
		WarmDays:       cfg.Refresh.Days,
		BackfillDays:   cfg.Refresh.BackfillDays,
		WarmTimeframes: cfg.Refresh.WarmTimeframes,
		WarmPriority:   cfg.Refresh.WarmPriority,
	})
	q.RegisterJobs(r.Jobs())
	return r
}

// ProvideHandler creates the API handler with its health checks.
func ProvideHandler(lgr *logger.Logger, analysis *usecase.AnalysisUseCase, candles *usecase.CandlesUseCase, refresher *usecase.Refresher, ch *pkgch.Client, rc *pkgcache.RedisCache) *api.PivotsHandler {
	return api.NewPivotsHandler(lgr, analysis, candles, refresher, map[string]api.HealthChecker{
		"clickhouse": ch,
		"redis":      rc,
	})
}

// ProvideHTTPServer creates the Echo server with routes registered.
func ProvideHTTPServer(h *api.PivotsHandler, lgr *logger.Logger, cfg *config.Config) *xhttp.Server {
	opts := []xhttp.ServerOption{
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetrics(cfg.Metrics.Path))
	}
	if cfg.Server.RateLimit.Enabled {
		opts = append(opts, xhttp.WithRateLimit(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst))
	}
	return xhttp.NewServer(h, lgr, opts...)
}

// ProvideApp assembles the application, attaching the log collector when
// enabled so repeated errors ship to Redis in aggregate form.
func ProvideApp(cfg *config.Config, lgr *logger.Logger, httpServer *xhttp.Server, q *pkgqueue.RedisQueue, refresher *usecase.Refresher, stack *AuditStack, ch *pkgch.Client, rc *pkgcache.RedisCache, lc *pkgcache.LayeredCache) *server.App {
	var logQueue *pkgqueue.RedisQueue
	if cfg.Logging.Collect.Enabled {
		logQueue = pkgqueue.NewRedisPublisher(lgr, rc.Client(), pkgqueue.WithKeyPrefix("pivot:logs"))
		lgr.AddCollector(&logger.CollectorConfig{
			FlushInterval: cfg.Logging.Collect.FlushInterval,
			MaxEntries:    cfg.Logging.Collect.MaxEntries,
			Topic:         cfg.Logging.Collect.Topic,
			Publisher:     logQueue,
		})
	}

	deps := server.Deps{
		Config:     cfg,
		Logger:     lgr,
		HTTP:       httpServer,
		Queue:      q,
		LogQueue:   logQueue,
		Refresher:  refresher,
		Consumer:   stack.Consumer,
		Producer:   stack.Producer,
		ClickHouse: ch,
		Cache:      lc,
	}
	// Assigned only when present so the nil check in shutdown stays a plain
	// interface comparison.
	if stack.Store != nil {
		deps.AuditStore = stack.Store
	}
	return server.New(deps)
}
