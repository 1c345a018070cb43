package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/luckshury/whop-web-app/internal/usecase"
	pkgcache "github.com/luckshury/whop-web-app/pkg/cache"
	pkgch "github.com/luckshury/whop-web-app/pkg/clickhouse"
	"github.com/luckshury/whop-web-app/pkg/config"
	xhttp "github.com/luckshury/whop-web-app/pkg/http"
	pkgkafka "github.com/luckshury/whop-web-app/pkg/kafka"
	"github.com/luckshury/whop-web-app/pkg/logger"
	pkgqueue "github.com/luckshury/whop-web-app/pkg/queue"
)

// AuditFlusher flushes buffered audit rows before the process exits.
type AuditFlusher interface {
	Close()
}

// Deps carries everything the application lifecycle owns. Consumer,
// Producer, AuditStore, and LogQueue are nil when their backends are
// disabled.
type Deps struct {
	Config     *config.Config
	Logger     *logger.Logger
	HTTP       *xhttp.Server
	Queue      *pkgqueue.RedisQueue
	LogQueue   *pkgqueue.RedisQueue
	Refresher  *usecase.Refresher
	Consumer   *pkgkafka.Consumer
	Producer   *pkgkafka.Producer
	AuditStore AuditFlusher
	ClickHouse *pkgch.Client
	Cache      *pkgcache.LayeredCache
}

// App owns startup order and graceful shutdown.
type App struct {
	d Deps
}

// New creates the application from its wired dependencies.
func New(d Deps) *App {
	return &App{d: d}
}

// Run starts every component and blocks until an interrupt arrives.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := a.d.Logger

	if err := a.d.Queue.Start(); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	if a.d.Consumer != nil {
		if err := a.d.Consumer.Start(); err != nil {
			return fmt.Errorf("start kafka consumer: %w", err)
		}
		l.Info("kafka audit consumer started",
			logger.String("topic", a.d.Config.Kafka.Topic),
			logger.String("group", a.d.Config.Kafka.Consumer.GroupID))
	}

	if a.d.Config.Refresh.Enabled {
		if err := a.d.Refresher.Start(ctx); err != nil {
			return fmt.Errorf("start refresher: %w", err)
		}
	}

	if err := a.d.HTTP.Start(); err != nil {
		return fmt.Errorf("start http: %w", err)
	}

	l.Info("application started",
		logger.String("environment", a.d.Config.Environment),
		logger.Int("port", a.d.Config.Server.Port),
		logger.String("audit_backend", a.d.Config.Audit.Backend))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	l.Info("shutdown signal received")
	return a.shutdown()
}

// shutdown stops intake first (HTTP, cron), then workers, then flushes and
// closes storage. Each step logs its own failure and the rest proceed.
func (a *App) shutdown() error {
	l := a.d.Logger

	ctx, cancel := context.WithTimeout(context.Background(), a.d.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.d.HTTP.Stop(ctx); err != nil {
		l.Warn("http stop", logger.Error(err))
	}

	if a.d.Config.Refresh.Enabled {
		if err := a.d.Refresher.Stop(ctx); err != nil {
			l.Warn("refresher stop", logger.Error(err))
		}
	}

	if err := a.d.Queue.Stop(ctx); err != nil {
		l.Warn("queue stop", logger.Error(err))
	}

	if a.d.Consumer != nil {
		if err := a.d.Consumer.Stop(ctx); err != nil {
			l.Warn("kafka consumer stop", logger.Error(err))
		}
	}
	if a.d.Producer != nil {
		if err := a.d.Producer.Close(); err != nil {
			l.Warn("kafka producer close", logger.Error(err))
		}
	}
	if a.d.AuditStore != nil {
		a.d.AuditStore.Close()
	}

	// The collector's final flush goes through the log queue, so drop the
	// collector before stopping it.
	l.RemoveCollector()
	if a.d.LogQueue != nil {
		if err := a.d.LogQueue.Stop(ctx); err != nil {
			l.Warn("log queue stop", logger.Error(err))
		}
	}

	// Cache.Close also closes the shared Redis connection; it must come
	// after every Redis consumer above.
	if a.d.Cache != nil {
		if err := a.d.Cache.Close(); err != nil {
			l.Warn("cache close", logger.Error(err))
		}
	}
	if a.d.ClickHouse != nil {
		if err := a.d.ClickHouse.Close(); err != nil {
			l.Warn("clickhouse close", logger.Error(err))
		}
	}

	l.Info("shutdown complete")
	return nil
}
