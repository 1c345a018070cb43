//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"github.com/luckshury/whop-web-app/pkg/config"
	"github.com/luckshury/whop-web-app/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire generates the implementation in wire_gen.go.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideRedisCache,
		ProvideLayeredCache,

		// Repositories
		ProvideCandleStore,
		ProvideAuditStack,
		ProvideExchangeClient,

		// Domain services
		ProvideEngine,
		ProvideAnalysisCache,

		// Use cases
		ProvideResolver,
		ProvideAnalysisUseCase,
		ProvideCandlesUseCase,
		ProvideQueue,
		ProvideRefresher,

		// HTTP
		ProvideHandler,
		ProvideHTTPServer,

		// Application
		ProvideApp,
	)
	return &server.App{}, nil
}
