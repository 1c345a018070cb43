package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luckshury/whop-web-app/pkg/http/middleware"
	"github.com/luckshury/whop-web-app/pkg/logger"
)

// Handler registers routes on the server's Echo instance.
type Handler interface {
	RegisterRoutes(e *echo.Echo)
}

// ServerOption configures Server.
type ServerOption func(*ServerConfig)

// ServerConfig holds listener and middleware settings.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORS            bool
	MetricsPath     string  // empty disables the scrape endpoint
	RateLimitRPS    float64 // <= 0 disables rate limiting
	RateLimitBurst  int
}

// WithPort sets the listen port.
func WithPort(port int) ServerOption {
	return func(c *ServerConfig) {
		if port > 0 {
			c.Port = port
		}
	}
}

// WithTimeouts sets read, write, and shutdown timeouts.
func WithTimeouts(read, write, shutdown time.Duration) ServerOption {
	return func(c *ServerConfig) {
		if read > 0 {
			c.ReadTimeout = read
		}
		if write > 0 {
			c.WriteTimeout = write
		}
		if shutdown > 0 {
			c.ShutdownTimeout = shutdown
		}
	}
}

// WithCORS toggles permissive CORS.
func WithCORS(enabled bool) ServerOption {
	return func(c *ServerConfig) { c.CORS = enabled }
}

// WithMetrics exposes Prometheus metrics at path.
func WithMetrics(path string) ServerOption {
	return func(c *ServerConfig) { c.MetricsPath = path }
}

// WithRateLimit enables the per-client limiter.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(c *ServerConfig) {
		c.RateLimitRPS = rps
		c.RateLimitBurst = burst
	}
}

// Server is the Echo HTTP front: panic recovery, request logging, request
// metrics, optional CORS and rate limiting, all ahead of the routes.
type Server struct {
	echo   *echo.Echo
	config *ServerConfig
	logger *logger.Logger
}

// NewServer builds the server and registers handler's routes.
func NewServer(handler Handler, lgr *logger.Logger, opts ...ServerOption) *Server {
	cfg := &ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		CORS:            true,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(lgr))
	e.Use(middleware.RequestLogging(lgr))
	e.Use(middleware.Metrics())
	if cfg.RateLimitRPS > 0 {
		e.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		}))
	}
	if cfg.CORS {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: []string{"*"},
			AllowMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPut,
				http.MethodPatch, http.MethodDelete, http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin, echo.HeaderContentType,
				echo.HeaderAccept, echo.HeaderAuthorization,
			},
		}))
	}

	if handler != nil {
		handler.RegisterRoutes(e)
	}
	if cfg.MetricsPath != "" {
		e.GET(cfg.MetricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	return &Server{echo: e, config: cfg, logger: lgr}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.echo.Server.ReadTimeout = s.config.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.WriteTimeout

	go func() {
		s.logger.Info("http server listening", logger.String("addr", addr))
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", logger.Error(err))
		}
	}()
	return nil
}

// Stop drains connections within the configured shutdown window, bounded
// additionally by ctx.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// Echo exposes the underlying instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }
