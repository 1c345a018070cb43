package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds request rates per client IP.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimit rejects clients exceeding cfg.RPS with 429. Idle client
// entries are evicted after a few minutes so the map stays bounded.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}

	var (
		mu      sync.Mutex
		clients = make(map[string]*clientLimiter)
	)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			for ip, cl := range clients {
				if time.Since(cl.lastSeen) > 3*time.Minute {
					delete(clients, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()

			mu.Lock()
			cl, ok := clients[ip]
			if !ok {
				cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)}
				clients[ip] = cl
			}
			cl.lastSeen = time.Now()
			allowed := cl.limiter.Allow()
			mu.Unlock()

			if !allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"status":  http.StatusTooManyRequests,
					"message": "rate limit exceeded",
				})
			}
			return next(c)
		}
	}
}
