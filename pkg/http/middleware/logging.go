package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/luckshury/whop-web-app/pkg/logger"
)

// RequestLogging logs one line per request. Probe and scrape paths are
// skipped to keep the log readable.
func RequestLogging(lgr *logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.URL.Path == "/healthz" || req.URL.Path == "/metrics" {
				return next(c)
			}

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			res := c.Response()
			fields := []logger.Field{
				logger.String("method", req.Method),
				logger.String("path", req.URL.Path),
				logger.Int("status", res.Status),
				logger.Duration("latency", time.Since(start)),
				logger.String("remote", c.RealIP()),
			}
			switch {
			case res.Status >= 500:
				lgr.Error("http request", append(fields, logger.Error(err))...)
			case res.Status >= 400:
				lgr.Warn("http request", fields...)
			default:
				lgr.Info("http request", fields...)
			}
			return nil
		}
	}
}
