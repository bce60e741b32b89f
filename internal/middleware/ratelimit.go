package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/Lucas-Emanoel/video-proxy/internal/config"
)

// RateLimit returns a per-IP rate limiter built from cfg, or a pass-through
// middleware when rate limiting is disabled. Rejections use the proxy's JSON
// error shape.
func RateLimit(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"error":   "rate limit exceeded",
				"details": "too many requests from " + identifier,
			})
		},
	})
}
