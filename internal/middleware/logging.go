// Package middleware provides Echo middleware for logging, metrics, CORS and security.
package middleware

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Only the host of the proxied target is logged; full target URLs often carry
// signed tokens.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if host := targetHost(c.QueryParam("url")); host != "" {
				attrs = append(attrs, "target_host", host)
			}
			if r := req.Header.Get("Range"); r != "" {
				attrs = append(attrs, "range", r)
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}

func targetHost(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
