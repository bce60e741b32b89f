package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Lucas-Emanoel/video-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// Resolve the actual status code. When a handler returns an
			// *echo.HTTPError, the response status hasn't been written yet;
			// Echo's central error handler will do that later.
			statusCode := c.Response().Status
			route := c.Path()
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
					if he.Code == http.StatusNotFound || he.Code == http.StatusMethodNotAllowed {
						route = ""
					}
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			label := metrics.NormalizeRoute(route)
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, label).Inc()
			m.RequestDuration.WithLabelValues(method, status, label).Observe(duration)

			return err
		}
	}
}
