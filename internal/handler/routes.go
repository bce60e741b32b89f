package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lucas-Emanoel/video-proxy/internal/config"
	"github.com/Lucas-Emanoel/video-proxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// The metrics endpoint is only exposed when metrics are enabled and m is non-nil.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/", health.Usage)
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.GET(cfg.Proxy.Path, proxy.Handle)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
