package handler

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Lucas-Emanoel/video-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the usage, health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Usage returns a one-line plain-text hint on how to call the proxy.
func (h *HealthHandler) Usage(c echo.Context) error {
	return c.String(http.StatusOK, fmt.Sprintf(
		"video proxy is running; use %s?url=<encoded media url>", h.cfg.Proxy.Path))
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":                   "ok",
		"version":                  string(h.version),
		"proxy_path":               h.cfg.Proxy.Path,
		"public_url":               h.cfg.Server.PublicURL,
		"upstream_timeout_seconds": h.cfg.Upstream.TimeoutSeconds,
		"upstream_max_redirects":   h.cfg.Upstream.MaxRedirects,
		"manifest_max_bytes":       h.cfg.Manifest.MaxBytes,
	})
}
