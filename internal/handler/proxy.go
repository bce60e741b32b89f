package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Lucas-Emanoel/video-proxy/internal/client"
	"github.com/Lucas-Emanoel/video-proxy/internal/config"
	"github.com/Lucas-Emanoel/video-proxy/internal/manifest"
	"github.com/Lucas-Emanoel/video-proxy/internal/metrics"
	"github.com/Lucas-Emanoel/video-proxy/internal/model"
	"github.com/Lucas-Emanoel/video-proxy/internal/relay"
	"github.com/Lucas-Emanoel/video-proxy/internal/service"
)

// secretParamPattern matches credential-like query parameter values in URLs
// embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)([?&](?:token|key|api_?key|sig|signature|auth|password)=)[^&\s"]+`)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// ProxyHandler relays media and manifests from the target URL back to the client.
type ProxyHandler struct {
	service          *service.ProxyService
	logger           *slog.Logger
	metrics          *metrics.Metrics
	maxManifestBytes int64
}

// NewProxyHandler creates a ProxyHandler.
// The metrics parameter is optional; pass nil to disable relay metrics.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service:          svc,
		logger:           logger.With("component", "proxy_handler"),
		metrics:          m,
		maxManifestBytes: cfg.Manifest.MaxBytes,
	}
}

// Handle serves GET <proxy path>?url=<target>. Opaque bodies are streamed
// through unchanged with the upstream status (206 included); HLS manifests are
// buffered and every reference rewritten to point back at this endpoint.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	res := c.Response()
	relay.SetCORS(res.Header())

	pr, err := h.service.Normalize(
		c.QueryParam("url"),
		req.Header.Get("Range"),
		c.Scheme()+"://"+req.Host,
		req.URL.Path,
	)
	if err != nil {
		return h.mapError(c, err)
	}

	resp, err := h.service.Fetch(req.Context(), pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	kind := manifest.Classify(resp.Header.Get("Content-Type"), pr.TargetURL)
	if kind == model.KindManifest {
		return h.relayManifest(c, pr, resp)
	}

	relay.CopyHeaders(res.Header(), resp.Header, kind)
	n, err := relay.Stream(res, resp.StatusCode, resp.Body)
	h.recordBytes(kind, n)
	if err != nil {
		// The status line is gone; ending the response is the only signal left.
		h.logger.Warn("stream interrupted",
			"err", sanitizeError(err),
			"bytes", n,
			"status", resp.StatusCode,
		)
	}
	return nil
}

func (h *ProxyHandler) relayManifest(c echo.Context, pr *model.ProxyRequest, resp *model.UpstreamResponse) error {
	data, err := relay.ReadManifest(resp.Body, h.maxManifestBytes)
	if err != nil {
		if errors.Is(err, relay.ErrManifestTooLarge) {
			err = fmt.Errorf("%w: %w", manifest.ErrRewrite, err)
			h.recordRewriteError()
		}
		return h.mapError(c, err)
	}

	base := resp.FinalURL
	if base == "" {
		base = pr.TargetURL
	}

	rw := manifest.Rewriter{Origin: pr.Origin, Endpoint: pr.Endpoint}
	text, refs, err := rw.Rewrite(manifest.Parse(base, string(data)))
	if err != nil {
		h.recordRewriteError()
		return h.mapError(c, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = manifest.DefaultContentType
	}

	// The rewritten text is a whole document, never a byte range of one.
	status := resp.StatusCode
	if status == http.StatusPartialContent {
		status = http.StatusOK
	}

	n, err := relay.WriteManifest(c.Response(), status, contentType, text)
	h.recordBytes(model.KindManifest, n)
	if h.metrics != nil {
		h.metrics.ManifestReferences.Add(float64(refs))
	}
	if err != nil {
		h.logger.Warn("manifest write interrupted", "err", err, "bytes", n)
		return nil
	}

	h.logger.Debug("manifest rewritten", "references", refs, "bytes", n)
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, msg := errorStatus(err)
	details := sanitizeError(err)

	var statusErr *service.UpstreamStatusError
	if errors.As(err, &statusErr) {
		if body := strings.TrimSpace(statusErr.Body); body != "" {
			details += ": " + sanitizeText(body)
		}
	}

	level := slog.LevelError
	if status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.Log(c.Request().Context(), level, "proxy error",
		"err", details,
		"status", status,
		"target_host", targetHost(c.QueryParam("url")),
	)

	if c.Response().Committed {
		return nil
	}
	// A body header copied from upstream would otherwise win over the JSON type.
	c.Response().Header().Del(echo.HeaderContentType)
	return c.JSON(status, ErrorResponse{Error: msg, Details: details})
}

// errorStatus maps an error from the proxy pipeline to a status code and a
// short client-facing message.
func errorStatus(err error) (int, string) {
	var statusErr *service.UpstreamStatusError

	switch {
	case errors.Is(err, service.ErrMissingTarget):
		return http.StatusBadRequest, "url parameter is missing"
	case errors.Is(err, service.ErrInvalidTarget):
		return http.StatusBadRequest, "url parameter is invalid"
	case errors.Is(err, manifest.ErrRewrite):
		return http.StatusInternalServerError, "manifest rewrite failed"
	case errors.As(err, &statusErr):
		if statusErr.StatusCode >= 400 && statusErr.StatusCode <= 599 {
			return statusErr.StatusCode, "upstream responded with an error"
		}
		return http.StatusBadGateway, "upstream responded with an error"
	case errors.Is(err, client.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream request timed out"
	case errors.Is(err, client.ErrTooManyRedirects):
		return http.StatusBadGateway, "too many redirects"
	case errors.Is(err, client.ErrUpstreamUnreachable):
		return http.StatusBadGateway, "upstream unreachable"
	case errors.Is(err, context.Canceled):
		return http.StatusBadGateway, "client disconnected"
	default:
		return http.StatusBadGateway, "upstream request failed"
	}
}

func (h *ProxyHandler) recordBytes(kind model.Kind, n int64) {
	if h.metrics != nil && n > 0 {
		h.metrics.RelayedBytes.WithLabelValues(kind.String()).Add(float64(n))
	}
}

func (h *ProxyHandler) recordRewriteError() {
	if h.metrics != nil {
		h.metrics.ManifestRewriteErrs.Inc()
	}
}

// sanitizeError redacts credentials from error messages that may contain target URLs.
func sanitizeError(err error) string {
	return sanitizeText(err.Error())
}

func sanitizeText(s string) string {
	return secretParamPattern.ReplaceAllString(s, "${1}[REDACTED]")
}

func targetHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
