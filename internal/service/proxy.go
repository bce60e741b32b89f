// Package service implements request normalization and upstream fetching for the proxy.
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Lucas-Emanoel/video-proxy/internal/client"
	"github.com/Lucas-Emanoel/video-proxy/internal/config"
	"github.com/Lucas-Emanoel/video-proxy/internal/metrics"
	"github.com/Lucas-Emanoel/video-proxy/internal/model"
)

var (
	// ErrMissingTarget is returned when the url query parameter is absent or empty.
	ErrMissingTarget = errors.New("url parameter is missing")
	// ErrInvalidTarget is returned when the url query parameter is not an absolute http(s) URL.
	ErrInvalidTarget = errors.New("url parameter must be an absolute http or https URL")
)

// maxErrorBody bounds how much of an upstream error body is kept for the client.
const maxErrorBody = 4 * 1024

// sniffLen matches mimetype's default read limit.
const sniffLen = 3072

// UpstreamStatusError is returned when the upstream answers outside 2xx.
type UpstreamStatusError struct {
	StatusCode int
	// Body is the start of the upstream's error body, at most 4 KiB.
	Body string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream responded with status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ProxyService normalizes inbound requests and fetches their targets.
type ProxyService struct {
	client    *client.UpstreamClient
	logger    *slog.Logger
	metrics   *metrics.Metrics
	userAgent string
	publicURL string
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable metrics recording.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:    c,
		logger:    logger.With("component", "proxy_service"),
		metrics:   m,
		userAgent: cfg.Upstream.UserAgent,
		publicURL: cfg.Server.PublicURL,
	}
}

// Normalize validates the inbound parameters and builds a ProxyRequest.
// requestOrigin is the scheme and host the request arrived on; server.public_url
// takes precedence over it when configured.
func (s *ProxyService) Normalize(target, rangeHeader, requestOrigin, endpoint string) (*model.ProxyRequest, error) {
	if strings.TrimSpace(target) == "" {
		return nil, ErrMissingTarget
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidTarget
	}

	origin := requestOrigin
	if s.publicURL != "" {
		origin = s.publicURL
	}

	return &model.ProxyRequest{
		TargetURL: target,
		Range:     rangeHeader,
		Origin:    strings.TrimRight(origin, "/"),
		Endpoint:  endpoint,
	}, nil
}

// Fetch performs the single upstream attempt for pr. On success the caller
// owns the returned body and must close it. Non-2xx answers are returned as
// *UpstreamStatusError with the body already released.
func (s *ProxyService) Fetch(ctx context.Context, pr *model.ProxyRequest) (*model.UpstreamResponse, error) {
	header := s.upstreamHeaders(pr)

	s.logger.Debug("fetching upstream",
		"range", pr.Range,
	)

	resp, err := s.client.Get(ctx, pr.TargetURL, header)
	if err != nil {
		return nil, fmt.Errorf("fetch upstream: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		if s.metrics != nil {
			s.metrics.UpstreamFailures.WithLabelValues(metrics.ReasonStatus).Inc()
		}
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if resp.Header.Get("Content-Type") == "" {
		s.sniffContentType(resp)
	}

	return resp, nil
}

// upstreamHeaders builds the outbound header set from scratch; nothing from the
// inbound request is forwarded except Range.
func (s *ProxyService) upstreamHeaders(pr *model.ProxyRequest) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", s.userAgent)
	h.Set("Accept", "*/*")
	if pr.Range != "" {
		h.Set("Range", pr.Range)
	}
	return h
}

// sniffContentType fills in Content-Type from the first body bytes.
// Only what the first read returns is inspected: a slow or live body must not
// hold back the response. The peeked bytes stay buffered, so the body reaches
// the client intact.
func (s *ProxyService) sniffContentType(resp *model.UpstreamResponse) {
	br := bufio.NewReaderSize(resp.Body, sniffLen)
	resp.Body = readCloser{Reader: br, Closer: resp.Body}
	if _, err := br.Peek(1); err != nil {
		return
	}
	head, _ := br.Peek(br.Buffered())

	mtype := mimetype.Detect(head)
	resp.Header.Set("Content-Type", mtype.String())
	s.logger.Debug("sniffed content type", "content_type", mtype.String())
}

type readCloser struct {
	io.Reader
	io.Closer
}
