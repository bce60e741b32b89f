// Package client provides the upstream HTTP client for proxied media.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Lucas-Emanoel/video-proxy/internal/config"
	"github.com/Lucas-Emanoel/video-proxy/internal/metrics"
	"github.com/Lucas-Emanoel/video-proxy/internal/model"
)

var (
	// ErrUpstreamUnreachable wraps network-level failures: DNS, refused or reset connections, TLS.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrTooManyRedirects is returned when the redirect chain exceeds upstream.max_redirects.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrUpstreamTimeout is returned when no response headers arrive within upstream.timeout_seconds.
	ErrUpstreamTimeout = errors.New("upstream timed out")
)

// UpstreamClient fetches target URLs. It is safe for concurrent use; the
// underlying transport's connection pool is the only state shared between requests.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	timeout    time.Duration
}

// NewUpstreamClient creates an UpstreamClient with connection pooling, bounded
// redirects and a time-to-first-byte timeout.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	maxRedirects := cfg.Upstream.MaxRedirects

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		// Media bytes must reach the client exactly as the origin sent them.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		// No http.Client.Timeout: it would also cut off long, healthy body streams.
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, maxRedirects)
				}
				return nil
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
		timeout: timeout,
	}
}

// Get issues a GET for target with exactly the given headers and returns the
// response with its body still streaming. The caller must close the body.
//
// The timeout covers connecting, redirects and waiting for response headers;
// once headers have arrived the body may take as long as it needs. Canceling
// ctx (e.g. the client disconnected) aborts the upstream request at any point.
func (c *UpstreamClient) Get(ctx context.Context, target string, header http.Header) (*model.UpstreamResponse, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(c.timeout, func() { cancel(ErrUpstreamTimeout) })

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		timer.Stop()
		cancel(nil)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	c.logger.Debug("upstream request",
		"host", req.URL.Host,
		"range", header.Get("Range"),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	inTime := timer.Stop()
	c.observeDuration(time.Since(start))

	if err != nil {
		err = c.classify(ctx, err)
		cancel(nil)
		return nil, err
	}
	if !inTime {
		// Headers raced the timer; the context is already canceled.
		_ = resp.Body.Close()
		cancel(nil)
		c.recordFailure(metrics.ReasonTimeout)
		return nil, fmt.Errorf("upstream request: %w", ErrUpstreamTimeout)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		FinalURL:   finalURL,
	}, nil
}

// classify maps a transport error onto the upstream error taxonomy.
// It must run before ctx is canceled by the caller so the timeout cause is visible.
func (c *UpstreamClient) classify(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(context.Cause(ctx), ErrUpstreamTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		c.recordFailure(metrics.ReasonTimeout)
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	case errors.Is(err, ErrTooManyRedirects):
		c.recordFailure(metrics.ReasonRedirects)
		return fmt.Errorf("upstream request: %w", err)
	case errors.Is(err, context.Canceled):
		// The inbound request went away; nothing upstream is at fault.
		return fmt.Errorf("upstream request: %w", err)
	default:
		c.recordFailure(metrics.ReasonUnreachable)
		return fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}
}

func (c *UpstreamClient) observeDuration(d time.Duration) {
	if c.metrics != nil {
		c.metrics.UpstreamDuration.Observe(d.Seconds())
	}
}

func (c *UpstreamClient) recordFailure(reason string) {
	if c.metrics != nil {
		c.metrics.UpstreamFailures.WithLabelValues(reason).Inc()
	}
}

// cancelOnClose releases the request context together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
