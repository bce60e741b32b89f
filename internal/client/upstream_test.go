package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Lucas-Emanoel/video-proxy/internal/config"
	"github.com/Lucas-Emanoel/video-proxy/internal/metrics"
)

func newTestClient(t *testing.T, maxRedirects int, m *metrics.Metrics) *UpstreamClient {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			MaxRedirects:    maxRedirects,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewUpstreamClient(cfg, logger, m)
}

func TestUpstreamClient_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("mp4-bytes"))
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)

	resp, err := c.Get(context.Background(), srv.URL+"/movie.mp4", http.Header{})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type = %q, want %q", got, "video/mp4")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "mp4-bytes" {
		t.Errorf("body = %q, want %q", string(body), "mp4-bytes")
	}
	if resp.FinalURL != srv.URL+"/movie.mp4" {
		t.Errorf("FinalURL = %q, want %q", resp.FinalURL, srv.URL+"/movie.mp4")
	}
}

func TestUpstreamClient_Get_ForwardsHeadersVerbatim(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)

	header := http.Header{}
	header.Set("User-Agent", "test-agent")
	header.Set("Accept", "*/*")
	header.Set("Range", "bytes=100-199")

	resp, err := c.Get(context.Background(), srv.URL, header)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	_ = resp.Body.Close()

	if got.Get("User-Agent") != "test-agent" {
		t.Errorf("User-Agent = %q, want %q", got.Get("User-Agent"), "test-agent")
	}
	if got.Get("Range") != "bytes=100-199" {
		t.Errorf("Range = %q, want %q", got.Get("Range"), "bytes=100-199")
	}
	// Compression is disabled so media bytes and Content-Length stay intact.
	if ae := got.Get("Accept-Encoding"); ae != "" {
		t.Errorf("Accept-Encoding = %q, want empty", ae)
	}
}

// redirectChain serves /r/N as a redirect to /r/N-1 and /r/0 as a 200.
func redirectChain() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/r/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if n == 0 {
			_, _ = w.Write([]byte("final"))
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/r/%d", n-1), http.StatusFound)
	})
}

func TestUpstreamClient_Get_FollowsRedirects(t *testing.T) {
	srv := httptest.NewServer(redirectChain())
	defer srv.Close()

	c := newTestClient(t, 3, nil)

	resp, err := c.Get(context.Background(), srv.URL+"/r/3", http.Header{})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "final" {
		t.Errorf("body = %q, want %q", string(body), "final")
	}
	if resp.FinalURL != srv.URL+"/r/0" {
		t.Errorf("FinalURL = %q, want %q", resp.FinalURL, srv.URL+"/r/0")
	}
}

func TestUpstreamClient_Get_TooManyRedirects(t *testing.T) {
	srv := httptest.NewServer(redirectChain())
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(t, 3, m)

	_, err := c.Get(context.Background(), srv.URL+"/r/4", http.Header{})
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("Get() error = %v, want ErrTooManyRedirects", err)
	}
	if errors.Is(err, ErrUpstreamUnreachable) {
		t.Error("redirect overflow must not be reported as unreachable")
	}
	assertFailure(t, m, metrics.ReasonRedirects)
}

func TestUpstreamClient_Get_TimeoutBeforeHeaders(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m := metrics.New()
	c := newTestClient(t, 10, m)
	c.timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := c.Get(context.Background(), srv.URL, http.Header{})
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("Get() error = %v, want ErrUpstreamTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Get() took %v; timeout not enforced", elapsed)
	}
	assertFailure(t, m, metrics.ReasonTimeout)
}

func TestUpstreamClient_Get_SlowBodyNotAborted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for i := 0; i < 3; i++ {
			time.Sleep(60 * time.Millisecond)
			_, _ = w.Write([]byte("chunk"))
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)
	c.timeout = 50 * time.Millisecond

	resp, err := c.Get(context.Background(), srv.URL, http.Header{})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v (body must outlive the header timeout)", err)
	}
	if string(body) != "chunkchunkchunk" {
		t.Errorf("body = %q, want %q", string(body), "chunkchunkchunk")
	}
}

func TestUpstreamClient_Get_Unreachable(t *testing.T) {
	m := metrics.New()
	c := newTestClient(t, 10, m)

	_, err := c.Get(context.Background(), "http://127.0.0.1:1/nonexistent", http.Header{})
	if !errors.Is(err, ErrUpstreamUnreachable) {
		t.Fatalf("Get() error = %v, want ErrUpstreamUnreachable", err)
	}
	assertFailure(t, m, metrics.ReasonUnreachable)
}

func TestUpstreamClient_Get_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, srv.URL, http.Header{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Get() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrUpstreamUnreachable) || errors.Is(err, ErrUpstreamTimeout) {
		t.Errorf("client cancellation misreported as upstream failure: %v", err)
	}
}

func TestUpstreamClient_Get_InvalidURL(t *testing.T) {
	c := newTestClient(t, 10, nil)

	if _, err := c.Get(context.Background(), "http://[::1", http.Header{}); err == nil {
		t.Fatal("Get() expected error for malformed URL, got nil")
	}
}

func assertFailure(t *testing.T, m *metrics.Metrics, reason string) {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "video_proxy_upstream_failures_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "reason" && lp.GetValue() == reason {
					return
				}
			}
		}
	}
	t.Errorf("no upstream failure recorded with reason %q", reason)
}
