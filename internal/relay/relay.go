// Package relay writes upstream responses back to the client: CORS headers,
// the response header allow-list, streamed media bodies and rewritten manifests.
package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Lucas-Emanoel/video-proxy/internal/model"
)

// chunkSize bounds how much of an upstream body is held in memory per request.
const chunkSize = 32 * 1024

// ErrManifestTooLarge is returned when a manifest exceeds the configured buffer bound.
var ErrManifestTooLarge = errors.New("manifest exceeds size limit")

// Cross-origin headers sent on every response.
const (
	AllowOrigin   = "*"
	AllowMethods  = "GET, POST, OPTIONS"
	AllowHeaders  = "Content-Type, Range"
	ExposeHeaders = "Content-Length, Content-Range, Accept-Ranges"
)

// SetCORS sets the permissive cross-origin headers on h. Browsers need them
// even to read an error body, so callers set them before anything else.
func SetCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", AllowOrigin)
	h.Set("Access-Control-Allow-Methods", AllowMethods)
	h.Set("Access-Control-Allow-Headers", AllowHeaders)
	h.Set("Access-Control-Expose-Headers", ExposeHeaders)
}

// opaqueHeaders are the upstream headers relayed for streamed bodies.
var opaqueHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
}

// manifestHeaders are the upstream headers relayed for rewritten manifests.
// Length and range no longer describe the rewritten body.
var manifestHeaders = []string{
	"Content-Type",
}

// CopyHeaders copies the allow-listed headers for kind from src to dst.
func CopyHeaders(dst, src http.Header, kind model.Kind) {
	allowed := opaqueHeaders
	if kind == model.KindManifest {
		allowed = manifestHeaders
	}
	for _, key := range allowed {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
		}
	}
}

// Stream writes status and the opaque body to w. Every chunk is flushed before
// the next one is read, so a slow client slows the upstream read instead of
// growing a buffer. It returns the number of body bytes written; a non-nil
// error means the stream was cut short after the status line was sent.
func Stream(w http.ResponseWriter, status int, body io.Reader) (int64, error) {
	w.WriteHeader(status)

	fw := &flushWriter{w: w, rc: http.NewResponseController(w)}
	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(fw, onlyReader{body}, buf)
	if err != nil {
		return n, fmt.Errorf("relay stream: %w", err)
	}
	return n, nil
}

// ReadManifest buffers a manifest body, failing once it grows past limit bytes.
func ReadManifest(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrManifestTooLarge, limit)
	}
	return data, nil
}

// WriteManifest writes a rewritten manifest in one shot with an exact
// Content-Length. contentType is the upstream's original type.
func WriteManifest(w http.ResponseWriter, status int, contentType, text string) (int64, error) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(text)))
	h.Del("Content-Range")
	h.Del("Accept-Ranges")
	w.WriteHeader(status)

	n, err := io.WriteString(w, text)
	if err != nil {
		return int64(n), fmt.Errorf("relay manifest: %w", err)
	}
	return int64(n), nil
}

// flushWriter pushes every write to the client immediately.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

// onlyReader hides WriterTo on the upstream body so io.CopyBuffer goes
// through the bounded buffer and flushWriter.
type onlyReader struct {
	r io.Reader
}

func (o onlyReader) Read(p []byte) (int, error) {
	return o.r.Read(p)
}
