// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
)

// ProxyRequest is the normalized form of one inbound proxy request.
type ProxyRequest struct {
	// TargetURL is the absolute http(s) URL to fetch.
	TargetURL string
	// Range is the inbound Range header, verbatim. Empty means no range requested.
	Range string
	// Origin is the proxy's externally visible scheme and host, e.g. "https://proxy.example".
	Origin string
	// Endpoint is the path that served this request; proxied URLs point back at it.
	Endpoint string
}

// UpstreamResponse is the upstream response streamed back to the client.
// Body is read once and must be closed by the owner.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// FinalURL is the URL that produced this response, after redirects.
	// Relative manifest references resolve against it.
	FinalURL string
}

// Kind is the relay strategy chosen for an upstream response.
type Kind int

const (
	// KindOpaque bodies are piped through byte for byte.
	KindOpaque Kind = iota
	// KindManifest bodies are HLS playlists, buffered and rewritten.
	KindManifest
)

func (k Kind) String() string {
	if k == KindManifest {
		return "manifest"
	}
	return "opaque"
}
