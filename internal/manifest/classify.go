// Package manifest classifies upstream responses and rewrites HLS playlists so
// every segment and sub-playlist reference is fetched back through the proxy.
package manifest

import (
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"

	"github.com/Lucas-Emanoel/video-proxy/internal/model"
)

// DefaultContentType is used for manifests whose upstream sent no Content-Type.
const DefaultContentType = "application/vnd.apple.mpegurl"

// manifestMediaTypes are the HLS playlist media types, lower case.
var manifestMediaTypes = map[string]bool{
	"application/vnd.apple.mpegurl": true,
	"application/x-mpegurl":         true,
	"audio/mpegurl":                 true,
	"audio/x-mpegurl":               true,
}

// Classify picks the relay strategy for an upstream response. A playlist media
// type or a target path ending in ".m3u8" selects KindManifest; the media type
// wins even when the suffix disagrees.
func Classify(contentType, targetURL string) model.Kind {
	if IsManifestType(contentType) || hasManifestSuffix(targetURL) {
		return model.KindManifest
	}
	return model.KindOpaque
}

// IsManifestType reports whether contentType names an HLS playlist.
// Comparison is case-insensitive and ignores parameters.
func IsManifestType(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return false
	}
	mt, err := contenttype.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return manifestMediaTypes[strings.ToLower(mt.Type+"/"+mt.Subtype)]
}

func hasManifestSuffix(targetURL string) bool {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}
