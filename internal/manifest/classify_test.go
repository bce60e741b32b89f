package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Lucas-Emanoel/video-proxy/internal/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		target      string
		want        model.Kind
	}{
		{"apple mpegurl", "application/vnd.apple.mpegurl", "https://cdn.example.com/live", model.KindManifest},
		{"x-mpegURL mixed case", "application/x-mpegURL", "https://cdn.example.com/live", model.KindManifest},
		{"upper case with params", "APPLICATION/VND.APPLE.MPEGURL; charset=UTF-8", "https://cdn.example.com/a", model.KindManifest},
		{"audio alias", "audio/mpegurl", "https://cdn.example.com/radio", model.KindManifest},
		{"suffix only", "", "https://cdn.example.com/videos/index.m3u8", model.KindManifest},
		{"suffix upper case", "application/octet-stream", "https://cdn.example.com/INDEX.M3U8", model.KindManifest},
		{"suffix with query", "text/plain", "https://cdn.example.com/index.m3u8?token=abc", model.KindManifest},
		{"type wins over suffix", "application/vnd.apple.mpegurl", "https://cdn.example.com/seg.ts", model.KindManifest},
		{"mp4", "video/mp4", "https://cdn.example.com/movie.mp4", model.KindOpaque},
		{"ts segment", "video/MP2T", "https://cdn.example.com/seg1.ts", model.KindOpaque},
		{"m3u8 only in query", "video/mp4", "https://cdn.example.com/play?file=index.m3u8", model.KindOpaque},
		{"garbage type", ";;;", "https://cdn.example.com/movie.mp4", model.KindOpaque},
		{"nothing", "", "https://cdn.example.com/blob", model.KindOpaque},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.contentType, tt.target))
		})
	}
}

func TestIsManifestType(t *testing.T) {
	assert.True(t, IsManifestType("application/vnd.apple.mpegurl"))
	assert.True(t, IsManifestType("audio/x-mpegurl"))
	assert.False(t, IsManifestType(""))
	assert.False(t, IsManifestType("text/plain"))
	assert.False(t, IsManifestType("video/mp4; codecs=avc1"))
}
