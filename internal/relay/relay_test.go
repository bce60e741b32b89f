package relay

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lucas-Emanoel/video-proxy/internal/model"
)

func TestSetCORS(t *testing.T) {
	h := http.Header{}
	SetCORS(h)

	assert.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", h.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Range", h.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "Content-Length, Content-Range, Accept-Ranges", h.Get("Access-Control-Expose-Headers"))
}

func TestCopyHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"video/mp4"},
		"Content-Length":    {"1000"},
		"Content-Range":     {"bytes 1000-1999/50000"},
		"Accept-Ranges":     {"bytes"},
		"Connection":        {"keep-alive"},
		"Transfer-Encoding": {"chunked"},
		"Set-Cookie":        {"session=abc"},
		"Content-Encoding":  {"gzip"},
	}

	tests := []struct {
		name string
		kind model.Kind
		want []string
		drop []string
	}{
		{
			name: "opaque",
			kind: model.KindOpaque,
			want: []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"},
			drop: []string{"Connection", "Transfer-Encoding", "Set-Cookie", "Content-Encoding"},
		},
		{
			name: "manifest",
			kind: model.KindManifest,
			want: []string{"Content-Type"},
			drop: []string{"Content-Length", "Content-Range", "Accept-Ranges", "Connection", "Set-Cookie"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := http.Header{}
			CopyHeaders(dst, src, tt.kind)
			for _, key := range tt.want {
				assert.Equal(t, src.Get(key), dst.Get(key), "header %s", key)
			}
			for _, key := range tt.drop {
				assert.Empty(t, dst.Values(key), "header %s should not be copied", key)
			}
		})
	}
}

func TestStream_BytesIdentical(t *testing.T) {
	// Several chunks plus a remainder.
	payload := make([]byte, 5*chunkSize+123)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	n, err := Stream(rec, http.StatusOK, bytes.NewReader(payload))
	require.NoError(t, err)

	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.Equal(payload, rec.Body.Bytes()), "relayed bytes differ from upstream bytes")
	assert.True(t, rec.Flushed, "expected chunks to be flushed")
}

func TestStream_PartialContentStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	_, err := Stream(rec, http.StatusPartialContent, strings.NewReader("0123456789"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
}

// failingReader returns data and then an error, like an upstream dropping mid-body.
type failingReader struct {
	data []byte
	done bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.done {
		return 0, io.ErrUnexpectedEOF
	}
	f.done = true
	return copy(p, f.data), nil
}

func TestStream_UpstreamDropsMidBody(t *testing.T) {
	rec := httptest.NewRecorder()
	n, err := Stream(rec, http.StatusOK, &failingReader{data: []byte("partial")})

	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, int64(len("partial")), n)
	// Status was already committed; the body is simply truncated.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
}

// orderedReader and loggingWriter record the order of reads and writes to
// verify that the stream never reads ahead of what the client has accepted.
type orderedReader struct {
	chunks [][]byte
	log    *[]string
}

func (o *orderedReader) Read(p []byte) (int, error) {
	if len(o.chunks) == 0 {
		return 0, io.EOF
	}
	*o.log = append(*o.log, "read")
	n := copy(p, o.chunks[0])
	o.chunks = o.chunks[1:]
	return n, nil
}

type loggingWriter struct {
	*httptest.ResponseRecorder
	log *[]string
}

func (l loggingWriter) Write(p []byte) (int, error) {
	*l.log = append(*l.log, "write")
	return l.ResponseRecorder.Write(p)
}

func TestStream_ReadWriteInterleaved(t *testing.T) {
	var log []string
	r := &orderedReader{chunks: [][]byte{[]byte("a"), []byte("b"), []byte("c")}, log: &log}
	w := loggingWriter{ResponseRecorder: httptest.NewRecorder(), log: &log}

	_, err := Stream(w, http.StatusOK, r)
	require.NoError(t, err)

	assert.Equal(t, []string{"read", "write", "read", "write", "read", "write"}, log)
	assert.Equal(t, "abc", w.Body.String())
}

func TestReadManifest(t *testing.T) {
	data, err := ReadManifest(strings.NewReader("#EXTM3U\nseg.ts\n"), 64)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\nseg.ts\n", string(data))
}

func TestReadManifest_AtLimit(t *testing.T) {
	body := strings.Repeat("a", 16)
	data, err := ReadManifest(strings.NewReader(body), 16)
	require.NoError(t, err)
	assert.Len(t, data, 16)
}

func TestReadManifest_TooLarge(t *testing.T) {
	_, err := ReadManifest(strings.NewReader(strings.Repeat("a", 17)), 16)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManifestTooLarge)
}

func TestWriteManifest(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.Header().Set("Content-Range", "bytes 0-10/11")
	text := "#EXTM3U\nhttp://proxy/api/proxy?url=x\n"

	n, err := WriteManifest(rec, http.StatusOK, "application/vnd.apple.mpegurl; charset=utf-8", text)
	require.NoError(t, err)

	assert.Equal(t, int64(len(text)), n)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, strconv.Itoa(len(text)), rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Header().Get("Content-Range"))
	assert.Equal(t, text, rec.Body.String())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "opaque", model.KindOpaque.String())
	assert.Equal(t, "manifest", model.KindManifest.String())
}
