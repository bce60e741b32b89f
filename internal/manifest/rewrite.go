package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrRewrite is returned when a manifest cannot be rewritten. A playlist with
// an unresolvable reference breaks playback, so the whole request fails.
var ErrRewrite = errors.New("manifest rewrite failed")

// absolutePattern matches the only references kept as-is. Anything else,
// including names with a colon such as "segment1:2.ts", is relative.
var absolutePattern = regexp.MustCompile(`(?i)^https?://`)

// EntryKind classifies one manifest line.
type EntryKind int

const (
	// EntryComment covers blank lines, tags and comments. They are passed through verbatim.
	EntryComment EntryKind = iota
	// EntryReference is a segment or sub-playlist URL, absolute or relative.
	EntryReference
)

// Document is a fully buffered manifest split into lines.
// Lines keep a trailing "\r" when the source used CRLF endings.
type Document struct {
	SourceURL string
	Lines     []string
}

// Parse splits text into lines on "\n". Joining Lines with "\n" gives text back.
func Parse(sourceURL, text string) *Document {
	return &Document{
		SourceURL: sourceURL,
		Lines:     strings.Split(text, "\n"),
	}
}

// Entry classifies a single line.
func Entry(line string) EntryKind {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return EntryComment
	}
	return EntryReference
}

// Rewriter points manifest references back at the proxy endpoint.
type Rewriter struct {
	// Origin is the proxy's scheme and host, without a trailing slash.
	Origin string
	// Endpoint is the proxy path, e.g. "/api/proxy".
	Endpoint string
}

// ProxyURL returns the proxied form of an absolute target URL.
func (r Rewriter) ProxyURL(target string) string {
	return r.Origin + r.Endpoint + "?url=" + url.QueryEscape(target)
}

// Rewrite returns the document text with every reference line replaced by its
// proxied URL, plus the number of lines rewritten. Line count, order, line
// endings and comment lines are preserved exactly.
func (r Rewriter) Rewrite(doc *Document) (string, int, error) {
	b, err := parseBase(doc.SourceURL)
	if err != nil {
		return "", 0, err
	}

	out := make([]string, len(doc.Lines))
	rewritten := 0
	for i, line := range doc.Lines {
		if Entry(line) == EntryComment {
			out[i] = line
			continue
		}

		ending := ""
		if strings.HasSuffix(line, "\r") {
			ending = "\r"
		}
		out[i] = r.ProxyURL(b.resolve(strings.TrimSpace(line))) + ending
		rewritten++
	}

	return strings.Join(out, "\n"), rewritten, nil
}

// Resolve returns the absolute form of ref relative to the manifest at sourceURL.
func Resolve(sourceURL, ref string) (string, error) {
	b, err := parseBase(sourceURL)
	if err != nil {
		return "", err
	}
	return b.resolve(ref), nil
}

// base holds the parts of a manifest URL that references are resolved against.
type base struct {
	scheme string
	origin string // scheme://[userinfo@]host
	dir    string // escaped path up to and including the last "/"
}

func parseBase(sourceURL string) (*base, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse manifest url: %w", ErrRewrite, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: manifest url %q is not absolute", ErrRewrite, sourceURL)
	}

	p := u.EscapedPath()
	dir := "/"
	if i := strings.LastIndex(p, "/"); i >= 0 {
		dir = p[:i+1]
	}

	origin := (&url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host}).String()
	return &base{scheme: u.Scheme, origin: origin, dir: dir}, nil
}

// resolve never parses ref: malformed or non-ASCII references are carried
// through as text, query string included.
func (b *base) resolve(ref string) string {
	switch {
	case absolutePattern.MatchString(ref):
		return ref
	case strings.HasPrefix(ref, "//"):
		return b.scheme + ":" + ref
	case strings.HasPrefix(ref, "/"):
		return b.origin + ref
	default:
		return b.origin + b.dir + ref
	}
}
