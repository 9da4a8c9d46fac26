package dynamic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zjrosen/mdresolve/internal/fetch"
	"github.com/zjrosen/mdresolve/internal/log"
)

// ErrNotFound reports that the source has no metadata for a key. Not-found
// lookups are remembered in the negative lookup cache.
var ErrNotFound = errors.New("metadata not found")

// DefaultContentTypes is the response allow-list of HTTPSource.
var DefaultContentTypes = []string{"application/samlmetadata+xml", "application/xml", "text/xml"}

// Source fetches the raw document for a generated key.
type Source interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
	Name() string
}

// HTTPSource treats keys as request URLs, or as paths under a base URL when
// one is configured.
type HTTPSource struct {
	base         string
	client       *http.Client
	contentTypes []string
	userAgent    string
	username     string
	password     string
}

type HTTPSourceOption func(*HTTPSource)

func WithHTTPClient(c *http.Client) HTTPSourceOption {
	return func(h *HTTPSource) { h.client = c }
}

// WithBaseURL prefixes every key. Keys from digest or regex generators are
// usually relative.
func WithBaseURL(base string) HTTPSourceOption {
	return func(h *HTTPSource) { h.base = base }
}

func WithSourceContentTypes(types ...string) HTTPSourceOption {
	return func(h *HTTPSource) { h.contentTypes = types }
}

func WithSourceBasicAuth(username, password string) HTTPSourceOption {
	return func(h *HTTPSource) {
		h.username = username
		h.password = password
	}
}

func WithSourceUserAgent(ua string) HTTPSourceOption {
	return func(h *HTTPSource) { h.userAgent = ua }
}

func NewHTTPSource(opts ...HTTPSourceOption) *HTTPSource {
	h := &HTTPSource{
		client:       &http.Client{Timeout: 30 * time.Second},
		contentTypes: DefaultContentTypes,
		userAgent:    fetch.DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPSource) Name() string {
	if h.base != "" {
		return h.base
	}
	return "http"
}

// URL returns the request URL for key.
func (h *HTTPSource) URL(key string) string {
	if h.base == "" || strings.Contains(key, "://") {
		return key
	}
	return strings.TrimSuffix(h.base, "/") + "/" + strings.TrimPrefix(key, "/")
}

func (h *HTTPSource) Fetch(ctx context.Context, key string) ([]byte, error) {
	u := h.URL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", u, err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	if len(h.contentTypes) > 0 {
		req.Header.Set("Accept", strings.Join(h.contentTypes, ", "))
	}
	if h.username != "" {
		req.SetBasicAuth(h.username, h.password)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s: %w", u, ErrNotFound)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &fetch.StatusError{URL: u, StatusCode: resp.StatusCode}
	}

	ct := resp.Header.Get("Content-Type")
	if !fetch.ContentTypeAllowed(ct, h.contentTypes) {
		return nil, &fetch.ContentTypeError{URL: u, ContentType: ct, Allowed: h.contentTypes}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", u, err)
	}
	log.Debug(log.CatDynamic, "fetched metadata", "url", u, "bytes", len(data))
	return data, nil
}

// LocalSource reads <dir>/<key>. Keys must be single path elements.
type LocalSource struct {
	dir string
}

func NewLocalSource(dir string) *LocalSource {
	return &LocalSource{dir: dir}
}

func (l *LocalSource) Name() string { return l.dir }

func (l *LocalSource) Fetch(_ context.Context, key string) ([]byte, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return nil, fmt.Errorf("invalid local source key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(l.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}
