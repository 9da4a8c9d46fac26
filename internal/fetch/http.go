package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/mdresolve/internal/log"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "mdresolve/1.0"

// HTTP fetches a document with conditional GET.
type HTTP struct {
	url          string
	client       *http.Client
	contentTypes []string
	userAgent    string
	username     string
	password     string

	mu           sync.Mutex
	etag         string
	lastModified string
}

// HTTPOption configures an HTTP strategy.
type HTTPOption func(*HTTP)

// WithClient sets the HTTP client. TLS and proxy settings live there.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithContentTypes sets the response content-type allow-list.
func WithContentTypes(types ...string) HTTPOption {
	return func(h *HTTP) { h.contentTypes = types }
}

// WithBasicAuth sends HTTP basic credentials.
func WithBasicAuth(username, password string) HTTPOption {
	return func(h *HTTP) {
		h.username = username
		h.password = password
	}
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) HTTPOption {
	return func(h *HTTP) { h.userAgent = ua }
}

// NewHTTP returns a strategy fetching url.
func NewHTTP(url string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		url:       url,
		client:    &http.Client{Timeout: 60 * time.Second},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Source returns the URL.
func (h *HTTP) Source() string { return h.url }

// CacheTokens returns the ETag and Last-Modified values sent on the next fetch.
func (h *HTTP) CacheTokens() (etag, lastModified string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.etag, h.lastModified
}

// Fetch issues the GET. A 304 yields Unchanged; 200 yields the fully read body.
func (h *HTTP) Fetch(ctx context.Context, _ time.Time) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to build request for %s: %w", h.url, err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	if len(h.contentTypes) > 0 {
		req.Header.Set("Accept", strings.Join(h.contentTypes, ", "))
	}
	if h.username != "" || h.password != "" {
		req.SetBasicAuth(h.username, h.password)
	}

	etag, lastModified := h.CacheTokens()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch %s: %w", h.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotModified:
		log.Debug(log.CatFetch, "metadata not modified", "url", h.url)
		return Unchanged(), nil
	case http.StatusOK:
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Result{}, &StatusError{URL: h.url, StatusCode: resp.StatusCode}
	}

	ct := resp.Header.Get("Content-Type")
	if !ContentTypeAllowed(ct, h.contentTypes) {
		return Result{}, &ContentTypeError{URL: h.url, ContentType: ct, Allowed: h.contentTypes}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read body from %s: %w", h.url, err)
	}

	h.mu.Lock()
	h.etag = resp.Header.Get("ETag")
	h.lastModified = resp.Header.Get("Last-Modified")
	h.mu.Unlock()

	log.Debug(log.CatFetch, "fetched metadata", "url", h.url, "bytes", len(body), "etag", h.etag)
	return Bytes(body), nil
}
