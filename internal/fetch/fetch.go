// Package fetch acquires raw metadata bytes for batch resolvers.
//
// A Strategy reports either Unchanged (conditional fetch hit) or the full new
// payload; it never returns a delta.
package fetch

import (
	"context"
	"fmt"
	"mime"
	"strings"
	"time"
)

// Result is the outcome of a successful fetch.
type Result struct {
	changed bool
	data    []byte
}

// Unchanged reports that the source has not changed since the last fetch.
func Unchanged() Result {
	return Result{}
}

// Bytes wraps a complete new payload.
func Bytes(b []byte) Result {
	return Result{changed: true, data: b}
}

// Changed reports whether the result carries a new payload.
func (r Result) Changed() bool { return r.changed }

// Data returns the payload, nil when unchanged.
func (r Result) Data() []byte { return r.data }

// Strategy fetches the current document. lastUpdate is the time of the last
// adopted snapshot, zero before the first successful load.
type Strategy interface {
	Fetch(ctx context.Context, lastUpdate time.Time) (Result, error)
	// Source describes where bytes come from, for logs and status output.
	Source() string
}

// StatusError reports an HTTP status other than 200 or 304.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// ContentTypeError reports a response content type outside the allow-list.
type ContentTypeError struct {
	URL         string
	ContentType string
	Allowed     []string
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("content type %q from %s not in %v", e.ContentType, e.URL, e.Allowed)
}

// ContentTypeAllowed compares the media type of ct against allowed,
// case-insensitively and ignoring parameters. An empty allow-list accepts
// anything.
func ContentTypeAllowed(ct string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), mt) {
			return true
		}
	}
	return false
}
