package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const doc = `<EntityDescriptor xmlns="urn:oasis:names:tc:SAML:2.0:metadata" entityID="https://idp.example.org"/>`

func TestHTTP_ConditionalGet(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2026 15:04:05 GMT")
		w.Header().Set("Content-Type", "application/samlmetadata+xml; charset=utf-8")
		_, _ = w.Write([]byte(doc))
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, WithUserAgent("test-agent"), WithContentTypes("application/samlmetadata+xml"))

	res, err := h.Fetch(context.Background(), time.Time{})
	require.NoError(t, err)
	require.True(t, res.Changed())
	require.Equal(t, doc, string(res.Data()))

	etag, lm := h.CacheTokens()
	require.Equal(t, `"v1"`, etag)
	require.Equal(t, "Mon, 02 Jan 2026 15:04:05 GMT", lm)

	res, err = h.Fetch(context.Background(), time.Now())
	require.NoError(t, err)
	require.False(t, res.Changed())
	require.Nil(t, res.Data())
	require.Equal(t, int32(2), requests.Load())
}

func TestHTTP_StatusAndContentTypeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html/>"))
		}
	}))
	defer srv.Close()

	_, err := NewHTTP(srv.URL + "/missing").Fetch(context.Background(), time.Time{})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusNotFound, se.StatusCode)

	_, err = NewHTTP(srv.URL, WithContentTypes("application/xml", "text/xml")).Fetch(context.Background(), time.Time{})
	var ce *ContentTypeError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "text/html", ce.ContentType)
}

func TestHTTP_BasicAuthAndAccept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "fed" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "application/xml, text/xml", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "TEXT/XML")
		_, _ = w.Write([]byte(doc))
	}))
	defer srv.Close()

	res, err := NewHTTP(srv.URL,
		WithBasicAuth("fed", "secret"),
		WithContentTypes("application/xml", "text/xml"),
	).Fetch(context.Background(), time.Time{})
	require.NoError(t, err)
	require.True(t, res.Changed())
}

func TestContentTypeAllowed(t *testing.T) {
	tests := []struct {
		ct      string
		allowed []string
		want    bool
	}{
		{"application/xml", nil, true},
		{"Application/XML; charset=UTF-8", []string{"application/xml"}, true},
		{"text/plain", []string{"application/xml", "text/xml"}, false},
		{"", []string{"application/xml"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.ct, func(t *testing.T) {
			require.Equal(t, tt.want, ContentTypeAllowed(tt.ct, tt.allowed))
		})
	}
}

func TestFile_ModTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.xml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0600))
	mtime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	f := NewFile(path)

	res, err := f.Fetch(context.Background(), time.Time{})
	require.NoError(t, err)
	require.True(t, res.Changed())

	res, err = f.Fetch(context.Background(), mtime)
	require.NoError(t, err)
	require.False(t, res.Changed(), "same mtime is not newer")

	res, err = f.Fetch(context.Background(), mtime.Add(-time.Second))
	require.NoError(t, err)
	require.True(t, res.Changed())

	_, err = NewFile(filepath.Join(t.TempDir(), "missing.xml")).Fetch(context.Background(), time.Time{})
	require.Error(t, err)
}

type stubStrategy struct {
	res Result
	err error
}

func (s *stubStrategy) Fetch(context.Context, time.Time) (Result, error) { return s.res, s.err }
func (s *stubStrategy) Source() string                                  { return "stub" }

func TestBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup", "metadata.xml")
	primary := &stubStrategy{res: Bytes([]byte(doc))}
	b := NewBackup(primary, path)

	res, err := b.Fetch(context.Background(), time.Time{})
	require.NoError(t, err)
	require.True(t, res.Changed())

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, doc, string(written))

	primary.res, primary.err = Result{}, errors.New("connection refused")

	res, err = b.Fetch(context.Background(), time.Time{})
	require.NoError(t, err, "backup served before first load")
	require.Equal(t, doc, string(res.Data()))

	_, err = b.Fetch(context.Background(), time.Now())
	require.EqualError(t, err, "connection refused")
}

func TestBackup_MissingBackupFile(t *testing.T) {
	b := NewBackup(&stubStrategy{err: errors.New("boom")}, filepath.Join(t.TempDir(), "none.xml"))
	_, err := b.Fetch(context.Background(), time.Time{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.Contains(t, err.Error(), "backup unavailable")
}
