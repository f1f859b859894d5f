package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/symbolicator/symbolicator/sharedcache"
)

// staticTokenSource always returns the same bearer token, so tests never
// touch real GCS credential discovery (see google-weasel's Storage.Base
// field, which plays the same role of letting tests aim a client at an
// httptest.Server instead of the real endpoint).
type staticTokenSource struct{}

func (staticTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "test-token"}, nil
}

func testBackend(t *testing.T, handler http.HandlerFunc) *Backend {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &Backend{
		bucket:  "bucket",
		client:  ts.Client(),
		tokens:  &tokenManager{source: staticTokenSource{}, logf: func(string, ...any) {}},
		logf:    func(string, ...any) {},
		baseURL: ts.URL,
	}
}

func testGCSKey(localKey string, scope sharedcache.Scope) sharedcache.CacheKey {
	return sharedcache.CacheKey{
		Name:     sharedcache.CacheObjects,
		Version:  0,
		LocalKey: sharedcache.LocalKey{CacheKey: localKey, Scope: scope},
	}
}

// S3: cloud miss on a random (unseen) scope.
func TestBackend_FetchMiss(t *testing.T) {
	b := testBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	var buf strings.Builder
	n, hit, err := b.Fetch(context.Background(), testGCSKey("some_item", sharedcache.ScopedTo("a-tenant")), &buf)
	if err != nil {
		t.Fatalf("Fetch: unexpected error: %v", err)
	}
	if hit || n != 0 || buf.Len() != 0 {
		t.Fatalf("Fetch: got n=%d hit=%v buf=%q, want clean miss", n, hit, buf.String())
	}
}

// S4: write-once. First store succeeds; a second store for the same key
// observes the ifGenerationMatch=0 precondition failure and reports Skipped;
// exists() then reports true.
func TestBackend_StoreWriteOnce(t *testing.T) {
	var stored bool
	b := testBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/upload/"):
			if stored {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			stored = true
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/storage/v1/b/"):
			if stored {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	key := testGCSKey("some_item", sharedcache.GlobalScope)
	src := newStringSource("0123456789")

	res, err := b.Store(context.Background(), key, src, sharedcache.ReasonNew)
	if err != nil {
		t.Fatalf("first Store: unexpected error: %v", err)
	}
	if res.Outcome != sharedcache.Written || res.Bytes != 10 {
		t.Fatalf("first Store: got %+v, want Written(10)", res)
	}

	src.reset()
	res, err = b.Store(context.Background(), key, src, sharedcache.ReasonNew)
	if err != nil {
		t.Fatalf("second Store: unexpected error: %v", err)
	}
	if res.Outcome != sharedcache.Skipped {
		t.Fatalf("second Store: got %+v, want Skipped", res)
	}

	ok, err := b.Exists(context.Background(), key)
	if err != nil {
		t.Fatalf("Exists: unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("Exists: got false, want true after store")
	}
}

// S5: Refresh dedup. When the object already exists remotely, a Refresh
// store must call exists() and must not issue an upload request.
func TestBackend_RefreshSkipsUploadWhenPresent(t *testing.T) {
	uploadCalls := 0
	b := testBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/upload/"):
			uploadCalls++
			w.WriteHeader(http.StatusOK)
		case strings.Contains(r.URL.Path, "/storage/v1/b/"):
			w.WriteHeader(http.StatusOK) // already present
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	key := testGCSKey("some_item", sharedcache.GlobalScope)
	res, err := b.Store(context.Background(), key, newStringSource("data"), sharedcache.ReasonRefresh)
	if err != nil {
		t.Fatalf("Store: unexpected error: %v", err)
	}
	if res.Outcome != sharedcache.Skipped {
		t.Fatalf("Store: got %+v, want Skipped", res)
	}
	if uploadCalls != 0 {
		t.Fatalf("upload was called %d times, want 0", uploadCalls)
	}
}

func TestBackend_FetchClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status  int
		wantErr string
	}{
		{http.StatusUnauthorized, "invalid credentials"},
		{http.StatusForbidden, "insufficient permissions"},
		{http.StatusInternalServerError, "Error response: 500"},
	}
	for _, tc := range cases {
		b := testBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		var buf strings.Builder
		_, _, err := b.Fetch(context.Background(), testGCSKey("k", sharedcache.GlobalScope), &buf)
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("status %d: Fetch error = %v, want containing %q", tc.status, err, tc.wantErr)
		}
	}
}

// stringSource adapts a fixed byte slice into a sharedcache.ReadSeekerAt for
// tests, standing in for an *os.File positioned arbitrarily.
type stringSource struct {
	data []byte
	pos  int
}

func newStringSource(s string) *stringSource { return &stringSource{data: []byte(s)} }

func (s *stringSource) reset() { s.pos = 0 }

func (s *stringSource) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}

func (s *stringSource) Seek(offset int64, whence int) (int64, error) {
	s.pos = int(offset)
	return offset, nil
}

func (s *stringSource) Stat() (int64, error) { return int64(len(s.data)), nil }
