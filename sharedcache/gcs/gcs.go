// Package gcs implements the cloud object store backend for the shared
// cache: an authenticated HTTP client against Google Cloud Storage with
// token refresh, streaming GET/POST, and conditional PUT-if-absent
// (spec.md §4.3).
//
// Unlike the high-level cloud.google.com/go/storage client, this backend
// talks to the JSON and XML APIs directly over net/http, following the
// shape of google-weasel's storage.go: build the URL, issue the request
// with a bearer token, and classify the response by status code. The
// original's Rust implementation does the same thing for the same reason —
// precise control over timeouts and the ifGenerationMatch=0 conditional
// write, which the high-level client does not expose as directly.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/symbolicator/symbolicator/sharedcache"
)

const (
	connectTimeout = 500 * time.Millisecond
	storeTimeout   = 60 * time.Second
	tokenTimeout   = 300 * time.Millisecond

	scopeReadWrite = "https://www.googleapis.com/auth/devstorage.read_write"
)

// Config configures a Backend.
type Config struct {
	Bucket string

	// ServiceAccountFile, if non-empty, is a path to a service-account JSON
	// key file. Mutually exclusive with UseMetadata.
	ServiceAccountFile string

	// UseMetadata selects ambient credential discovery (GKE workload
	// identity, GCE metadata service, or other Application Default
	// Credentials sources).
	UseMetadata bool

	// Logf receives diagnostic log lines; nil discards them.
	Logf func(string, ...any)

	// HTTPClient overrides the HTTP client used for requests, for testing.
	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// BaseURL overrides the "https://storage.googleapis.com" root used to
	// build download/object/upload URLs, letting tests point the backend at
	// an httptest.Server (see google-weasel's Storage.Base field for the
	// same pattern). If empty, the real GCS endpoint is used.
	BaseURL string
}

// Backend implements sharedcache.Backend and sharedcache.Exister against a
// GCS bucket.
type Backend struct {
	bucket  string
	client  *http.Client
	tokens  *tokenManager
	logf    func(string, ...any)
	baseURL string
}

var _ sharedcache.Backend = (*Backend)(nil)
var _ sharedcache.Exister = (*Backend)(nil)

// New constructs a Backend. It retries acquiring initial credentials in a
// bounded loop (1s attempt timeout, 500ms sleep between attempts, 60s
// overall deadline) because at process start a metadata service such as
// GKE's may not be reachable yet; per spec.md §4.3, if the overall deadline
// elapses, New returns an error and the caller (the shared cache facade)
// must treat the whole backend as unavailable.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	tm, err := newTokenManager(ctx, cfg, logf)
	if err != nil {
		return nil, err
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://storage.googleapis.com"
	}

	return &Backend{
		bucket:  cfg.Bucket,
		client:  httpClient,
		tokens:  tm,
		logf:    logf,
		baseURL: baseURL,
	}, nil
}

// Name implements sharedcache.Backend.
func (b *Backend) Name() string { return "gcs" }

func (b *Backend) downloadURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", b.baseURL, b.bucket, key)
}

func (b *Backend) objectURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/b/%s/o/%s", b.baseURL, b.bucket, url.PathEscape(key))
}

func (b *Backend) uploadURL(key string) string {
	v := url.Values{}
	v.Set("uploadType", "media")
	v.Set("name", key)
	v.Set("ifGenerationMatch", "0")
	return fmt.Sprintf("%s/upload/storage/v1/b/%s/o?%s", b.baseURL, b.bucket, v.Encode())
}

// Fetch implements sharedcache.Backend.
func (b *Backend) Fetch(ctx context.Context, key sharedcache.CacheKey, w io.Writer) (int64, bool, error) {
	token, err := b.tokens.Token(ctx)
	if err != nil {
		return 0, false, err
	}

	rctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, b.downloadURL(key.BucketKey()), nil)
	if err != nil {
		return 0, false, sharedcache.Other("URL construction failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	// The connect timeout covers the request up to the response headers
	// only; the body copy below is bounded by ctx alone.
	timer := time.AfterFunc(connectTimeout, func() { cancel(context.DeadlineExceeded) })
	rsp, err := b.client.Do(req)
	timer.Stop()
	if err != nil {
		if isTimeoutErr(err) || errors.Is(context.Cause(rctx), context.DeadlineExceeded) {
			return 0, false, sharedcache.Timeout(err)
		}
		return 0, false, sharedcache.Other("Bad response for shared_cache", err)
	}
	defer rsp.Body.Close()

	switch {
	case rsp.StatusCode >= 200 && rsp.StatusCode < 300:
		n, err := io.Copy(w, rsp.Body)
		if err != nil {
			return n, false, sharedcache.Other("IO Error streaming HTTP bytes to writer", err)
		}
		return n, true, nil
	case rsp.StatusCode == http.StatusNotFound:
		return 0, false, nil
	case rsp.StatusCode == http.StatusUnauthorized:
		return 0, false, sharedcache.Other("fetch", fmt.Errorf("invalid credentials"))
	case rsp.StatusCode == http.StatusForbidden:
		return 0, false, sharedcache.Other("fetch", fmt.Errorf("insufficient permissions for bucket %s", b.bucket))
	default:
		return 0, false, sharedcache.Other("fetch", fmt.Errorf("Error response: %d", rsp.StatusCode))
	}
}

// Exists implements sharedcache.Exister: an authenticated GET on the
// metadata endpoint, body drained and discarded.
func (b *Backend) Exists(ctx context.Context, key sharedcache.CacheKey) (bool, error) {
	token, err := b.tokens.Token(ctx)
	if err != nil {
		return false, err
	}

	rctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, b.objectURL(key.BucketKey()), nil)
	if err != nil {
		return false, sharedcache.Other("URL construction failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	rsp, err := b.client.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return false, sharedcache.Timeout(err)
		}
		return false, sharedcache.Other("Bad response for shared_cache", err)
	}
	defer func() {
		io.Copy(io.Discard, rsp.Body)
		rsp.Body.Close()
	}()

	switch rsp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, sharedcache.Other("exists", fmt.Errorf("Error response: %d", rsp.StatusCode))
	}
}

// Store implements sharedcache.Backend: a conditional PUT-if-absent upload
// using the ifGenerationMatch=0 precondition as the authoritative dedup
// (spec.md §4.3). For a Refresh store, Store first checks Exists; if the
// object is already present, the upload is skipped entirely. Any error from
// that pre-check is swallowed and the upload proceeds anyway, exactly as
// spec.md §4.3/§9 describes — a deliberate, documented tradeoff, not an
// oversight — but it is flagged on the returned StoreResult so the facade
// can still surface it as a metric.
func (b *Backend) Store(ctx context.Context, key sharedcache.CacheKey, src sharedcache.ReadSeekerAt, reason sharedcache.Reason) (sharedcache.StoreResult, error) {
	var existsCheckFailed bool
	if reason == sharedcache.ReasonRefresh {
		if ok, err := b.Exists(ctx, key); err == nil && ok {
			return sharedcache.StoreResult{Outcome: sharedcache.Skipped}, nil
		} else if err != nil {
			b.logf("shared cache: exists check during refresh failed (uploading anyway): %v", err)
			existsCheckFailed = true
		}
	}

	size, err := src.Stat()
	if err != nil {
		return sharedcache.StoreResult{}, sharedcache.Other("stat upload source", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return sharedcache.StoreResult{}, sharedcache.Other("rewind upload source", err)
	}

	token, err := b.tokens.Token(ctx)
	if err != nil {
		return sharedcache.StoreResult{}, err
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(sctx, http.MethodPost, b.uploadURL(key.BucketKey()), io.NopCloser(src))
	if err != nil {
		return sharedcache.StoreResult{}, sharedcache.Other("URL construction failed", err)
	}
	req.ContentLength = size
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")

	rsp, err := b.client.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return sharedcache.StoreResult{}, sharedcache.Timeout(err)
		}
		return sharedcache.StoreResult{}, sharedcache.Other("Bad response for shared_cache", err)
	}
	defer func() {
		io.Copy(io.Discard, rsp.Body)
		rsp.Body.Close()
	}()

	switch {
	case rsp.StatusCode >= 200 && rsp.StatusCode < 300:
		return sharedcache.StoreResult{Outcome: sharedcache.Written, Bytes: size, ExistsCheckFailed: existsCheckFailed}, nil
	case rsp.StatusCode == http.StatusPreconditionFailed:
		return sharedcache.StoreResult{Outcome: sharedcache.Skipped, ExistsCheckFailed: existsCheckFailed}, nil
	case rsp.StatusCode == http.StatusUnauthorized:
		return sharedcache.StoreResult{}, sharedcache.Other("store", fmt.Errorf("invalid credentials"))
	case rsp.StatusCode == http.StatusForbidden:
		return sharedcache.StoreResult{}, sharedcache.Other("store", fmt.Errorf("insufficient permissions for bucket %s", b.bucket))
	default:
		return sharedcache.StoreResult{}, sharedcache.Other("store", fmt.Errorf("Error response: %d", rsp.StatusCode))
	}
}

// isTimeoutErr reports whether err represents a connect/request timeout,
// checking both a context deadline and any wrapped net error exposing a
// Timeout() bool method (e.g. *url.Error, *net.OpError).
func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
