package sharedcache_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/symbolicator/symbolicator/sharedcache"
)

// Invariant 5: an unconfigured facade is a permanent no-op.
func TestCache_Unconfigured(t *testing.T) {
	c, err := sharedcache.New(context.Background(), &sharedcache.SharedCacheConfig{
		MaxConcurrentUploads: 1,
		MaxUploadQueueSize:   1,
	})
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}

	var buf bytes.Buffer
	if hit := c.Fetch(context.Background(), testKey("k", sharedcache.GlobalScope), &buf); hit {
		t.Fatalf("Fetch on unconfigured cache: got hit=true, want false")
	}

	sig := c.Store(context.Background(), testKey("k", sharedcache.GlobalScope), &sharedcache.FileSource{}, sharedcache.ReasonNew)
	if sig != nil {
		t.Fatalf("Store on unconfigured cache: got non-nil signal, want nil")
	}
}

// Filesystem-backed cache round-trip through the facade, exercising the
// async init path and the completion signal (spec.md §5: "await the
// completion signal" ordering requirement).
func TestCache_FilesystemRoundTrip(t *testing.T) {
	cfg := &sharedcache.SharedCacheConfig{
		MaxConcurrentUploads: 2,
		MaxUploadQueueSize:   4,
		Backend: &sharedcache.SharedCacheBackendConfig{
			Filesystem: &sharedcache.FilesystemConfig{Path: t.TempDir()},
		},
	}
	c, err := sharedcache.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}

	key := testKey("item", sharedcache.GlobalScope)
	const data = "cache data"

	sig := storeUntilReady(t, c, key, data)
	if _, err := sig.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: unexpected error: %v", err)
	}

	var buf bytes.Buffer
	if hit := c.Fetch(context.Background(), key, &buf); !hit {
		t.Fatalf("Fetch after completed store: got hit=false, want true")
	}
	if buf.String() != data {
		t.Fatalf("Fetch content = %q, want %q", buf.String(), data)
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}
}

// storeUntilReady retries Store until the async initializer has installed
// the backend (Store returns nil until then, by design: spec.md §4.5). The
// retry loop exists only to make the test deterministic against that race,
// not to probe internal state.
func storeUntilReady(t *testing.T, c *sharedcache.Cache, key sharedcache.CacheKey, data string) sharedcache.CompletionSignal {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sig := c.Store(context.Background(), key, &sharedcache.FileSource{F: writeTempFile(t, data)}, sharedcache.ReasonNew)
		if sig != nil {
			return sig
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("cache never became ready")
	return nil
}
