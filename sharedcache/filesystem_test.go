package sharedcache_test

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/symbolicator/symbolicator/sharedcache"
)

func testKey(localKey string, scope sharedcache.Scope) sharedcache.CacheKey {
	return sharedcache.CacheKey{
		Name:    sharedcache.CacheObjects,
		Version: 0,
		LocalKey: sharedcache.LocalKey{
			CacheKey: localKey,
			Scope:    scope,
		},
	}
}

// S1: filesystem miss.
func TestFilesystemBackend_Miss(t *testing.T) {
	fb := &sharedcache.FilesystemBackend{Root: t.TempDir()}
	var buf bytes.Buffer

	n, hit, err := fb.Fetch(context.Background(), testKey("some_item", sharedcache.GlobalScope), &buf)
	if err != nil {
		t.Fatalf("Fetch: unexpected error: %v", err)
	}
	if hit {
		t.Fatalf("Fetch: got hit=true, want false")
	}
	if n != 0 || buf.Len() != 0 {
		t.Fatalf("Fetch: got n=%d buf=%q, want empty", n, buf.String())
	}
}

// S2: filesystem round-trip.
func TestFilesystemBackend_RoundTrip(t *testing.T) {
	fb := &sharedcache.FilesystemBackend{Root: t.TempDir()}
	key := testKey("some_item", sharedcache.GlobalScope)
	const data = "cache data"

	src := &sharedcache.FileSource{F: writeTempFile(t, data)}
	res, err := fb.Store(context.Background(), key, src, sharedcache.ReasonNew)
	if err != nil {
		t.Fatalf("Store: unexpected error: %v", err)
	}
	if res.Outcome != sharedcache.Written || res.Bytes != int64(len(data)) {
		t.Fatalf("Store: got %+v, want Written(%d)", res, len(data))
	}

	var buf bytes.Buffer
	n, hit, err := fb.Fetch(context.Background(), key, &buf)
	if err != nil {
		t.Fatalf("Fetch: unexpected error: %v", err)
	}
	if !hit {
		t.Fatalf("Fetch: got hit=false, want true")
	}
	if n != int64(len(data)) || buf.String() != data {
		t.Fatalf("Fetch: got n=%d data=%q, want %q", n, buf.String(), data)
	}
}

// Invariant 3: storing over an existing entry is a no-op, content preserved.
func TestFilesystemBackend_StoreIsWriteOnce(t *testing.T) {
	fb := &sharedcache.FilesystemBackend{Root: t.TempDir()}
	key := testKey("some_item", sharedcache.GlobalScope)

	first := &sharedcache.FileSource{F: writeTempFile(t, "first")}
	res, err := fb.Store(context.Background(), key, first, sharedcache.ReasonNew)
	if err != nil || res.Outcome != sharedcache.Written {
		t.Fatalf("first Store: got %+v, %v", res, err)
	}

	second := &sharedcache.FileSource{F: writeTempFile(t, "second-and-longer")}
	res, err = fb.Store(context.Background(), key, second, sharedcache.ReasonNew)
	if err != nil {
		t.Fatalf("second Store: unexpected error: %v", err)
	}
	if res.Outcome != sharedcache.Skipped {
		t.Fatalf("second Store: got %+v, want Skipped", res)
	}

	var buf bytes.Buffer
	if _, _, err := fb.Fetch(context.Background(), key, &buf); err != nil {
		t.Fatalf("Fetch: unexpected error: %v", err)
	}
	if buf.String() != "first" {
		t.Fatalf("content changed after second store: got %q, want %q", buf.String(), "first")
	}
}

// relative_path/bucket_key must be pure functions of the key and agree up to
// separator (invariant 1).
func TestCacheKey_RelativePathIsPure(t *testing.T) {
	key := sharedcache.CacheKey{
		Name:    sharedcache.CacheSymcaches,
		Version: 3,
		LocalKey: sharedcache.LocalKey{
			CacheKey: "abc123",
			Scope:    sharedcache.ScopedTo("tenant-42"),
		},
	}
	p1, p2 := key.RelativePath(), key.RelativePath()
	if p1 != p2 {
		t.Fatalf("RelativePath not pure: %q != %q", p1, p2)
	}
	if got := key.BucketKey(); got != p1 {
		t.Fatalf("BucketKey %q disagrees with RelativePath %q", got, p1)
	}
	if want := "symcaches/3/tenant-42/abc123"; p1 != want {
		t.Fatalf("RelativePath = %q, want %q", p1, want)
	}
}

func writeTempFile(t *testing.T, data string) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "src-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}
