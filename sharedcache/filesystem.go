package sharedcache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// FilesystemBackend is the durable local shared store described in
// spec.md §4.2. It doubles as the backend exercised by tests: every
// operation is synchronous local I/O with no network dependency.
type FilesystemBackend struct {
	// Root is the directory under which entries are laid out as
	// <name>/<version>/<local-key>.
	Root string
}

var _ Backend = (*FilesystemBackend)(nil)

// Name implements Backend.
func (b *FilesystemBackend) Name() string { return "filesystem" }

func (b *FilesystemBackend) path(key CacheKey) string {
	return filepath.Join(b.Root, filepath.FromSlash(key.RelativePath()))
}

// Fetch implements Backend. A missing file is a clean miss (hit=false,
// err=nil), never an error; any other failure is classified Other.
func (b *FilesystemBackend) Fetch(ctx context.Context, key CacheKey, w io.Writer) (int64, bool, error) {
	f, err := os.Open(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, Other("open local shared cache entry", err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, false, Other("read local shared cache entry", err)
	}
	return n, true, nil
}

// Store implements Backend. Entries are content-addressed and immutable:
// if the target already exists, Store returns Skipped without touching it
// — races between concurrent writers of the same key are harmless for the
// same reason. Otherwise the data is staged into a temp file beside the
// target and atomically renamed into place, so a concurrent reader never
// observes a partially-written file (spec.md §4.2, invariant 4 in §8).
func (b *FilesystemBackend) Store(ctx context.Context, key CacheKey, src ReadSeekerAt, reason Reason) (StoreResult, error) {
	target := b.path(key)
	if _, err := os.Stat(target); err == nil {
		return StoreResult{Outcome: Skipped}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return StoreResult{}, Other("stat local shared cache entry", err)
	}

	parent := filepath.Dir(target)
	tmpDir := filepath.Join(parent, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return StoreResult{}, Other("create parent directory", err)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return StoreResult{}, Other("rewind upload source", err)
	}

	tmp, err := os.CreateTemp(tmpDir, "entry-*")
	if err != nil {
		return StoreResult{}, Other("create temp file", err)
	}
	tmpPath := tmp.Name()
	written, copyErr := io.Copy(tmp, src)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmpPath)
		if copyErr != nil {
			return StoreResult{}, Other("stage upload to temp file", copyErr)
		}
		return StoreResult{}, Other("close temp file", closeErr)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		// Another writer may have beaten us to it; that is fine, the entry
		// is immutable either way.
		if _, statErr := os.Stat(target); statErr == nil {
			return StoreResult{Outcome: Skipped}, nil
		}
		return StoreResult{}, Other("publish local shared cache entry", err)
	}
	return StoreResult{Outcome: Written, Bytes: written}, nil
}
