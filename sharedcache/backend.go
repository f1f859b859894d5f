package sharedcache

import (
	"context"
	"io"
	"os"
)

// Reason tags why an entry is being stored. Refresh means the caller's
// local cache already had the artifact and is only trying to extend its
// remote lifetime; this enables the cloud backend's exists-precheck
// optimization in spec.md §4.3.
type Reason int

const (
	// ReasonNew means this is the first time the local cache produced this
	// artifact.
	ReasonNew Reason = iota
	// ReasonRefresh means the artifact already existed locally and the store
	// is opportunistically extending its presence in the shared cache.
	ReasonRefresh
)

func (r Reason) String() string {
	if r == ReasonRefresh {
		return "refresh"
	}
	return "new"
}

// StoreOutcome reports what a backend Store call actually did.
type StoreOutcome int

const (
	// Written means the backend accepted and wrote new bytes.
	Written StoreOutcome = iota
	// Skipped means the backend already had this entry and did not
	// overwrite it (write-once semantics; see spec.md §3 invariant).
	Skipped
)

// StoreResult is the outcome of a successful backend Store call.
type StoreResult struct {
	Outcome StoreOutcome
	// Bytes is the number of bytes uploaded. Zero when Outcome == Skipped.
	Bytes int64
	// ExistsCheckFailed is set when a Refresh store's exists-precheck itself
	// failed and was swallowed, so the upload proceeded anyway (spec.md §9's
	// documented tradeoff). Callers surface this via a metric rather than an
	// error, since the Store call itself still succeeded.
	ExistsCheckFailed bool
}

// Backend is the uniform interface presented by every shared cache backend.
// Implementations must be safe for concurrent use from multiple goroutines,
// and must be immutable after construction (spec.md §5's "Shared-resource
// policy").
type Backend interface {
	// Fetch streams the contents of key into w. It reports (n, true, nil) on
	// a hit, (0, false, nil) on a clean miss, and (0, false, err) if the
	// attempt to determine hit/miss itself failed. err, if non-nil, is
	// always a *CacheError.
	Fetch(ctx context.Context, key CacheKey, w io.Writer) (n int64, hit bool, err error)

	// Store publishes the contents of src (an io.ReadSeeker positioned
	// arbitrarily; implementations must rewind it before reading) under
	// key. err, if non-nil, is always a *CacheError.
	Store(ctx context.Context, key CacheKey, src ReadSeekerAt, reason Reason) (StoreResult, error)

	// Name identifies the backend for logging and metrics, e.g.
	// "filesystem" or "gcs".
	Name() string
}

// ReadSeekerAt is the minimal capability the upload path needs from a
// source file: it must support rewinding (io.Seeker) so a backend can read
// it from the start, and it must support Stat so backends can measure length
// without reading the whole body into memory first.
type ReadSeekerAt interface {
	io.ReadSeeker
	Stat() (Size int64, err error)
}

// FileSource adapts an *os.File to ReadSeekerAt.
type FileSource struct{ F *os.File }

// Stat implements ReadSeekerAt.
func (s FileSource) Stat() (int64, error) {
	fi, err := s.F.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Read implements io.Reader.
func (s FileSource) Read(p []byte) (int, error) { return s.F.Read(p) }

// Seek implements io.Seeker.
func (s FileSource) Seek(offset int64, whence int) (int64, error) { return s.F.Seek(offset, whence) }

// Exister is implemented by backends that can answer an existence check
// without transferring the object body (spec.md §4.3's exists operation).
// Only the cloud backend implements this; the filesystem backend's Store
// already does an equivalent stat-based check internally.
type Exister interface {
	Exists(ctx context.Context, key CacheKey) (bool, error)
}
