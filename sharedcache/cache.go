package sharedcache

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/symbolicator/symbolicator/sharedcache/gcs"
)

// state is the live, fully-initialized inner value of a Cache. It is
// installed exactly once by the background goroutine spawned from New, and
// read thereafter through an atomic.Pointer — an idiomatic Go stand-in for
// the "deferred init" cell described in spec.md §9 (the original uses a
// read-mostly async lock; a lock-free published pointer gives callers the
// same "see no-op until ready, then see the real backend" behavior without
// ever blocking a reader).
type state struct {
	backend Backend
	worker  *uploadWorker
}

// Cache is the public entry point for the shared cache subsystem (spec.md
// §4.5). A Cache is safe for concurrent use. The zero value is not usable;
// construct one with New.
//
// If cfg.Backend is nil, the returned Cache is permanently a no-op: Fetch
// always reports a miss and Store never enqueues anything. This lets
// callers wire the shared cache unconditionally and simply not configure a
// backend in environments (e.g. local development) where it is undesired.
type Cache struct {
	logf    func(string, ...any)
	metrics *metrics

	inner atomic.Pointer[state]
}

// New constructs a Cache and, if cfg configures a backend, spawns its
// asynchronous initialization in the background. New never blocks on
// network or filesystem I/O; it returns immediately in all cases (spec.md
// §3's facade lifecycle, §4.5's "new(config) -> Facade: returns
// immediately").
func New(ctx context.Context, cfg *SharedCacheConfig) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shared cache config: %w", err)
	}
	logf := discardf
	if cfg != nil && cfg.Logf != nil {
		logf = cfg.Logf
	}
	c := &Cache{logf: logf, metrics: newMetrics()}
	if cfg == nil || cfg.Backend == nil {
		return c, nil // permanently disabled
	}

	go c.initialize(ctx, cfg)
	return c, nil
}

// Metrics returns the expvar counter tree for this cache. Callers mount it
// wherever they publish process metrics (see cmd/symcache).
func (c *Cache) Metrics() *expvar.Map {
	m := new(expvar.Map)
	c.metrics.Publish(m)
	return m
}

// initialize builds the configured backend and installs it once ready.
// Backend construction can fail transiently at process start (e.g. a GKE
// metadata service that is not reachable yet); per spec.md §4.3, that is
// retried internally by the cloud backend's own bounded loop. If
// construction ultimately fails, the backend is simply never installed and
// the facade remains a permanent no-op — callers observe this exactly like
// "disabled", which is deliberate (spec.md §7).
func (c *Cache) initialize(ctx context.Context, cfg *SharedCacheConfig) {
	backend, err := buildBackend(ctx, cfg.Backend, c.logf)
	if err != nil {
		c.logf("shared cache: backend initialization failed, disabling: %v", err)
		return
	}
	worker := newUploadWorker(backend, cfg.MaxUploadQueueSize, cfg.MaxConcurrentUploads, c.logf)
	c.inner.Store(&state{backend: backend, worker: worker})
}

func buildBackend(ctx context.Context, cfg *SharedCacheBackendConfig, logf func(string, ...any)) (Backend, error) {
	switch {
	case cfg.Filesystem != nil:
		return &FilesystemBackend{Root: cfg.Filesystem.Path}, nil
	case cfg.Cloud != nil:
		return gcs.New(ctx, gcs.Config{
			Bucket:             cfg.Cloud.Bucket,
			ServiceAccountFile: cfg.Cloud.Credentials.ServiceAccountFile,
			UseMetadata:        cfg.Cloud.Credentials.Metadata,
			Logf:               logf,
		})
	default:
		return nil, fmt.Errorf("no backend configured")
	}
}

// Fetch streams the cached content for key into w, reporting whether it was
// a hit. An unconfigured or not-yet-ready facade always reports a miss,
// never an error — per spec.md §4.5/§7, the shared cache is purely an
// optimization and its absence or failure is never distinguishable from a
// genuine miss to the caller.
func (c *Cache) Fetch(ctx context.Context, key CacheKey, w io.Writer) bool {
	st := c.inner.Load()
	if st == nil {
		return false
	}
	if key.NonUTF8() {
		c.logf("shared cache: non-UTF-8 cache key %q, using lossy path", key.RelativePath())
	}

	n, hit, err := st.backend.Fetch(ctx, key, w)
	status := "ok"
	if err != nil {
		status = classify(err)
		if status != "timeout" {
			c.logf("shared cache: fetch %s/%s failed: %v", st.backend.Name(), key.RelativePath(), err)
		}
		hit = false
	}
	bump(&c.metrics.fetch, fmt.Sprintf("%s.%s.%s", key.Name, hitLabel(hit), status))
	if hit {
		c.metrics.fetchBytes.Add(string(key.Name), n)
	}
	return hit
}

// Store asynchronously publishes src under key, tagged with reason. If the
// facade is not yet initialized (or never will be), Store is a no-op and
// returns nil: the caller should treat a nil CompletionSignal as "did not
// enqueue", not as an error (spec.md §4.5).
//
// If the upload queue is full, Store drops the request, increments
// store.dropped, and still returns immediately without error — producers
// must never block on a slow backend (spec.md §4.4, invariant 6 in §8).
func (c *Cache) Store(ctx context.Context, key CacheKey, src ReadSeekerAt, reason Reason) CompletionSignal {
	st := c.inner.Load()
	if st == nil {
		return nil
	}

	done := make(chan storeDone, 1)
	msg := uploadMessage{key: key, src: src, reason: reason, doneTx: done}
	if !st.worker.tryEnqueue(msg) {
		c.metrics.storeDropped.Add(1)
		return nil
	}

	c.metrics.uploadsQueueCap.Set(int64(st.worker.queueCapacity()))
	c.metrics.uploadsInFlight.Set(st.worker.inFlightCount())

	// Wrap the signal so the metrics/log bookkeeping for the *completed*
	// store happens exactly once, regardless of how many times (if any)
	// the caller calls Wait.
	out := make(chan storeDone, 1)
	go func() {
		d := <-done
		status := "ok"
		write := writeLabel(d.Result.Outcome)
		if d.Err != nil {
			status = classify(d.Err)
			write = "error"
			if status != "timeout" {
				c.logf("shared cache: store %s/%s failed: %v", st.backend.Name(), key.RelativePath(), d.Err)
			}
		} else if d.Result.Outcome == Written {
			c.metrics.storeBytes.Add(string(key.Name), d.Result.Bytes)
		}
		bump(&c.metrics.store, fmt.Sprintf("%s.%s.%s.%s", key.Name, write, reason, status))
		if d.Result.ExistsCheckFailed {
			c.metrics.existsErrRefresh.Add(1)
		}
		out <- d
		close(out)
	}()
	return CompletionSignal(out)
}

// Exists reports whether key is already present in the remote backend,
// without transferring its body. Only meaningful for backends implementing
// Exister (currently only the cloud backend); the filesystem backend
// reports false, not an error, since its Store already does an equivalent
// check inline.
func (c *Cache) Exists(ctx context.Context, key CacheKey) (bool, error) {
	st := c.inner.Load()
	if st == nil {
		return false, nil
	}
	ex, ok := st.backend.(Exister)
	if !ok {
		return false, nil
	}
	ok, err := ex.Exists(ctx, key)
	status := "ok"
	if err != nil {
		status = classify(err)
	}
	bump(&c.metrics.exists, fmt.Sprintf("%s.%s", key.Name, status))
	return ok, err
}

// Close stops accepting new uploads and waits for in-flight ones to drain,
// bounded by ctx. It is safe to call on an unconfigured Cache.
func (c *Cache) Close(ctx context.Context) error {
	st := c.inner.Load()
	if st == nil {
		return nil
	}
	return st.worker.close(ctx)
}

func classify(err error) string {
	var ce *CacheError
	if errors.As(err, &ce) && ce.IsTimeout() {
		return "timeout"
	}
	return "error"
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

func writeLabel(o StoreOutcome) string {
	if o == Written {
		return "write"
	}
	return "skip"
}

func discardf(string, ...any) {}
