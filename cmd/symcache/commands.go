package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/creachadair/command"

	"github.com/symbolicator/symbolicator/download"
	s3dl "github.com/symbolicator/symbolicator/download/s3"
	"github.com/symbolicator/symbolicator/sharedcache"
)

var flags struct {
	CacheDir    string `flag:"cache-dir,default=$SYMCACHE_DIR,Local filesystem cache root"`
	Bucket      string `flag:"bucket,default=$SYMCACHE_BUCKET,GCS bucket name"`
	SAFile      string `flag:"sa-file,default=$SYMCACHE_SA_FILE,Path to a GCS service-account JSON key"`
	Metadata    bool   `flag:"metadata,default=$SYMCACHE_METADATA,Discover GCS credentials via the ambient metadata service"`
	Concurrency int    `flag:"c,default=$SYMCACHE_CONCURRENCY,Maximum concurrent uploads"`
	QueueSize   int    `flag:"q,default=$SYMCACHE_QUEUE_SIZE,Upload queue capacity"`
	Verbose     bool   `flag:"v,default=$SYMCACHE_VERBOSE,Enable verbose logging"`
}

var serveFlags struct {
	HTTP string `flag:"http,default=$SYMCACHE_HTTP,HTTP address to serve /debug/vars on (required)"`
}

// buildCache constructs the shared cache facade from the global flags.
func buildCache(ctx context.Context) (*sharedcache.Cache, error) {
	cfg := &sharedcache.SharedCacheConfig{
		MaxConcurrentUploads: orDefault(flags.Concurrency, 4),
		MaxUploadQueueSize:   orDefault(flags.QueueSize, 64),
		Logf:                 vprintf,
	}
	switch {
	case flags.CacheDir != "":
		cfg.Backend = &sharedcache.SharedCacheBackendConfig{
			Filesystem: &sharedcache.FilesystemConfig{Path: flags.CacheDir},
		}
	case flags.Bucket != "":
		cfg.Backend = &sharedcache.SharedCacheBackendConfig{
			Cloud: &sharedcache.CloudConfig{
				Bucket: flags.Bucket,
				Credentials: sharedcache.CloudCredentials{
					ServiceAccountFile: flags.SAFile,
					Metadata:           flags.Metadata,
				},
			},
		}
	default:
		return nil, fmt.Errorf("you must set --cache-dir or --bucket")
	}
	return sharedcache.New(ctx, cfg)
}

func parseCacheName(s string) (sharedcache.CacheName, error) {
	switch sharedcache.CacheName(s) {
	case sharedcache.CacheObjects, sharedcache.CacheSymcaches, sharedcache.CacheCficaches, sharedcache.CacheDiagnostics:
		return sharedcache.CacheName(s), nil
	default:
		return "", fmt.Errorf("unknown cache name %q (want objects, symcaches, cficaches, or diagnostics)", s)
	}
}

func runStore(env *command.Env, cacheName, key, path string) error {
	name, err := parseCacheName(cacheName)
	if err != nil {
		return err
	}
	c, err := buildCache(env.Context())
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	ck := sharedcache.CacheKey{Name: name, LocalKey: sharedcache.LocalKey{CacheKey: key, Scope: sharedcache.GlobalScope}}
	sig := c.Store(env.Context(), ck, &sharedcache.FileSource{F: f}, sharedcache.ReasonNew)
	if sig == nil {
		return fmt.Errorf("store was dropped: cache is unconfigured or its upload queue is full")
	}
	res, err := sig.Wait(env.Context())
	if err != nil {
		return fmt.Errorf("store failed: %w", err)
	}
	vprintf("stored %s/%s: %s (%d bytes)", name, key, res.Outcome, res.Bytes)
	return c.Close(env.Context())
}

func runFetch(env *command.Env, cacheName, key string) error {
	name, err := parseCacheName(cacheName)
	if err != nil {
		return err
	}
	c, err := buildCache(env.Context())
	if err != nil {
		return err
	}

	ck := sharedcache.CacheKey{Name: name, LocalKey: sharedcache.LocalKey{CacheKey: key, Scope: sharedcache.GlobalScope}}
	if hit := c.Fetch(env.Context(), ck, os.Stdout); !hit {
		return fmt.Errorf("cache miss for %s/%s", name, key)
	}
	return nil
}

func runDownload(env *command.Env, bucket, prefix, debugID, fileType, dest string) error {
	ft := download.FileType(fileType)
	dl := s3dl.NewDownloader(2*time.Second, 30*time.Second, 64, flagsConcurrency())
	source := &s3dl.SourceConfig{Bucket: bucket, Prefix: prefix}
	refs := dl.ListFiles(source, []download.FileType{ft}, download.ObjectID{DebugID: debugID})
	if len(refs) == 0 {
		return fmt.Errorf("no candidate locations for debug id %s", debugID)
	}

	for _, ref := range refs {
		vprintf("trying %s", ref.URI())
		status, err := dl.DownloadSource(env.Context(), ref, dest)
		if err != nil {
			return fmt.Errorf("download %s: %w", ref.URI(), err)
		}
		if status == download.Completed {
			fmt.Printf("downloaded %s -> %s\n", ref.URI(), dest)
			return nil
		}
	}
	return fmt.Errorf("object not found at any candidate location under debug id %s", debugID)
}

func flagsConcurrency() int { return orDefault(flags.Concurrency, 4) }

func runServe(env *command.Env) error {
	if serveFlags.HTTP == "" {
		return env.Usagef("you must provide --http")
	}
	c, err := buildCache(env.Context())
	if err != nil {
		return err
	}
	expvar.Publish("services.shared_cache", c.Metrics())

	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	srv := &http.Server{Addr: serveFlags.HTTP, Handler: mux}
	log.Printf("serving metrics at http://%s/debug/vars", serveFlags.HTTP)
	return srv.ListenAndServe()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
