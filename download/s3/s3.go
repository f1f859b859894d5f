// Package s3 implements the S3-backed remote source downloader (spec.md
// §4.6), the reference instantiation of download.Downloader.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"github.com/creachadair/atomicfile"
	"github.com/creachadair/mds/value"
	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/symbolicator/symbolicator/download"
)

// CredentialsProvider selects how an S3SourceKey's client authenticates.
type CredentialsProvider int

const (
	// CredentialsContainer discovers credentials from the ambient ECS/EKS
	// container credentials endpoint.
	CredentialsContainer CredentialsProvider = iota
	// CredentialsStatic uses a fixed access/secret key pair.
	CredentialsStatic
)

// S3SourceKey identifies one distinct S3 client configuration: the region
// plus however it authenticates. Two references with equal keys share a
// client (spec.md §4.6's "bounded size-limited cache").
type S3SourceKey struct {
	Region              string
	CredentialsProvider CredentialsProvider
	AccessKey           string
	SecretKey           string
}

// cacheKey returns a stable string form of k suitable as an lru.Cache /
// singleflight key, following the string-keyed lru.Cache idiom used
// throughout this codebase's in-memory caches.
func (k S3SourceKey) cacheKey() string {
	return fmt.Sprintf("%s|%d|%s", k.Region, k.CredentialsProvider, k.AccessKey)
}

// SourceConfig describes one configured S3 bucket source.
type SourceConfig struct {
	Bucket    string
	Prefix    string
	SourceKey S3SourceKey
}

// RemoteDIFReference is the S3 instantiation of download.RemoteDIFReference.
type RemoteDIFReference struct {
	Source   *SourceConfig
	Location string
}

var _ download.RemoteDIFReference = RemoteDIFReference{}

// Key returns the S3 object key for this reference: the source's prefix,
// with surrounding slashes trimmed, joined to its location by a single
// slash. An empty prefix yields the location unchanged.
func (r RemoteDIFReference) Key() string {
	prefix := strings.Trim(r.Source.Prefix, "/")
	if prefix == "" {
		return r.Location
	}
	return prefix + "/" + strings.TrimPrefix(r.Location, "/")
}

// URI implements download.RemoteDIFReference. Scenario S7: for bucket
// "bucket", prefix "prefix", location "a/key/with spaces", URI returns
// "s3://bucket/prefix/a/key/with%20spaces" — the location is escaped with
// standard percent-encoding of spaces, matching the original Rust
// implementation's RemoteDifUri.
func (r RemoteDIFReference) URI() string {
	return "s3://" + r.Source.Bucket + "/" + escapeURIPath(r.Key())
}

// escapeURIPath percent-encodes spaces (and other characters unsafe in a
// URI) in an object key while preserving its slash-delimited structure,
// matching url.PathEscape applied per path segment.
func escapeURIPath(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = strings.ReplaceAll(url.PathEscape(s), "%2F", "/")
	}
	return strings.Join(segs, "/")
}

const (
	// minBandwidthBytesPerSec is the assumed worst-case sustained transfer
	// rate used to derive a per-download streaming timeout from content
	// length: content_length / minBandwidthBytesPerSec whole seconds, never
	// less than the Downloader's configured streamTimeout.
	minBandwidthBytesPerSec = 3_500_000
)

// Downloader implements download.Downloader against S3 sources.
type Downloader struct {
	connectTimeout time.Duration
	streamTimeout  time.Duration

	mu      sync.Mutex
	clients *lru.Cache // S3SourceKey.cacheKey() -> *s3.Client
	group   singleflight.Group

	// inFlight bounds concurrent downloads per Downloader instance,
	// following modproxy.S3Cacher.sema's use of a weighted semaphore to cap
	// concurrent S3 traffic regardless of how many callers are active.
	inFlight *semaphore.Weighted
}

var _ download.Downloader = (*Downloader)(nil)

// NewDownloader constructs a Downloader. connectTimeout bounds the initial
// GetObject request; streamTimeout is the floor for the adaptive per-stream
// timeout; clientCacheSize bounds how many distinct S3 clients are kept
// alive concurrently; maxConcurrentDownloads bounds how many DownloadSource
// calls may be in flight against S3 at once.
func NewDownloader(connectTimeout, streamTimeout time.Duration, clientCacheSize, maxConcurrentDownloads int) *Downloader {
	return &Downloader{
		connectTimeout: connectTimeout,
		streamTimeout:  streamTimeout,
		clients:        lru.New(clientCacheSize),
		inFlight:       semaphore.NewWeighted(int64(maxConcurrentDownloads)),
	}
}

// streamingTimeout derives the adaptive per-stream timeout for a download of
// contentLength bytes: the time minBandwidthBytesPerSec needs for it, floored
// at d.streamTimeout.
func (d *Downloader) streamingTimeout(contentLength int64) time.Duration {
	byBandwidth := time.Duration(contentLength/minBandwidthBytesPerSec) * time.Second
	if byBandwidth > d.streamTimeout {
		return byBandwidth
	}
	return d.streamTimeout
}

// getClient returns the shared *s3.Client for key, constructing one on
// first miss. Concurrent callers for the same key share a single
// construction (spec.md §4.6's single-flight requirement).
func (d *Downloader) getClient(ctx context.Context, key S3SourceKey) (*s3.Client, error) {
	ck := key.cacheKey()

	d.mu.Lock()
	if v, ok := d.clients.Get(ck); ok {
		d.mu.Unlock()
		return v.(*s3.Client), nil
	}
	d.mu.Unlock()

	v, err, _ := d.group.Do(ck, func() (any, error) {
		d.mu.Lock()
		if v, ok := d.clients.Get(ck); ok {
			d.mu.Unlock()
			return v.(*s3.Client), nil
		}
		d.mu.Unlock()

		client, err := buildClient(ctx, key)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.clients.Add(ck, client)
		d.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*s3.Client), nil
}

func buildClient(ctx context.Context, key S3SourceKey) (*s3.Client, error) {
	var credProvider aws.CredentialsProvider
	switch key.CredentialsProvider {
	case CredentialsStatic:
		credProvider = credentials.NewStaticCredentialsProvider(key.AccessKey, key.SecretKey, "")
	case CredentialsContainer:
		// Falls through to the SDK's default chain (ECS/EKS container
		// credentials, instance profile, environment), which is what the
		// container provider means here: no explicit provider override.
	default:
		return nil, fmt.Errorf("unknown credentials provider %d", key.CredentialsProvider)
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(key.Region)}
	if credProvider != nil {
		opts = append(opts, config.WithCredentialsProvider(credProvider))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// ListFiles implements download.Downloader. This reference layout is the
// "unified" form: <id[:2]>/<id[2:]>/<name>, where id is the debug ID
// lowercased with dashes removed and name is "breakpad", "debuginfo" or
// "executable" depending on the file type (see debugFileName), matching the
// common case of the original's directory layouts; sources with a different layout convention
// would plug in a different path function here. source must be a
// *SourceConfig; any other concrete type is a programmer error and yields no
// candidates.
func (d *Downloader) ListFiles(source any, filetypes []download.FileType, id download.ObjectID) []download.RemoteDIFReference {
	src, ok := source.(*SourceConfig)
	if !ok || id.DebugID == "" {
		return nil
	}
	normalized := strings.ToLower(strings.ReplaceAll(id.DebugID, "-", ""))

	refs := make([]download.RemoteDIFReference, 0, len(filetypes))
	for _, ft := range filetypes {
		loc := fmt.Sprintf("%s/%s/%s", normalized[:2], normalized[2:], debugFileName(ft))
		refs = append(refs, RemoteDIFReference{Source: src, Location: loc})
	}
	return refs
}

func debugFileName(ft download.FileType) string {
	switch ft {
	case download.FileTypeBreakpad:
		return "breakpad"
	case download.FileTypeMachDebug, download.FileTypeElfDebug, download.FileTypePDB:
		return "debuginfo"
	default:
		return "executable"
	}
}

// DownloadSource implements download.Downloader. Scenario S8's mapping:
// NoSuchKey, an empty body, and any construction/dispatch/timeout failure
// all classify as NotFound; every other service error surfaces as an error
// carrying the HTTP status and service error code. Because an empty body is
// NotFound, an object that exists but holds zero bytes cannot be told apart
// from a missing one.
func (d *Downloader) DownloadSource(ctx context.Context, ref download.RemoteDIFReference, destination string) (download.DownloadStatus, error) {
	s3ref, ok := ref.(RemoteDIFReference)
	if !ok {
		return download.NotFound, fmt.Errorf("s3 downloader given a non-S3 reference %T", ref)
	}

	if err := d.inFlight.Acquire(ctx, 1); err != nil {
		return download.NotFound, fmt.Errorf("acquire download slot: %w", err)
	}
	defer d.inFlight.Release(1)

	client, err := d.getClient(ctx, s3ref.Source.SourceKey)
	if err != nil {
		return download.NotFound, fmt.Errorf("build s3 client: %w", err)
	}

	// The connect timeout covers the GetObject call only; the body is read
	// under the streaming timeout below.
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := time.AfterFunc(d.connectTimeout, cancel)
	rsp, err := client.GetObject(cctx, &s3.GetObjectInput{
		Bucket: value.Ptr(s3ref.Source.Bucket),
		Key:    value.Ptr(s3ref.Key()),
	})
	timer.Stop()
	if err != nil {
		return classifyGetObjectError(err)
	}
	defer rsp.Body.Close()

	if rsp.ContentLength == nil || *rsp.ContentLength == 0 {
		return download.NotFound, nil
	}

	sctx, scancel := context.WithTimeout(ctx, d.streamingTimeout(*rsp.ContentLength))
	defer scancel()
	if err := streamToFile(sctx, destination, rsp.Body); err != nil {
		return download.NotFound, fmt.Errorf("stream s3 object to disk: %w", err)
	}
	return download.Completed, nil
}

// classifyGetObjectError maps an aws-sdk-go-v2 GetObject error onto
// DownloadStatus following spec.md §4.6/S8: NoSuchKey and any
// construction/dispatch/timeout-shaped failure become NotFound (never
// surfaced as an error, matching the original's behavior); any other
// service error is returned with its HTTP status and error code attached.
func classifyGetObjectError(err error) (download.DownloadStatus, error) {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return download.NotFound, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return download.NotFound, nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		var statusErr interface{ HTTPStatusCode() int }
		status := 0
		if errors.As(err, &statusErr) {
			status = statusErr.HTTPStatusCode()
		}
		return download.NotFound, &ServiceError{Status: status, Code: apiErr.ErrorCode(), Message: apiErr.ErrorMessage()}
	}

	// No structured AWS error at all: a pure construction/dispatch failure
	// before a request was ever sent. Per the original, this is NotFound,
	// not Err.
	return download.NotFound, nil
}

// ServiceError reports an S3 service-level failure that is not a missing
// object: every field the original's DownloadError::S3WithCode carries.
type ServiceError struct {
	Status  int
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("s3 service error: status=%d code=%s: %s", e.Status, e.Code, e.Message)
}

// streamToFile writes r to destination using atomicfile's temp-then-rename
// publish: unlike sharedcache.FilesystemBackend's hand-rolled publish (which
// pins a sibling .tmp/ directory for a different layout requirement),
// there is no pinned temp-file layout here, so atomicfile's own placement
// is exactly the straightforward write-then-publish the library is built
// for.
func streamToFile(ctx context.Context, destination string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}
	return atomicfile.Tx(destination, 0o644, func(f *atomicfile.File) error {
		_, err := io.Copy(f, contextReader{ctx: ctx, r: r})
		return err
	})
}

// contextReader aborts a Read once ctx is done, giving the streaming
// timeout context teeth even though the underlying HTTP body does not
// observe a context past the initial request.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
