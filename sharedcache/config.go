package sharedcache

import "fmt"

// SharedCacheConfig configures the shared cache facade. A zero value with
// Backend left nil means "disabled": New returns a facade that is
// permanently a no-op, per spec.md §3's facade lifecycle.
type SharedCacheConfig struct {
	// MaxConcurrentUploads bounds the number of uploads the background
	// worker runs in parallel. Must be >= 1 if Backend is set.
	MaxConcurrentUploads int

	// MaxUploadQueueSize bounds the number of pending uploads the worker
	// will buffer before Store starts dropping. Must be >= 1 if Backend is
	// set.
	MaxUploadQueueSize int

	// Backend selects and configures the remote backend. Nil means
	// disabled.
	Backend *SharedCacheBackendConfig

	// Logf, if non-nil, receives diagnostic log lines. If nil, logs are
	// discarded.
	Logf func(string, ...any)
}

// Validate checks the configuration for internal consistency. It does not
// attempt any I/O.
func (c *SharedCacheConfig) Validate() error {
	if c == nil || c.Backend == nil {
		return nil // disabled is always valid
	}
	if c.MaxConcurrentUploads < 1 {
		return fmt.Errorf("max_concurrent_uploads must be >= 1, got %d", c.MaxConcurrentUploads)
	}
	if c.MaxUploadQueueSize < 1 {
		return fmt.Errorf("max_upload_queue_size must be >= 1, got %d", c.MaxUploadQueueSize)
	}
	return c.Backend.Validate()
}

// SharedCacheBackendConfig is a tagged union over the two supported shared
// cache backends. Exactly one of Filesystem or Cloud must be set.
type SharedCacheBackendConfig struct {
	Filesystem *FilesystemConfig
	Cloud      *CloudConfig
}

// Validate checks that exactly one backend variant is configured.
func (b *SharedCacheBackendConfig) Validate() error {
	if b == nil {
		return fmt.Errorf("backend config must not be nil")
	}
	n := 0
	if b.Filesystem != nil {
		n++
	}
	if b.Cloud != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("exactly one of Filesystem, Cloud must be set, got %d", n)
	}
	if b.Filesystem != nil {
		return b.Filesystem.Validate()
	}
	return b.Cloud.Validate()
}

// FilesystemConfig configures the filesystem-backed shared cache, used both
// as a durable local shared store and as the backend exercised by tests.
type FilesystemConfig struct {
	// Path is the root directory of the cache tree.
	Path string
}

// Validate reports whether c is usable.
func (c *FilesystemConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("filesystem backend requires a non-empty path")
	}
	return nil
}

// CloudConfig configures the cloud object store backend (Google Cloud
// Storage).
type CloudConfig struct {
	// Bucket is the name of the GCS bucket used as backing store.
	Bucket string

	// Credentials selects how the backend authenticates.
	Credentials CloudCredentials
}

// Validate reports whether c is usable.
func (c *CloudConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("cloud backend requires a non-empty bucket name")
	}
	return c.Credentials.Validate()
}

// CloudCredentials is a tagged union: either a path to a service-account
// JSON key file, or ambient discovery via the environment's metadata
// service (ADC / GKE workload identity). Exactly one must be set.
type CloudCredentials struct {
	// ServiceAccountFile, if non-empty, is a path to a service-account JSON
	// key file.
	ServiceAccountFile string

	// Metadata, if true, discovers credentials ambiently via the local
	// metadata service (e.g. GKE/GCE instance metadata) or other sources in
	// Application Default Credentials' discovery chain.
	Metadata bool
}

// Validate reports whether exactly one credential source is configured.
func (c CloudCredentials) Validate() error {
	if c.ServiceAccountFile == "" && !c.Metadata {
		return fmt.Errorf("cloud credentials require either a service account file or metadata discovery")
	}
	if c.ServiceAccountFile != "" && c.Metadata {
		return fmt.Errorf("cloud credentials must not set both a service account file and metadata discovery")
	}
	return nil
}
