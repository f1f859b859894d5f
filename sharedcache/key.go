// Package sharedcache implements a process-global, multi-backend,
// write-behind cache that sits between a symbolicator instance's local disk
// cache and a shared remote object store. It lets many instances amortize
// the cost of parsing debug information files by sharing derived artifacts
// (symcaches, cficaches, and the parsed objects themselves) through a
// common bucket.
package sharedcache

import (
	"path"
	"strconv"
	"strings"
	"unicode/utf8"
)

// CacheName identifies a category of cached artifact. The zero value is not
// a valid cache name.
type CacheName string

// Cache name constants. These values are used verbatim as the first path
// segment of every entry's relative path, so they must never change once
// entries exist under them.
const (
	CacheObjects     CacheName = "objects"
	CacheSymcaches   CacheName = "symcaches"
	CacheCficaches   CacheName = "cficaches"
	CacheDiagnostics CacheName = "diagnostics"
)

// Scope partitions cache entries by tenant. A Global scope is shared by all
// tenants; a Scoped value is an opaque per-tenant identifier.
type Scope struct {
	scoped bool
	id     string
}

// GlobalScope is the scope shared by every caller.
var GlobalScope = Scope{}

// ScopedTo returns a Scope private to the given opaque identifier.
func ScopedTo(id string) Scope { return Scope{scoped: true, id: id} }

// IsGlobal reports whether s is the global scope.
func (s Scope) IsGlobal() bool { return !s.scoped }

// String returns the path segment for s: "global" for the global scope, or
// the scoped identifier otherwise.
func (s Scope) String() string {
	if !s.scoped {
		return "global"
	}
	return s.id
}

// LocalKey identifies an entry within a cache category: a content key
// together with the scope that partitions it.
type LocalKey struct {
	CacheKey string
	Scope    Scope
}

// relativePath returns the path segments contributed by the local key,
// beneath <name>/<version>/.
func (k LocalKey) relativePath() []string {
	return []string{k.Scope.String(), k.CacheKey}
}

// CacheKey is a value type identifying one immutable cache entry. Two keys
// that compare equal (by ==) always produce byte-identical RelativePath and
// BucketKey results; this is the cornerstone of the content-addressing
// invariant in spec.md §3: once written, an entry's content must never
// change, so there is never a reason to invalidate or overwrite by key.
type CacheKey struct {
	Name     CacheName
	Version  uint32
	LocalKey LocalKey
}

// RelativePath returns the path of this entry relative to a backend's root,
// using the platform-independent forward-slash form used by both backends
// (the filesystem backend translates it with filepath.FromSlash).
//
// If any path segment is not valid UTF-8 — a programmer error, since all
// inputs are expected to originate from debug-file identifiers and opaque
// scope strings under our control — RelativePath logs nothing itself (the
// caller is expected to do so via the facade) and falls back to the lossy
// UTF-8 conversion rather than panicking.
func (k CacheKey) RelativePath() string {
	segs := append([]string{string(k.Name), strconv.FormatUint(uint64(k.Version), 10)}, k.LocalKey.relativePath()...)
	for i, s := range segs {
		if !utf8.ValidString(s) {
			segs[i] = strings.ToValidUTF8(s, "�")
		}
	}
	return path.Join(segs...)
}

// BucketKey returns the object-store key for this entry. For the layouts
// used by both backends in this package, it is identical to RelativePath:
// both already use forward slashes and contain no platform-specific
// separators.
func (k CacheKey) BucketKey() string { return k.RelativePath() }

// NonUTF8 reports whether any component of k would require lossy UTF-8
// conversion in RelativePath/BucketKey. Callers that want to log a
// structured warning before the fact (per spec.md §4.1) can check this
// first.
func (k CacheKey) NonUTF8() bool {
	if !utf8.ValidString(string(k.Name)) || !utf8.ValidString(k.LocalKey.CacheKey) {
		return true
	}
	return !utf8.ValidString(k.LocalKey.Scope.String())
}
