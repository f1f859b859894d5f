package sharedcache

import "expvar"

// metrics is the counter tree published under "services.shared_cache.*",
// built the way s3cache.Cache.SetMetrics/modproxy.S3Cacher.Metrics assemble
// an *expvar.Map in the teacher. Unlike the teacher's fixed, cache-agnostic
// counters, these are keyed by cache name (and, for fetch/store, by
// hit/status/reason) since this service multiplexes several cache
// categories through one facade.
type metrics struct {
	fetch            expvar.Map // "<cache>.<hit|miss>.<status>" -> count
	fetchBytes       expvar.Map // "<cache>" -> bytes
	store            expvar.Map // "<cache>.<write|skip|error>.<reason>.<status>" -> count
	storeBytes       expvar.Map // "<cache>" -> bytes
	storeDropped     expvar.Int
	exists           expvar.Map // "<cache>.<status>" -> count
	existsErrRefresh expvar.Int // exists errors swallowed during a Refresh store (spec.md §9 open question)
	uploadsInFlight  expvar.Int
	uploadsQueueCap  expvar.Int
}

func newMetrics() *metrics { return &metrics{} }

// bump increments the counter for key within m, creating it on first use
// (expvar.Map.Add already does this, so bump is a thin, named wrapper used
// at every call site instead of repeating the expvar.Map.Add(key, 1)
// idiom).
func bump(m *expvar.Map, key string) { m.Add(key, 1) }

// Publish installs m's fields into parent under unprefixed keys ("fetch",
// "store.dropped", ...); the caller mounts parent, and cmd/symcache mounts
// it as "services.shared_cache". This mirrors expvar.Publish usage throughout the teacher
// (cmd/go-cache-plugin/setup.go calls expvar.Publish directly; here we let
// the caller choose where to mount the tree since a library should not
// assume it owns the global expvar namespace).
func (m *metrics) Publish(parent *expvar.Map) {
	parent.Set("fetch", &m.fetch)
	parent.Set("fetch.bytes", &m.fetchBytes)
	parent.Set("store", &m.store)
	parent.Set("store.bytes", &m.storeBytes)
	parent.Set("store.dropped", &m.storeDropped)
	parent.Set("exists", &m.exists)
	parent.Set("exists.error_during_refresh", &m.existsErrRefresh)
	parent.Set("uploads_in_flight", &m.uploadsInFlight)
	parent.Set("uploads_queue_capacity", &m.uploadsQueueCap)
}
