package tracing

// Span attribute keys.
const (
	AttrResolverID   = "resolver.id"
	AttrSource       = "resolver.source"
	AttrCycleID      = "refresh.cycle_id"
	AttrOutcome      = "refresh.outcome"
	AttrEntityCount  = "refresh.entity_count"
	AttrNextRefresh  = "refresh.next"
	AttrExpiration   = "refresh.expiration"
	AttrEntityID     = "entity.id"
	AttrLookupKey    = "dynamic.key"
	AttrCacheHit     = "dynamic.cache_hit"
	AttrHTTPMethod   = "http.method"
	AttrHTTPRoute    = "http.route"
	AttrHTTPStatus   = "http.status_code"
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span names.
const (
	SpanRefresh      = "resolver.refresh"
	SpanFetch        = "resolver.fetch"
	SpanDynamicFetch = "dynamic.fetch"
	SpanPrefixHTTP   = "http."
)

// Event names for span events.
const (
	EventSnapshotSwapped = "snapshot.swapped"
	EventPreExpired      = "document.pre_expired"
	EventUnchanged       = "source.unchanged"
	EventHookRejected    = "hook.rejected"
	EventNegativeCached  = "dynamic.negative_cached"
)
