// Package cache fronts third-party HTTP APIs with a persistent response cache.
//
// The Manager generates deterministic cache keys, stores responses through a
// CacheStore (see package store) and passes rate-limit questions through to a
// RateLimiter (see package ratelimit). Callers follow one pattern:
//
//	key, err := manager.GenerateCacheKey("dataforseo", "serp/google/organic/live", params, "POST", "v3")
//	if err != nil {
//		return err
//	}
//
//	env, err := manager.GetCachedResponse(ctx, "dataforseo", key)
//	if err == nil {
//		return env, nil // cache hit
//	}
//	if !errors.Is(err, cache.ErrCacheMiss) {
//		return nil, err
//	}
//
//	allowed, err := manager.AllowRequest(ctx, "dataforseo")
//	if err != nil || !allowed {
//		// refuse: rate limited
//	}
//	_ = manager.IncrementAttempts(ctx, "dataforseo", 1)
//
//	// perform the live request, then
//	err = manager.StoreResponse(ctx, "dataforseo", key, params, env, "serp/google/organic/live")
//
// Package client implements this pattern as a reusable HTTP client.
//
// # Cache keys
//
// Keys have the form {client}.{method}.{endpoint}.{sha1}[.{version}], where
// the hash covers the canonical JSON of the request parameters with map keys
// sorted at every depth.
//
// # Metrics
//
//   - apicache_cache_hits_total{client}
//   - apicache_cache_misses_total{client}
//   - apicache_cache_stores_total{client}
//   - apicache_cache_stored_bytes_total{client}
//   - apicache_cache_errors_total{client,operation}
package cache
