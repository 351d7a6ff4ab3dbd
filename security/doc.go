// Package security provides the abuse-mitigation primitives of api-guard:
// credential hashing, sliding-window rate limiting, security event monitoring
// with threshold alerts, audit logging and HTTP hardening helpers.
//
// # Rate Limiting
//
// SlidingWindowLimiter keeps the timestamps of accepted requests per key and
// prunes everything at or before now-window on every call. Each key owns its
// own mutex; the key index is a sync.Map, so traffic for different keys never
// serialises on a shared lock.
//
//	limiter := security.NewSlidingWindowLimiter(nil, logger)
//	defer limiter.Stop()
//
//	ok, bucket, policy := limiter.AllowBucket(security.DefaultBuckets(), security.BucketAuth, clientIP)
//	if !ok {
//	    // 429, retry after policy.Window
//	}
//
// Buckets are named policies ("auth" 5/300s, "api" 100/1h, "task_crud" 50/10m).
// An unknown bucket name resolves to "api".
//
// ## Memory Management
//
// Pruning happens on access. A background sweep removes keys whose newest
// request is older than the window they were last checked against. A request
// racing the sweep retries on a fresh entry, so no accepted request is lost.
//
// # Security Monitor
//
// Monitor counts events per (type, key) over a rolling window. When the count
// reaches the configured threshold the registered AlertFuncs are called once.
// The series stays disarmed until the count falls below the threshold again.
//
//	monitor := security.NewMonitor(security.MonitorConfig{
//	    Sinks: []security.EventSink{security.NewAuditor(logger, true)},
//	})
//	monitor.AddAlertCallback(func(ctx context.Context, a security.Alert) error {
//	    return pager.Notify(ctx, a)
//	})
//
// Alert callbacks and event sinks run outside the per-series lock. An error or
// panic in one of them is logged and never affects the caller or the other
// callbacks.
//
// # Credential Hashing
//
// PasswordHasher uses bcrypt at cost 12. Secrets longer than 72 bytes are
// truncated before hashing and verification.
package security
