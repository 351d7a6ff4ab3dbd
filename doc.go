// Package guard is the HTTP request guard of api-guard.
//
// A Handler wraps application routes with the guard middleware and serves the
// authentication endpoints of the built-in account API:
//
//	POST /api/auth/register    auth bucket
//	POST /api/auth/login       auth bucket
//	POST /api/auth/logout      api bucket
//	GET  /api/auth/me          api bucket, bearer token
//	GET  /api/auth/status      api bucket, bearer token
//	GET  /api/security/report  api bucket, bearer token, GUARD_REPORT_ADMINS only
//	GET  /health, /ready, /live
//
// # Request Guard
//
// Guard(bucket) runs, in order: request ID propagation, panic recovery,
// security headers, forwarding-chain validation (more than
// MaxForwardedHops addresses in any forwarding header is a 400 and a
// proxy_chain_detected event) and the bucket rate limit keyed by client IP
// (a 429 with Retry-After set to the bucket window). RequireAuth then
// verifies the bearer token, resolves the principal and applies the api
// bucket per principal.
//
//	h := guard.NewHandler(srv, cfg, logger)
//	mux := h.Routes()
//	mux.Handle("GET /api/tasks/{id}", h.Guard(security.BucketTaskCRUD)(h.RequireAuth(tasks)))
//
// # Errors
//
// Every failure is written as {"detail": string, "status": int}. All
// authentication failures, whatever their cause, are a 401 with detail
// "Could not validate credentials" and WWW-Authenticate: Bearer, so a caller
// cannot tell an unknown account from a wrong password or an expired token.
// With GUARD_DEV_MODE the body also carries error_type and message.
//
// # Configuration
//
// LoadConfig reads GUARD_* environment variables (and a .env file when
// present). NewApp assembles the store, token service, server, notifiers and
// handler from a Config; the process entry point owns the App and closes it
// on shutdown.
package guard
