// Package instrumentation provides OpenTelemetry instrumentation for api-guard.
//
// Metrics and traces are created from injectable providers. When Config.Enabled
// is false every instrument is a no-op.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "tasks-api",
//		ServiceVersion: "1.4.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// HTTP Layer:
//   - guard.http.requests.total{http.method, http.endpoint, http.status_code}
//   - guard.http.request.duration{http.endpoint} (ms)
//
// Authentication:
//   - guard.principals.registered
//   - guard.principals.provisioned{guard.resolver.match_claim}
//   - guard.tokens.issued{guard.auth.flow}
//   - guard.tokens.verified{guard.token.result}
//   - guard.auth.failures{guard.auth.flow, guard.auth.failure_reason}
//   - guard.password.duration{guard.password.operation} (ms)
//
// Security:
//   - guard.ratelimit.decisions{security.rate_limit.bucket, security.rate_limit.result}
//   - guard.ratelimit.tracked_keys (gauge)
//   - guard.security.events{security.event.type}
//   - guard.security.alerts{security.event.type}
//   - guard.notify.deliveries{notify.sink, notify.result}
//
// Storage:
//   - guard.storage.operations{storage.operation, storage.result}
//   - guard.storage.operation.duration{storage.operation} (ms)
//   - guard.storage.principals (gauge)
//
// # Traces
//
// The server opens one span per flow: guard.register, guard.login and
// guard.authenticate. Storage implementations open storage.<operation> spans.
// Client IPs are attached only when Config.LogClientIPs is set.
package instrumentation
