package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span and metric attribute keys
//
// SECURITY WARNING: Never record secrets (passwords, bearer tokens, signing keys)
// in traces or metrics. Only metadata such as results, buckets and principal IDs.
const (
	// Authentication attributes
	AttrPrincipalID       = "guard.principal.id"
	AttrAuthFlow          = "guard.auth.flow"           // register, login, authenticate
	AttrAuthFailureReason = "guard.auth.failure_reason" // never the credential itself
	AttrTokenResult       = "guard.token.result"        //nolint:gosec // verification outcome, not a token
	AttrMatchClaim        = "guard.resolver.match_claim"
	AttrPasswordOperation = "guard.password.operation" //nolint:gosec // hash or verify

	// Security attributes
	AttrRateLimitBucket   = "security.rate_limit.bucket"
	AttrRateLimitResult   = "security.rate_limit.result"
	AttrSecurityEventType = "security.event.type"
	AttrClientIP          = "security.client_ip"
	AttrErrorKind         = "guard.error.kind"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Notification attributes
	AttrNotifySink   = "notify.sink"
	AttrNotifyResult = "notify.result"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddAuthAttributes adds the flow name and, when known, the principal ID
func AddAuthAttributes(span trace.Span, flow string, principalID int64) {
	SetSpanAttributes(span, attribute.String(AttrAuthFlow, flow))
	if principalID > 0 {
		SetSpanAttributes(span, attribute.Int64(AttrPrincipalID, principalID))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds the client IP to a span (nil-safe)
//
// PRIVACY NOTE: check Instrumentation.ShouldLogClientIPs() before calling.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
