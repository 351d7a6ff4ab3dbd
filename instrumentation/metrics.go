package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the guard
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Authentication Metrics
	PrincipalsRegistered  metric.Int64Counter
	PrincipalsProvisioned metric.Int64Counter
	TokensIssued          metric.Int64Counter
	TokenVerifications    metric.Int64Counter
	AuthFailures          metric.Int64Counter
	PasswordHashDuration  metric.Float64Histogram

	// Security Metrics
	RateLimitDecisions   metric.Int64Counter
	RateLimitTrackedKeys metric.Int64ObservableGauge
	SecurityEventsTotal  metric.Int64Counter
	AlertsFired          metric.Int64Counter
	AlertDeliveries      metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StoragePrincipalsCount   metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	notifyMeter := inst.Meter("notify")

	var err error

	// HTTP Layer Metrics
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"guard.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"guard.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	// Authentication Metrics
	m.PrincipalsRegistered, err = serverMeter.Int64Counter(
		"guard.principals.registered",
		metric.WithDescription("Number of principals created by registration"),
		metric.WithUnit("{principal}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create principals.registered counter: %w", err)
	}

	m.PrincipalsProvisioned, err = serverMeter.Int64Counter(
		"guard.principals.provisioned",
		metric.WithDescription("Number of principals auto-provisioned from token claims"),
		metric.WithUnit("{principal}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create principals.provisioned counter: %w", err)
	}

	m.TokensIssued, err = serverMeter.Int64Counter(
		"guard.tokens.issued",
		metric.WithDescription("Number of bearer tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.issued counter: %w", err)
	}

	m.TokenVerifications, err = serverMeter.Int64Counter(
		"guard.tokens.verified",
		metric.WithDescription("Number of bearer token verifications by result"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.verified counter: %w", err)
	}

	m.AuthFailures, err = serverMeter.Int64Counter(
		"guard.auth.failures",
		metric.WithDescription("Number of rejected authentication attempts by reason"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth.failures counter: %w", err)
	}

	m.PasswordHashDuration, err = serverMeter.Float64Histogram(
		"guard.password.duration",
		metric.WithDescription("Password hash and verify duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create password.duration histogram: %w", err)
	}

	// Security Metrics
	m.RateLimitDecisions, err = securityMeter.Int64Counter(
		"guard.ratelimit.decisions",
		metric.WithDescription("Rate limit decisions by bucket and result"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.decisions counter: %w", err)
	}

	m.RateLimitTrackedKeys, err = securityMeter.Int64ObservableGauge(
		"guard.ratelimit.tracked_keys",
		metric.WithDescription("Number of keys currently tracked by the rate limiter"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.tracked_keys gauge: %w", err)
	}

	m.SecurityEventsTotal, err = securityMeter.Int64Counter(
		"guard.security.events",
		metric.WithDescription("Security events recorded by type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.events counter: %w", err)
	}

	m.AlertsFired, err = securityMeter.Int64Counter(
		"guard.security.alerts",
		metric.WithDescription("Threshold alerts fired by event type"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create security.alerts counter: %w", err)
	}

	m.AlertDeliveries, err = notifyMeter.Int64Counter(
		"guard.notify.deliveries",
		metric.WithDescription("Alert and event deliveries to external sinks by result"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notify.deliveries counter: %w", err)
	}

	// Storage Metrics
	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"guard.storage.operations",
		metric.WithDescription("Account store operations by result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"guard.storage.operation.duration",
		metric.WithDescription("Account store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StoragePrincipalsCount, err = storageMeter.Int64ObservableGauge(
		"guard.storage.principals",
		metric.WithDescription("Number of stored principals"),
		metric.WithUnit("{principal}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.principals gauge: %w", err)
	}

	return m, nil
}

// Helper methods for recording metrics. All of them are nil-safe.

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String(AttrHTTPEndpoint, endpoint)))
}

// RecordPrincipalRegistered records a successful registration
func (m *Metrics) RecordPrincipalRegistered(ctx context.Context) {
	if m == nil {
		return
	}
	m.PrincipalsRegistered.Add(ctx, 1)
}

// RecordPrincipalProvisioned records a principal created from token claims
func (m *Metrics) RecordPrincipalProvisioned(ctx context.Context, matchClaim string) {
	if m == nil {
		return
	}
	m.PrincipalsProvisioned.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrMatchClaim, matchClaim)))
}

// RecordTokenIssued records an issued token
func (m *Metrics) RecordTokenIssued(ctx context.Context, flow string) {
	if m == nil {
		return
	}
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrAuthFlow, flow)))
}

// RecordTokenVerification records a verification outcome ("valid", "expired", "malformed")
func (m *Metrics) RecordTokenVerification(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.TokenVerifications.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrTokenResult, result)))
}

// RecordAuthFailure records a rejected authentication attempt
func (m *Metrics) RecordAuthFailure(ctx context.Context, flow, reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAuthFlow, flow),
		attribute.String(AttrAuthFailureReason, reason),
	))
}

// RecordPasswordOperation records the duration of a hash or verify call
func (m *Metrics) RecordPasswordOperation(ctx context.Context, operation string, durationMs float64) {
	if m == nil {
		return
	}
	m.PasswordHashDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String(AttrPasswordOperation, operation)))
}

// RecordRateLimitDecision records an accept or reject by the limiter
func (m *Metrics) RecordRateLimitDecision(ctx context.Context, bucket string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.RateLimitDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrRateLimitBucket, bucket),
		attribute.String(AttrRateLimitResult, result),
	))
}

// RecordSecurityEvent records a monitored security event
func (m *Metrics) RecordSecurityEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.SecurityEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrSecurityEventType, eventType)))
}

// RecordAlertFired records a threshold alert
func (m *Metrics) RecordAlertFired(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AlertsFired.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrSecurityEventType, eventType)))
}

// RecordDelivery records a delivery attempt to an external sink
func (m *Metrics) RecordDelivery(ctx context.Context, sink string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.AlertDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrNotifySink, sink),
		attribute.String(AttrNotifyResult, result),
	))
}

// RecordDeliveryDropped records a notification dropped before delivery
func (m *Metrics) RecordDeliveryDropped(ctx context.Context, sink string) {
	if m == nil {
		return
	}
	m.AlertDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrNotifySink, sink),
		attribute.String(AttrNotifyResult, "dropped"),
	))
}

// RecordStorageOperation records an account store operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
	))
}
