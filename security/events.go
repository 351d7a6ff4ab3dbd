package security

import (
	"context"
	"time"
)

// EventType identifies a kind of security event
type EventType string

// Security event types.
const (
	// EventLoginAttempt is recorded for every credential login attempt
	EventLoginAttempt EventType = "login_attempt"

	// EventFailedAuthentication is recorded when credentials or a bearer token are rejected
	EventFailedAuthentication EventType = "failed_authentication"

	// EventUnauthorizedAccess is recorded when a principal touches a resource it does not own
	EventUnauthorizedAccess EventType = "unauthorized_access"

	// EventRateLimitExceeded is recorded when a rate-limit bucket rejects a request
	EventRateLimitExceeded EventType = "rate_limit_exceeded"

	EventSuspiciousActivity  EventType = "suspicious_activity"
	EventDataAccessViolation EventType = "data_access_violation"
	EventAnomalousBehavior   EventType = "anomalous_behavior"
	EventInvalidRequest      EventType = "invalid_request"

	// EventProxyChainDetected is recorded when a request carries an over-long forwarding chain
	EventProxyChainDetected EventType = "proxy_chain_detected"

	// Informational events, never thresholded by default

	EventPrincipalRegistered EventType = "principal_registered"
	EventTokenIssued         EventType = "token_issued" //nolint:gosec // G101: False positive - this is an event type name, not a credential
)

// highRiskEvents feed the health status of a Report
var highRiskEvents = map[EventType]bool{
	EventFailedAuthentication: true,
	EventUnauthorizedAccess:   true,
	EventRateLimitExceeded:    true,
}

// IsHighRisk reports whether events of type t count toward the health status
func (t EventType) IsHighRisk() bool {
	return highRiskEvents[t]
}

// Event is a single security-relevant occurrence.
// Key is the counting key, normally the client IP.
type Event struct {
	Type      EventType
	Key       string
	Details   map[string]any
	Timestamp time.Time
}

// EventSink receives every recorded event. Delivery is fire-and-forget:
// errors are logged by the monitor and never reach the recording caller.
type EventSink interface {
	HandleEvent(ctx context.Context, event Event) error
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(ctx context.Context, event Event) error

// HandleEvent calls f
func (f EventSinkFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Alert describes one threshold crossing
type Alert struct {
	Type        EventType      `json:"event_type"`
	Key         string         `json:"key"`
	Count       int            `json:"count"`
	Threshold   int            `json:"threshold"`
	Window      time.Duration  `json:"-"`
	Details     map[string]any `json:"details,omitempty"`
	TriggeredAt time.Time      `json:"triggered_at"`
}

// AlertFunc is invoked once per threshold crossing.
// Returned errors and panics are logged and isolated from other callbacks.
type AlertFunc func(ctx context.Context, alert Alert) error
