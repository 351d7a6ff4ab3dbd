package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/giantswarm/api-guard/internal/util"
)

// IdentityDetail is the event detail field carrying the caller's claimed identity.
// The Auditor logs it only as a hash.
const IdentityDetail = "identity"

// RedactDetails returns a copy of details fit for display or delivery
// outside the process: credential-like fields are masked and the identity
// is reduced to a masked e-mail.
func RedactDetails(details map[string]any) map[string]any {
	out := util.MaskDetails(details)
	if out == nil {
		return nil
	}
	if id, ok := out[IdentityDetail].(string); ok {
		out[IdentityDetail] = util.MaskEmail(id)
	}
	return out
}

// Auditor is an EventSink that writes security events to a structured log
// with identities hashed and credential-like fields masked.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// HandleEvent implements EventSink
func (a *Auditor) HandleEvent(ctx context.Context, event Event) error {
	a.LogEvent(ctx, event)
	return nil
}

// LogEvent logs a security event with hashed identity and masked details
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if !a.enabled {
		return
	}

	details := util.MaskDetails(event.Details)
	identityHash := ""
	if details != nil {
		if id, ok := details[IdentityDetail].(string); ok {
			identityHash = hashForLogging(id)
			delete(details, IdentityDetail)
		}
	}

	level := slog.LevelInfo
	if event.Type.IsHighRisk() || event.Type == EventProxyChainDetected {
		level = slog.LevelWarn
	}

	a.logger.Log(ctx, level, "security_audit",
		"event_type", string(event.Type),
		"key", event.Key,
		"ip_class", util.ClassifyAddr(event.Key),
		"identity_hash", identityHash,
		"request_id", GetRequestID(ctx),
		"details", details,
		"timestamp", event.Timestamp,
	)
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
