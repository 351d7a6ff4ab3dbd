package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/api-guard/instrumentation"
	"github.com/giantswarm/api-guard/internal/util"
	"github.com/giantswarm/api-guard/security"
	"github.com/giantswarm/api-guard/storage"
	"github.com/giantswarm/api-guard/token"
)

// Authentication flows, used for metrics and span attributes
const (
	FlowRegister     = "register"
	FlowLogin        = "login"
	FlowAuthenticate = "authenticate"
)

// Failure reasons recorded in security events and metrics
const (
	ReasonMissingToken      = "missing_token"
	ReasonTokenExpired      = "token_expired"
	ReasonTokenInvalid      = "token_invalid"
	ReasonPrincipalNotFound = "principal_not_found"
	ReasonUnknownPrincipal  = "unknown_principal"
	ReasonNoPassword        = "no_password"
	ReasonInvalidPassword   = "invalid_password"
)

// timingEqualizer is hashed once and verified against when a login names an
// unknown principal, so both paths cost one bcrypt comparison
const timingEqualizer = "timing-equalizer-not-a-password"

// RequestMeta describes the request a flow runs for
type RequestMeta struct {
	ClientIP  string
	RequestID string
	UserAgent string
}

// RegisterInput is the registration request
type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// LoginInput is the password login request
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is the result of a successful registration or login
type Session struct {
	Principal *storage.Principal
	Token     *oauth2.Token
}

// Register validates input, stores a new principal and issues a token
func (s *Server) Register(ctx context.Context, in RegisterInput, meta RequestMeta) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "guard.register")
	defer span.End()
	s.addRequestAttributes(span, FlowRegister, meta)

	if err := validateCredentialsShape(in.Email, in.Password, s.Config.MinPasswordLength); err != nil {
		return nil, s.malformed(ctx, span, meta, err)
	}

	start := time.Now()
	hash, err := s.hasher.Hash(ctx, in.Password)
	s.metrics.RecordPasswordOperation(ctx, "hash", msSince(start))
	if err != nil {
		if errors.Is(err, security.ErrEmptySecret) {
			return nil, s.malformed(ctx, span, meta, newError(KindMalformedRequest, "password is required", nil))
		}
		return nil, s.internal(span, "password hashing failed", err)
	}

	np := storage.NewPrincipal{
		Email:        storage.NormalizeEmail(in.Email),
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: hash,
	}
	if s.resolver.config.Match == MatchExternalID {
		np.ExternalID = "local:" + uuid.NewString()
	}

	p, err := s.store.Create(ctx, np)
	switch {
	case errors.Is(err, storage.ErrEmailTaken):
		instrumentation.SetSpanError(span, string(KindConflict))
		return nil, newError(KindConflict, "email already registered", err)
	case errors.Is(err, storage.ErrInvalidPrincipal):
		return nil, s.malformed(ctx, span, meta, newError(KindMalformedRequest, "invalid registration", err))
	case err != nil:
		return nil, s.internal(span, "account creation failed", err)
	}

	s.metrics.RecordPrincipalRegistered(ctx)
	s.RecordEvent(ctx, security.EventPrincipalRegistered, meta, map[string]any{
		security.IdentityDetail: p.Email,
	})
	s.Logger.Info("Registered principal",
		"principal_id", p.ID,
		"email", util.MaskEmail(p.Email),
		"request_id", meta.RequestID)

	return s.issueSession(ctx, span, FlowRegister, p, meta)
}

// Login verifies an email and password and issues a token.
// Every rejection is KindInvalidCredentials regardless of cause.
func (s *Server) Login(ctx context.Context, in LoginInput, meta RequestMeta) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "guard.login")
	defer span.End()
	s.addRequestAttributes(span, FlowLogin, meta)

	if err := validateCredentialsShape(in.Email, in.Password, 1); err != nil {
		return nil, s.malformed(ctx, span, meta, err)
	}

	email := storage.NormalizeEmail(in.Email)
	s.RecordEvent(ctx, security.EventLoginAttempt, meta, map[string]any{
		security.IdentityDetail: email,
	})

	p, err := s.store.FindByIdentity(ctx, storage.EmailIdentity(email))
	if err != nil && !errors.Is(err, storage.ErrPrincipalNotFound) {
		return nil, s.internal(span, "account lookup failed", err)
	}

	reason := ""
	switch {
	case p == nil:
		s.verifyTimingEqualizer(ctx, in.Password)
		reason = ReasonUnknownPrincipal
	case !p.HasPassword():
		s.verifyTimingEqualizer(ctx, in.Password)
		reason = ReasonNoPassword
	default:
		start := time.Now()
		ok := s.hasher.Verify(ctx, in.Password, p.PasswordHash)
		s.metrics.RecordPasswordOperation(ctx, "verify", msSince(start))
		if !ok {
			reason = ReasonInvalidPassword
		}
	}
	if reason != "" {
		return nil, s.authFailure(ctx, span, FlowLogin, reason, email, meta,
			newError(KindInvalidCredentials, "login rejected: "+reason, nil))
	}

	return s.issueSession(ctx, span, FlowLogin, p, meta)
}

// Authenticate verifies a bearer token and resolves its principal.
// Token and resolution failures are recorded as failed_authentication;
// store failures are returned as KindInternalFailure.
func (s *Server) Authenticate(ctx context.Context, bearer string, meta RequestMeta) (*storage.Principal, error) {
	ctx, span := s.tracer.Start(ctx, "guard.authenticate")
	defer span.End()
	s.addRequestAttributes(span, FlowAuthenticate, meta)

	if bearer == "" {
		return nil, s.authFailure(ctx, span, FlowAuthenticate, ReasonMissingToken, "", meta,
			newError(KindTokenInvalid, "missing bearer token", nil))
	}

	claims, err := s.tokens.Verify(bearer)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			s.metrics.RecordTokenVerification(ctx, "expired")
			return nil, s.authFailure(ctx, span, FlowAuthenticate, ReasonTokenExpired, "", meta,
				newError(KindTokenExpired, "token expired", err))
		}
		s.metrics.RecordTokenVerification(ctx, "malformed")
		return nil, s.authFailure(ctx, span, FlowAuthenticate, ReasonTokenInvalid, "", meta,
			newError(KindTokenInvalid, "token rejected", err))
	}
	s.metrics.RecordTokenVerification(ctx, "valid")

	p, err := s.resolver.Resolve(ctx, claims)
	if err != nil {
		if KindOf(err) == KindInternalFailure {
			return nil, s.internal(span, "principal resolution failed", err)
		}
		return nil, s.authFailure(ctx, span, FlowAuthenticate, ReasonPrincipalNotFound, claims.Subject, meta, err)
	}

	instrumentation.AddAuthAttributes(span, FlowAuthenticate, p.ID)
	instrumentation.SetSpanSuccess(span)
	return p, nil
}

// CheckOwnership enforces that principal owns the resource owned by ownerID.
// Resource operations call it before touching data; a mismatch is recorded
// as unauthorized_access and returned as KindForbidden.
func (s *Server) CheckOwnership(ctx context.Context, principal *storage.Principal, ownerID int64, meta RequestMeta) error {
	if principal == nil {
		return newError(KindTokenInvalid, "no authenticated principal", nil)
	}
	if principal.ID == ownerID {
		return nil
	}

	s.RecordEvent(ctx, security.EventUnauthorizedAccess, meta, map[string]any{
		"principal_id": principal.ID,
		"owner_id":     ownerID,
	})
	s.Logger.Warn("Ownership check failed",
		"principal_id", principal.ID,
		"owner_id", ownerID,
		"request_id", meta.RequestID)
	return newError(KindForbidden, fmt.Sprintf("principal %d does not own resource of %d", principal.ID, ownerID), nil)
}

// CheckRateLimit applies the named bucket to key. Unknown buckets fall back
// to the api bucket. A rejection is recorded as rate_limit_exceeded.
func (s *Server) CheckRateLimit(ctx context.Context, bucket, key string, meta RequestMeta) error {
	allowed, name, policy := s.limiter.AllowBucket(s.Config.Buckets, bucket, key)
	s.metrics.RecordRateLimitDecision(ctx, name, allowed)
	if allowed {
		return nil
	}

	s.RecordEvent(ctx, security.EventRateLimitExceeded, meta, map[string]any{
		"bucket": name,
		"limit":  policy.String(),
	})
	return &Error{
		Kind:       KindRateLimitExceeded,
		Message:    fmt.Sprintf("bucket %s exceeded (%s)", name, policy),
		RetryAfter: policy.Window,
	}
}

// subjectFor returns the token subject the resolver will match for p
func (s *Server) subjectFor(p *storage.Principal) string {
	if s.resolver.config.Match == MatchExternalID && p.ExternalID != "" {
		return p.ExternalID
	}
	return p.Email
}

func (s *Server) issueSession(ctx context.Context, span trace.Span, flow string, p *storage.Principal, meta RequestMeta) (*Session, error) {
	signed, expiry, err := s.tokens.Issue(token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: s.subjectFor(p)},
		Email:            p.Email,
		Name:             p.Name,
	}, s.Config.TokenTTL)
	if err != nil {
		return nil, s.internal(span, "token issuance failed", err)
	}

	s.metrics.RecordTokenIssued(ctx, flow)
	s.RecordEvent(ctx, security.EventTokenIssued, meta, map[string]any{
		"principal_id": p.ID,
		"flow":         flow,
	})

	instrumentation.AddAuthAttributes(span, flow, p.ID)
	instrumentation.SetSpanSuccess(span)

	return &Session{
		Principal: p,
		Token: &oauth2.Token{
			AccessToken: signed,
			TokenType:   "Bearer",
			Expiry:      expiry,
			ExpiresIn:   int64(expiry.Sub(s.clock.Now()).Seconds()),
		},
	}, nil
}

// authFailure records a rejected authentication and returns err
func (s *Server) authFailure(ctx context.Context, span trace.Span, flow, reason, identity string, meta RequestMeta, err error) error {
	details := map[string]any{
		"reason": reason,
		"flow":   flow,
	}
	if identity != "" {
		details[security.IdentityDetail] = identity
	}
	s.RecordEvent(ctx, security.EventFailedAuthentication, meta, details)
	s.metrics.RecordAuthFailure(ctx, flow, reason)

	s.Logger.Info("Authentication failed",
		"flow", flow,
		"reason", reason,
		"kind", KindOf(err),
		"request_id", meta.RequestID)

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrErrorKind, string(KindOf(err))))
	instrumentation.SetSpanError(span, reason)
	return err
}

func (s *Server) malformed(ctx context.Context, span trace.Span, meta RequestMeta, err error) error {
	s.RecordEvent(ctx, security.EventInvalidRequest, meta, map[string]any{
		"reason": messageOf(err),
	})
	instrumentation.SetSpanError(span, string(KindMalformedRequest))
	return err
}

func (s *Server) internal(span trace.Span, message string, cause error) error {
	err := newError(KindInternalFailure, message, cause)
	s.Logger.Error("Internal failure", "error", err)
	instrumentation.RecordError(span, err)
	return err
}

func (s *Server) verifyTimingEqualizer(ctx context.Context, password string) {
	s.dummyHashOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash(ctx, timingEqualizer)
	})
	s.hasher.Verify(ctx, password, s.dummyHash)
}

func (s *Server) addRequestAttributes(span trace.Span, flow string, meta RequestMeta) {
	instrumentation.AddAuthAttributes(span, flow, 0)
	if s.instrumentation != nil && s.instrumentation.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, meta.ClientIP)
	}
}

func validateCredentialsShape(email, password string, minPassword int) error {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") || strings.HasPrefix(email, "@") || strings.HasSuffix(email, "@") {
		return newError(KindMalformedRequest, "a valid email is required", nil)
	}
	if len(password) < minPassword {
		return newError(KindMalformedRequest, fmt.Sprintf("password must be at least %d characters", minPassword), nil)
	}
	return nil
}

func messageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
