package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/api-guard/instrumentation"
	"github.com/giantswarm/api-guard/internal/util"
	"github.com/giantswarm/api-guard/security"
	"github.com/giantswarm/api-guard/server"
	"github.com/giantswarm/api-guard/storage"
)

const (
	maxBodyBytes     = 1 << 20
	maxUserAgentLen  = 256
	readinessTimeout = 2 * time.Second

	// Version is reported by the health endpoint
	Version = "1.0.0"
)

// Handler is a thin HTTP adapter for the authentication core.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server  *server.Server
	config  *Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// NewHandler creates a new HTTP handler. A nil config uses production
// defaults with dev mode off.
func NewHandler(srv *server.Server, config *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = &Config{
			Environment:       "production",
			TrustedProxyCount: 1,
			MaxForwardedHops:  security.DefaultMaxForwardedHops,
		}
	}

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer(""),
	}
	if inst := srv.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("http")
		h.metrics = inst.Metrics()
	}
	return h
}

// Routes returns a mux serving the authentication endpoints
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	auth := h.Guard(security.BucketAuth)
	api := h.Guard(security.BucketAPI)

	mux.Handle("POST /api/auth/register", auth(http.HandlerFunc(h.ServeRegister)))
	mux.Handle("POST /api/auth/login", auth(http.HandlerFunc(h.ServeLogin)))
	mux.Handle("POST /api/auth/logout", api(http.HandlerFunc(h.ServeLogout)))
	mux.Handle("GET /api/auth/me", api(h.RequireAuth(http.HandlerFunc(h.ServeMe))))
	mux.Handle("GET /api/auth/status", api(h.RequireAuth(http.HandlerFunc(h.ServeStatus))))
	if len(h.config.ReportAdmins) > 0 {
		mux.Handle("GET /api/security/report", api(h.RequireAuth(http.HandlerFunc(h.ServeSecurityReport))))
	}

	mux.HandleFunc("GET /health", h.ServeHealth)
	mux.HandleFunc("GET /ready", h.ServeReady)
	mux.HandleFunc("GET /live", h.ServeLive)
	return mux
}

// Guard wraps next with the request guard for bucket: request ID, panic
// recovery, security headers, forwarding-chain validation and the bucket
// rate limit keyed by client IP.
func (h *Handler) Guard(bucket string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		admitted := h.recoverPanics(h.admit(bucket, next))

		return security.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, span := h.tracer.Start(r.Context(), "guard.request")
			defer span.End()
			r = r.WithContext(ctx)

			sw := &statusWriter{ResponseWriter: w}
			defer func() { h.finishRequest(r, sw, span, start) }()

			h.setSecurityHeaders(sw)
			admitted.ServeHTTP(sw, r)
		}))
	}
}

// admit rejects malformed forwarding chains and rate-limited callers
func (h *Handler) admit(bucket string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := h.requestMeta(r)
		instrumentation.AddSecurityAttributes(trace.SpanFromContext(r.Context()), h.loggableIP(meta.ClientIP))

		if header, hops, anomalous := security.ForwardingChainAnomaly(r, h.config.MaxForwardedHops); anomalous {
			h.server.RecordEvent(r.Context(), security.EventProxyChainDetected, meta, map[string]any{
				"header": header,
				"hops":   hops,
			})
			h.logger.Warn("Forwarding chain rejected",
				"header", header,
				"hops", hops,
				"request_id", meta.RequestID)
			h.WriteError(w, &server.Error{
				Kind:    server.KindMalformedRequest,
				Message: fmt.Sprintf("%s carries %d hops", header, hops),
			})
			return
		}

		if err := h.server.CheckRateLimit(r.Context(), bucket, meta.ClientIP, meta); err != nil {
			h.logger.Warn("Rate limit exceeded",
				"bucket", bucket,
				"ip", h.loggableIP(meta.ClientIP),
				"request_id", meta.RequestID)
			h.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireAuth authenticates the bearer token, applies the per-principal api
// bucket and stores the principal in the request context
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := h.requestMeta(r)

		p, err := h.server.Authenticate(r.Context(), extractBearerToken(r), meta)
		if err != nil {
			h.logger.Info("Authentication rejected",
				"kind", string(server.KindOf(err)),
				"request_id", meta.RequestID)
			h.WriteError(w, err)
			return
		}

		if err := h.server.CheckRateLimit(r.Context(), security.BucketAPI, principalKey(p), meta); err != nil {
			h.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
	})
}

// Authorize checks that the authenticated principal owns a resource of ownerID.
// Embedding applications call it from resource handlers behind RequireAuth.
func (h *Handler) Authorize(r *http.Request, ownerID int64) error {
	p, _ := PrincipalFromContext(r.Context())
	return h.server.CheckOwnership(r.Context(), p, ownerID, h.requestMeta(r))
}

// WriteError writes the uniform error body for err
func (h *Handler) WriteError(w http.ResponseWriter, err error) {
	h.writeError(w, err)
}

// ServeRegister creates a password principal and returns a session
func (h *Handler) ServeRegister(w http.ResponseWriter, r *http.Request) {
	meta := h.requestMeta(r)

	var in server.RegisterInput
	if err := h.decodeJSON(w, r, meta, &in); err != nil {
		h.WriteError(w, err)
		return
	}

	sess, err := h.server.Register(r.Context(), in, meta)
	if err != nil {
		h.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuthResponse(sess))
}

// ServeLogin verifies credentials and returns a session
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	meta := h.requestMeta(r)

	var in server.LoginInput
	if err := h.decodeJSON(w, r, meta, &in); err != nil {
		h.WriteError(w, err)
		return
	}

	sess, err := h.server.Login(r.Context(), in, meta)
	if err != nil {
		h.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuthResponse(sess))
}

// ServeMe returns the authenticated principal
func (h *Handler) ServeMe(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		h.WriteError(w, &server.Error{Kind: server.KindTokenInvalid, Message: "no principal in context"})
		return
	}
	writeJSON(w, http.StatusOK, newPrincipalResponse(p))
}

// ServeStatus reports that the bearer token is valid
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	resp := map[string]any{
		"authenticated": p != nil,
		"provider":      "local-jwt",
	}
	if p != nil {
		resp["principal_id"] = strconv.FormatInt(p.ID, 10)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServeLogout acknowledges a logout. Tokens are stateless; clients discard them.
func (h *Handler) ServeLogout(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// ServeSecurityReport returns the monitor's rolling-window report to the
// principals listed in ReportAdmins. Anyone else gets the not-found body.
func (h *Handler) ServeSecurityReport(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok || !h.isReportAdmin(p) {
		meta := h.requestMeta(r)
		details := map[string]any{"resource": "security_report"}
		if ok {
			details["principal_id"] = p.ID
		}
		h.server.RecordEvent(r.Context(), security.EventUnauthorizedAccess, meta, details)
		h.writeError(w, &server.Error{Kind: server.KindForbidden, Message: "security report is restricted"})
		return
	}
	writeJSON(w, http.StatusOK, h.server.Monitor().Report())
}

func (h *Handler) isReportAdmin(p *storage.Principal) bool {
	email := storage.NormalizeEmail(p.Email)
	for _, admin := range h.config.ReportAdmins {
		if email != "" && storage.NormalizeEmail(admin) == email {
			return true
		}
	}
	return false
}

// ServeHealth reports process health and the security health band
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	h.setSecurityHeaders(w)
	report := h.server.Monitor().Report()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"environment":     h.config.Environment,
		"version":         Version,
		"security_status": report.HealthStatus,
	})
}

// ServeReady reports whether the account store answers
func (h *Handler) ServeReady(w http.ResponseWriter, r *http.Request) {
	h.setSecurityHeaders(w)
	if counter, ok := h.server.Store().(storage.PrincipalCounter); ok {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		if _, err := counter.CountPrincipals(ctx); err != nil {
			h.logger.Warn("Readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ServeLive reports that the process is alive
func (h *Handler) ServeLive(w http.ResponseWriter, _ *http.Request) {
	h.setSecurityHeaders(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// recoverPanics converts a handler panic into an InternalFailure response
func (h *Handler) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.logger.Error("Panic in request handler",
				"panic", rec,
				"path", r.URL.Path,
				"request_id", security.GetRequestID(r.Context()),
				"stack", string(debug.Stack()))
			if sw, ok := w.(*statusWriter); ok && sw.wroteHeader {
				return
			}
			h.WriteError(w, &server.Error{
				Kind:    server.KindInternalFailure,
				Message: fmt.Sprintf("panic: %v", rec),
			})
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, meta server.RequestMeta, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.server.RecordEvent(r.Context(), security.EventInvalidRequest, meta, map[string]any{
			"reason": "invalid_json",
		})
		return &server.Error{Kind: server.KindMalformedRequest, Message: "invalid JSON body", Cause: err}
	}
	return nil
}

func (h *Handler) requestMeta(r *http.Request) server.RequestMeta {
	return server.RequestMeta{
		ClientIP:  security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount),
		RequestID: security.GetRequestID(r.Context()),
		UserAgent: util.SafeTruncate(r.UserAgent(), maxUserAgentLen),
	}
}

// loggableIP returns ip, or its classification when the instrumentation
// is configured not to record client IPs
func (h *Handler) loggableIP(ip string) string {
	if inst := h.server.Instrumentation(); inst != nil && !inst.ShouldLogClientIPs() {
		return util.ClassifyAddr(ip)
	}
	return ip
}

func (h *Handler) finishRequest(r *http.Request, sw *statusWriter, span trace.Span, start time.Time) {
	status := sw.Status()
	endpoint := r.Pattern
	if endpoint == "" {
		endpoint = "unmatched"
	}
	instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
	if status >= http.StatusInternalServerError {
		instrumentation.SetSpanError(span, http.StatusText(status))
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, endpoint, status, float64(time.Since(start).Microseconds())/1000)
}

// extractBearerToken returns the token of a "Bearer <token>" header, or ""
func extractBearerToken(r *http.Request) string {
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, tokenTypeBearer) {
		return ""
	}
	return strings.TrimSpace(tok)
}

func principalKey(p *storage.Principal) string {
	return "principal:" + strconv.FormatInt(p.ID, 10)
}

// statusWriter records the status code written by the wrapped handler
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Status returns the written status, 200 if nothing was written
func (w *statusWriter) Status() int {
	if !w.wroteHeader {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
