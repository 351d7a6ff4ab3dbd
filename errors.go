package guard

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/giantswarm/api-guard/security"
	"github.com/giantswarm/api-guard/server"
)

// Client-facing error details. Every authentication failure uses
// DetailUnauthorized regardless of its internal kind.
const (
	DetailUnauthorized = "Could not validate credentials"
	DetailRateLimited  = "Rate limit exceeded. Please try again later."
	DetailInternal     = "Internal server error"
	DetailMalformed    = "Malformed request"
	DetailNotFound     = "Resource not found"
	DetailConflict     = "Email already registered"
)

const tokenTypeBearer = "Bearer"

// ErrorResponse is the uniform error body.
// ErrorType and Message are populated in dev mode only.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	Status    int    `json:"status"`
	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message,omitempty"`
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind server.Kind) int {
	switch {
	case kind.IsAuthFailure():
		return http.StatusUnauthorized
	case kind == server.KindMalformedRequest, kind == server.KindConflict:
		return http.StatusBadRequest
	case kind == server.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case kind == server.KindForbidden:
		// ownership failures are indistinguishable from missing resources
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// detailFor returns the client-facing detail for kind
func detailFor(kind server.Kind) string {
	switch {
	case kind.IsAuthFailure():
		return DetailUnauthorized
	case kind == server.KindMalformedRequest:
		return DetailMalformed
	case kind == server.KindConflict:
		return DetailConflict
	case kind == server.KindRateLimitExceeded:
		return DetailRateLimited
	case kind == server.KindForbidden:
		return DetailNotFound
	default:
		return DetailInternal
	}
}

// writeError writes the uniform error body for err
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := server.KindOf(err)
	status := StatusFor(kind)

	resp := ErrorResponse{
		Detail: detailFor(kind),
		Status: status,
	}
	if h.config.DevMode {
		resp.ErrorType = string(kind)
		resp.Message = err.Error()
	}

	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	case http.StatusTooManyRequests:
		var se *server.Error
		if errors.As(err, &se) && se.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(se.RetryAfter.Seconds()))))
		}
	}

	writeJSON(w, status, resp)
}

func (h *Handler) setSecurityHeaders(w http.ResponseWriter) {
	security.SetSecurityHeadersWithOptions(w, security.HeaderOptions{
		ServerURL: h.config.ServerURL,
		ForceHSTS: h.config.ForceHSTS,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
