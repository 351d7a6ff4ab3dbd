package security

import (
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		opts     HeaderOptions
		wantHSTS bool
	}{
		{name: "https server", opts: HeaderOptions{ServerURL: "https://api.example.com"}, wantHSTS: true},
		{name: "http server", opts: HeaderOptions{ServerURL: "http://localhost:8080"}, wantHSTS: false},
		{name: "invalid URL", opts: HeaderOptions{ServerURL: "://invalid"}, wantHSTS: false},
		{name: "forced behind TLS proxy", opts: HeaderOptions{ServerURL: "http://internal", ForceHSTS: true}, wantHSTS: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SetSecurityHeadersWithOptions(w, tt.opts)

			want := map[string]string{
				"X-Frame-Options":         "DENY",
				"X-Content-Type-Options":  "nosniff",
				"X-XSS-Protection":        "1; mode=block",
				"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
				"Referrer-Policy":         "no-referrer",
				"Cache-Control":           "no-store, no-cache, must-revalidate, private",
				"Pragma":                  "no-cache",
			}
			for header, value := range want {
				if got := w.Header().Get(header); got != value {
					t.Errorf("%s = %q, want %q", header, got, value)
				}
			}

			hsts := w.Header().Get("Strict-Transport-Security")
			if (hsts != "") != tt.wantHSTS {
				t.Errorf("Strict-Transport-Security = %q, want present=%v", hsts, tt.wantHSTS)
			}
		})
	}
}

func TestSetSecurityHeaders_ServerURL(t *testing.T) {
	w := httptest.NewRecorder()
	SetSecurityHeaders(w, "https://api.example.com")

	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("Strict-Transport-Security = %q", got)
	}
}
