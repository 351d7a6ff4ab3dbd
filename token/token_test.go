package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/api-guard/internal/testutil"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T, clock *testutil.MockTime, alg string) *Service {
	t.Helper()
	svc, err := NewService(Config{Secret: testSecret, Algorithm: alg, Clock: clock})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func testClock() *testutil.MockTime {
	return testutil.NewMockTime(time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC))
}

func subject(sub string) Claims {
	return Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: sub}}
}

func TestService_IssueAndVerify(t *testing.T) {
	t.Parallel()

	clock := testClock()
	svc := newTestService(t, clock, "")

	claims := subject("42")
	claims.Email = "a@x.com"
	claims.Name = "Alice"

	tok, exp, err := svc.Issue(claims, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !exp.Equal(clock.Now().Add(time.Hour)) {
		t.Errorf("expiry = %v, want %v", exp, clock.Now().Add(time.Hour))
	}

	got, err := svc.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.Subject != "42" || got.Email != "a@x.com" || got.Name != "Alice" {
		t.Errorf("claims = %+v", got)
	}
	if !got.IssuedAt.Time.Equal(clock.Now()) {
		t.Errorf("iat = %v, want %v", got.IssuedAt.Time, clock.Now())
	}
	if !got.ExpiresAt.Time.After(got.IssuedAt.Time) {
		t.Error("exp must be after iat")
	}
}

func TestService_DefaultTTL(t *testing.T) {
	t.Parallel()

	clock := testClock()
	svc := newTestService(t, clock, "")

	_, exp, err := svc.Issue(subject("1"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := exp.Sub(clock.Now()); got != 30*time.Minute {
		t.Errorf("default lifetime = %v, want 30m", got)
	}
}

func TestService_ExpiryBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		advance time.Duration
		wantErr error
	}{
		{name: "one second before exp", advance: 10*time.Minute - time.Second},
		{name: "exactly at exp", advance: 10 * time.Minute, wantErr: ErrTokenExpired},
		{name: "after exp", advance: 11 * time.Minute, wantErr: ErrTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := testClock()
			svc := newTestService(t, clock, "")
			tok, _, err := svc.Issue(subject("7"), 10*time.Minute)
			if err != nil {
				t.Fatal(err)
			}

			clock.Advance(tt.advance)
			_, err = svc.Verify(tok)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Verify() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestService_SubSecondIssueTime(t *testing.T) {
	t.Parallel()

	clock := testutil.NewMockTime(time.Date(2025, 5, 1, 10, 0, 0, 700_000_000, time.UTC))
	svc := newTestService(t, clock, "")
	issuedAt := clock.Now()

	tok, exp, err := svc.Issue(subject("7"), time.Second)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if exp.Before(issuedAt.Add(time.Second)) {
		t.Errorf("expiry = %v, want no earlier than %v", exp, issuedAt.Add(time.Second))
	}

	// Strictly before iat+ttl the token is still valid
	clock.Set(issuedAt.Add(500 * time.Millisecond))
	if _, err := svc.Verify(tok); err != nil {
		t.Errorf("Verify() before iat+ttl error = %v", err)
	}

	clock.Set(exp)
	if _, err := svc.Verify(tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Verify() at exp error = %v, want ErrTokenExpired", err)
	}
}

func TestService_NegativeTTL(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, testClock(), "")
	tok, _, err := svc.Issue(subject("1"), -time.Minute)
	if err != nil {
		t.Fatalf("Issue() with negative ttl error = %v", err)
	}
	if _, err := svc.Verify(tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Verify() error = %v, want ErrTokenExpired", err)
	}
}

func TestService_Malformed(t *testing.T) {
	t.Parallel()

	clock := testClock()
	svc := newTestService(t, clock, "HS256")

	other, err := NewService(Config{Secret: []byte("another-secret-another-secret-xx"), Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	wrongSecret, _, _ := other.Issue(subject("1"), time.Hour)
	expiredWrongSecret, _, _ := other.Issue(subject("1"), -time.Hour)

	hs512, err := NewService(Config{Secret: testSecret, Algorithm: "HS512", Clock: clock})
	if err != nil {
		t.Fatal(err)
	}
	wrongAlg, _, _ := hs512.Issue(subject("1"), time.Hour)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, subject("1")).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour))},
	}).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, subject("1")).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	valid, _, _ := svc.Issue(subject("1"), time.Hour)
	tampered := valid[:len(valid)-4] + strings.Repeat("A", 4)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"wrong secret", wrongSecret},
		{"expired with wrong secret", expiredWrongSecret},
		{"algorithm mismatch", wrongAlg},
		{"none algorithm", noneAlg},
		{"missing subject", noSubject},
		{"missing expiry", noExpiry},
		{"tampered signature", tampered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(tt.token)
			if !errors.Is(err, ErrTokenMalformed) {
				t.Errorf("Verify() error = %v, want ErrTokenMalformed", err)
			}
		})
	}
}

func TestService_IssueRequiresSubject(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, testClock(), "")
	if _, _, err := svc.Issue(Claims{}, time.Hour); !errors.Is(err, ErrMissingSubject) {
		t.Errorf("Issue() error = %v, want ErrMissingSubject", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: Config{Secret: testSecret}},
		{name: "missing secret", cfg: Config{}, wantErr: true},
		{name: "short secret", cfg: Config{Secret: []byte("short")}, wantErr: true},
		{name: "short secret allowed", cfg: Config{Secret: []byte("short"), AllowShortSecret: true}},
		{name: "unsupported algorithm", cfg: Config{Secret: testSecret, Algorithm: "RS256"}, wantErr: true},
		{name: "HS384", cfg: Config{Secret: testSecret, Algorithm: "HS384"}},
		{name: "negative ttl", cfg: Config{Secret: testSecret, DefaultTTL: -time.Minute}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewService_Defaults(t *testing.T) {
	t.Parallel()

	svc, err := NewService(Config{Secret: testSecret})
	if err != nil {
		t.Fatal(err)
	}
	if svc.Algorithm() != "HS256" {
		t.Errorf("Algorithm() = %q, want HS256", svc.Algorithm())
	}
	if svc.DefaultTTL() != DefaultTTL {
		t.Errorf("DefaultTTL() = %v, want %v", svc.DefaultTTL(), DefaultTTL)
	}
}
