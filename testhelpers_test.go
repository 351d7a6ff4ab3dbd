package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/api-guard/internal/testutil"
	"github.com/giantswarm/api-guard/security"
	"github.com/giantswarm/api-guard/server"
	"github.com/giantswarm/api-guard/storage/mock"
	"github.com/giantswarm/api-guard/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	h      *Handler
	srv    *server.Server
	store  *mock.AccountStore
	clock  *testutil.MockTime
	logs   *bytes.Buffer
	alerts []security.Alert
}

func testConfig() *Config {
	return &Config{
		Secret:            testSecret,
		TokenAlgorithm:    "HS256",
		TokenTTLMinutes:   30,
		Environment:       "test",
		TrustedProxyCount: 1,
		MaxForwardedHops:  3,
		MatchClaim:        "email",
		BcryptCost:        bcrypt.MinCost,
		MinPasswordLength: 8,
		LogLevel:          "info",
	}
}

// newTestEnv builds a handler over a mock store with a controllable clock.
// A nil cfg uses testConfig(); a nil srvCfg is derived from cfg.
func newTestEnv(t *testing.T, cfg *Config, srvCfg *server.Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	if srvCfg == nil {
		var err error
		srvCfg, err = cfg.ServerConfig()
		if err != nil {
			t.Fatalf("ServerConfig() error = %v", err)
		}
	}

	clock := testutil.NewMockTime(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	tokens, err := token.NewService(cfg.TokenConfig(clock))
	if err != nil {
		t.Fatalf("token.NewService() error = %v", err)
	}

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	store := mock.NewAccountStore()

	srv, err := server.New(srvCfg, server.Deps{
		Store:  store,
		Tokens: tokens,
		Hasher: security.NewPasswordHasher(bcrypt.MinCost, 4),
		Clock:  clock,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	t.Cleanup(srv.Close)

	env := &testEnv{
		srv:   srv,
		store: store,
		clock: clock,
		logs:  logs,
	}
	srv.Monitor().AddAlertCallback(func(_ context.Context, a security.Alert) error {
		env.alerts = append(env.alerts, a)
		return nil
	})
	env.h = NewHandler(srv, cfg, logger)
	return env
}

func (e *testEnv) alertsOf(t security.EventType) int {
	n := 0
	for _, a := range e.alerts {
		if a.Type == t {
			n++
		}
	}
	return n
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v (body %q)", err, rr.Body.String())
	}
	return resp
}

func decodeAuth(t *testing.T, rr *httptest.ResponseRecorder) AuthResponse {
	t.Helper()
	var resp AuthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode auth body: %v (body %q)", err, rr.Body.String())
	}
	return resp
}

func decodeAuthUser(t *testing.T, rr *httptest.ResponseRecorder) PrincipalResponse {
	t.Helper()
	var resp PrincipalResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode principal body: %v (body %q)", err, rr.Body.String())
	}
	return resp
}
