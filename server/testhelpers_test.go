package server

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/api-guard/internal/testutil"
	"github.com/giantswarm/api-guard/security"
	"github.com/giantswarm/api-guard/storage/mock"
	"github.com/giantswarm/api-guard/token"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testEnv struct {
	srv   *Server
	store *mock.AccountStore
	clock *testutil.MockTime
	logs  *bytes.Buffer
}

func newTestEnv(t *testing.T, config *Config) *testEnv {
	t.Helper()

	clock := testutil.NewMockTime(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	tokens, err := token.NewService(token.Config{Secret: testSecret, Clock: clock})
	if err != nil {
		t.Fatalf("token.NewService() error = %v", err)
	}

	logs := &bytes.Buffer{}
	store := mock.NewAccountStore()
	srv, err := New(config, Deps{
		Store:  store,
		Tokens: tokens,
		Hasher: security.NewPasswordHasher(bcrypt.MinCost, 4),
		Clock:  clock,
		Logger: slog.New(slog.NewTextHandler(logs, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store, clock: clock, logs: logs}
}

func testMeta() RequestMeta {
	return RequestMeta{ClientIP: "203.0.113.10", RequestID: "req-test", UserAgent: "go-test"}
}
