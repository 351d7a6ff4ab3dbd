package guard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/api-guard/internal/testutil"
	notifyredis "github.com/giantswarm/api-guard/notify/redis"
	"github.com/giantswarm/api-guard/security"
	"github.com/giantswarm/api-guard/storage/mock"
)

func TestNewApp_InvalidConfig(t *testing.T) {
	if _, err := NewApp(context.Background(), nil, nil, AppOptions{}); err == nil {
		t.Error("NewApp(nil) should fail")
	}

	cfg := testConfig()
	cfg.Secret = ""
	if _, err := NewApp(context.Background(), cfg, nil, AppOptions{}); err == nil {
		t.Error("NewApp() without a secret outside dev mode should fail")
	}
}

func TestNewApp_DevModeWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Secret = ""
	cfg.DevMode = true

	app, err := NewApp(context.Background(), cfg, nil, AppOptions{})
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close(context.Background())

	rr := testutil.NewHTTPRequest(http.MethodGet, "/health").Do(app.Handler.Routes())
	if rr.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", rr.Code, http.StatusOK)
	}

	// The ephemeral key still issues usable tokens
	rr = testutil.NewHTTPRequest(http.MethodPost, "/api/auth/register").
		WithBody(`{"email":"dev@example.com","password":"Passw0rd!"}`).
		Do(app.Handler.Routes())
	if rr.Code != http.StatusOK {
		t.Fatalf("register status = %d, want %d (body %s)", rr.Code, http.StatusOK, rr.Body)
	}
	session := decodeAuth(t, rr)

	rr = testutil.NewHTTPRequest(http.MethodGet, "/api/auth/me").
		WithBearer(session.Token).
		Do(app.Handler.Routes())
	if rr.Code != http.StatusOK {
		t.Errorf("/me status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestNewApp_InjectedStore(t *testing.T) {
	store := mock.NewAccountStore()
	app, err := NewApp(context.Background(), testConfig(), nil, AppOptions{Store: store})
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close(context.Background())

	if app.Server.Store() != store {
		t.Error("NewApp() did not use the injected store")
	}
}

func TestNewApp_WebhookReceivesAlert(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	cfg := testConfig()
	cfg.AlertWebhookURL = hook.URL
	cfg.AlertChannel = "#security"

	app, err := NewApp(context.Background(), cfg, nil, AppOptions{
		Clock:         testutil.NewMockTime(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)),
		WebhookClient: hook.Client(),
	})
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close(context.Background())

	mux := app.Handler.Routes()
	for range 5 {
		rr := testutil.NewHTTPRequest(http.MethodPost, "/api/auth/login").
			WithBody(`{"email":"nobody@example.com","password":"guess-123"}`).
			FromAddr("203.0.113.7:5000").
			Do(mux)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("login status = %d, want %d", rr.Code, http.StatusUnauthorized)
		}
	}

	// Deliveries are asynchronous; Close drains them
	if err := app.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("webhook calls = %d, want 1", len(bodies))
	}

	var msg struct {
		Text    string `json:"text"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal([]byte(bodies[0]), &msg); err != nil {
		t.Fatalf("decode webhook body: %v", err)
	}
	if !strings.Contains(msg.Text, string(security.EventFailedAuthentication)) {
		t.Errorf("webhook text = %q, want it to name the alert type", msg.Text)
	}
	if strings.Contains(msg.Text, "guess-123") || strings.Contains(msg.Text, "nobody@example.com") {
		t.Errorf("webhook text leaks credentials: %q", msg.Text)
	}
	if msg.Channel != "#security" {
		t.Errorf("channel = %q, want #security", msg.Channel)
	}
}

func TestNewApp_SlowWebhookDoesNotDelayRequests(t *testing.T) {
	release := make(chan struct{})
	received := make(chan struct{}, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	cfg := testConfig()
	cfg.AlertWebhookURL = hook.URL

	app, err := NewApp(context.Background(), cfg, nil, AppOptions{WebhookClient: hook.Client()})
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}

	mux := app.Handler.Routes()
	for i := range 5 {
		start := time.Now()
		rr := testutil.NewHTTPRequest(http.MethodPost, "/api/auth/login").
			WithBody(`{"email":"nobody@example.com","password":"guess-123"}`).
			FromAddr("203.0.113.8:5000").
			Do(mux)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("login %d status = %d, want %d", i+1, rr.Code, http.StatusUnauthorized)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("login %d took %v while the webhook was stalled", i+1, elapsed)
		}
	}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never received the alert")
	}
	close(release)
	if err := app.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNewApp_RedisStream(t *testing.T) {
	client := testutil.SetupTestRedis(t)

	cfg := testConfig()
	cfg.RedisStream = "api-guard:test-events"

	app, err := NewApp(context.Background(), cfg, nil, AppOptions{RedisClient: client})
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	defer app.Close(context.Background())

	rr := testutil.NewHTTPRequest(http.MethodGet, "/api/auth/me").Do(app.Handler.Routes())
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("/me status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	if err := app.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ctx := context.Background()
	entries, err := client.XRange(ctx, cfg.RedisStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange() error = %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no events published to the stream")
	}
	if got := entries[len(entries)-1].Values["event_type"]; got != string(security.EventFailedAuthentication) {
		t.Errorf("event_type = %v, want %s", got, security.EventFailedAuthentication)
	}
	if notifyredis.DefaultStream == cfg.RedisStream {
		t.Error("configured stream should override the default")
	}
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	app, err := NewApp(context.Background(), testConfig(), nil, AppOptions{})
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	if err := app.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := app.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
