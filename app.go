package guard

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/api-guard/instrumentation"
	"github.com/giantswarm/api-guard/notify"
	notifyredis "github.com/giantswarm/api-guard/notify/redis"
	"github.com/giantswarm/api-guard/notify/webhook"
	"github.com/giantswarm/api-guard/security"
	"github.com/giantswarm/api-guard/server"
	"github.com/giantswarm/api-guard/storage"
	"github.com/giantswarm/api-guard/storage/memory"
	"github.com/giantswarm/api-guard/storage/postgres"
	"github.com/giantswarm/api-guard/token"
)

const redisPingTimeout = 3 * time.Second

// AppOptions injects collaborators that are normally built from Config
type AppOptions struct {
	// Instrumentation replaces the one built from TelemetryEnabled
	Instrumentation *instrumentation.Instrumentation

	// Store replaces the store selected by DatabaseURL
	Store storage.AccountStore

	// RedisClient replaces the client built from RedisAddr
	RedisClient goredis.UniversalClient

	// WebhookClient is the HTTP client of the alert webhook
	WebhookClient *http.Client

	Clock security.Clock
}

// App is a fully assembled guard. The process entry point owns it and
// must call Close on shutdown.
type App struct {
	Config          *Config
	Server          *server.Server
	Handler         *Handler
	Instrumentation *instrumentation.Instrumentation

	logger  *slog.Logger
	closers []func(context.Context) error
}

// NewApp builds the store, token service, server, notifiers and handler
// described by cfg
func NewApp(ctx context.Context, cfg *Config, logger *slog.Logger, opts AppOptions) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{Config: cfg, logger: logger}
	if err := app.build(ctx, opts); err != nil {
		_ = app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, opts AppOptions) error {
	cfg := a.Config

	inst := opts.Instrumentation
	if inst == nil {
		var err error
		inst, err = instrumentation.New(instrumentation.Config{
			Enabled:        cfg.TelemetryEnabled,
			ServiceVersion: Version,
		})
		if err != nil {
			return fmt.Errorf("create instrumentation: %w", err)
		}
		a.closers = append(a.closers, inst.Shutdown)
	}
	a.Instrumentation = inst

	store, err := a.openStore(ctx, opts)
	if err != nil {
		return err
	}

	tokenCfg := cfg.TokenConfig(opts.Clock)
	if len(tokenCfg.Secret) == 0 {
		tokenCfg.Secret = ephemeralSecret()
		a.logger.Warn("No GUARD_SECRET set, using an ephemeral signing key; tokens will not survive a restart")
	}
	tokens, err := token.NewService(tokenCfg)
	if err != nil {
		return fmt.Errorf("create token service: %w", err)
	}

	srvCfg, err := cfg.ServerConfig()
	if err != nil {
		return err
	}
	srv, err := server.New(srvCfg, server.Deps{
		Store:           store,
		Tokens:          tokens,
		Clock:           opts.Clock,
		Logger:          a.logger,
		Instrumentation: inst,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		srv.Close()
		return nil
	})
	a.Server = srv

	srv.Monitor().AddSink(security.NewAuditor(a.logger, cfg.AuditEnabled))
	if err := a.attachNotifiers(ctx, opts); err != nil {
		return err
	}

	a.Handler = NewHandler(srv, cfg, a.logger)
	return nil
}

func (a *App) openStore(ctx context.Context, opts AppOptions) (storage.AccountStore, error) {
	if opts.Store != nil {
		return opts.Store, nil
	}

	if a.Config.DatabaseURL == "" {
		store := memory.NewWithClock(opts.Clock)
		store.SetLogger(a.logger)
		store.SetInstrumentation(a.Instrumentation)
		a.logger.Info("Using in-memory account store")
		return store, nil
	}

	store, err := postgres.Open(ctx, a.Config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	store.SetLogger(a.logger)
	if opts.Clock != nil {
		store.SetClock(opts.Clock)
	}
	store.SetInstrumentation(a.Instrumentation)

	if a.Config.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres store: %w", err)
		}
	}
	return store, nil
}

// attachNotifiers wires the alert webhook and the event stream to the monitor
func (a *App) attachNotifiers(ctx context.Context, opts AppOptions) error {
	cfg := a.Config
	fan := notify.New(a.Instrumentation.Metrics(), a.logger)
	attached := false

	if cfg.AlertWebhookURL != "" {
		wh, err := webhook.New(webhook.Config{
			URL:     cfg.AlertWebhookURL,
			Channel: cfg.AlertChannel,
			Client:  opts.WebhookClient,
			Logger:  a.logger,
		})
		if err != nil {
			return fmt.Errorf("create alert webhook: %w", err)
		}
		fan.AddAlertCallback("webhook", wh.Notify)
		attached = true
	}

	client := opts.RedisClient
	if client == nil && cfg.RedisAddr != "" {
		rc := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		a.closers = append(a.closers, func(context.Context) error { return rc.Close() })

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := rc.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		client = rc
	}
	if client != nil {
		sink := notifyredis.NewSink(client, notifyredis.Config{Stream: cfg.RedisStream})
		fan.AddSink("redis", sink)
		attached = true
		a.logger.Info("Publishing security events", "stream", sink.Stream())
	}

	if attached {
		fan.Start(0, 0)
		a.closers = append(a.closers, fan.Close)
		fan.Attach(a.Server.Monitor())
	}
	return nil
}

// Close releases everything NewApp created, in reverse order
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func ephemeralSecret() []byte {
	b := make([]byte, token.MinSecretLength)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return []byte(hex.EncodeToString(b))
}
