package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/api-guard/instrumentation"
	"github.com/giantswarm/api-guard/security"
	"github.com/giantswarm/api-guard/storage"
	"github.com/giantswarm/api-guard/token"
)

// Deps are the collaborators of a Server. Store and Tokens are required.
// A nil Limiter or Monitor is created by New and stopped by Close; injected
// ones belong to the caller.
type Deps struct {
	Store  storage.AccountStore
	Tokens *token.Service

	Hasher  *security.PasswordHasher
	Limiter *security.SlidingWindowLimiter
	Monitor *security.Monitor

	Clock           security.Clock
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Server implements registration, login, bearer authentication and
// ownership checks. It has no HTTP surface of its own.
type Server struct {
	store    storage.AccountStore
	tokens   *token.Service
	hasher   *security.PasswordHasher
	resolver *Resolver
	limiter  *security.SlidingWindowLimiter
	monitor  *security.Monitor
	clock    security.Clock

	Logger *slog.Logger
	Config *Config

	instrumentation *instrumentation.Instrumentation
	metrics         *instrumentation.Metrics
	tracer          trace.Tracer

	dummyHashOnce sync.Once
	dummyHash     string

	ownsLimiter bool
	ownsMonitor bool
	closeOnce   sync.Once
}

// New creates a server
func New(config *Config, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("account store is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token service is required")
	}
	if config == nil {
		config = &Config{}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = security.SystemClock{}
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	srv := &Server{
		store:           deps.Store,
		tokens:          deps.Tokens,
		hasher:          deps.Hasher,
		limiter:         deps.Limiter,
		monitor:         deps.Monitor,
		clock:           clock,
		Logger:          logger,
		Config:          config,
		instrumentation: deps.Instrumentation,
		tracer:          noop.NewTracerProvider().Tracer(""),
	}

	if srv.hasher == nil {
		srv.hasher = security.NewPasswordHasher(config.BcryptCost, config.MaxConcurrentHashes)
	}
	if srv.limiter == nil {
		srv.limiter = security.NewSlidingWindowLimiter(clock, logger)
		srv.ownsLimiter = true
	}
	if srv.monitor == nil {
		srv.monitor = security.NewMonitor(security.MonitorConfig{
			Thresholds: config.Thresholds,
			Clock:      clock,
			Logger:     logger,
		})
		srv.ownsMonitor = true
	}

	srv.resolver = NewResolver(deps.Store, config.Resolver, logger)

	if inst := deps.Instrumentation; inst != nil {
		srv.metrics = inst.Metrics()
		srv.tracer = inst.Tracer("server")
		srv.resolver.metrics = srv.metrics

		srv.monitor.AddSink(newMetricsSink(srv.metrics))
		srv.monitor.AddAlertCallback(func(ctx context.Context, a security.Alert) error {
			srv.metrics.RecordAlertFired(ctx, string(a.Type))
			return nil
		})
		if err := inst.RegisterLimiterGauge(func() int64 {
			return int64(srv.limiter.GetStats().TrackedKeys)
		}); err != nil {
			logger.Warn("Failed to register rate limiter gauge", "error", err)
		}
	}

	return srv, nil
}

// Close stops the background loops of the limiter and monitor created by New
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.ownsLimiter {
			s.limiter.Stop()
		}
		if s.ownsMonitor {
			s.monitor.Stop()
		}
	})
}

// Store returns the account store
func (s *Server) Store() storage.AccountStore {
	return s.store
}

// Monitor returns the security monitor
func (s *Server) Monitor() *security.Monitor {
	return s.monitor
}

// Limiter returns the rate limiter
func (s *Server) Limiter() *security.SlidingWindowLimiter {
	return s.limiter
}

// Resolver returns the principal resolver
func (s *Server) Resolver() *Resolver {
	return s.resolver
}

// Tokens returns the token service
func (s *Server) Tokens() *token.Service {
	return s.tokens
}

// Instrumentation returns the configured instrumentation, or nil
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// RecordEvent records a security event keyed by the caller's client IP
func (s *Server) RecordEvent(ctx context.Context, t security.EventType, meta RequestMeta, details map[string]any) {
	if details == nil {
		details = make(map[string]any, 2)
	}
	if meta.RequestID != "" {
		details["request_id"] = meta.RequestID
	}
	if meta.UserAgent != "" {
		details["user_agent"] = meta.UserAgent
	}
	s.monitor.Record(ctx, t, meta.ClientIP, details)
}

// metricsSink counts every recorded security event
type metricsSink struct {
	metrics *instrumentation.Metrics
}

func newMetricsSink(m *instrumentation.Metrics) *metricsSink {
	return &metricsSink{metrics: m}
}

func (m *metricsSink) HandleEvent(ctx context.Context, event security.Event) error {
	m.metrics.RecordSecurityEvent(ctx, string(event.Type))
	return nil
}
