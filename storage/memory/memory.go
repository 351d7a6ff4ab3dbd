// Package memory provides an in-memory implementation of storage.AccountStore.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/giantswarm/api-guard/instrumentation"
	"github.com/giantswarm/api-guard/security"
	"github.com/giantswarm/api-guard/storage"
)

// Store is an in-memory AccountStore.
// Principals are indexed by ID, normalized email and external ID.
type Store struct {
	mu sync.RWMutex

	principals map[int64]*storage.Principal
	byEmail    map[string]int64
	byExternal map[string]int64
	nextID     int64

	clock  security.Clock
	logger *slog.Logger

	// Instrumentation
	telemetry *storage.Telemetry

	// lock-free access during metric collection
	countAtomic atomic.Int64
}

// Compile-time interface checks
var (
	_ storage.AccountStore     = (*Store)(nil)
	_ storage.PrincipalCounter = (*Store)(nil)
)

// New creates an empty in-memory store
func New() *Store {
	return NewWithClock(security.SystemClock{})
}

// NewWithClock creates an empty store that stamps CreatedAt from clock
func NewWithClock(clock security.Clock) *Store {
	if clock == nil {
		clock = security.SystemClock{}
	}
	return &Store{
		principals: make(map[int64]*storage.Principal),
		byEmail:    make(map[string]int64),
		byExternal: make(map[string]int64),
		clock:      clock,
		logger:     slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.telemetry = storage.NewTelemetry(inst, "memory")
	s.countAtomic.Store(int64(len(s.principals)))
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterStorageGauge(s.countAtomic.Load); err != nil {
			s.logger.Warn("Failed to register storage gauge", "error", err)
		}
	}
}

// FindByIdentity returns the principal matching identity
func (s *Store) FindByIdentity(ctx context.Context, identity storage.Identity) (*storage.Principal, error) {
	_, finish := s.startOperation(ctx, "find")
	p, err := s.find(identity)
	finish(err)
	return p, err
}

func (s *Store) find(identity storage.Identity) (*storage.Principal, error) {
	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrPrincipalNotFound, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		id int64
		ok bool
	)
	switch identity.Kind {
	case storage.IdentityEmail:
		id, ok = s.byEmail[storage.NormalizeEmail(identity.Value)]
	case storage.IdentityExternal:
		id, ok = s.byExternal[identity.Value]
	}
	if !ok {
		return nil, storage.ErrPrincipalNotFound
	}

	// Return a copy so callers cannot mutate stored state
	p := *s.principals[id]
	return &p, nil
}

// Create stores a new principal with the next sequential ID
func (s *Store) Create(ctx context.Context, np storage.NewPrincipal) (*storage.Principal, error) {
	_, finish := s.startOperation(ctx, "create")
	p, err := s.create(np)
	finish(err)
	return p, err
}

func (s *Store) create(np storage.NewPrincipal) (*storage.Principal, error) {
	if err := np.Validate(); err != nil {
		return nil, err
	}

	email := storage.NormalizeEmail(np.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[email]; exists {
		return nil, storage.ErrEmailTaken
	}
	if np.ExternalID != "" {
		if _, exists := s.byExternal[np.ExternalID]; exists {
			return nil, storage.ErrEmailTaken
		}
	}

	s.nextID++
	p := &storage.Principal{
		ID:           s.nextID,
		ExternalID:   np.ExternalID,
		Email:        email,
		Name:         np.Name,
		PasswordHash: np.PasswordHash,
		CreatedAt:    s.clock.Now(),
	}

	s.principals[p.ID] = p
	s.byEmail[email] = p.ID
	if p.ExternalID != "" {
		s.byExternal[p.ExternalID] = p.ID
	}
	s.countAtomic.Store(int64(len(s.principals)))

	s.logger.Debug("Created principal", "principal_id", p.ID)

	out := *p
	return &out, nil
}

// CountPrincipals returns the number of stored principals
func (s *Store) CountPrincipals(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.principals)), nil
}

func (s *Store) startOperation(ctx context.Context, operation string) (context.Context, func(error)) {
	s.mu.RLock()
	t := s.telemetry
	s.mu.RUnlock()
	return t.Start(ctx, operation)
}
