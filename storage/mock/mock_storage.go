// Package mock provides a mock implementation of storage.AccountStore for testing.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/api-guard/storage"
	"github.com/giantswarm/api-guard/storage/memory"
)

// AccountStore is a mock AccountStore.
// By default it behaves like an in-memory store; override FindFunc or
// CreateFunc to inject failures.
type AccountStore struct {
	FindFunc   func(ctx context.Context, identity storage.Identity) (*storage.Principal, error)
	CreateFunc func(ctx context.Context, p storage.NewPrincipal) (*storage.Principal, error)

	mu         sync.Mutex
	callCounts map[string]int
	backing    *memory.Store
}

var _ storage.AccountStore = (*AccountStore)(nil)

// NewAccountStore creates a mock store backed by a fresh memory store
func NewAccountStore() *AccountStore {
	m := &AccountStore{
		callCounts: make(map[string]int),
		backing:    memory.New(),
	}

	// Set default implementations
	m.FindFunc = m.backing.FindByIdentity
	m.CreateFunc = m.backing.Create

	return m
}

// FindByIdentity implements storage.AccountStore
func (m *AccountStore) FindByIdentity(ctx context.Context, identity storage.Identity) (*storage.Principal, error) {
	m.count("FindByIdentity")
	return m.FindFunc(ctx, identity)
}

// Create implements storage.AccountStore
func (m *AccountStore) Create(ctx context.Context, p storage.NewPrincipal) (*storage.Principal, error) {
	m.count("Create")
	return m.CreateFunc(ctx, p)
}

// Calls returns how many times method was called
func (m *AccountStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// ResetCallCounts resets all call counters
func (m *AccountStore) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = make(map[string]int)
}

// Seed stores a principal in the backing store, bypassing overrides
func (m *AccountStore) Seed(ctx context.Context, p storage.NewPrincipal) (*storage.Principal, error) {
	return m.backing.Create(ctx, p)
}

func (m *AccountStore) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}
