package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/api-guard/storage"
)

func TestAccountStore_Defaults(t *testing.T) {
	m := NewAccountStore()
	ctx := context.Background()

	created, err := m.Create(ctx, storage.NewPrincipal{Email: "a@x.com"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, err := m.FindByIdentity(ctx, storage.EmailIdentity("a@x.com"))
	if err != nil {
		t.Fatalf("FindByIdentity() error = %v", err)
	}
	if got.ID != created.ID {
		t.Errorf("ID = %d, want %d", got.ID, created.ID)
	}
	if m.Calls("Create") != 1 || m.Calls("FindByIdentity") != 1 {
		t.Errorf("calls = create %d, find %d; want 1, 1", m.Calls("Create"), m.Calls("FindByIdentity"))
	}

	m.ResetCallCounts()
	if m.Calls("Create") != 0 {
		t.Error("ResetCallCounts() did not reset")
	}
}

func TestAccountStore_Override(t *testing.T) {
	m := NewAccountStore()
	ctx := context.Background()
	outage := errors.New("connection refused")

	if _, err := m.Seed(ctx, storage.NewPrincipal{Email: "a@x.com"}); err != nil {
		t.Fatal(err)
	}
	m.FindFunc = func(context.Context, storage.Identity) (*storage.Principal, error) {
		return nil, outage
	}

	if _, err := m.FindByIdentity(ctx, storage.EmailIdentity("a@x.com")); !errors.Is(err, outage) {
		t.Errorf("FindByIdentity() error = %v, want %v", err, outage)
	}
	if m.Calls("Create") != 0 {
		t.Error("Seed() should not count as a Create call")
	}
}
