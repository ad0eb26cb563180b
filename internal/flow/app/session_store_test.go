package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/consent-flow/internal/flow/domain"
)

func TestMemorySessionStoreExpiry(t *testing.T) {
	store := NewMemorySessionStore(time.Minute)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Save(ctx, &domain.Session{ID: "s1", State: domain.StateStart}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Get(ctx, "s1"); err != nil {
		t.Fatalf("get: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after expiry, got %v", err)
	}
}

func TestMemorySessionStoreReturnsCopies(t *testing.T) {
	store := NewMemorySessionStore(0)
	ctx := context.Background()

	session := &domain.Session{ID: "s1", SelectedAccounts: []domain.AccountReference{{IBAN: "DE1"}}}
	if err := store.Save(ctx, session); err != nil {
		t.Fatalf("save: %v", err)
	}
	session.SelectedAccounts[0].IBAN = "changed"
	session.State = domain.StateTanError

	loaded, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.SelectedAccounts[0].IBAN != "DE1" || loaded.State != "" {
		t.Fatalf("stored session was mutated through the caller's pointer: %+v", loaded)
	}
}

func TestMemorySessionStoreSweep(t *testing.T) {
	store := NewMemorySessionStore(time.Minute)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Save(ctx, &domain.Session{ID: "old"})
	now = now.Add(90 * time.Second)
	_ = store.Save(ctx, &domain.Session{ID: "fresh"})

	if removed := store.Sweep(); removed != 1 {
		t.Fatalf("expected 1 removed session, got %d", removed)
	}
	if _, err := store.Get(ctx, "fresh"); err != nil {
		t.Fatalf("fresh session should survive: %v", err)
	}
}

func TestMemorySessionStoreRejectsBlankID(t *testing.T) {
	store := NewMemorySessionStore(0)
	if err := store.Save(context.Background(), &domain.Session{}); err == nil {
		t.Fatalf("expected error for blank id")
	}
}
