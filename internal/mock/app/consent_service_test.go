package app

import (
	"context"
	"errors"
	"testing"
	"time"

	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
	"github.com/transfa/consent-flow/internal/mock/domain"
	"github.com/transfa/consent-flow/internal/mock/store"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from flowdomain.ConsentStatus
		to   flowdomain.ConsentStatus
		want bool
	}{
		{flowdomain.ConsentStatusReceived, flowdomain.ConsentStatusValid, true},
		{flowdomain.ConsentStatusReceived, flowdomain.ConsentStatusRejected, true},
		{flowdomain.ConsentStatusReceived, flowdomain.ConsentStatusRevokedByPSU, true},
		{flowdomain.ConsentStatusReceived, flowdomain.ConsentStatusExpired, false},
		{flowdomain.ConsentStatusValid, flowdomain.ConsentStatusRevokedByPSU, true},
		{flowdomain.ConsentStatusValid, flowdomain.ConsentStatusExpired, true},
		{flowdomain.ConsentStatusValid, flowdomain.ConsentStatusReceived, false},
		{flowdomain.ConsentStatusRevokedByPSU, flowdomain.ConsentStatusValid, false},
		{flowdomain.ConsentStatusExpired, flowdomain.ConsentStatusValid, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %t, want %t", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestGetConsent_ExpiresOnRead(t *testing.T) {
	repo := newBankRepoStub()
	repo.consents["c1"].ValidUntil = time.Now().Add(-time.Minute)
	publisher := &publisherStub{}
	service := NewConsentService(repo, publisher)

	consent, err := service.GetConsent(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if consent.Status != flowdomain.ConsentStatusExpired {
		t.Fatalf("expected EXPIRED, got %s", consent.Status)
	}
	if len(publisher.events) != 1 || publisher.events[0].routingKey != "consent.status.expired" {
		t.Fatalf("unexpected events: %+v", publisher.events)
	}
}

func TestGetConsent_BlankID(t *testing.T) {
	service := NewConsentService(newBankRepoStub(), nil)
	if _, err := service.GetConsent(context.Background(), "  "); !errors.Is(err, ErrConsentIDRequired) {
		t.Fatalf("expected ErrConsentIDRequired, got %v", err)
	}
}

func TestListConsentAccounts_OnlyOwnAccounts(t *testing.T) {
	service := NewConsentService(newBankRepoStub(), nil)

	accounts, err := service.ListConsentAccounts(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected the two accounts of PSU_001, got %+v", accounts)
	}
}

func TestListConsentAccounts_FrequencyPerDay(t *testing.T) {
	repo := newBankRepoStub()
	repo.consents["c1"].Status = flowdomain.ConsentStatusValid
	repo.consents["c1"].FrequencyPerDay = 2
	service := NewConsentService(repo, nil)
	day := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return day }
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if _, err := service.ListConsentAccounts(ctx, "c1"); err != nil {
			t.Fatalf("read %d: unexpected error: %v", i, err)
		}
	}
	if _, err := service.ListConsentAccounts(ctx, "c1"); !errors.Is(err, ErrConsentAccessExceeded) {
		t.Fatalf("expected ErrConsentAccessExceeded on the third read, got %v", err)
	}

	day = day.Add(2 * time.Hour)
	if _, err := service.ListConsentAccounts(ctx, "c1"); err != nil {
		t.Fatalf("a new day must reset the count, got %v", err)
	}
}

func TestListConsentAccounts_ReceivedConsentIsNotCounted(t *testing.T) {
	repo := newBankRepoStub()
	repo.consents["c1"].FrequencyPerDay = 1
	service := NewConsentService(repo, nil)

	for i := 1; i <= 3; i++ {
		if _, err := service.ListConsentAccounts(context.Background(), "c1"); err != nil {
			t.Fatalf("read %d: unexpected error: %v", i, err)
		}
	}
	if len(repo.usage) != 0 {
		t.Fatalf("reads during confirmation must not be counted, got %v", repo.usage)
	}
}

func TestUpdateAccess(t *testing.T) {
	t.Run("known accounts", func(t *testing.T) {
		repo := newBankRepoStub()
		service := NewConsentService(repo, nil)
		if err := service.UpdateAccess(context.Background(), "PSU_001", "c1", []string{"de1", "DE1"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		accounts := repo.consents["c1"].Accounts
		if len(accounts) != 1 || accounts[0].ID != "acc-001" {
			t.Fatalf("unexpected consent accounts: %+v", accounts)
		}
	})

	t.Run("foreign account", func(t *testing.T) {
		service := NewConsentService(newBankRepoStub(), nil)
		err := service.UpdateAccess(context.Background(), "PSU_001", "c1", []string{"DE9"})
		if !errors.Is(err, ErrUnknownAccount) {
			t.Fatalf("expected ErrUnknownAccount, got %v", err)
		}
	})

	t.Run("consent of another psu", func(t *testing.T) {
		repo := newBankRepoStub()
		service := NewConsentService(repo, nil)
		if err := service.UpdateAccess(context.Background(), "PSU_002", "c1", []string{"DE9"}); !errors.Is(err, store.ErrConsentNotFound) {
			t.Fatalf("expected ErrConsentNotFound, got %v", err)
		}
		if len(repo.consents["c1"].Accounts) != 0 {
			t.Fatalf("foreign psu must not change the access")
		}
	})

	t.Run("payment consent", func(t *testing.T) {
		repo := newBankRepoStub()
		repo.consents["c2"] = &domain.Consent{ID: "c2", PsuID: "PSU_001", Flow: flowdomain.FlowPIS, Status: flowdomain.ConsentStatusReceived, ValidUntil: time.Now().Add(time.Hour)}
		service := NewConsentService(repo, nil)
		if err := service.UpdateAccess(context.Background(), "PSU_001", "c2", []string{"DE1"}); !errors.Is(err, store.ErrConsentNotFound) {
			t.Fatalf("expected ErrConsentNotFound, got %v", err)
		}
	})

	t.Run("missing psu", func(t *testing.T) {
		service := NewConsentService(newBankRepoStub(), nil)
		if err := service.UpdateAccess(context.Background(), " ", "c1", []string{"DE1"}); !errors.Is(err, ErrPsuIDRequired) {
			t.Fatalf("expected ErrPsuIDRequired, got %v", err)
		}
	})

	t.Run("consent already valid", func(t *testing.T) {
		repo := newBankRepoStub()
		repo.consents["c1"].Status = flowdomain.ConsentStatusValid
		service := NewConsentService(repo, nil)
		if err := service.UpdateAccess(context.Background(), "PSU_001", "c1", []string{"DE1"}); !errors.Is(err, ErrConsentNotModifiable) {
			t.Fatalf("expected ErrConsentNotModifiable, got %v", err)
		}
	})
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("received to valid publishes event", func(t *testing.T) {
		publisher := &publisherStub{}
		service := NewConsentService(newBankRepoStub(), publisher)
		consent, err := service.UpdateStatus(ctx, flowdomain.FlowAIS, "PSU_001", "c1", "valid")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if consent.Status != flowdomain.ConsentStatusValid {
			t.Fatalf("expected VALID, got %s", consent.Status)
		}
		if len(publisher.events) != 1 || publisher.events[0].routingKey != "consent.status.valid" {
			t.Fatalf("unexpected events: %+v", publisher.events)
		}
	})

	t.Run("final status is final", func(t *testing.T) {
		repo := newBankRepoStub()
		repo.consents["c1"].Status = flowdomain.ConsentStatusRevokedByPSU
		service := NewConsentService(repo, nil)
		if _, err := service.UpdateStatus(ctx, flowdomain.FlowAIS, "PSU_001", "c1", "VALID"); !errors.Is(err, ErrStatusTransitionNotAllowed) {
			t.Fatalf("expected ErrStatusTransitionNotAllowed, got %v", err)
		}
	})

	t.Run("unknown status", func(t *testing.T) {
		service := NewConsentService(newBankRepoStub(), nil)
		if _, err := service.UpdateStatus(ctx, flowdomain.FlowAIS, "PSU_001", "c1", "DONE"); !errors.Is(err, ErrInvalidConsentStatus) {
			t.Fatalf("expected ErrInvalidConsentStatus, got %v", err)
		}
	})

	t.Run("wrong flow", func(t *testing.T) {
		service := NewConsentService(newBankRepoStub(), nil)
		if _, err := service.UpdateStatus(ctx, flowdomain.FlowPIS, "PSU_001", "c1", "VALID"); !errors.Is(err, store.ErrConsentNotFound) {
			t.Fatalf("expected ErrConsentNotFound, got %v", err)
		}
	})

	t.Run("consent of another psu", func(t *testing.T) {
		repo := newBankRepoStub()
		publisher := &publisherStub{}
		service := NewConsentService(repo, publisher)
		if _, err := service.UpdateStatus(ctx, flowdomain.FlowAIS, "PSU_002", "c1", "REVOKED_BY_PSU"); !errors.Is(err, store.ErrConsentNotFound) {
			t.Fatalf("expected ErrConsentNotFound, got %v", err)
		}
		if repo.consents["c1"].Status != flowdomain.ConsentStatusReceived || len(publisher.events) != 0 {
			t.Fatalf("foreign psu must not change the consent: status=%s events=%d", repo.consents["c1"].Status, len(publisher.events))
		}
	})

	t.Run("missing psu", func(t *testing.T) {
		service := NewConsentService(newBankRepoStub(), nil)
		if _, err := service.UpdateStatus(ctx, flowdomain.FlowAIS, "", "c1", "VALID"); !errors.Is(err, ErrPsuIDRequired) {
			t.Fatalf("expected ErrPsuIDRequired, got %v", err)
		}
	})

	t.Run("publish failure does not fail the update", func(t *testing.T) {
		publisher := &publisherStub{err: errStub}
		service := NewConsentService(newBankRepoStub(), publisher)
		if _, err := service.UpdateStatus(ctx, flowdomain.FlowAIS, "PSU_001", "c1", "REJECTED"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
