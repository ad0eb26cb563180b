package app

import (
	"context"
	"errors"
	"sync"
	"time"

	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
	"github.com/transfa/consent-flow/internal/mock/domain"
	"github.com/transfa/consent-flow/internal/mock/store"
)

// bankRepoStub keeps the mock bank in maps.
type bankRepoStub struct {
	store.Repository

	mu       sync.Mutex
	consents map[string]*domain.Consent
	accounts []domain.Account
	payments map[string]*domain.Payment
	tans     []*domain.TAN
	usage    map[string]int
	actions  []domain.ConsentAction

	actionErr error
}

func newBankRepoStub() *bankRepoStub {
	return &bankRepoStub{
		consents: map[string]*domain.Consent{
			"c1": {ID: "c1", PsuID: "PSU_001", Flow: flowdomain.FlowAIS, Status: flowdomain.ConsentStatusReceived, ValidUntil: time.Now().Add(24 * time.Hour)},
		},
		accounts: []domain.Account{
			{ID: "acc-001", PsuID: "PSU_001", IBAN: "DE1", Currency: "EUR"},
			{ID: "acc-002", PsuID: "PSU_001", IBAN: "DE2", Currency: "EUR"},
			{ID: "acc-900", PsuID: "PSU_002", IBAN: "DE9", Currency: "EUR"},
		},
		payments: map[string]*domain.Payment{},
	}
}

func (s *bankRepoStub) GetConsent(ctx context.Context, consentID string) (*domain.Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	consent, ok := s.consents[consentID]
	if !ok {
		return nil, store.ErrConsentNotFound
	}
	copied := *consent
	return &copied, nil
}

func (s *bankRepoStub) UpdateConsentStatus(ctx context.Context, consentID string, from, to flowdomain.ConsentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	consent, ok := s.consents[consentID]
	if !ok || consent.Status != from {
		return store.ErrConsentStatusChanged
	}
	consent.Status = to
	return nil
}

func (s *bankRepoStub) ReplaceConsentAccounts(ctx context.Context, consentID string, accountIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	consent := s.consents[consentID]
	consent.Accounts = nil
	for _, id := range accountIDs {
		for _, account := range s.accounts {
			if account.ID == id {
				consent.Accounts = append(consent.Accounts, account)
			}
		}
	}
	return nil
}

func (s *bankRepoStub) ExpireConsents(ctx context.Context, now time.Time) ([]domain.Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []domain.Consent
	for _, consent := range s.consents {
		if !consent.Status.IsFinal() && consent.ValidUntil.Before(now) {
			expired = append(expired, *consent)
			consent.Status = flowdomain.ConsentStatusExpired
		}
	}
	return expired, nil
}

func (s *bankRepoStub) IncrementConsentUsage(ctx context.Context, consentID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage == nil {
		s.usage = make(map[string]int)
	}
	key := consentID + "/" + at.UTC().Format("2006-01-02")
	s.usage[key]++
	return s.usage[key], nil
}

func (s *bankRepoStub) ListAccountsByPsu(ctx context.Context, psuID string) ([]domain.Account, error) {
	var accounts []domain.Account
	for _, account := range s.accounts {
		if account.PsuID == psuID {
			accounts = append(accounts, account)
		}
	}
	return accounts, nil
}

func (s *bankRepoStub) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *bankRepoStub) CreateTAN(ctx context.Context, tan *domain.TAN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tans {
		if existing.PsuID == tan.PsuID && existing.Flow == tan.Flow && existing.Status == domain.TANStatusActive {
			existing.Status = domain.TANStatusInvalidated
		}
	}
	tan.Status = domain.TANStatusActive
	tan.CreatedAt = time.Now()
	stored := *tan
	s.tans = append(s.tans, &stored)
	return nil
}

func (s *bankRepoStub) FindLatestTAN(ctx context.Context, psuID string, flow flowdomain.FlowType) (*domain.TAN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.tans) - 1; i >= 0; i-- {
		if s.tans[i].PsuID == psuID && s.tans[i].Flow == flow {
			copied := *s.tans[i]
			return &copied, nil
		}
	}
	return nil, store.ErrTANNotFound
}

func (s *bankRepoStub) RecordTANFailure(ctx context.Context, tanID string, maxAttempts int) (*domain.TAN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tan := range s.tans {
		if tan.ID == tanID && tan.Status == domain.TANStatusActive {
			tan.Attempts++
			if tan.Attempts >= maxAttempts {
				tan.Status = domain.TANStatusInvalidated
			}
			copied := *tan
			return &copied, nil
		}
	}
	return nil, store.ErrTANNotFound
}

func (s *bankRepoStub) MarkTANUsed(ctx context.Context, tanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tan := range s.tans {
		if tan.ID == tanID && tan.Status == domain.TANStatusActive {
			tan.Status = domain.TANStatusUsed
			return nil
		}
	}
	return store.ErrTANNotFound
}

func (s *bankRepoStub) RecordConsentAction(ctx context.Context, action domain.ConsentAction) error {
	if s.actionErr != nil {
		return s.actionErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
	return nil
}

type publishedEvent struct {
	routingKey string
	body       interface{}
}

type publisherStub struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{routingKey: routingKey, body: body})
	return p.err
}

func (p *publisherStub) Close() {}

var errStub = errors.New("stub failure")
