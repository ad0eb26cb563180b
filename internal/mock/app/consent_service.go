/**
 * @description
 * This file contains the consent side of the mock bank: reading consents (with expiry
 * checked on read), listing the accounts a PSU can grant, updating the account access
 * of an AIS consent and moving consents through their status lifecycle. Writes are only
 * accepted for the PSU that owns the consent.
 *
 * @dependencies
 * - internal/mock/store: Persistence.
 * - pkg/rabbitmq: Consent status events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
	"github.com/transfa/consent-flow/internal/mock/domain"
	"github.com/transfa/consent-flow/internal/mock/store"
	"github.com/transfa/consent-flow/pkg/rabbitmq"
)

var (
	ErrConsentIDRequired          = errors.New("consent id is required")
	ErrUnknownAccount             = errors.New("account does not belong to the consent's psu")
	ErrStatusTransitionNotAllowed = errors.New("consent status transition not allowed")
	ErrInvalidConsentStatus       = errors.New("invalid consent status")
	ErrConsentNotModifiable       = errors.New("consent access can only change while the consent is RECEIVED")
	ErrConsentAccessExceeded      = errors.New("consent frequency per day exceeded")
)

var allowedTransitions = map[flowdomain.ConsentStatus][]flowdomain.ConsentStatus{
	flowdomain.ConsentStatusReceived: {flowdomain.ConsentStatusValid, flowdomain.ConsentStatusRejected, flowdomain.ConsentStatusRevokedByPSU},
	flowdomain.ConsentStatusValid:    {flowdomain.ConsentStatusRevokedByPSU, flowdomain.ConsentStatusExpired},
}

// CanTransition reports whether a consent may move from one status to another.
func CanTransition(from, to flowdomain.ConsentStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ConsentService implements the consent operations of the mock bank.
type ConsentService struct {
	repo      store.Repository
	publisher rabbitmq.Publisher
	now       func() time.Time
}

// NewConsentService creates a consent service. A nil publisher disables status events.
func NewConsentService(repo store.Repository, publisher rabbitmq.Publisher) *ConsentService {
	return &ConsentService{repo: repo, publisher: publisher, now: time.Now}
}

// GetConsent loads a consent and expires it first when its validity has passed.
func (s *ConsentService) GetConsent(ctx context.Context, consentID string) (*domain.Consent, error) {
	consentID = strings.TrimSpace(consentID)
	if consentID == "" {
		return nil, ErrConsentIDRequired
	}
	consent, err := s.repo.GetConsent(ctx, consentID)
	if err != nil {
		return nil, err
	}
	return s.expireIfDue(ctx, consent)
}

func (s *ConsentService) expireIfDue(ctx context.Context, consent *domain.Consent) (*domain.Consent, error) {
	if consent.Status.IsFinal() || !s.now().After(consent.ValidUntil) {
		return consent, nil
	}

	previous := consent.Status
	err := s.repo.UpdateConsentStatus(ctx, consent.ID, previous, flowdomain.ConsentStatusExpired)
	if errors.Is(err, store.ErrConsentStatusChanged) {
		return s.repo.GetConsent(ctx, consent.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to expire consent: %w", err)
	}

	consent.Status = flowdomain.ConsentStatusExpired
	log.Printf("level=info component=consent_service msg=\"consent expired on read\" consent_id=%s previous_status=%s", consent.ID, previous)
	s.publishStatus(ctx, consent, previous)
	return consent, nil
}

// ListConsentAccounts returns the accounts of the PSU that owns the consent. Reads on a VALID
// consent count against its frequency per day.
func (s *ConsentService) ListConsentAccounts(ctx context.Context, consentID string) ([]domain.Account, error) {
	consent, err := s.GetConsent(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if consent.Status == flowdomain.ConsentStatusValid && consent.FrequencyPerDay > 0 {
		used, err := s.repo.IncrementConsentUsage(ctx, consent.ID, s.now())
		if err != nil {
			return nil, fmt.Errorf("failed to count consent usage: %w", err)
		}
		if used > consent.FrequencyPerDay {
			log.Printf("level=warn component=consent_service msg=\"consent frequency exceeded\" consent_id=%s used=%d frequency_per_day=%d", consent.ID, used, consent.FrequencyPerDay)
			return nil, ErrConsentAccessExceeded
		}
	}
	return s.repo.ListAccountsByPsu(ctx, consent.PsuID)
}

// ownedConsent loads a consent for a write on behalf of psuID. A consent of another PSU is
// reported as unknown.
func (s *ConsentService) ownedConsent(ctx context.Context, psuID, consentID string) (*domain.Consent, error) {
	psuID = strings.TrimSpace(psuID)
	if psuID == "" {
		return nil, ErrPsuIDRequired
	}
	consent, err := s.GetConsent(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if consent.PsuID != psuID {
		log.Printf("level=warn component=consent_service msg=\"consent write by foreign psu\" consent_id=%s", consent.ID)
		return nil, store.ErrConsentNotFound
	}
	return consent, nil
}

// GetPayment loads a payment initiation.
func (s *ConsentService) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, store.ErrPaymentNotFound
	}
	return s.repo.GetPayment(ctx, paymentID)
}

// UpdateAccess grants the AIS consent of psuID access to the given IBANs. Every IBAN must
// belong to that PSU.
func (s *ConsentService) UpdateAccess(ctx context.Context, psuID, consentID string, ibans []string) error {
	consent, err := s.ownedConsent(ctx, psuID, consentID)
	if err != nil {
		return err
	}
	if consent.Flow != flowdomain.FlowAIS {
		return store.ErrConsentNotFound
	}
	if consent.Status != flowdomain.ConsentStatusReceived {
		return ErrConsentNotModifiable
	}

	accounts, err := s.repo.ListAccountsByPsu(ctx, consent.PsuID)
	if err != nil {
		return err
	}
	byIBAN := make(map[string]string, len(accounts))
	for _, account := range accounts {
		byIBAN[normalizeIBAN(account.IBAN)] = account.ID
	}

	seen := make(map[string]bool, len(ibans))
	accountIDs := make([]string, 0, len(ibans))
	for _, iban := range ibans {
		normalized := normalizeIBAN(iban)
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		accountID, ok := byIBAN[normalized]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, normalized)
		}
		accountIDs = append(accountIDs, accountID)
	}

	if err := s.repo.ReplaceConsentAccounts(ctx, consent.ID, accountIDs); err != nil {
		return fmt.Errorf("failed to update consent access: %w", err)
	}
	log.Printf("level=info component=consent_service msg=\"consent access updated\" consent_id=%s accounts=%d", consent.ID, len(accountIDs))
	return nil
}

// UpdateStatus moves a consent of psuID in the given flow to a new status.
func (s *ConsentService) UpdateStatus(ctx context.Context, flow flowdomain.FlowType, psuID, consentID, rawStatus string) (*domain.Consent, error) {
	target, err := flowdomain.ParseConsentStatus(rawStatus)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConsentStatus, rawStatus)
	}

	consent, err := s.ownedConsent(ctx, psuID, consentID)
	if err != nil {
		return nil, err
	}
	if consent.Flow != flow {
		return nil, store.ErrConsentNotFound
	}
	if !CanTransition(consent.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrStatusTransitionNotAllowed, consent.Status, target)
	}

	previous := consent.Status
	if err := s.repo.UpdateConsentStatus(ctx, consent.ID, previous, target); err != nil {
		if errors.Is(err, store.ErrConsentStatusChanged) {
			return nil, fmt.Errorf("%w: status changed concurrently", ErrStatusTransitionNotAllowed)
		}
		return nil, err
	}

	consent.Status = target
	log.Printf("level=info component=consent_service msg=\"consent status updated\" consent_id=%s from=%s to=%s", consent.ID, previous, target)
	s.publishStatus(ctx, consent, previous)
	return consent, nil
}

func (s *ConsentService) publishStatus(ctx context.Context, consent *domain.Consent, previous flowdomain.ConsentStatus) {
	publishConsentStatus(ctx, s.publisher, consent, previous, s.now())
}

func publishConsentStatus(ctx context.Context, publisher rabbitmq.Publisher, consent *domain.Consent, previous flowdomain.ConsentStatus, now time.Time) {
	if publisher == nil {
		return
	}
	event := domain.ConsentStatusEvent{
		ConsentID:  consent.ID,
		PsuID:      consent.PsuID,
		Flow:       consent.Flow,
		From:       previous,
		To:         consent.Status,
		OccurredAt: now.UTC(),
	}
	routingKey := "consent.status." + strings.ToLower(string(consent.Status))
	if err := publisher.Publish(ctx, rabbitmq.ConsentEventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=consent_service msg=\"status event publish failed\" consent_id=%s routing_key=%s err=%v", consent.ID, routingKey, err)
	}
}

func normalizeIBAN(raw string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), " ", ""))
}
