/**
 * @description
 * This file contains the flow controller: the state machine that moves a PSU through
 * the AIS or PIS consent confirmation pages. Each user action is validated against the
 * current state, issues its backend calls through the gateway and persists the new
 * state in the session store.
 *
 * Key features:
 * - WRONG_TAN re-prompts until the attempt cap, then routes to the TAN error page.
 * - Any other backend reason routes to the error page with the reason on the page.
 * - Transport failures leave the session untouched and are returned to the caller.
 * - Terminal states are announced on the consent events exchange.
 *
 * @dependencies
 * - github.com/google/uuid: For session ids.
 * - pkg/gatewayclient: Backend gateway and its error classification.
 * - pkg/rabbitmq: Event publisher.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/consent-flow/internal/flow/domain"
	"github.com/transfa/consent-flow/pkg/gatewayclient"
	"github.com/transfa/consent-flow/pkg/rabbitmq"
)

const DefaultMaxTANAttempts = 3

// ReasonConsentNotConfirmable is shown when the consent is already revoked, rejected or expired.
const ReasonConsentNotConfirmable = "CONSENT_NOT_CONFIRMABLE"

// ReasonConsentUnknown is shown when the consent belongs to another PSU or payment.
const ReasonConsentUnknown = "CONSENT_UNKNOWN"

var (
	ErrInvalidTransition  = errors.New("action not allowed in the current flow state")
	ErrEmptyTAN           = errors.New("tan must not be empty")
	ErrNoAccountSelected  = errors.New("at least one account must be selected")
	ErrMissingConsentID   = errors.New("consent id is required")
	ErrMissingPaymentID   = errors.New("payment id is required for payment flows")
	ErrMissingPsuID       = errors.New("psu id is required")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrSessionBusy        = errors.New("another action on this session is in progress")
)

// Gateway is the set of backend calls the controller needs.
type Gateway interface {
	GetConsent(ctx context.Context, consentID string) (*domain.Consent, error)
	GetAccounts(ctx context.Context, consentID string) ([]domain.AccountDetails, error)
	UpdateConsentAccess(ctx context.Context, consentID string, access domain.AccountAccess) error
	GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	GenerateTAN(ctx context.Context, flow domain.FlowType, psuID string) (*gatewayclient.ConfirmationResponse, error)
	ValidateTAN(ctx context.Context, flow domain.FlowType, req gatewayclient.ValidateTANRequest) error
	UpdateConsentStatus(ctx context.Context, flow domain.FlowType, consentID string, status domain.ConsentStatus) error
}

// Options tunes the controller.
type Options struct {
	MaxTANAttempts int
	// PISTANRequired switches payment flows between TAN confirmation and direct approval.
	PISTANRequired bool
	// Locker serializes actions on one session. Defaults to an in-process lock.
	Locker SessionLocker
}

// Controller drives flow sessions.
type Controller struct {
	gateway        Gateway
	sessions       SessionStore
	publisher      rabbitmq.Publisher
	maxAttempts    int
	pisTANRequired bool
	locks          SessionLocker
	now            func() time.Time
}

// NewController creates a controller. A nil publisher disables flow events.
func NewController(gateway Gateway, sessions SessionStore, publisher rabbitmq.Publisher, opts Options) *Controller {
	maxAttempts := opts.MaxTANAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxTANAttempts
	}
	var locker SessionLocker = newSessionLocks()
	if opts.Locker != nil {
		locker = opts.Locker
	}
	return &Controller{
		gateway:        gateway,
		sessions:       sessions,
		publisher:      publisher,
		maxAttempts:    maxAttempts,
		pisTANRequired: opts.PISTANRequired,
		locks:          locker,
		now:            time.Now,
	}
}

// Start opens a new session in the start state. No backend call is made.
func (c *Controller) Start(ctx context.Context, flow domain.FlowType, psuID, consentID, paymentID string) (*domain.Session, error) {
	psuID = strings.TrimSpace(psuID)
	consentID = strings.TrimSpace(consentID)
	paymentID = strings.TrimSpace(paymentID)

	if psuID == "" {
		return nil, ErrMissingPsuID
	}
	if consentID == "" {
		return nil, ErrMissingConsentID
	}
	if flow == domain.FlowPIS && paymentID == "" {
		return nil, ErrMissingPaymentID
	}

	now := c.now()
	session := &domain.Session{
		ID:        uuid.NewString(),
		Flow:      flow,
		PsuID:     psuID,
		ConsentID: consentID,
		PaymentID: paymentID,
		State:     domain.StateStart,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.sessions.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	log.Printf("level=info component=flow_controller msg=\"session started\" session_id=%s flow=%s consent_id=%s", session.ID, flow, consentID)
	return session, nil
}

// Review loads the consent (and accounts or payment) the PSU is asked to confirm.
func (c *Controller) Review(ctx context.Context, psuID, sessionID string) (*domain.Page, error) {
	unlock, err := c.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := c.load(ctx, psuID, sessionID)
	if err != nil {
		return nil, err
	}
	ctx = gatewayclient.WithPsuID(ctx, session.PsuID)
	if session.State != domain.StateStart && session.State != domain.StateConsentReview {
		return nil, ErrInvalidTransition
	}

	// The consent decides what the PSU sees, so load it first.
	consent, err := c.gateway.GetConsent(ctx, session.ConsentID)
	if err != nil {
		return c.fail(ctx, session, "review", err)
	}

	// A consent of another PSU (or of another payment) is treated as unknown. Nothing about it
	// reaches the page and no later step can touch it.
	if consent.PsuID != session.PsuID || (session.Flow == domain.FlowPIS && consent.PaymentID != session.PaymentID) {
		log.Printf("level=warn component=flow_controller msg=\"consent not owned by session psu\" session_id=%s consent_id=%s", session.ID, session.ConsentID)
		return c.finish(ctx, session, domain.StateTanError, ReasonConsentUnknown)
	}
	if consent.Status.IsFinal() {
		log.Printf("level=warn component=flow_controller msg=\"consent cannot be confirmed\" session_id=%s consent_id=%s status=%s", session.ID, session.ConsentID, consent.Status)
		return c.finish(ctx, session, domain.StateTanError, ReasonConsentNotConfirmable)
	}

	// Load what the PSU is asked to confirm
	page := &domain.Page{Consent: consent}
	switch session.Flow {
	case domain.FlowAIS:
		accounts, err := c.gateway.GetAccounts(ctx, session.ConsentID)
		if err != nil {
			return c.fail(ctx, session, "review", err)
		}
		page.Accounts = accounts
	case domain.FlowPIS:
		payment, err := c.gateway.GetPayment(ctx, session.PaymentID)
		if err != nil {
			return c.fail(ctx, session, "review", err)
		}
		page.Payment = payment
		session.IBAN = payment.DebtorAccount.IBAN
	}

	session.State = domain.StateConsentReview
	session.LastError = ""
	if err := c.save(ctx, session); err != nil {
		return nil, err
	}
	return c.fillPage(page, session), nil
}

// Continue confirms the reviewed consent. For AIS the selected accounts become the consent
// access and a TAN is requested; for PIS a TAN is requested, or the consent is approved
// directly when payment flows run without TAN.
func (c *Controller) Continue(ctx context.Context, psuID, sessionID string, ibans []string) (*domain.Page, error) {
	unlock, err := c.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := c.load(ctx, psuID, sessionID)
	if err != nil {
		return nil, err
	}
	ctx = gatewayclient.WithPsuID(ctx, session.PsuID)
	if session.State != domain.StateConsentReview {
		return nil, ErrInvalidTransition
	}

	// AIS: the selected accounts become the consent access
	if session.Flow == domain.FlowAIS {
		refs := accountReferences(ibans)
		if len(refs) == 0 {
			return nil, ErrNoAccountSelected
		}
		access := domain.AccountAccess{Accounts: refs, Balances: refs, Transactions: refs}
		if err := c.gateway.UpdateConsentAccess(ctx, session.ConsentID, access); err != nil {
			return c.fail(ctx, session, "continue", err)
		}
		session.SelectedAccounts = refs
		session.IBAN = refs[0].IBAN
	}

	// PIS without TAN: approve right away
	if session.Flow == domain.FlowPIS && !c.pisTANRequired {
		if err := c.gateway.UpdateConsentStatus(ctx, session.Flow, session.ConsentID, domain.ConsentStatusValid); err != nil {
			return c.fail(ctx, session, "continue", err)
		}
		return c.finish(ctx, session, domain.StateConsentSuccessful, "")
	}

	// Request a TAN and move to the TAN page
	confirmation, err := c.gateway.GenerateTAN(ctx, session.Flow, session.PsuID)
	if err != nil {
		return c.fail(ctx, session, "continue", err)
	}

	session.ConfirmationID = confirmation.ConfirmationID
	session.State = domain.StateTanEntry
	session.Attempts = 0
	session.LastTAN = ""
	session.LastError = ""
	if err := c.save(ctx, session); err != nil {
		return nil, err
	}
	return c.fillPage(&domain.Page{}, session), nil
}

// SubmitTAN validates the TAN entered by the PSU.
func (c *Controller) SubmitTAN(ctx context.Context, psuID, sessionID, tan string) (*domain.Page, error) {
	unlock, err := c.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := c.load(ctx, psuID, sessionID)
	if err != nil {
		return nil, err
	}
	ctx = gatewayclient.WithPsuID(ctx, session.PsuID)
	if session.State != domain.StateTanEntry {
		return nil, ErrInvalidTransition
	}
	tan = strings.TrimSpace(tan)
	if tan == "" {
		return nil, ErrEmptyTAN
	}
	session.LastTAN = tan

	err = c.gateway.ValidateTAN(ctx, session.Flow, gatewayclient.ValidateTANRequest{
		TANNumber: tan,
		ConsentID: session.ConsentID,
		PsuID:     session.PsuID,
	})
	if err != nil {
		if gatewayclient.IsTransportError(err) {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		if gatewayclient.ErrorCode(err) != gatewayclient.CodeWrongTAN {
			return c.fail(ctx, session, "submit_tan", err)
		}

		// Wrong TAN: count it and re-prompt until the cap
		session.Attempts++
		session.LastTAN = ""
		log.Printf("level=info component=flow_controller msg=\"wrong tan\" session_id=%s attempts=%d max_attempts=%d", session.ID, session.Attempts, c.maxAttempts)
		if session.Attempts >= c.maxAttempts {
			return c.finish(ctx, session, domain.StateTanError, gatewayclient.CodeWrongTAN)
		}
		session.LastError = gatewayclient.CodeWrongTAN
		if err := c.save(ctx, session); err != nil {
			return nil, err
		}
		return c.fillPage(&domain.Page{}, session), nil
	}

	// The TAN is spent at this point, so a failed status update cannot go back to TAN entry.
	if err := c.gateway.UpdateConsentStatus(ctx, session.Flow, session.ConsentID, domain.ConsentStatusValid); err != nil {
		log.Printf("level=error component=flow_controller msg=\"status update after valid tan failed\" session_id=%s consent_id=%s err=%v", session.ID, session.ConsentID, err)
		return c.finish(ctx, session, domain.StateTanError, failureReason(err))
	}
	return c.finish(ctx, session, domain.StateTanSuccessful, "")
}

// Cancel revokes the consent and ends the flow. It never validates a TAN.
func (c *Controller) Cancel(ctx context.Context, psuID, sessionID string) (*domain.Page, error) {
	unlock, err := c.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := c.load(ctx, psuID, sessionID)
	if err != nil {
		return nil, err
	}
	ctx = gatewayclient.WithPsuID(ctx, session.PsuID)

	// Cancel never validates a TAN; only the page it ends on differs
	var next domain.State
	switch session.State {
	case domain.StateConsentReview:
		next = domain.StateConsentDenied
	case domain.StateTanEntry:
		next = domain.StateTanCanceled
	default:
		return nil, ErrInvalidTransition
	}

	reason := ""
	if err := c.gateway.UpdateConsentStatus(ctx, session.Flow, session.ConsentID, domain.ConsentStatusRevokedByPSU); err != nil {
		if gatewayclient.IsTransportError(err) {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		reason = failureReason(err)
		log.Printf("level=warn component=flow_controller msg=\"revocation rejected by backend\" session_id=%s reason=%s", session.ID, reason)
	}
	session.LastTAN = ""
	return c.finish(ctx, session, next, reason)
}

// Current returns the page of the current state without calling any backend.
func (c *Controller) Current(ctx context.Context, psuID, sessionID string) (*domain.Page, error) {
	session, err := c.load(ctx, psuID, sessionID)
	if err != nil {
		return nil, err
	}
	return c.fillPage(&domain.Page{}, session), nil
}

// Abandon drops a session that never got past start, so a failed first review does not leave
// an unreachable session behind until its TTL runs out. Later states are kept for Current.
func (c *Controller) Abandon(ctx context.Context, psuID, sessionID string) error {
	unlock, err := c.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	session, err := c.load(ctx, psuID, sessionID)
	if err != nil {
		return err
	}
	if session.State != domain.StateStart {
		return ErrInvalidTransition
	}
	if err := c.sessions.Delete(ctx, session.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	log.Printf("level=info component=flow_controller msg=\"session abandoned\" session_id=%s", session.ID)
	return nil
}

func (c *Controller) load(ctx context.Context, psuID, sessionID string) (*domain.Session, error) {
	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.PsuID != strings.TrimSpace(psuID) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (c *Controller) save(ctx context.Context, session *domain.Session) error {
	session.UpdatedAt = c.now()
	if err := c.sessions.Save(ctx, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// fail routes a backend rejection to the error page. Transport failures leave the session as is.
func (c *Controller) fail(ctx context.Context, session *domain.Session, step string, err error) (*domain.Page, error) {
	if gatewayclient.IsTransportError(err) {
		log.Printf("level=warn component=flow_controller msg=\"backend unreachable\" session_id=%s step=%s err=%v", session.ID, step, err)
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	reason := failureReason(err)
	log.Printf("level=warn component=flow_controller msg=\"flow step failed\" session_id=%s step=%s reason=%s err=%v", session.ID, step, reason, err)
	return c.finish(ctx, session, domain.StateTanError, reason)
}

func (c *Controller) finish(ctx context.Context, session *domain.Session, state domain.State, reason string) (*domain.Page, error) {
	session.State = state
	session.LastError = reason
	if err := c.save(ctx, session); err != nil {
		return nil, err
	}
	c.publishTerminal(ctx, session)
	return c.fillPage(&domain.Page{}, session), nil
}

func (c *Controller) publishTerminal(ctx context.Context, session *domain.Session) {
	if c.publisher == nil || !session.State.IsTerminal() {
		return
	}
	event := domain.FlowEvent{
		SessionID:  session.ID,
		Flow:       session.Flow,
		ConsentID:  session.ConsentID,
		PaymentID:  session.PaymentID,
		PsuID:      session.PsuID,
		State:      session.State,
		Attempts:   session.Attempts,
		Reason:     session.LastError,
		OccurredAt: c.now().UTC(),
	}
	routingKey := "consent.flow." + string(session.State)
	if err := c.publisher.Publish(ctx, rabbitmq.ConsentEventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=flow_controller msg=\"flow event publish failed\" session_id=%s routing_key=%s err=%v", session.ID, routingKey, err)
	}
}

func (c *Controller) fillPage(page *domain.Page, session *domain.Session) *domain.Page {
	page.SessionID = session.ID
	page.Flow = session.Flow
	page.State = session.State
	page.Route = session.State.Route()
	page.NavigateTo = session.NavigateTo()
	page.ConsentID = session.ConsentID
	page.PaymentID = session.PaymentID
	page.Attempts = session.Attempts
	page.AttemptsLeft = c.maxAttempts - session.Attempts
	if page.AttemptsLeft < 0 {
		page.AttemptsLeft = 0
	}
	page.Error = session.LastError
	return page
}

func accountReferences(ibans []string) []domain.AccountReference {
	seen := make(map[string]bool, len(ibans))
	refs := make([]domain.AccountReference, 0, len(ibans))
	for _, iban := range ibans {
		normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(iban), " ", ""))
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		refs = append(refs, domain.AccountReference{IBAN: normalized})
	}
	return refs
}

func failureReason(err error) string {
	var apiErr *gatewayclient.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code != "" {
			return apiErr.Code
		}
		return fmt.Sprintf("HTTP_%d", apiErr.StatusCode)
	}
	if errors.Is(err, gatewayclient.ErrConsentIDRequired) {
		return "CONSENT_ID_REQUIRED"
	}
	return "UNEXPECTED_ERROR"
}

// SessionLocker serializes actions on one session. Lock blocks until the session is free or
// fails with ErrSessionBusy.
type SessionLocker interface {
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// sessionLocks serializes actions on the same session within one process.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

func (l *sessionLocks) Lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &sessionLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}, nil
}
