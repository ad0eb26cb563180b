/**
 * @description
 * This file defines the `Repository` interface of the mock-server: every data access
 * the mock bank, the mock TAN server and the consent action log need.
 *
 * @dependencies
 * - internal/mock/domain: For the mock bank models.
 */

package store

import (
	"context"
	"errors"
	"time"

	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
	"github.com/transfa/consent-flow/internal/mock/domain"
)

var (
	ErrConsentNotFound      = errors.New("consent not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrTANNotFound          = errors.New("tan not found")
	ErrConsentStatusChanged = errors.New("consent status changed concurrently")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Consent methods
	GetConsent(ctx context.Context, consentID string) (*domain.Consent, error)
	UpdateConsentStatus(ctx context.Context, consentID string, from, to flowdomain.ConsentStatus) error
	ReplaceConsentAccounts(ctx context.Context, consentID string, accountIDs []string) error
	ExpireConsents(ctx context.Context, now time.Time) ([]domain.Consent, error)
	// IncrementConsentUsage counts one access on the calendar day (UTC) of at and returns the
	// count of that day.
	IncrementConsentUsage(ctx context.Context, consentID string, at time.Time) (int, error)

	// Account and payment methods
	ListAccountsByPsu(ctx context.Context, psuID string) ([]domain.Account, error)
	GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error)

	// TAN methods
	CreateTAN(ctx context.Context, tan *domain.TAN) error
	FindLatestTAN(ctx context.Context, psuID string, flow flowdomain.FlowType) (*domain.TAN, error)
	RecordTANFailure(ctx context.Context, tanID string, maxAttempts int) (*domain.TAN, error)
	MarkTANUsed(ctx context.Context, tanID string) error

	// Audit methods
	RecordConsentAction(ctx context.Context, action domain.ConsentAction) error
}
