/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface and the
 * embedded schema and demo seed of the mock bank.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/mock/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
	"github.com/transfa/consent-flow/internal/mock/domain"
)

//go:embed schema.sql
var schemaSQL string

//go:embed seed.sql
var seedSQL string

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the mock bank tables when they do not exist yet.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Seed inserts the demo PSU, its accounts, consents c1 (AIS) and c2 (PIS) and payment p1.
func (r *PostgresRepository) Seed(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, seedSQL); err != nil {
		return fmt.Errorf("failed to seed demo data: %w", err)
	}
	return nil
}

const consentColumns = `id, psu_id, flow, status, valid_until, frequency_per_day, recurring_indicator, payment_id, created_at, updated_at`

func scanConsent(row pgx.Row) (*domain.Consent, error) {
	var consent domain.Consent
	var flow, status string
	err := row.Scan(
		&consent.ID,
		&consent.PsuID,
		&flow,
		&status,
		&consent.ValidUntil,
		&consent.FrequencyPerDay,
		&consent.RecurringIndicator,
		&consent.PaymentID,
		&consent.CreatedAt,
		&consent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	consent.Flow = flowdomain.FlowType(flow)
	consent.Status = flowdomain.ConsentStatus(status)
	return &consent, nil
}

// GetConsent loads a consent together with the accounts it grants access to.
func (r *PostgresRepository) GetConsent(ctx context.Context, consentID string) (*domain.Consent, error) {
	query := `SELECT ` + consentColumns + ` FROM consents WHERE id = $1`
	consent, err := scanConsent(r.db.QueryRow(ctx, query, consentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConsentNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT a.id, a.psu_id, a.iban, a.currency, a.name, a.product, a.balance::text
		FROM consent_accounts ca
		JOIN accounts a ON a.id = ca.account_id
		WHERE ca.consent_id = $1
		ORDER BY a.iban
	`, consentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	consent.Accounts, err = scanAccounts(rows)
	if err != nil {
		return nil, err
	}
	return consent, nil
}

// UpdateConsentStatus moves a consent from one status to another. It fails with
// ErrConsentStatusChanged when the consent is no longer in the expected status.
func (r *PostgresRepository) UpdateConsentStatus(ctx context.Context, consentID string, from, to flowdomain.ConsentStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE consents
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, consentID, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConsentStatusChanged
	}
	return nil
}

// ReplaceConsentAccounts sets the account access of a consent in one transaction.
func (r *PostgresRepository) ReplaceConsentAccounts(ctx context.Context, consentID string, accountIDs []string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM consent_accounts WHERE consent_id = $1`, consentID); err != nil {
		return err
	}
	for _, accountID := range accountIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO consent_accounts (consent_id, account_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, consentID, accountID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE consents SET updated_at = NOW() WHERE id = $1`, consentID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ExpireConsents flips every RECEIVED or VALID consent past its validity to EXPIRED and
// returns the consents it changed, with their previous status.
func (r *PostgresRepository) ExpireConsents(ctx context.Context, now time.Time) ([]domain.Consent, error) {
	rows, err := r.db.Query(ctx, `
		WITH expired AS (
			SELECT id, status AS previous_status
			FROM consents
			WHERE status IN ('RECEIVED', 'VALID') AND valid_until < $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE consents c
		SET status = 'EXPIRED', updated_at = NOW()
		FROM expired e
		WHERE c.id = e.id
		RETURNING c.id, c.psu_id, c.flow, e.previous_status, c.valid_until
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var consents []domain.Consent
	for rows.Next() {
		var consent domain.Consent
		var flow, previous string
		if err := rows.Scan(&consent.ID, &consent.PsuID, &flow, &previous, &consent.ValidUntil); err != nil {
			return nil, err
		}
		consent.Flow = flowdomain.FlowType(flow)
		consent.Status = flowdomain.ConsentStatus(previous)
		consents = append(consents, consent)
	}
	return consents, rows.Err()
}

// IncrementConsentUsage upserts the usage row of the day and returns the new count.
func (r *PostgresRepository) IncrementConsentUsage(ctx context.Context, consentID string, at time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		INSERT INTO consent_usage (consent_id, usage_date, count)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (consent_id, usage_date)
		DO UPDATE SET count = consent_usage.count + 1
		RETURNING count
	`, consentID, at.UTC().Format("2006-01-02")).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListAccountsByPsu returns every account of a PSU.
func (r *PostgresRepository) ListAccountsByPsu(ctx context.Context, psuID string) ([]domain.Account, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, psu_id, iban, currency, name, product, balance::text
		FROM accounts
		WHERE psu_id = $1
		ORDER BY iban
	`, psuID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccounts(rows)
}

func scanAccounts(rows pgx.Rows) ([]domain.Account, error) {
	accounts := []domain.Account{}
	for rows.Next() {
		var account domain.Account
		if err := rows.Scan(&account.ID, &account.PsuID, &account.IBAN, &account.Currency, &account.Name, &account.Product, &account.Balance); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// GetPayment retrieves a payment initiation by id.
func (r *PostgresRepository) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	var payment domain.Payment
	err := r.db.QueryRow(ctx, `
		SELECT id, psu_id, debtor_iban, creditor_iban, creditor_name, currency, amount::text,
		       remittance_information, requested_execution_date, transaction_status
		FROM payments
		WHERE id = $1
	`, paymentID).Scan(
		&payment.ID,
		&payment.PsuID,
		&payment.DebtorIBAN,
		&payment.CreditorIBAN,
		&payment.CreditorName,
		&payment.Currency,
		&payment.Amount,
		&payment.RemittanceInformation,
		&payment.RequestedExecutionDate,
		&payment.TransactionStatus,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// CreateTAN stores a new TAN and invalidates the still active TANs of the same PSU and flow.
func (r *PostgresRepository) CreateTAN(ctx context.Context, tan *domain.TAN) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE tans SET status = 'INVALIDATED'
		WHERE psu_id = $1 AND flow = $2 AND status = 'ACTIVE'
	`, tan.PsuID, string(tan.Flow)); err != nil {
		return err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO tans (id, psu_id, flow, confirmation_id, tan_hash, attempts, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, 0, 'ACTIVE', $6)
		RETURNING created_at
	`, tan.ID, tan.PsuID, string(tan.Flow), tan.ConfirmationID, tan.Hash, tan.ExpiresAt).Scan(&tan.CreatedAt)
	if err != nil {
		return err
	}
	tan.Status = domain.TANStatusActive
	tan.Attempts = 0
	return tx.Commit(ctx)
}

const tanColumns = `id::text, psu_id, flow, confirmation_id::text, tan_hash, attempts, status, expires_at, created_at`

func scanTAN(row pgx.Row) (*domain.TAN, error) {
	var tan domain.TAN
	var flow string
	if err := row.Scan(&tan.ID, &tan.PsuID, &flow, &tan.ConfirmationID, &tan.Hash, &tan.Attempts, &tan.Status, &tan.ExpiresAt, &tan.CreatedAt); err != nil {
		return nil, err
	}
	tan.Flow = flowdomain.FlowType(flow)
	return &tan, nil
}

// FindLatestTAN returns the newest TAN issued to a PSU for a flow, whatever its status.
func (r *PostgresRepository) FindLatestTAN(ctx context.Context, psuID string, flow flowdomain.FlowType) (*domain.TAN, error) {
	query := `SELECT ` + tanColumns + ` FROM tans WHERE psu_id = $1 AND flow = $2 ORDER BY created_at DESC LIMIT 1`
	tan, err := scanTAN(r.db.QueryRow(ctx, query, strings.TrimSpace(psuID), string(flow)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTANNotFound
		}
		return nil, err
	}
	return tan, nil
}

// RecordTANFailure counts a wrong entry and invalidates the TAN once maxAttempts is reached.
func (r *PostgresRepository) RecordTANFailure(ctx context.Context, tanID string, maxAttempts int) (*domain.TAN, error) {
	query := `
		UPDATE tans
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $2 THEN 'INVALIDATED' ELSE status END
		WHERE id = $1 AND status = 'ACTIVE'
		RETURNING ` + tanColumns
	tan, err := scanTAN(r.db.QueryRow(ctx, query, tanID, maxAttempts))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTANNotFound
		}
		return nil, err
	}
	return tan, nil
}

// MarkTANUsed consumes an active TAN.
func (r *PostgresRepository) MarkTANUsed(ctx context.Context, tanID string) error {
	tag, err := r.db.Exec(ctx, `UPDATE tans SET status = 'USED' WHERE id = $1 AND status = 'ACTIVE'`, tanID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTANNotFound
	}
	return nil
}

// RecordConsentAction appends one entry to the consent audit trail.
func (r *PostgresRepository) RecordConsentAction(ctx context.Context, action domain.ConsentAction) error {
	occurredAt := action.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO consent_actions (consent_id, session_id, psu_id, action, reason, attempts, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, action.ConsentID, action.SessionID, action.PsuID, action.Action, action.Reason, action.Attempts, occurredAt)
	return err
}
