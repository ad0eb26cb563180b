package domain

import (
	"time"

	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
)

// TAN lifecycle statuses.
const (
	TANStatusActive      = "ACTIVE"
	TANStatusUsed        = "USED"
	TANStatusInvalidated = "INVALIDATED"
)

// PSU is a payment service user of the mock bank.
type PSU struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Account is a PSU account held by the mock bank.
type Account struct {
	ID       string `json:"id"`
	PsuID    string `json:"psu_id"`
	IBAN     string `json:"iban"`
	Currency string `json:"currency"`
	Name     string `json:"name"`
	Product  string `json:"product"`
	Balance  string `json:"balance"`
}

// Consent is an AIS or PIS consent with the accounts it grants access to.
type Consent struct {
	ID                 string                   `json:"id"`
	PsuID              string                   `json:"psu_id"`
	Flow               flowdomain.FlowType      `json:"flow"`
	Status             flowdomain.ConsentStatus `json:"status"`
	ValidUntil         time.Time                `json:"valid_until"`
	FrequencyPerDay    int                      `json:"frequency_per_day"`
	RecurringIndicator bool                     `json:"recurring_indicator"`
	PaymentID          *string                  `json:"payment_id,omitempty"`
	Accounts           []Account                `json:"accounts"`
	CreatedAt          time.Time                `json:"created_at"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

// Payment is a single payment initiation.
type Payment struct {
	ID                     string    `json:"id"`
	PsuID                  string    `json:"psu_id"`
	DebtorIBAN             string    `json:"debtor_iban"`
	CreditorIBAN           string    `json:"creditor_iban"`
	CreditorName           string    `json:"creditor_name"`
	Currency               string    `json:"currency"`
	Amount                 string    `json:"amount"`
	RemittanceInformation  string    `json:"remittance_information"`
	RequestedExecutionDate time.Time `json:"requested_execution_date"`
	TransactionStatus      string    `json:"transaction_status"`
}

// TAN is a one-time transaction authentication number. Only its bcrypt hash is stored.
type TAN struct {
	ID             string              `json:"id"`
	PsuID          string              `json:"psu_id"`
	Flow           flowdomain.FlowType `json:"flow"`
	ConfirmationID string              `json:"confirmation_id"`
	Hash           string              `json:"-"`
	Attempts       int                 `json:"attempts"`
	Status         string              `json:"status"`
	ExpiresAt      time.Time           `json:"expires_at"`
	CreatedAt      time.Time           `json:"created_at"`
}

// ConsentAction is one entry of the consent audit trail, fed by flow events.
type ConsentAction struct {
	ConsentID  string    `json:"consent_id"`
	SessionID  string    `json:"session_id"`
	PsuID      string    `json:"psu_id"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	Attempts   int       `json:"attempts"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ConsentStatusEvent is published whenever a consent changes status.
type ConsentStatusEvent struct {
	ConsentID  string                   `json:"consent_id"`
	PsuID      string                   `json:"psu_id"`
	Flow       flowdomain.FlowType      `json:"flow"`
	From       flowdomain.ConsentStatus `json:"from"`
	To         flowdomain.ConsentStatus `json:"to"`
	OccurredAt time.Time                `json:"occurred_at"`
}
