/**
 * @description
 * Domain models for the consent confirmation flow. These mirror the JSON documents
 * returned by the account-servicing backend and the consent-management service.
 */
package domain

import (
	"fmt"
	"strings"
)

// FlowType identifies which confirmation flow a session runs.
type FlowType string

const (
	FlowAIS FlowType = "ais"
	FlowPIS FlowType = "pis"
)

// ParseFlowType normalizes a path or body value into a FlowType.
func ParseFlowType(raw string) (FlowType, error) {
	switch FlowType(strings.ToLower(strings.TrimSpace(raw))) {
	case FlowAIS:
		return FlowAIS, nil
	case FlowPIS:
		return FlowPIS, nil
	default:
		return "", fmt.Errorf("unsupported flow %q", raw)
	}
}

// ConsentStatus is the lifecycle label of a consent record.
type ConsentStatus string

const (
	ConsentStatusReceived     ConsentStatus = "RECEIVED"
	ConsentStatusValid        ConsentStatus = "VALID"
	ConsentStatusRevokedByPSU ConsentStatus = "REVOKED_BY_PSU"
	ConsentStatusRejected     ConsentStatus = "REJECTED"
	ConsentStatusExpired      ConsentStatus = "EXPIRED"
)

var knownConsentStatuses = []ConsentStatus{
	ConsentStatusReceived,
	ConsentStatusValid,
	ConsentStatusRevokedByPSU,
	ConsentStatusRejected,
	ConsentStatusExpired,
}

// ParseConsentStatus accepts any casing and surrounding whitespace.
func ParseConsentStatus(raw string) (ConsentStatus, error) {
	normalized := ConsentStatus(strings.ToUpper(strings.TrimSpace(raw)))
	for _, status := range knownConsentStatuses {
		if status == normalized {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown consent status %q", raw)
}

// IsFinal reports whether no further status change is possible.
func (s ConsentStatus) IsFinal() bool {
	switch s {
	case ConsentStatusRevokedByPSU, ConsentStatusRejected, ConsentStatusExpired:
		return true
	default:
		return false
	}
}

// AccountReference points at a PSU account by IBAN.
type AccountReference struct {
	IBAN     string `json:"iban"`
	Currency string `json:"currency,omitempty"`
}

// AccountAccess is the access scope of an AIS consent.
type AccountAccess struct {
	Accounts     []AccountReference `json:"accounts"`
	Balances     []AccountReference `json:"balances"`
	Transactions []AccountReference `json:"transactions"`
}

// Consent is the consent record held by the consent-management system.
type Consent struct {
	ConsentID          string        `json:"consentId"`
	Status             ConsentStatus `json:"consentStatus"`
	PsuID              string        `json:"psuId,omitempty"`
	Access             AccountAccess `json:"access"`
	ValidUntil         string        `json:"validUntil,omitempty"`
	FrequencyPerDay    int           `json:"frequencyPerDay,omitempty"`
	RecurringIndicator bool          `json:"recurringIndicator"`
	PaymentID          string        `json:"paymentId,omitempty"`
}

// Balance is a single balance entry of an account.
type Balance struct {
	BalanceType string `json:"balanceType"`
	Amount      Amount `json:"balanceAmount"`
}

// Amount is a currency amount as a decimal string, the way PSD2 APIs transport it.
type Amount struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// AccountDetails is one account returned by the accounts endpoint.
type AccountDetails struct {
	ResourceID string    `json:"resourceId"`
	IBAN       string    `json:"iban"`
	Currency   string    `json:"currency"`
	Name       string    `json:"name,omitempty"`
	Product    string    `json:"product,omitempty"`
	Balances   []Balance `json:"balances,omitempty"`
}

// Payment is a payment initiation as seen by the PIS flow. Read only.
type Payment struct {
	PaymentID              string           `json:"paymentId"`
	DebtorAccount          AccountReference `json:"debtorAccount"`
	CreditorAccount        AccountReference `json:"creditorAccount"`
	CreditorName           string           `json:"creditorName,omitempty"`
	InstructedAmount       Amount           `json:"instructedAmount"`
	RemittanceInformation  string           `json:"remittanceInformationUnstructured,omitempty"`
	RequestedExecutionDate string           `json:"requestedExecutionDate,omitempty"`
	TransactionStatus      string           `json:"transactionStatus,omitempty"`
}
