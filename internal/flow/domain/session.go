/**
 * @description
 * Flow session model: the states a PSU moves through, the session persisted between
 * page requests, the page document answered to the front-end and the event published
 * when a session ends.
 */
package domain

import (
	"net/url"
	"time"
)

// State is a step of the confirmation flow. Every state is rendered by exactly one page.
type State string

const (
	StateStart             State = "start"
	StateConsentReview     State = "consent_review"
	StateConsentDenied     State = "consent_denied"
	StateConsentSuccessful State = "consent_successful"
	StateTanEntry          State = "tan_entry"
	StateTanSuccessful     State = "tan_successful"
	StateTanError          State = "tan_error"
	StateTanCanceled       State = "tan_canceled"
)

var stateRoutes = map[State]string{
	StateStart:             "/",
	StateConsentReview:     "/consentconfirmation",
	StateConsentDenied:     "/consentconfirmationdenied",
	StateConsentSuccessful: "/consentconfirmationsuccessful",
	StateTanEntry:          "/tanconfirmation",
	StateTanSuccessful:     "/tanconfirmationsuccessful",
	StateTanError:          "/tanconfirmationerror",
	StateTanCanceled:       "/tanconfirmationcanceled",
}

// Route returns the client-side route that renders the state.
func (s State) Route() string {
	if route, ok := stateRoutes[s]; ok {
		return route
	}
	return "/"
}

// IsTerminal reports whether the flow has ended in this state.
func (s State) IsTerminal() bool {
	switch s {
	case StateConsentDenied, StateConsentSuccessful, StateTanSuccessful, StateTanError, StateTanCanceled:
		return true
	default:
		return false
	}
}

// Session is the flow session of one PSU going through one confirmation flow.
type Session struct {
	ID               string             `json:"id"`
	Flow             FlowType           `json:"flow"`
	PsuID            string             `json:"psu_id"`
	ConsentID        string             `json:"consent_id"`
	PaymentID        string             `json:"payment_id,omitempty"`
	IBAN             string             `json:"iban,omitempty"`
	SelectedAccounts []AccountReference `json:"selected_accounts,omitempty"`
	ConfirmationID   string             `json:"confirmation_id,omitempty"`
	LastTAN          string             `json:"last_tan,omitempty"`
	Attempts         int                `json:"attempts"`
	State            State              `json:"state"`
	LastError        string             `json:"last_error,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// NavigateTo is the route, with query, the client should move to after the last action.
func (s *Session) NavigateTo() string {
	route := s.State.Route()
	if s.State == StateTanEntry && s.ConsentID != "" {
		query := url.Values{}
		query.Set("consentId", s.ConsentID)
		return route + "?" + query.Encode()
	}
	return route
}

// Page is the document a front-end renders for the current state of a session.
type Page struct {
	SessionID    string           `json:"sessionId"`
	Flow         FlowType         `json:"flow"`
	State        State            `json:"state"`
	Route        string           `json:"route"`
	NavigateTo   string           `json:"navigateTo"`
	ConsentID    string           `json:"consentId,omitempty"`
	PaymentID    string           `json:"paymentId,omitempty"`
	Consent      *Consent         `json:"consent,omitempty"`
	Accounts     []AccountDetails `json:"accounts,omitempty"`
	Payment      *Payment         `json:"payment,omitempty"`
	Attempts     int              `json:"attempts"`
	AttemptsLeft int              `json:"attemptsLeft"`
	Error        string           `json:"error,omitempty"`
}

// FlowEvent is published when a session reaches a terminal state.
type FlowEvent struct {
	SessionID  string    `json:"session_id"`
	Flow       FlowType  `json:"flow"`
	ConsentID  string    `json:"consent_id"`
	PaymentID  string    `json:"payment_id,omitempty"`
	PsuID      string    `json:"psu_id"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
