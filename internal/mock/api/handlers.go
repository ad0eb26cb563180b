/**
 * @description
 * This file contains the HTTP handlers of the mock-server: the account-servicing API
 * (consents, accounts, payments), the consent-management access update and the mock
 * TAN server. Every error is answered as {"error":{"message":CODE,"detail":...}}.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/mock/app: Consent and TAN services.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
	"github.com/transfa/consent-flow/internal/mock/app"
	"github.com/transfa/consent-flow/internal/mock/store"
	"github.com/transfa/consent-flow/pkg/gatewayclient"
)

// MockHandlers holds the services the handlers use.
type MockHandlers struct {
	consents *app.ConsentService
	tans     *app.TANService
}

func NewMockHandlers(consents *app.ConsentService, tans *app.TANService) *MockHandlers {
	return &MockHandlers{consents: consents, tans: tans}
}

// GetConsentHandler answers GET /v1/consents/{consentID}.
func (h *MockHandlers) GetConsentHandler(w http.ResponseWriter, r *http.Request) {
	consent, err := h.consents.GetConsent(r.Context(), chi.URLParam(r, "consentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, consentResponse(consent))
}

// ListAccountsHandler answers GET /v1/accounts for the consent named in the consent-id header.
func (h *MockHandlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.consents.ListConsentAccounts(r.Context(), r.Header.Get("consent-id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response := struct {
		Accounts []flowdomain.AccountDetails `json:"accounts"`
	}{Accounts: make([]flowdomain.AccountDetails, 0, len(accounts))}
	for _, account := range accounts {
		response.Accounts = append(response.Accounts, accountResponse(account))
	}
	writeJSON(w, http.StatusOK, response)
}

// GetPaymentHandler answers GET /v1/payments/{paymentID}.
func (h *MockHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	payment, err := h.consents.GetPayment(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse(payment))
}

// UpdateAccessHandler answers PUT /api/v1/ais/consent/{consentID}/access for the PSU in the
// PSU-ID header.
func (h *MockHandlers) UpdateAccessHandler(w http.ResponseWriter, r *http.Request) {
	var access flowdomain.AccountAccess
	if err := json.NewDecoder(r.Body).Decode(&access); err != nil {
		writeError(w, http.StatusBadRequest, "FORMAT_ERROR", "Invalid request body")
		return
	}

	var ibans []string
	for _, refs := range [][]flowdomain.AccountReference{access.Accounts, access.Balances, access.Transactions} {
		for _, ref := range refs {
			ibans = append(ibans, ref.IBAN)
		}
	}

	consentID := chi.URLParam(r, "consentID")
	if err := h.consents.UpdateAccess(r.Context(), r.Header.Get(gatewayclient.PsuIDHeader), consentID, ibans); err != nil {
		writeServiceError(w, err)
		return
	}
	consent, err := h.consents.GetConsent(r.Context(), consentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, consentResponse(consent))
}

// GenerateTANHandler answers POST /consent/confirmation/{flow}/{psuID}.
func (h *MockHandlers) GenerateTANHandler(w http.ResponseWriter, r *http.Request) {
	flow, err := flowdomain.ParseFlowType(chi.URLParam(r, "flow"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "FORMAT_ERROR", err.Error())
		return
	}
	generated, err := h.tans.Generate(r.Context(), flow, chi.URLParam(r, "psuID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generated)
}

// ValidateTANHandler answers PUT /consent/confirmation/{flow}.
func (h *MockHandlers) ValidateTANHandler(w http.ResponseWriter, r *http.Request) {
	flow, err := flowdomain.ParseFlowType(chi.URLParam(r, "flow"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "FORMAT_ERROR", err.Error())
		return
	}

	var req gatewayclient.ValidateTANRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "FORMAT_ERROR", "Invalid request body")
		return
	}

	if err := h.tans.Validate(r.Context(), flow, req.PsuID, req.ConsentID, req.TANNumber); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// UpdateStatusHandler answers PUT /consent/confirmation/{flow}/{consentID}/{status} for the
// PSU in the PSU-ID header.
func (h *MockHandlers) UpdateStatusHandler(w http.ResponseWriter, r *http.Request) {
	flow, err := flowdomain.ParseFlowType(chi.URLParam(r, "flow"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "FORMAT_ERROR", err.Error())
		return
	}
	psuID := r.Header.Get(gatewayclient.PsuIDHeader)
	consent, err := h.consents.UpdateStatus(r.Context(), flow, psuID, chi.URLParam(r, "consentID"), chi.URLParam(r, "status"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, consentResponse(consent))
}

func writeServiceError(w http.ResponseWriter, err error) {
	var rateErr *app.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, gatewayclient.CodeLimitExceeded, err.Error())
	case errors.Is(err, app.ErrConsentAccessExceeded):
		writeError(w, http.StatusTooManyRequests, "ACCESS_EXCEEDED", err.Error())
	case errors.Is(err, app.ErrConsentIDRequired):
		writeError(w, http.StatusBadRequest, "CONSENT_ID_REQUIRED", "consent-id header required")
	case errors.Is(err, store.ErrConsentNotFound):
		writeError(w, http.StatusNotFound, "CONSENT_UNKNOWN", "Consent not found")
	case errors.Is(err, store.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, "RESOURCE_UNKNOWN", "Payment not found")
	case errors.Is(err, app.ErrUnknownAccount):
		writeError(w, http.StatusBadRequest, "UNKNOWN_ACCOUNT", err.Error())
	case errors.Is(err, app.ErrConsentNotModifiable):
		writeError(w, http.StatusConflict, "CONSENT_NOT_MODIFIABLE", err.Error())
	case errors.Is(err, app.ErrStatusTransitionNotAllowed):
		writeError(w, http.StatusConflict, "STATUS_TRANSITION_NOT_ALLOWED", err.Error())
	case errors.Is(err, app.ErrInvalidConsentStatus):
		writeError(w, http.StatusBadRequest, "FORMAT_ERROR", err.Error())
	case errors.Is(err, store.ErrTANNotFound):
		writeError(w, http.StatusNotFound, "TAN_NOT_FOUND", "No active TAN")
	case errors.Is(err, app.ErrWrongTAN):
		writeError(w, http.StatusBadRequest, gatewayclient.CodeWrongTAN, "")
	case errors.Is(err, app.ErrTANLimitExceeded):
		writeError(w, http.StatusBadRequest, gatewayclient.CodeLimitExceeded, "")
	case errors.Is(err, app.ErrPsuIDRequired), errors.Is(err, app.ErrTANRequired):
		writeError(w, http.StatusBadRequest, "FORMAT_ERROR", err.Error())
	default:
		log.Printf("level=error component=api msg=\"mock request failed\" err=%v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Unexpected error")
	}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

type errorDetail struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]errorDetail{"error": {Message: code, Detail: detail}})
}
