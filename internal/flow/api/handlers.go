/**
 * @description
 * This file contains the HTTP handlers for the flow-service. Each handler reads the PSU
 * from the request context, calls the flow controller and answers the page document of
 * the resulting state.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/flow/app, internal/flow/domain: Flow controller and page model.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/consent-flow/internal/flow/app"
	"github.com/transfa/consent-flow/internal/flow/domain"
)

// FlowHandlers holds the flow controller the handlers use.
type FlowHandlers struct {
	controller *app.Controller
}

func NewFlowHandlers(controller *app.Controller) *FlowHandlers {
	return &FlowHandlers{controller: controller}
}

type startFlowRequest struct {
	ConsentID string `json:"consentId"`
	PaymentID string `json:"paymentId"`
}

type continueRequest struct {
	IBANs []string `json:"ibans"`
}

type submitTANRequest struct {
	TAN string `json:"tan"`
}

// StartFlowHandler opens a session and moves it straight to the consent review page.
func (h *FlowHandlers) StartFlowHandler(w http.ResponseWriter, r *http.Request) {
	psuID, ok := GetPsuID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "PSU could not be resolved")
		return
	}

	flow, err := domain.ParseFlowType(chi.URLParam(r, "flow"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "UNKNOWN_FLOW", err.Error())
		return
	}

	var req startFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body")
		return
	}

	session, err := h.controller.Start(r.Context(), flow, psuID, req.ConsentID, req.PaymentID)
	if err != nil {
		writeControllerError(w, err)
		return
	}

	page, err := h.controller.Review(r.Context(), psuID, session.ID)
	if err != nil {
		// The PSU never saw the session id, so a session stuck in start cannot be retried.
		if errors.Is(err, app.ErrBackendUnavailable) {
			if abandonErr := h.controller.Abandon(r.Context(), psuID, session.ID); abandonErr != nil {
				log.Printf("level=warn component=api msg=\"abandon session failed\" session_id=%s err=%v", session.ID, abandonErr)
			}
		}
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, page)
}

// ReviewHandler (re)loads the consent review page, e.g. after the bank was unreachable.
func (h *FlowHandlers) ReviewHandler(w http.ResponseWriter, r *http.Request) {
	psuID, ok := GetPsuID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "PSU could not be resolved")
		return
	}
	page, err := h.controller.Review(r.Context(), psuID, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetSessionHandler answers the page of the current state.
func (h *FlowHandlers) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	psuID, ok := GetPsuID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "PSU could not be resolved")
		return
	}
	page, err := h.controller.Current(r.Context(), psuID, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ContinueHandler confirms the consent with the selected accounts.
func (h *FlowHandlers) ContinueHandler(w http.ResponseWriter, r *http.Request) {
	psuID, ok := GetPsuID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "PSU could not be resolved")
		return
	}

	var req continueRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body")
			return
		}
	}

	page, err := h.controller.Continue(r.Context(), psuID, chi.URLParam(r, "sessionID"), req.IBANs)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// SubmitTANHandler validates the TAN entered by the PSU.
func (h *FlowHandlers) SubmitTANHandler(w http.ResponseWriter, r *http.Request) {
	psuID, ok := GetPsuID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "PSU could not be resolved")
		return
	}

	var req submitTANRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST_BODY", "Invalid request body")
		return
	}

	page, err := h.controller.SubmitTAN(r.Context(), psuID, chi.URLParam(r, "sessionID"), req.TAN)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// CancelHandler revokes the consent and ends the flow.
func (h *FlowHandlers) CancelHandler(w http.ResponseWriter, r *http.Request) {
	psuID, ok := GetPsuID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "PSU could not be resolved")
		return
	}
	page, err := h.controller.Cancel(r.Context(), psuID, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "Flow session not found or expired")
	case errors.Is(err, app.ErrSessionBusy):
		writeError(w, http.StatusConflict, "SESSION_BUSY", "Another action on this session is in progress")
	case errors.Is(err, app.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, app.ErrEmptyTAN):
		writeError(w, http.StatusBadRequest, "TAN_REQUIRED", err.Error())
	case errors.Is(err, app.ErrNoAccountSelected):
		writeError(w, http.StatusBadRequest, "NO_ACCOUNT_SELECTED", err.Error())
	case errors.Is(err, app.ErrMissingConsentID), errors.Is(err, app.ErrMissingPaymentID), errors.Is(err, app.ErrMissingPsuID):
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, app.ErrBackendUnavailable):
		log.Printf("level=warn component=api msg=\"backend unavailable\" err=%v", err)
		writeError(w, http.StatusBadGateway, "BACKEND_UNAVAILABLE", "The bank could not be reached. Please try again.")
	default:
		log.Printf("level=error component=api msg=\"flow action failed\" err=%v", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Unexpected error")
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

// writeError writes {"error":{"message":CODE,"detail":...}}.
func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]errorDetail{"error": {Message: code, Detail: strings.TrimSpace(detail)}})
}
