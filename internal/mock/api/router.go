/**
 * @description
 * This file sets up the HTTP router for the mock-server. It serves the three backends the
 * flow-service talks to from one process.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MockRoutes creates the router of the mock-server.
func MockRoutes(h *MockHandlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Account-servicing API
	r.Get("/v1/consents/{consentID}", h.GetConsentHandler)
	r.Get("/v1/accounts", h.ListAccountsHandler)
	r.Get("/v1/payments/{paymentID}", h.GetPaymentHandler)

	// Consent-management API
	r.Put("/api/v1/ais/consent/{consentID}/access", h.UpdateAccessHandler)

	// TAN server
	r.Post("/consent/confirmation/{flow}/{psuID}", h.GenerateTANHandler)
	r.Put("/consent/confirmation/{flow}", h.ValidateTANHandler)
	r.Put("/consent/confirmation/{flow}/{consentID}/{status}", h.UpdateStatusHandler)

	return r
}
