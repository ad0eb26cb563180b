/**
 * @description
 * This file sets up the HTTP router for the flow-service. Routes mirror the pages of the
 * consent confirmation SPA and answer JSON page documents.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the SPA origins.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// FlowRoutes creates the router of the flow-service.
func FlowRoutes(h *FlowHandlers, jwksURL, audience, issuer string, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", PsuIDHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(PsuAuthMiddleware(jwksURL, audience, issuer))

		r.Post("/flows/{flow}", h.StartFlowHandler)
		r.Get("/flows/sessions/{sessionID}", h.GetSessionHandler)
		r.Post("/flows/sessions/{sessionID}/review", h.ReviewHandler)
		r.Post("/flows/sessions/{sessionID}/continue", h.ContinueHandler)
		r.Post("/flows/sessions/{sessionID}/tan", h.SubmitTANHandler)
		r.Post("/flows/sessions/{sessionID}/cancel", h.CancelHandler)
	})

	return r
}
