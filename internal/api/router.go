/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LedgerRoutes creates and returns the router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, jwtSecret, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// The gateway callback is unauthenticated at the HTTP layer; authenticity
	// comes from the HMAC signature on the body.
	r.Post("/payments/callback", h.PaymentCallbackHandler)

	// Group routes that require user authentication.
	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(jwtSecret))

		r.Post("/payments/create", h.CreateDepositHandler)
		r.Get("/payments/status/{paymentID}", h.PaymentStatusHandler)
		r.Get("/payments/balance", h.GetBalanceHandler)
		r.Get("/payments/transactions", h.ListTransactionsHandler)

		r.Post("/numbers/purchase", h.PurchaseNumberHandler)
		r.Post("/numbers/return", h.ReturnNumberHandler)
		r.Get("/numbers", h.ListNumbersHandler)
		r.Post("/numbers/transfer", h.TransferNumberHandler)
		r.Get("/numbers/{number}/messages", h.FetchMessagesHandler)

		r.Get("/services/price", h.QuoteServicePriceHandler)
	})

	// Administrative endpoints guarded by the internal service key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Get("/payments/all-transactions", h.ListAllTransactionsHandler)
		r.Post("/payments/update-balance", h.AdjustBalanceHandler)
		r.Get("/admin/markup", h.GetMarkupHandler)
		r.Put("/admin/markup", h.UpdateMarkupHandler)
	})

	return r
}
