package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/fitledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса учёта FIT.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.RequestLogger(h.logger))
	r.Use(custommiddleware.GzipMiddleware)

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/balance", h.GetBalance)
			r.Get("/ledger", h.GetLedger)
			r.Get("/rewards", h.GetRewards)

			r.Post("/devices/sync", h.SyncDevice)

			r.Get("/products", h.GetProducts)
			r.Post("/purchases", h.Purchase)
			r.Get("/purchases", h.GetPurchases)
		})
	})

	r.Route("/api/internal", func(r chi.Router) {
		r.Use(custommiddleware.InternalToken(h.internalToken))

		r.Post("/rewards", h.GrantReward)

		r.Get("/mirrors/pending", h.GetPendingMirrors)
		r.Get("/mirrors/abandoned", h.GetAbandonedMirrors)
		r.Post("/mirrors/{kind}/{id}/retry", h.RetryMirror)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
