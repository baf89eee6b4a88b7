package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/giftbox-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса гифтбокс.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/api/gifts", h.ListGiftTypes)
	r.Get("/api/claim/{code}", h.Claim)
	r.Post("/api/redeem", h.Redeem)

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/purchase", h.Purchase)
			r.Get("/inventory", h.GetInventory)

			r.Post("/send", h.SendGift)
			r.Get("/sent", h.GetSentHistory)

			r.Put("/device", h.SetDevice)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
