package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/leadflow-system/internal/middleware"
	"github.com/mmeshcher/leadflow-system/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware платформы заявок.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})

	r.Route("/api/partner", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(custommiddleware.RequireRole(model.RolePartner))

		r.Post("/leads", h.CreateLead)
		r.Get("/leads", h.ListPartnerLeads)
		r.Get("/leads/{leadID}", h.GetPartnerLead)

		r.Get("/dashboard", h.PartnerDashboard)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(custommiddleware.RequireRole(model.RoleAdmin))

		r.Get("/leads", h.ListLeads)
		r.Get("/leads/{leadID}", h.GetLead)
		r.Post("/leads/{leadID}/status", h.AdvanceStatus)
		r.Post("/leads/{leadID}/bank", h.AssignBank)
		r.Post("/leads/{leadID}/disbursement", h.RecordDisbursement)
		r.Post("/leads/{leadID}/commission/status", h.TransitionCommission)

		r.Get("/dashboard", h.Dashboard)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
