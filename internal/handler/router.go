package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"vehicle-loan-ledger/internal/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(h *LedgerHandler, verifier middleware.TokenVerifier) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.AccessLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Health)

	// ルート定義
	r.Route("/v1", func(r chi.Router) {
		r.Get("/keys/public", h.PublicKey)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Identity(verifier))

			r.Post("/vehicles", h.AddVehicle)
			r.Route("/vehicles/{vehicle_id}", func(r chi.Router) {
				r.Get("/", h.GetVehicle)
				r.Get("/figures", h.RevealVehicle)
				r.Post("/tokenize", h.TokenizeVehicle)
				r.Post("/applications", h.SubmitApplication)
			})

			r.Route("/applications/{application_id}", func(r chi.Router) {
				r.Get("/", h.GetApplication)
				r.Post("/decision", h.DecideApplication)
				r.Post("/withdraw", h.WithdrawApplication)
				r.Post("/loan", h.CreateLoan)
			})

			r.Route("/loans/{loan_id}", func(r chi.Router) {
				r.Get("/", h.GetLoan)
				r.Get("/figures", h.RevealLoan)
				r.Post("/payments", h.MakePayment)
				r.Get("/payments", h.ListPayments)
				r.Post("/reconcile", h.ReconcileLoan)
			})

			r.Get("/audit", h.ListAudit)
			r.Get("/audit/verify", h.VerifyAudit)
			r.Get("/stats", h.Stats)
			r.Get("/reputation/{principal}", h.Reputation)
		})
	})

	return r
}
