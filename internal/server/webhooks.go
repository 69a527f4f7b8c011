package server

import (
	"time"

	"github.com/smdydx/couponDuniya-sub001/internal/log"
	"github.com/smdydx/couponDuniya-sub001/internal/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// NewWebhookRouter wires the payment-gateway callback endpoint. The gateway
// retries on 5xx so the handler owns all status-code decisions; the router
// only adds rate limiting and liveness.
func NewWebhookRouter(handler *webhook.Handler, db, rds Pinger, logger *log.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", healthHandler(db, rds, logger))
	r.Post("/webhooks/razorpay", handler.ServeHTTP)

	return r
}
