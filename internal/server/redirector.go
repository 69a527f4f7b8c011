package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/smdydx/couponDuniya-sub001/internal/clicks"
	"github.com/smdydx/couponDuniya-sub001/internal/log"
	"github.com/smdydx/couponDuniya-sub001/internal/metrics"
	"github.com/smdydx/couponDuniya-sub001/internal/ratelimit"
	"github.com/smdydx/couponDuniya-sub001/internal/resolver"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pinger is the liveness check both stores expose.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRedirectRouter wires the outbound redirect endpoint. The 302 is written
// before click ingestion runs; ingestion happens on a detached goroutine so a
// slow queue never delays the response.
func NewRedirectRouter(res *resolver.Resolver, limiter *ratelimit.Limiter, ingestor *clicks.Ingestor, m *metrics.Metrics, db, rds Pinger, logger *log.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Get("/health", healthHandler(db, rds, logger))

	redirect := func(w http.ResponseWriter, req *http.Request) {
		merchantID := chi.URLParam(req, "merchantId")
		offerID := chi.URLParam(req, "offerId")
		userID := chi.URLParam(req, "userId")

		status := func(code int) {
			m.RedirectsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
		}

		if _, err := uuid.Parse(offerID); err != nil {
			status(http.StatusBadRequest)
			http.Error(w, "Invalid offer ID", http.StatusBadRequest)
			return
		}
		if userID != "" {
			if _, err := strconv.ParseInt(userID, 10, 64); err != nil {
				status(http.StatusBadRequest)
				http.Error(w, "Invalid user ID", http.StatusBadRequest)
				return
			}
		}

		clientKey := ratelimit.ClientKey(req)
		allowed, err := limiter.Allow(req.Context(), clientKey)
		if err != nil {
			// fail open: a counter outage must not take down redirects
			logger.Warn("Rate limiter unavailable", zap.Error(err))
			allowed = true
		}
		if !allowed {
			status(http.StatusTooManyRequests)
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}

		target, err := res.Resolve(req.Context(), offerID)
		if err != nil {
			if errors.Is(err, resolver.ErrNotFound) {
				status(http.StatusNotFound)
				http.Error(w, "Offer not found", http.StatusNotFound)
				return
			}
			logger.Error("Redirect resolution failed",
				zap.String("offer_id", offerID), zap.Error(err))
			status(http.StatusInternalServerError)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}

		ev := clicks.Event{
			OfferID:    offerID,
			UserID:     userID,
			MerchantID: merchantID,
			UA:         req.UserAgent(),
			IP:         clientKey,
			Referrer:   req.Referer(),
			TS:         time.Now().UnixMilli(),
		}
		// detached from the request context: the response is already on its
		// way and ingestion must survive the handler returning
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			ingestor.Ingest(ctx, ev)
		}()

		status(http.StatusFound)
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		http.Redirect(w, req, target, http.StatusFound)
	}

	r.Get("/out/{merchantId}/{offerId}", redirect)
	r.Get("/out/{merchantId}/{offerId}/{userId}", redirect)

	return r
}

func healthHandler(db, rds Pinger, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			logger.Error("Database health check failed", zap.Error(err))
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := rds.Ping(r.Context()); err != nil {
			logger.Error("Redis health check failed", zap.Error(err))
			http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	}
}
