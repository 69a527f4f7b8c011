package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/smdydx/couponDuniya-sub001/internal/config"
	"github.com/smdydx/couponDuniya-sub001/internal/log"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

// DLQStore is the queue surface the admin endpoints need.
type DLQStore interface {
	ListRange(ctx context.Context, queue string, n int64) ([]string, error)
	PopNoWait(ctx context.Context, queue string) (string, bool, error)
	Push(ctx context.Context, queue, payload string) error
}

// NewWorkersRouter serves the worker supervisor's health endpoint plus the
// JWT-guarded dead-letter admin surface.
func NewWorkersRouter(cfg *config.Config, dlq DLQStore, workers []string, logger *log.Logger) *chi.Mux {
	allowed := map[string]bool{
		cfg.ClickQueue:    true,
		cfg.EmailQueue:    true,
		cfg.SMSQueue:      true,
		cfg.CashbackQueue: true,
	}

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"workers": workers,
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Get("/admin/dlq/{queue}", func(w http.ResponseWriter, req *http.Request) {
			queue := chi.URLParam(req, "queue")
			if !allowed[queue] {
				http.Error(w, "Unknown queue", http.StatusBadRequest)
				return
			}
			limit, _ := strconv.ParseInt(req.URL.Query().Get("limit"), 10, 64)
			if limit <= 0 {
				limit = 10
			}
			entries, err := dlq.ListRange(req.Context(), config.DLQName(queue), limit)
			if err != nil {
				logger.Error("Failed to read DLQ", zap.String("queue", queue), zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			out := make([]json.RawMessage, 0, len(entries))
			for _, e := range entries {
				out = append(out, json.RawMessage(e))
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(out); err != nil {
				logger.Error("Failed to encode DLQ response", zap.Error(err))
				http.Error(w, "Failed to encode response", http.StatusInternalServerError)
			}
		})

		r.Post("/admin/dlq/{queue}/requeue", func(w http.ResponseWriter, req *http.Request) {
			queue := chi.URLParam(req, "queue")
			if !allowed[queue] {
				http.Error(w, "Unknown queue", http.StatusBadRequest)
				return
			}
			requeued := 0
			for {
				entry, ok, err := dlq.PopNoWait(req.Context(), config.DLQName(queue))
				if err != nil {
					logger.Error("Failed to drain DLQ", zap.String("queue", queue), zap.Error(err))
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				if !ok {
					break
				}
				if err := dlq.Push(req.Context(), queue, requeuePayload(entry)); err != nil {
					logger.Error("Failed to requeue DLQ entry", zap.String("queue", queue), zap.Error(err))
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				requeued++
			}
			logger.Info("Requeued DLQ entries", zap.String("queue", queue), zap.Int("count", requeued))
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]int{"requeued": requeued})
		})
	})

	return r
}

// requeuePayload recovers the original message from a DLQ entry. Click
// entries wrap the raw payload; job entries are the job itself with the
// failure fields merged in, which the worker's decoder ignores.
func requeuePayload(entry string) string {
	var wrapped struct {
		Raw string `json:"raw"`
	}
	if err := json.Unmarshal([]byte(entry), &wrapped); err == nil && wrapped.Raw != "" {
		return wrapped.Raw
	}
	return entry
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), "claims", token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
