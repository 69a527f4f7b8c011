package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/smdydx/couponDuniya-sub001/internal/config"
	"github.com/smdydx/couponDuniya-sub001/internal/log"
	"github.com/smdydx/couponDuniya-sub001/internal/server"
	"github.com/smdydx/couponDuniya-sub001/internal/store"
	"github.com/smdydx/couponDuniya-sub001/internal/webhook"

	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.RazorpayWebhookSecret == "" {
		logger.Fatal("RAZORPAY_WEBHOOK_SECRET is required")
	}

	rds, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rds.Close()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	handler := webhook.NewHandler(cfg.RazorpayWebhookSecret, db, webhook.LogFulfiller{Logger: logger}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:    ":" + cfg.WebhooksPort,
		Handler: server.NewWebhookRouter(handler, db, rds, logger),
	}
	go func() {
		logger.Info("Webhook server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
