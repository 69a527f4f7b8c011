package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/smdydx/couponDuniya-sub001/internal/clicks"
	"github.com/smdydx/couponDuniya-sub001/internal/config"
	"github.com/smdydx/couponDuniya-sub001/internal/log"
	"github.com/smdydx/couponDuniya-sub001/internal/metrics"
	"github.com/smdydx/couponDuniya-sub001/internal/ratelimit"
	"github.com/smdydx/couponDuniya-sub001/internal/resolver"
	"github.com/smdydx/couponDuniya-sub001/internal/server"
	"github.com/smdydx/couponDuniya-sub001/internal/store"

	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
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

	m := metrics.New(logger)
	res := resolver.New(db, rds, cfg.URLCacheTTL, logger)
	limiter := ratelimit.New(rds, cfg.RateLimitPerMinute, cfg.RateWindow)
	ingestor := clicks.NewIngestor(rds, db, cfg.ClickQueue, m, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go m.Run(ctx, ":"+cfg.MetricsPort, rds, []string{cfg.ClickQueue})

	srv := &http.Server{
		Addr:    ":" + cfg.RedirectorPort,
		Handler: server.NewRedirectRouter(res, limiter, ingestor, m, db, rds, logger),
	}
	go func() {
		logger.Info("Redirector listening", zap.String("addr", srv.Addr))
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
