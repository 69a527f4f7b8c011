package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/smdydx/couponDuniya-sub001/internal/cashback"
	"github.com/smdydx/couponDuniya-sub001/internal/config"
	"github.com/smdydx/couponDuniya-sub001/internal/jobs"
	"github.com/smdydx/couponDuniya-sub001/internal/log"
	"github.com/smdydx/couponDuniya-sub001/internal/metrics"
	"github.com/smdydx/couponDuniya-sub001/internal/server"
	"github.com/smdydx/couponDuniya-sub001/internal/store"
	"github.com/smdydx/couponDuniya-sub001/internal/worker"

	"go.uber.org/zap"
)

var allWorkers = []string{"clicks", "email", "sms", "cashback"}

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	selected := selectWorkers(os.Args[1:])
	if len(selected) == 0 {
		logger.Fatal("No known worker selected", zap.Strings("args", os.Args[1:]))
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Worker started", zap.String("worker", name))
			fn(ctx)
			logger.Info("Worker stopped", zap.String("worker", name))
		}()
	}

	for _, name := range selected {
		switch name {
		case "clicks":
			w := worker.NewClickWorker(rds, db, cfg.ClickQueue, cfg.PopTimeout, m, logger)
			run(name, w.Run)
		case "email":
			sender := jobs.NewEmailSender(cfg.SendgridAPIKey, cfg.FromEmail, cfg.AppURL, logger)
			w := worker.New(rds, cfg.EmailQueue, jobs.ValidateEmail, sender.Send,
				cfg.MaxRetries, cfg.RetryDelay, cfg.PopTimeout, m, logger)
			run(name, w.Run)
		case "sms":
			sender := jobs.NewSmsSender(cfg.MSG91AuthKey, cfg.MSG91SenderID, cfg.MSG91TemplateID, logger)
			w := worker.New(rds, cfg.SMSQueue, jobs.ValidateSms, sender.Send,
				cfg.MaxRetries, cfg.RetryDelay, cfg.PopTimeout, m, logger)
			run(name, w.Run)
		case "cashback":
			syncer := cashback.NewSyncer(db, rds, cfg, logger)
			run(name, syncer.Run)
			w := worker.New(rds, cfg.CashbackQueue, jobs.ValidateCashback,
				func(ctx context.Context, _ jobs.CashbackJob) error {
					return syncer.SyncOnce(ctx)
				},
				cfg.MaxRetries, cfg.RetryDelay, cfg.PopTimeout, m, logger)
			run(name+"-queue", w.Run)
		}
	}

	queues := []string{cfg.ClickQueue, cfg.EmailQueue, cfg.SMSQueue, cfg.CashbackQueue}
	go m.Run(ctx, ":"+cfg.MetricsPort, rds, queues)

	srv := &http.Server{
		Addr:    ":" + cfg.WorkersHealthPort,
		Handler: server.NewWorkersRouter(cfg, rds, selected, logger),
	}
	go func() {
		logger.Info("Workers admin listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	wg.Wait()
}

// selectWorkers resolves argv to worker names; no args means all of them.
func selectWorkers(args []string) []string {
	if len(args) == 0 {
		return allWorkers
	}
	known := make(map[string]bool, len(allWorkers))
	for _, w := range allWorkers {
		known[w] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, a := range args {
		if known[a] && !seen[a] {
			out = append(out, a)
			seen[a] = true
		}
	}
	return out
}
