package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/smdydx/couponDuniya-sub001/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// QueueDepths reports current list lengths for the depth gauges.
type QueueDepths interface {
	ListLen(ctx context.Context, queue string) (int64, error)
}

type Metrics struct {
	RedirectsTotal   *prometheus.CounterVec
	ClicksEnqueued   prometheus.Counter
	ClicksFallback   prometheus.Counter
	JobsProcessed    *prometheus.CounterVec
	JobsRetried      *prometheus.CounterVec
	JobsDeadLettered *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec

	registry *prometheus.Registry
	logger   *log.Logger
}

func New(logger *log.Logger) *Metrics {
	m := &Metrics{
		RedirectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_redirects_total",
				Help: "Redirect requests served, by HTTP status",
			},
			[]string{"status"},
		),
		ClicksEnqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "coupon_clicks_enqueued_total",
				Help: "Click events pushed onto the click queue",
			},
		),
		ClicksFallback: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "coupon_clicks_fallback_total",
				Help: "Click events written directly to the database after a queue push failure",
			},
		),
		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_jobs_processed_total",
				Help: "Jobs handled successfully, per queue",
			},
			[]string{"queue"},
		),
		JobsRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_jobs_retried_total",
				Help: "Jobs scheduled for a delayed retry, per queue",
			},
			[]string{"queue"},
		),
		JobsDeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_jobs_dead_lettered_total",
				Help: "Jobs moved to a dead letter queue, per queue",
			},
			[]string{"queue"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coupon_queue_depth",
				Help: "Current length of each Redis queue",
			},
			[]string{"queue"},
		),
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}

	m.registry.MustRegister(
		m.RedirectsTotal,
		m.ClicksEnqueued,
		m.ClicksFallback,
		m.JobsProcessed,
		m.JobsRetried,
		m.JobsDeadLettered,
		m.QueueDepth,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Run serves /metrics on its own listener and keeps the queue depth gauges
// fresh until the context is canceled.
func (m *Metrics) Run(ctx context.Context, addr string, depths QueueDepths, queues []string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go m.collectDepths(ctx, depths, queues)

	go func() {
		m.logger.Info("Metrics server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *Metrics) collectDepths(ctx context.Context, depths QueueDepths, queues []string) {
	if depths == nil || len(queues) == 0 {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				n, err := depths.ListLen(ctx, q)
				if err != nil {
					m.logger.Error("Failed to read queue depth", zap.String("queue", q), zap.Error(err))
					continue
				}
				m.QueueDepth.WithLabelValues(q).Set(float64(n))
			}
		}
	}
}
