package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/smdydx/couponDuniya-sub001/internal/clicks"
	"github.com/smdydx/couponDuniya-sub001/internal/config"
	"github.com/smdydx/couponDuniya-sub001/internal/log"
	"github.com/smdydx/couponDuniya-sub001/internal/metrics"
	"github.com/smdydx/couponDuniya-sub001/internal/store"

	"go.uber.org/zap"
)

// ClickStore persists one click transactionally.
type ClickStore interface {
	InsertClick(ctx context.Context, c store.OfferClick) error
}

// clickDeadLetter wraps the unparsed payload so a malformed or unwritable
// click can be replayed by hand.
type clickDeadLetter struct {
	Raw      string `json:"raw"`
	Error    string `json:"error"`
	FailedAt string `json:"failedAt"`
}

// ClickWorker drains the click queue into offer_clicks. No retry budget:
// a click either commits or goes to the DLQ, and only a process crash
// triggers reprocessing via the recovery sweep.
type ClickWorker struct {
	store      QueueStore
	db         ClickStore
	queue      string
	processing string
	dlq        string
	popTimeout time.Duration
	metrics    *metrics.Metrics
	logger     *log.Logger
}

func NewClickWorker(qs QueueStore, db ClickStore, queue string, popTimeout time.Duration, m *metrics.Metrics, logger *log.Logger) *ClickWorker {
	return &ClickWorker{
		store:      qs,
		db:         db,
		queue:      queue,
		processing: config.ProcessingSetName(queue),
		dlq:        config.DLQName(queue),
		popTimeout: popTimeout,
		metrics:    m,
		logger:     logger,
	}
}

func (w *ClickWorker) Run(ctx context.Context) {
	if err := recoverInFlight(ctx, w.store, w.queue, w.processing, w.logger); err != nil {
		w.logger.Error("Click recovery sweep failed", zap.Error(err))
	}
	w.logger.Info("Click worker listening", zap.String("queue", w.queue))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Click worker shutting down")
			return
		default:
		}

		raw, ok, err := w.store.BLPop(ctx, w.queue, w.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("Click worker loop error", zap.Error(err))
			sleepCtx(ctx, 2*time.Second)
			continue
		}
		if !ok {
			continue
		}

		if err := w.store.SetAdd(ctx, w.processing, raw); err != nil {
			w.logger.Error("Failed to track in-flight click", zap.Error(err))
		}
		w.process(ctx, raw)
	}
}

// Process handles a single raw click payload through to a terminal outcome.
func (w *ClickWorker) process(ctx context.Context, raw string) {
	err := w.handle(ctx, raw)
	w.remove(raw)
	if err == nil {
		w.metrics.JobsProcessed.WithLabelValues(w.queue).Inc()
		return
	}

	w.logger.Error("Failed to process click job", zap.Error(err))
	entry := clickDeadLetter{
		Raw:      raw,
		Error:    err.Error(),
		FailedAt: time.Now().UTC().Format(time.RFC3339),
	}
	payload, merr := json.Marshal(entry)
	if merr != nil {
		w.logger.Error("Failed to marshal click DLQ entry", zap.Error(merr))
		return
	}
	dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.Push(dctx, w.dlq, string(payload)); err != nil {
		w.logger.Error("Failed to push click DLQ entry", zap.Error(err))
		return
	}
	w.metrics.JobsDeadLettered.WithLabelValues(w.queue).Inc()
}

func (w *ClickWorker) handle(ctx context.Context, raw string) error {
	var ev clicks.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return err
	}
	return w.db.InsertClick(ctx, ev.ToOfferClick())
}

func (w *ClickWorker) remove(raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.SetRemove(ctx, w.processing, raw); err != nil {
		w.logger.Error("Failed to clear in-flight click", zap.Error(err))
	}
}
