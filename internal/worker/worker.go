package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/smdydx/couponDuniya-sub001/internal/config"
	"github.com/smdydx/couponDuniya-sub001/internal/log"
	"github.com/smdydx/couponDuniya-sub001/internal/metrics"

	"go.uber.org/zap"
)

// QueueStore is the queue-side capability slice the workers need.
type QueueStore interface {
	Push(ctx context.Context, queue, payload string) error
	PushHead(ctx context.Context, queue, payload string) error
	BLPop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error)
	SetAdd(ctx context.Context, set, member string) error
	SetRemove(ctx context.Context, set, member string) error
	SetMembers(ctx context.Context, set string) ([]string, error)
}

// Retryable jobs carry their own attempt counter through requeues.
type Retryable[T any] interface {
	Attempts() int
	WithAttempts(n int) T
}

// Worker drains one queue with at-least-once semantics: every claimed
// payload sits in the queue's processing set until it reaches a terminal
// outcome, so a crash mid-processing is recovered by the next boot's sweep.
type Worker[T Retryable[T]] struct {
	store      QueueStore
	queue      string
	processing string
	dlq        string
	validate   func(T) error
	handle     func(ctx context.Context, job T) error
	maxRetries int
	retryDelay time.Duration
	popTimeout time.Duration
	metrics    *metrics.Metrics
	logger     *log.Logger
}

func New[T Retryable[T]](
	store QueueStore,
	queue string,
	validate func(T) error,
	handle func(ctx context.Context, job T) error,
	maxRetries int,
	retryDelay time.Duration,
	popTimeout time.Duration,
	m *metrics.Metrics,
	logger *log.Logger,
) *Worker[T] {
	return &Worker[T]{
		store:      store,
		queue:      queue,
		processing: config.ProcessingSetName(queue),
		dlq:        config.DLQName(queue),
		validate:   validate,
		handle:     handle,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		popTimeout: popTimeout,
		metrics:    m,
		logger:     logger,
	}
}

// Run sweeps crashed in-flight payloads back onto the queue, then consumes
// until the context is canceled.
func (w *Worker[T]) Run(ctx context.Context) {
	if err := recoverInFlight(ctx, w.store, w.queue, w.processing, w.logger); err != nil {
		w.logger.Error("Recovery sweep failed", zap.String("queue", w.queue), zap.Error(err))
	}
	w.logger.Info("Worker listening", zap.String("queue", w.queue))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker shutting down", zap.String("queue", w.queue))
			return
		default:
		}

		raw, ok, err := w.store.BLPop(ctx, w.queue, w.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("Worker loop error", zap.String("queue", w.queue), zap.Error(err))
			sleepCtx(ctx, 2*time.Second)
			continue
		}
		if !ok {
			continue
		}

		if err := w.store.SetAdd(ctx, w.processing, raw); err != nil {
			w.logger.Error("Failed to track in-flight job", zap.String("queue", w.queue), zap.Error(err))
		}
		w.process(ctx, raw)
	}
}

func (w *Worker[T]) process(ctx context.Context, raw string) {
	var job T
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.logger.Error("Dropping malformed job", zap.String("queue", w.queue), zap.Error(err))
		w.remove(raw)
		return
	}
	if err := w.validate(job); err != nil {
		w.logger.Error("Dropping invalid job", zap.String("queue", w.queue), zap.Error(err))
		w.remove(raw)
		return
	}

	err := w.handle(ctx, job)
	w.remove(raw)
	if err == nil {
		w.metrics.JobsProcessed.WithLabelValues(w.queue).Inc()
		return
	}

	attempts := job.Attempts() + 1
	if attempts >= w.maxRetries {
		w.logger.Error("Job exhausted retries, moving to DLQ",
			zap.String("queue", w.queue), zap.Int("attempts", attempts), zap.Error(err))
		w.deadLetter(job.WithAttempts(attempts), err)
		return
	}

	retryJob := job.WithAttempts(attempts)
	w.logger.Warn("Job failed, scheduling retry",
		zap.String("queue", w.queue),
		zap.Int("attempt", attempts+1),
		zap.Int("max_retries", w.maxRetries),
		zap.Error(err))
	w.metrics.JobsRetried.WithLabelValues(w.queue).Inc()

	payload, merr := json.Marshal(retryJob)
	if merr != nil {
		w.logger.Error("Failed to marshal retry job", zap.String("queue", w.queue), zap.Error(merr))
		return
	}
	// deferred re-push keeps the main loop servicing other messages
	time.AfterFunc(w.retryDelay, func() {
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.store.Push(rctx, w.queue, string(payload)); err != nil {
			w.logger.Error("Failed to requeue job for retry", zap.String("queue", w.queue), zap.Error(err))
		}
	})
}

// deadLetter writes the job with its last error and failure time appended,
// preserving the job's own fields for manual inspection.
func (w *Worker[T]) deadLetter(job T, cause error) {
	entry := map[string]interface{}{}
	if data, err := json.Marshal(job); err == nil {
		_ = json.Unmarshal(data, &entry)
	}
	entry["error"] = cause.Error()
	entry["failedAt"] = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(entry)
	if err != nil {
		w.logger.Error("Failed to marshal DLQ entry", zap.String("queue", w.queue), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.Push(ctx, w.dlq, string(payload)); err != nil {
		w.logger.Error("Failed to push DLQ entry", zap.String("queue", w.queue), zap.Error(err))
		return
	}
	w.metrics.JobsDeadLettered.WithLabelValues(w.queue).Inc()
}

func (w *Worker[T]) remove(raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.store.SetRemove(ctx, w.processing, raw); err != nil {
		w.logger.Error("Failed to clear in-flight job", zap.String("queue", w.queue), zap.Error(err))
	}
}

// recoverInFlight requeues payloads left in a processing set by a crashed
// consumer. They go back to the head of the queue so recovered work is
// retried before new arrivals.
func recoverInFlight(ctx context.Context, store QueueStore, queue, processing string, logger *log.Logger) error {
	crashed, err := store.SetMembers(ctx, processing)
	if err != nil {
		return fmt.Errorf("read processing set %s: %w", processing, err)
	}
	if len(crashed) == 0 {
		return nil
	}
	logger.Info("Recovering in-flight jobs",
		zap.String("queue", queue), zap.Int("count", len(crashed)))
	for _, raw := range crashed {
		if err := store.SetRemove(ctx, processing, raw); err != nil {
			return fmt.Errorf("clear processing entry: %w", err)
		}
		if err := store.PushHead(ctx, queue, raw); err != nil {
			return fmt.Errorf("requeue recovered job: %w", err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
