package clicks

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smdydx/couponDuniya-sub001/internal/log"
	"github.com/smdydx/couponDuniya-sub001/internal/metrics"
	"github.com/smdydx/couponDuniya-sub001/internal/store"

	"go.uber.org/zap"
)

// Event is the click message pushed onto the queue at redirect time. The
// field names are the wire format shared with the click worker.
type Event struct {
	OfferID    string `json:"offerId"`
	UserID     string `json:"userId,omitempty"`
	MerchantID string `json:"merchantId"`
	UA         string `json:"ua"`
	IP         string `json:"ip"`
	Referrer   string `json:"referrer"`
	TS         int64  `json:"ts"`
}

// DeviceType classifies a user agent by case-insensitive substring match.
func DeviceType(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "mobile"):
		return "mobile"
	case strings.Contains(ua, "tablet"):
		return "tablet"
	default:
		return "desktop"
	}
}

// ToOfferClick converts a queued event into the durable row shape, minting
// the click's tracking UUID.
func (e Event) ToOfferClick() store.OfferClick {
	return store.OfferClick{
		OfferUUID:  e.OfferID,
		ClickID:    uuid.NewString(),
		UserID:     parseUserID(e.UserID),
		IP:         e.IP,
		UserAgent:  e.UA,
		Referrer:   e.Referrer,
		DeviceType: DeviceType(e.UA),
		ClickedAt:  time.UnixMilli(e.TS),
	}
}

func parseUserID(s string) *int64 {
	if s == "" {
		return nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

// ClickWriter is the fallback sink when the queue is unreachable.
type ClickWriter interface {
	InsertClickDirect(ctx context.Context, c store.OfferClick) error
}

// Queue is the primary sink for click events.
type Queue interface {
	Push(ctx context.Context, queue, payload string) error
}

// Ingestor durably records click events. It is always invoked after the
// redirect response has been written, so every error path here is logged
// and swallowed.
type Ingestor struct {
	queue     Queue
	db        ClickWriter
	queueName string
	metrics   *metrics.Metrics
	logger    *log.Logger
}

func NewIngestor(queue Queue, db ClickWriter, queueName string, m *metrics.Metrics, logger *log.Logger) *Ingestor {
	return &Ingestor{
		queue:     queue,
		db:        db,
		queueName: queueName,
		metrics:   m,
		logger:    logger,
	}
}

// Ingest pushes the event onto the click queue, falling back to a direct
// database write when the queue is unavailable.
func (i *Ingestor) Ingest(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		i.logger.Error("Failed to marshal click event", zap.Error(err))
		return
	}

	pushErr := i.queue.Push(ctx, i.queueName, string(payload))
	if pushErr == nil {
		i.metrics.ClicksEnqueued.Inc()
		return
	}
	i.logger.Warn("Queue unavailable, falling back to direct DB logging", zap.Error(pushErr))

	if err := i.db.InsertClickDirect(ctx, ev.ToOfferClick()); err != nil {
		i.logger.Error("Error logging click",
			zap.String("offer_id", ev.OfferID), zap.Error(err))
		return
	}
	i.metrics.ClicksFallback.Inc()
}
