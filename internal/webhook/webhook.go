package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/smdydx/couponDuniya-sub001/internal/log"

	"go.uber.org/zap"
)

// PaymentStore applies verified gateway events to payment/order state.
type PaymentStore interface {
	MarkPaymentAuthorized(ctx context.Context, gatewayOrderID, gatewayPaymentID string, gatewayResponse []byte, orderID string) error
	MarkPaymentFailed(ctx context.Context, gatewayOrderID, errorMessage string, gatewayResponse []byte) error
}

// Fulfiller kicks off order fulfillment once payment lands. The concrete
// implementation lives in the main backend; this service only triggers it.
type Fulfiller interface {
	TriggerFulfillment(ctx context.Context, orderID string) error
}

// LogFulfiller is the default stand-in: it records the trigger and nothing
// else.
type LogFulfiller struct {
	Logger *log.Logger
}

func (f LogFulfiller) TriggerFulfillment(_ context.Context, orderID string) error {
	f.Logger.Info("Triggering fulfillment", zap.String("order_id", orderID))
	return nil
}

type razorpayEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity json.RawMessage `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string                 `json:"id"`
	OrderID          string                 `json:"order_id"`
	Notes            map[string]interface{} `json:"notes"`
	ErrorDescription string                 `json:"error_description"`
}

// Handler verifies and applies Razorpay webhook callbacks.
type Handler struct {
	secret    string
	db        PaymentStore
	fulfiller Fulfiller
	logger    *log.Logger
}

func NewHandler(secret string, db PaymentStore, fulfiller Fulfiller, logger *log.Logger) *Handler {
	return &Handler{
		secret:    secret,
		db:        db,
		fulfiller: fulfiller,
		logger:    logger,
	}
}

// VerifySignature checks the x-razorpay-signature header against
// HMAC-SHA256 of the raw body in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get("x-razorpay-signature")
	if signature == "" {
		http.Error(w, "Missing signature", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if !VerifySignature(body, signature, h.secret) {
		h.logger.Error("Invalid Razorpay signature")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event razorpayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("Failed to decode webhook body", zap.Error(err))
		http.Error(w, "Invalid body", http.StatusBadRequest)
		return
	}

	switch event.Event {
	case "payment.authorized":
		err = h.handleAuthorized(r.Context(), event)
	case "payment.failed":
		err = h.handleFailed(r.Context(), event)
	default:
		h.logger.Info("Unhandled event", zap.String("event", event.Event))
	}
	if err != nil {
		h.logger.Error("Error handling webhook",
			zap.String("event", event.Event), zap.Error(err))
		http.Error(w, "Error processing webhook", http.StatusInternalServerError)
		return
	}

	w.Write([]byte("OK"))
}

func (h *Handler) handleAuthorized(ctx context.Context, event razorpayEvent) error {
	var payment paymentEntity
	if err := json.Unmarshal(event.Payload.Payment.Entity, &payment); err != nil {
		return fmt.Errorf("decode payment entity: %w", err)
	}
	orderID, _ := payment.Notes["order_id"].(string)
	if orderID == "" {
		h.logger.Error("No order_id in payment notes", zap.String("payment_id", payment.ID))
		return nil
	}

	if err := h.db.MarkPaymentAuthorized(ctx, payment.OrderID, payment.ID, event.Payload.Payment.Entity, orderID); err != nil {
		return err
	}
	if err := h.fulfiller.TriggerFulfillment(ctx, orderID); err != nil {
		h.logger.Error("Fulfillment trigger failed",
			zap.String("order_id", orderID), zap.Error(err))
	}
	return nil
}

func (h *Handler) handleFailed(ctx context.Context, event razorpayEvent) error {
	var payment paymentEntity
	if err := json.Unmarshal(event.Payload.Payment.Entity, &payment); err != nil {
		return fmt.Errorf("decode payment entity: %w", err)
	}
	message := payment.ErrorDescription
	if message == "" {
		message = "Payment failed"
	}
	return h.db.MarkPaymentFailed(ctx, payment.OrderID, message, event.Payload.Payment.Entity)
}
