package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smdydx/couponDuniya-sub001/internal/log"

	"go.uber.org/zap"
)

const sendgridURL = "https://api.sendgrid.com/v3/mail/send"

// EmailJob is the envelope business code enqueues on queue:email.
type EmailJob struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	To           string                 `json:"to"`
	Data         map[string]interface{} `json:"data"`
	AttemptCount int                    `json:"attempts"`
	CreatedAt    string                 `json:"createdAt,omitempty"`
}

func (j EmailJob) Attempts() int { return j.AttemptCount }

func (j EmailJob) WithAttempts(n int) EmailJob {
	j.AttemptCount = n
	return j
}

// ValidateEmail rejects envelopes that can never be sent. Validation
// failures are permanent: the worker drops them without retry.
func ValidateEmail(j EmailJob) error {
	if j.To == "" {
		return fmt.Errorf("email job %s: missing recipient", j.ID)
	}
	if j.Type == "" {
		return fmt.Errorf("email job %s: missing type", j.ID)
	}
	return nil
}

// EmailSender renders and delivers transactional email via SendGrid. With no
// API key configured (non-production), messages are logged and dropped.
type EmailSender struct {
	apiKey    string
	fromEmail string
	appURL    string
	client    *http.Client
	logger    *log.Logger
}

func NewEmailSender(apiKey, fromEmail, appURL string, logger *log.Logger) *EmailSender {
	return &EmailSender{
		apiKey:    apiKey,
		fromEmail: fromEmail,
		appURL:    appURL,
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    logger,
	}
}

func (s *EmailSender) Send(ctx context.Context, job EmailJob) error {
	if s.apiKey == "" {
		s.logger.Info("SendGrid API key not configured, email logged only",
			zap.String("to", job.To), zap.String("subject", emailSubject(job.Type)))
		return nil
	}

	body := map[string]interface{}{
		"personalizations": []map[string]interface{}{
			{"to": []map[string]string{{"email": job.To}}},
		},
		"from":    map[string]string{"email": s.fromEmail},
		"subject": emailSubject(job.Type),
		"content": []map[string]string{
			{"type": "text/html", "value": s.emailBody(job.Type, job.Data)},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal sendgrid request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendgridURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sendgrid request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("sendgrid error (%d): %s", resp.StatusCode, detail)
	}

	s.logger.Info("Email sent", zap.String("to", job.To), zap.String("type", job.Type))
	return nil
}

func emailSubject(jobType string) string {
	switch jobType {
	case "welcome":
		return "Welcome to CouponDuniya!"
	case "order_confirmation":
		return "Order Confirmed - Your Vouchers"
	case "cashback_confirmed":
		return "Cashback Credited to Your Wallet"
	case "withdrawal_processed":
		return "Withdrawal Processed Successfully"
	default:
		return "Notification"
	}
}

func (s *EmailSender) emailBody(jobType string, data map[string]interface{}) string {
	switch jobType {
	case "welcome":
		body := fmt.Sprintf(
			`<h1>Welcome! 🎉</h1><p>Hi %s,</p><p>Thank you for joining - browse 1000+ stores, earn cashback on every purchase and redeem via UPI/Bank.</p>`,
			strOr(data, "user_name", "there"))
		if url := str(data, "verification_url"); url != "" {
			body += fmt.Sprintf(`<p><a href="%s">Verify your email</a> (link expires in 24 hours)</p>`, url)
		}
		return body
	case "order_confirmation":
		return fmt.Sprintf(
			`<h1>Order Confirmed ✅</h1><p>Hi %s,</p><p>Your order <strong>%s</strong> has been confirmed. Total: ₹%s.</p><p><a href="%s">View Order &amp; Vouchers</a></p>`,
			str(data, "user_name"), str(data, "order_number"), str(data, "total_amount"), str(data, "order_url"))
	case "cashback_confirmed":
		return fmt.Sprintf(
			`<h1>Cashback Credited 💰</h1><p>Hi %s,</p><p>₹%s cashback from %s has been credited to your wallet.</p><p><a href="%s/wallet">View Wallet</a></p>`,
			str(data, "user_name"), str(data, "amount"), str(data, "merchant_name"), s.appURL)
	case "withdrawal_processed":
		return fmt.Sprintf(
			`<h1>Withdrawal Processed</h1><p>Hi %s,</p><p>Your withdrawal of ₹%s via %s has been processed and will be credited within 24-48 hours.</p>`,
			str(data, "user_name"), str(data, "amount"), str(data, "method"))
	default:
		raw, _ := json.Marshal(data)
		return fmt.Sprintf(`<h1>Notification</h1><pre>%s</pre>`, raw)
	}
}

func str(data map[string]interface{}, key string) string {
	if v, ok := data[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func strOr(data map[string]interface{}, key, fallback string) string {
	if v := str(data, key); v != "" {
		return v
	}
	return fallback
}
