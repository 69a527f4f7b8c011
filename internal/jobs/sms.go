package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smdydx/couponDuniya-sub001/internal/log"

	"go.uber.org/zap"
)

const msg91URL = "https://api.msg91.com/api/v5/flow/"

// SmsJob is the envelope business code enqueues on queue:sms.
type SmsJob struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Mobile       string                 `json:"mobile"`
	Data         map[string]interface{} `json:"data"`
	AttemptCount int                    `json:"attempts"`
}

func (j SmsJob) Attempts() int { return j.AttemptCount }

func (j SmsJob) WithAttempts(n int) SmsJob {
	j.AttemptCount = n
	return j
}

func ValidateSms(j SmsJob) error {
	if j.Mobile == "" {
		return fmt.Errorf("sms job %s: missing mobile", j.ID)
	}
	if j.Type == "" {
		return fmt.Errorf("sms job %s: missing type", j.ID)
	}
	return nil
}

// SmsTemplate renders the message text for a job type.
func SmsTemplate(jobType string, data map[string]interface{}) string {
	switch jobType {
	case "otp":
		return fmt.Sprintf("Your OTP for CouponDuniya is %s. Valid for 10 minutes. Do not share with anyone.", str(data, "otp"))
	case "order_confirmation":
		return fmt.Sprintf("Order %s confirmed! Amount: ₹%s. Your voucher codes are ready. Check your email or app.",
			str(data, "order_number"), str(data, "amount"))
	case "cashback_credited":
		return fmt.Sprintf("₹%s cashback credited to your wallet from %s. Total balance: ₹%s",
			str(data, "amount"), str(data, "merchant_name"), str(data, "wallet_balance"))
	case "withdrawal_processed":
		return fmt.Sprintf("Withdrawal of ₹%s processed successfully. It will be credited to your account within 24 hours.",
			str(data, "amount"))
	default:
		raw, _ := json.Marshal(data)
		return fmt.Sprintf("CouponDuniya: %s", raw)
	}
}

// SmsSender delivers SMS via MSG91. With no auth key configured the message
// is logged and dropped.
type SmsSender struct {
	authKey    string
	senderID   string
	templateID string
	client     *http.Client
	logger     *log.Logger
}

func NewSmsSender(authKey, senderID, templateID string, logger *log.Logger) *SmsSender {
	return &SmsSender{
		authKey:    authKey,
		senderID:   senderID,
		templateID: templateID,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

func (s *SmsSender) Send(ctx context.Context, job SmsJob) error {
	message := SmsTemplate(job.Type, job.Data)
	s.logger.Info("Sending SMS",
		zap.String("type", job.Type), zap.String("mobile", job.Mobile))

	if s.authKey == "" {
		return nil
	}

	body := map[string]interface{}{
		"template_id": s.templateID,
		"sender":      s.senderID,
		"mobiles":     strings.TrimPrefix(job.Mobile, "+91"),
		"VAR1":        message,
	}
	for k, v := range job.Data {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal msg91 request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg91URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build msg91 request: %w", err)
	}
	req.Header.Set("authkey", s.authKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("msg91 request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("msg91 error: %d - %s", resp.StatusCode, detail)
	}
	return nil
}
