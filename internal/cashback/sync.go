package cashback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smdydx/couponDuniya-sub001/internal/config"
	"github.com/smdydx/couponDuniya-sub001/internal/jobs"
	"github.com/smdydx/couponDuniya-sub001/internal/log"
	"github.com/smdydx/couponDuniya-sub001/internal/store"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	commissionRate = 0.05
	cashbackRate   = 0.03
	lookbackDays   = 7
)

// Transaction is a normalized affiliate-network action report.
type Transaction struct {
	Network      string
	ID           string
	SubID        string
	ActionDate   string
	Amount       float64
	Status       string
	MerchantName string
	OfferName    string
	Currency     string
}

var statusMap = map[string]string{
	"approved":  "approved",
	"confirmed": "approved",
	"pending":   "pending",
	"hold":      "pending",
	"rejected":  "rejected",
	"declined":  "rejected",
	"cancelled": "cancelled",
}

// NormalizeStatus maps a network's raw status string onto the platform's
// cashback lifecycle. Unknown statuses stay pending.
func NormalizeStatus(raw string) string {
	if s, ok := statusMap[strings.ToLower(raw)]; ok {
		return s
	}
	return "pending"
}

// Store is the relational surface the sync needs.
type Store interface {
	GetClickBySubID(ctx context.Context, subID string) (store.ClickRef, bool, error)
	GetCashbackEventByTxn(ctx context.Context, affiliateTxnID string) (store.CashbackEvent, bool, error)
	UpdateCashbackEventStatus(ctx context.Context, id int64, status string) error
	InsertCashbackEvent(ctx context.Context, ev store.CashbackEvent) (int64, error)
	CreditCashback(ctx context.Context, eventID int64) (bool, error)
	GetCashbackRecipient(ctx context.Context, eventID int64) (store.CashbackRecipient, bool, error)
}

// EmailQueue enqueues the cashback confirmation email after a wallet credit.
type EmailQueue interface {
	Push(ctx context.Context, queue, payload string) error
}

// Syncer pulls recent affiliate transactions from the partner networks,
// attributes them to clicks and credits approved cashback to user wallets.
type Syncer struct {
	db          Store
	queue       EmailQueue
	cfg         *config.Config
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker
	logger      *log.Logger
	admitadURL  string
	vcommURL    string
	cuelinksURL string
}

func NewSyncer(db Store, queue EmailQueue, cfg *config.Config, logger *log.Logger) *Syncer {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "affiliate-networks",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Syncer{
		db:          db,
		queue:       queue,
		cfg:         cfg,
		client:      &http.Client{Timeout: 30 * time.Second},
		breaker:     cb,
		logger:      logger,
		admitadURL:  "https://api.admitad.com",
		vcommURL:    "https://api.vcommission.com",
		cuelinksURL: "https://api.cuelinks.com",
	}
}

// Run performs a sync immediately and then on the configured interval.
func (s *Syncer) Run(ctx context.Context) {
	s.logger.Info("Cashback sync worker started")
	for {
		if err := s.SyncOnce(ctx); err != nil {
			s.logger.Error("Error in cashback sync", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Cashback sync shutting down")
			return
		case <-time.After(s.cfg.SyncInterval):
		}
	}
}

// SyncOnce fetches from all configured networks and processes the results.
// Per-network failures are logged and skipped so one broken partner does not
// starve the others.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	s.logger.Info("Starting cashback sync")
	var all []Transaction
	for name, fetch := range map[string]func(context.Context) ([]Transaction, error){
		"admitad":     s.fetchAdmitad,
		"vcommission": s.fetchVCommission,
		"cuelinks":    s.fetchCuelinks,
	} {
		txs, err := fetch(ctx)
		if err != nil {
			s.logger.Error("Affiliate network fetch failed",
				zap.String("network", name), zap.Error(err))
			continue
		}
		all = append(all, txs...)
	}
	s.logger.Info("Fetched affiliate transactions", zap.Int("count", len(all)))
	if err := s.Process(ctx, all); err != nil {
		return err
	}
	s.logger.Info("Cashback sync completed")
	return nil
}

// Process upserts each attributed transaction and credits newly approved
// cashback.
func (s *Syncer) Process(ctx context.Context, txs []Transaction) error {
	for _, tx := range txs {
		if tx.SubID == "" {
			continue
		}
		click, found, err := s.db.GetClickBySubID(ctx, tx.SubID)
		if err != nil {
			return err
		}
		if !found {
			continue
		}

		existing, found, err := s.db.GetCashbackEventByTxn(ctx, tx.ID)
		if err != nil {
			return err
		}
		if found {
			if existing.Status != tx.Status {
				if err := s.db.UpdateCashbackEventStatus(ctx, existing.ID, tx.Status); err != nil {
					return err
				}
				if tx.Status == "approved" {
					if err := s.credit(ctx, existing.ID); err != nil {
						return err
					}
				}
			}
			continue
		}

		meta, _ := json.Marshal(map[string]string{
			"merchantName": tx.MerchantName,
			"offerName":    tx.OfferName,
			"currency":     tx.Currency,
		})
		id, err := s.db.InsertCashbackEvent(ctx, store.CashbackEvent{
			UserID:                 click.UserID,
			OfferID:                click.OfferID,
			ClickID:                click.ClickID,
			TransactionAmount:      tx.Amount,
			CommissionAmount:       tx.Amount * commissionRate,
			CashbackAmount:         tx.Amount * cashbackRate,
			Status:                 tx.Status,
			AffiliateTransactionID: tx.ID,
			Network:                tx.Network,
			Meta:                   meta,
		})
		if err != nil {
			return err
		}
		if tx.Status == "approved" {
			if err := s.credit(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Syncer) credit(ctx context.Context, eventID int64) error {
	credited, err := s.db.CreditCashback(ctx, eventID)
	if err != nil {
		return err
	}
	if !credited {
		return nil
	}

	recipient, found, err := s.db.GetCashbackRecipient(ctx, eventID)
	if err != nil || !found {
		return err
	}
	job := jobs.EmailJob{
		ID:   "cashback_" + uuid.NewString(),
		Type: "cashback_confirmed",
		To:   recipient.Email,
		Data: map[string]interface{}{
			"user_name":     recipient.FullName,
			"amount":        fmt.Sprintf("%.2f", recipient.Amount),
			"merchant_name": recipient.MerchantName,
		},
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal cashback email job: %w", err)
	}
	if err := s.queue.Push(ctx, s.cfg.EmailQueue, string(payload)); err != nil {
		s.logger.Error("Failed to queue cashback email",
			zap.Int64("event_id", eventID), zap.Error(err))
	}
	return nil
}

// fetchJSON runs one network request through the shared circuit breaker.
func (s *Syncer) fetchJSON(ctx context.Context, req *http.Request) ([]byte, error) {
	body, err := s.breaker.Execute(func() (interface{}, error) {
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, data)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

func (s *Syncer) fetchAdmitad(ctx context.Context) ([]Transaction, error) {
	token, err := s.admitadToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		s.logger.Warn("Admitad credentials missing, skipping")
		return nil, nil
	}

	reqURL := fmt.Sprintf("%s/statistics/actions/?date_start=%s&limit=200", s.admitadURL, dateDaysAgo(lookbackDays))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	data, err := s.fetchJSON(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("admitad: %w", err)
	}

	var body struct {
		Results []struct {
			ActionID      json.Number `json:"action_id"`
			SubID         string      `json:"subid"`
			ActionDate    string      `json:"action_date"`
			PaymentAmount json.Number `json:"payment_amount"`
			PaymentStatus string      `json:"payment_status"`
			CampaignName  string      `json:"campaign_name"`
			Tariff        string      `json:"tariff"`
			Currency      string      `json:"currency"`
		} `json:"results"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("admitad decode: %w", err)
	}

	txs := make([]Transaction, 0, len(body.Results))
	for _, row := range body.Results {
		amount, _ := row.PaymentAmount.Float64()
		txs = append(txs, Transaction{
			Network:      "admitad",
			ID:           row.ActionID.String(),
			SubID:        row.SubID,
			ActionDate:   row.ActionDate,
			Amount:       amount,
			Status:       NormalizeStatus(row.PaymentStatus),
			MerchantName: row.CampaignName,
			OfferName:    row.Tariff,
			Currency:     row.Currency,
		})
	}
	return txs, nil
}

func (s *Syncer) admitadToken(ctx context.Context) (string, error) {
	if s.cfg.AdmitadAccessToken != "" {
		return s.cfg.AdmitadAccessToken, nil
	}
	if s.cfg.AdmitadClientID == "" || s.cfg.AdmitadClientSecret == "" {
		return "", nil
	}

	form := url.Values{
		"client_id":     {s.cfg.AdmitadClientID},
		"client_secret": {s.cfg.AdmitadClientSecret},
		"grant_type":    {"client_credentials"},
		"scope":         {"statistics actions"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.admitadURL+"/token/", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	data, err := s.fetchJSON(ctx, req)
	if err != nil {
		return "", fmt.Errorf("admitad token: %w", err)
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", fmt.Errorf("admitad token decode: %w", err)
	}
	return body.AccessToken, nil
}

func (s *Syncer) fetchVCommission(ctx context.Context) ([]Transaction, error) {
	if s.cfg.VCommissionToken == "" {
		s.logger.Warn("VCommission token missing, skipping")
		return nil, nil
	}

	reqURL := fmt.Sprintf("%s/transactions?from=%s&limit=200", s.vcommURL, dateDaysAgo(lookbackDays))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.VCommissionToken)

	data, err := s.fetchJSON(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vcommission: %w", err)
	}

	var body struct {
		Data []struct {
			ID           json.Number `json:"id"`
			SubID        string      `json:"subid"`
			Datetime     string      `json:"datetime"`
			SaleAmount   json.Number `json:"sale_amount"`
			Status       string      `json:"status"`
			MerchantName string      `json:"merchant_name"`
			OfferName    string      `json:"offer_name"`
			Currency     string      `json:"currency"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("vcommission decode: %w", err)
	}

	txs := make([]Transaction, 0, len(body.Data))
	for _, row := range body.Data {
		amount, _ := row.SaleAmount.Float64()
		txs = append(txs, Transaction{
			Network:      "vcommission",
			ID:           row.ID.String(),
			SubID:        row.SubID,
			ActionDate:   row.Datetime,
			Amount:       amount,
			Status:       NormalizeStatus(row.Status),
			MerchantName: row.MerchantName,
			OfferName:    row.OfferName,
			Currency:     row.Currency,
		})
	}
	return txs, nil
}

func (s *Syncer) fetchCuelinks(ctx context.Context) ([]Transaction, error) {
	if s.cfg.CuelinksAPIKey == "" {
		s.logger.Warn("CueLinks API key missing, skipping")
		return nil, nil
	}

	reqURL := fmt.Sprintf("%s/transactions?start_date=%s&end_date=%s&limit=200",
		s.cuelinksURL, dateDaysAgo(lookbackDays), dateDaysAgo(0))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.CuelinksAPIKey)

	data, err := s.fetchJSON(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("cuelinks: %w", err)
	}

	var body struct {
		Transactions []struct {
			ID         json.Number `json:"id"`
			SubID      string      `json:"sub_id"`
			Date       string      `json:"date"`
			Commission json.Number `json:"commission"`
			Status     string      `json:"status"`
			Merchant   string      `json:"merchant"`
			Campaign   string      `json:"campaign"`
			Currency   string      `json:"currency"`
		} `json:"transactions"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("cuelinks decode: %w", err)
	}

	txs := make([]Transaction, 0, len(body.Transactions))
	for _, row := range body.Transactions {
		amount, _ := row.Commission.Float64()
		txs = append(txs, Transaction{
			Network:      "cuelinks",
			ID:           row.ID.String(),
			SubID:        row.SubID,
			ActionDate:   row.Date,
			Amount:       amount,
			Status:       NormalizeStatus(row.Status),
			MerchantName: row.Merchant,
			OfferName:    row.Campaign,
			Currency:     row.Currency,
		})
	}
	return txs, nil
}

func dateDaysAgo(days int) string {
	return time.Now().AddDate(0, 0, -days).Format("2006-01-02")
}
