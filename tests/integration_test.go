//go:build integration
// +build integration

package tests

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/smdydx/couponDuniya-sub001/internal/clicks"
	"github.com/smdydx/couponDuniya-sub001/internal/log"
	"github.com/smdydx/couponDuniya-sub001/internal/metrics"
	"github.com/smdydx/couponDuniya-sub001/internal/store"
	"github.com/smdydx/couponDuniya-sub001/internal/worker"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestDB(ctx context.Context) (string, func(), error) {
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		return url, func() {}, nil
	}
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15"),
		postgres.WithDatabase("coupons"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("securepassword"),
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	dbURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get connection string for postgres: %w", err)
	}

	cleanup := func() {
		pgContainer.Terminate(ctx)
	}

	return dbURL, cleanup, nil
}

func setupTestRedis(ctx context.Context) (string, func(), error) {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr, func() {}, nil
	}
	redisContainer, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
	if err != nil {
		return "", nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	redisAddr, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}

	cleanup := func() {
		redisContainer.Terminate(ctx)
	}

	return redisAddr, cleanup, nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS merchants (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		tracking_url_template TEXT,
		affiliate_id VARCHAR(255)
	);
	CREATE TABLE IF NOT EXISTS offers (
		id BIGSERIAL PRIMARY KEY,
		uuid UUID NOT NULL UNIQUE,
		merchant_id BIGINT NOT NULL REFERENCES merchants(id),
		affiliate_url TEXT,
		is_verified BOOLEAN NOT NULL DEFAULT false,
		deleted_at TIMESTAMP WITH TIME ZONE,
		expires_at TIMESTAMP WITH TIME ZONE,
		clicks_count BIGINT NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS offer_clicks (
		id BIGSERIAL PRIMARY KEY,
		offer_id BIGINT NOT NULL REFERENCES offers(id),
		user_id BIGINT,
		click_id UUID NOT NULL,
		ip_address INET,
		user_agent TEXT,
		referrer_url TEXT,
		device_type VARCHAR(20),
		clicked_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email VARCHAR(255) NOT NULL,
		full_name VARCHAR(255),
		wallet_balance NUMERIC(12,2) NOT NULL DEFAULT 0,
		lifetime_earnings NUMERIC(12,2) NOT NULL DEFAULT 0,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS orders (
		id BIGSERIAL PRIMARY KEY,
		status VARCHAR(50) NOT NULL,
		payment_status VARCHAR(50) NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS payments (
		id BIGSERIAL PRIMARY KEY,
		order_id BIGINT NOT NULL REFERENCES orders(id),
		gateway_order_id VARCHAR(255) NOT NULL,
		gateway_payment_id VARCHAR(255),
		gateway_response JSONB,
		status VARCHAR(50) NOT NULL,
		error_message TEXT,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS cashback_events (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT,
		offer_id BIGINT NOT NULL,
		click_id UUID NOT NULL,
		merchant_id BIGINT,
		transaction_amount NUMERIC(12,2) NOT NULL,
		commission_amount NUMERIC(12,2) NOT NULL,
		cashback_amount NUMERIC(12,2) NOT NULL,
		status VARCHAR(50) NOT NULL,
		affiliate_transaction_id VARCHAR(255) NOT NULL,
		network VARCHAR(50) NOT NULL,
		meta JSONB,
		paid_at TIMESTAMP WITH TIME ZONE,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		amount NUMERIC(12,2) NOT NULL,
		type VARCHAR(50) NOT NULL,
		reference_type VARCHAR(50),
		reference_id BIGINT,
		balance_before NUMERIC(12,2) NOT NULL,
		balance_after NUMERIC(12,2) NOT NULL,
		description TEXT
	);
`

func TestRedisStoreIntegration(t *testing.T) {
	ctx := context.Background()

	redisAddr, cleanupRedis, err := setupTestRedis(ctx)
	if err != nil {
		t.Fatalf("setup redis failed: %s", err)
	}
	defer cleanupRedis()

	rds, err := store.NewRedisStore(redisAddr, "")
	if err != nil {
		t.Fatalf("failed to connect to redis: %s", err)
	}
	defer rds.Close()

	// queue ordering: head pushes jump the line
	if err := rds.Push(ctx, "itest:q", "a"); err != nil {
		t.Fatalf("push: %s", err)
	}
	if err := rds.Push(ctx, "itest:q", "b"); err != nil {
		t.Fatalf("push: %s", err)
	}
	if err := rds.PushHead(ctx, "itest:q", "recovered"); err != nil {
		t.Fatalf("push head: %s", err)
	}
	for i, want := range []string{"recovered", "a", "b"} {
		got, ok, err := rds.BLPop(ctx, "itest:q", time.Second)
		if err != nil || !ok {
			t.Fatalf("blpop %d: ok=%v err=%v", i, ok, err)
		}
		if got != want {
			t.Fatalf("blpop %d: got %q, want %q", i, got, want)
		}
	}
	if _, ok, err := rds.BLPop(ctx, "itest:q", time.Second); err != nil || ok {
		t.Fatalf("empty queue: ok=%v err=%v", ok, err)
	}

	// processing set membership
	if err := rds.SetAdd(ctx, "itest:set", "m1"); err != nil {
		t.Fatalf("sadd: %s", err)
	}
	members, err := rds.SetMembers(ctx, "itest:set")
	if err != nil || len(members) != 1 || members[0] != "m1" {
		t.Fatalf("smembers = %v, err %v", members, err)
	}
	if err := rds.SetRemove(ctx, "itest:set", "m1"); err != nil {
		t.Fatalf("srem: %s", err)
	}

	// windowed counter: counts within the window, resets once it elapses
	for want := int64(1); want <= 3; want++ {
		n, err := rds.IncrWithWindow(ctx, "itest:rl", time.Second)
		if err != nil || n != want {
			t.Fatalf("incr = %d, want %d (err %v)", n, want, err)
		}
	}
	time.Sleep(1200 * time.Millisecond)
	if n, err := rds.IncrWithWindow(ctx, "itest:rl", time.Second); err != nil || n != 1 {
		t.Fatalf("count after window elapsed = %d (err %v), want 1", n, err)
	}

	// a counter key that lost its expiry gets re-armed on the next hit
	if err := rds.SetWithTTL(ctx, "itest:rl:stuck", "5", 0); err != nil {
		t.Fatalf("seed ttl-less counter: %s", err)
	}
	if n, err := rds.IncrWithWindow(ctx, "itest:rl:stuck", time.Second); err != nil || n != 6 {
		t.Fatalf("incr on ttl-less key = %d (err %v), want 6", n, err)
	}
	time.Sleep(1200 * time.Millisecond)
	if n, err := rds.IncrWithWindow(ctx, "itest:rl:stuck", time.Second); err != nil || n != 1 {
		t.Fatalf("re-armed counter after window = %d (err %v), want 1", n, err)
	}

	// url cache
	if err := rds.SetWithTTL(ctx, "itest:url", "https://x.example", time.Minute); err != nil {
		t.Fatalf("set ttl: %s", err)
	}
	v, ok, err := rds.Get(ctx, "itest:url")
	if err != nil || !ok || v != "https://x.example" {
		t.Fatalf("get = %q ok=%v err=%v", v, ok, err)
	}
	if _, ok, _ := rds.Get(ctx, "itest:missing"); ok {
		t.Fatal("missing key must report a miss")
	}
}

func TestClickPipelineIntegration(t *testing.T) {
	ctx := context.Background()

	dbURL, cleanupDB, err := setupTestDB(ctx)
	if err != nil {
		t.Fatalf("setup db failed: %s", err)
	}
	defer cleanupDB()

	redisAddr, cleanupRedis, err := setupTestRedis(ctx)
	if err != nil {
		t.Fatalf("setup redis failed: %s", err)
	}
	defer cleanupRedis()

	raw, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("open db: %s", err)
	}
	defer raw.Close()
	if _, err := raw.Exec(schema); err != nil {
		t.Fatalf("init schema: %s", err)
	}

	offerUUID := uuid.NewString()
	if _, err := raw.Exec(`
		INSERT INTO merchants (id, name, tracking_url_template, affiliate_id)
		VALUES (1, 'Myntra', 'https://track.example/{affiliate_id}/go', 'aff42')
	`); err != nil {
		t.Fatalf("seed merchant: %s", err)
	}
	if _, err := raw.Exec(`
		INSERT INTO offers (uuid, merchant_id, affiliate_url, is_verified)
		VALUES ($1, 1, NULL, true)
	`, offerUUID); err != nil {
		t.Fatalf("seed offer: %s", err)
	}

	db, err := store.NewDB(dbURL)
	if err != nil {
		t.Fatalf("store db: %s", err)
	}
	defer db.Close()

	rds, err := store.NewRedisStore(redisAddr, "")
	if err != nil {
		t.Fatalf("store redis: %s", err)
	}
	defer rds.Close()

	offer, found, err := db.ResolveOffer(ctx, offerUUID)
	if err != nil || !found {
		t.Fatalf("resolve offer: found=%v err=%v", found, err)
	}
	if !offer.TrackingURLTemplate.Valid {
		t.Fatal("expected tracking template")
	}

	// soft-deleted, unverified and expired offers must not resolve
	deadUUID := uuid.NewString()
	if _, err := raw.Exec(`
		INSERT INTO offers (uuid, merchant_id, is_verified, deleted_at)
		VALUES ($1, 1, true, NOW())
	`, deadUUID); err != nil {
		t.Fatalf("seed deleted offer: %s", err)
	}
	if _, found, _ := db.ResolveOffer(ctx, deadUUID); found {
		t.Fatal("soft-deleted offer resolved")
	}
	unverifiedUUID := uuid.NewString()
	if _, err := raw.Exec(`
		INSERT INTO offers (uuid, merchant_id, is_verified)
		VALUES ($1, 1, false)
	`, unverifiedUUID); err != nil {
		t.Fatalf("seed unverified offer: %s", err)
	}
	if _, found, _ := db.ResolveOffer(ctx, unverifiedUUID); found {
		t.Fatal("unverified offer resolved")
	}
	expiredUUID := uuid.NewString()
	if _, err := raw.Exec(`
		INSERT INTO offers (uuid, merchant_id, is_verified, expires_at)
		VALUES ($1, 1, true, NOW() - INTERVAL '1 hour')
	`, expiredUUID); err != nil {
		t.Fatalf("seed expired offer: %s", err)
	}
	if _, found, _ := db.ResolveOffer(ctx, expiredUUID); found {
		t.Fatal("expired offer resolved")
	}
	futureUUID := uuid.NewString()
	if _, err := raw.Exec(`
		INSERT INTO offers (uuid, merchant_id, is_verified, expires_at)
		VALUES ($1, 1, true, NOW() + INTERVAL '1 hour')
	`, futureUUID); err != nil {
		t.Fatalf("seed future-expiry offer: %s", err)
	}
	if _, found, _ := db.ResolveOffer(ctx, futureUUID); !found {
		t.Fatal("offer expiring in the future must resolve")
	}

	// push a click event and let the worker drain it
	logger := log.NewLogger()
	ev := clicks.Event{
		OfferID: offerUUID,
		UserID:  "",
		UA:      "integration mobile test",
		IP:      "10.1.2.3",
		TS:      time.Now().UnixMilli(),
	}
	payload, _ := json.Marshal(ev)
	if err := rds.Push(ctx, "itest:clicks", string(payload)); err != nil {
		t.Fatalf("push click: %s", err)
	}
	// a crashed-in-flight payload should be recovered and processed too
	crashed, _ := json.Marshal(clicks.Event{OfferID: offerUUID, UA: "crashed", TS: time.Now().UnixMilli()})
	if err := rds.SetAdd(ctx, "itest:clicks:processing", string(crashed)); err != nil {
		t.Fatalf("seed processing set: %s", err)
	}

	w := worker.NewClickWorker(rds, db, "itest:clicks", time.Second, metrics.New(logger), logger)
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	done := make(chan struct{})
	go func() {
		w.Run(wctx)
		close(done)
	}()

	deadline := time.Now().Add(8 * time.Second)
	var clickCount int
	for {
		raw.QueryRow(`SELECT COUNT(*) FROM offer_clicks`).Scan(&clickCount)
		if clickCount >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	cancel()
	<-done

	if clickCount != 2 {
		t.Fatalf("offer_clicks rows = %d, want 2 (queued + recovered)", clickCount)
	}
	var clicksCount int
	raw.QueryRow(`SELECT clicks_count FROM offers WHERE uuid = $1`, offerUUID).Scan(&clicksCount)
	if clicksCount != 2 {
		t.Fatalf("clicks_count = %d, want 2", clicksCount)
	}
	var deviceType string
	raw.QueryRow(`SELECT device_type FROM offer_clicks WHERE user_agent = 'integration mobile test'`).Scan(&deviceType)
	if deviceType != "mobile" {
		t.Fatalf("device_type = %q", deviceType)
	}
}

func TestPaymentTransitionsIntegration(t *testing.T) {
	ctx := context.Background()

	dbURL, cleanupDB, err := setupTestDB(ctx)
	if err != nil {
		t.Fatalf("setup db failed: %s", err)
	}
	defer cleanupDB()

	raw, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("open db: %s", err)
	}
	defer raw.Close()
	if _, err := raw.Exec(schema); err != nil {
		t.Fatalf("init schema: %s", err)
	}
	if _, err := raw.Exec(`
		INSERT INTO orders (id, status, payment_status) VALUES (1, 'pending', 'pending');
		INSERT INTO payments (order_id, gateway_order_id, status) VALUES (1, 'order_rzp_1', 'pending');
	`); err != nil {
		t.Fatalf("seed order: %s", err)
	}

	db, err := store.NewDB(dbURL)
	if err != nil {
		t.Fatalf("store db: %s", err)
	}
	defer db.Close()

	if err := db.MarkPaymentAuthorized(ctx, "order_rzp_1", "pay_1", []byte(`{"id":"pay_1"}`), "1"); err != nil {
		t.Fatalf("mark authorized: %s", err)
	}
	var paymentStatus, orderStatus, orderPayment string
	raw.QueryRow(`SELECT status FROM payments WHERE gateway_order_id = 'order_rzp_1'`).Scan(&paymentStatus)
	raw.QueryRow(`SELECT status, payment_status FROM orders WHERE id = 1`).Scan(&orderStatus, &orderPayment)
	if paymentStatus != "success" || orderStatus != "processing" || orderPayment != "completed" {
		t.Fatalf("states = %s/%s/%s", paymentStatus, orderStatus, orderPayment)
	}

	if _, err := raw.Exec(`
		INSERT INTO orders (id, status, payment_status) VALUES (2, 'pending', 'pending');
		INSERT INTO payments (order_id, gateway_order_id, status) VALUES (2, 'order_rzp_2', 'pending');
	`); err != nil {
		t.Fatalf("seed second order: %s", err)
	}
	if err := db.MarkPaymentFailed(ctx, "order_rzp_2", "card declined", []byte(`{}`)); err != nil {
		t.Fatalf("mark failed: %s", err)
	}
	raw.QueryRow(`SELECT status FROM orders WHERE id = 2`).Scan(&orderStatus)
	if orderStatus != "failed" {
		t.Fatalf("failed order status = %s", orderStatus)
	}
}

func TestCashbackCreditIntegration(t *testing.T) {
	ctx := context.Background()

	dbURL, cleanupDB, err := setupTestDB(ctx)
	if err != nil {
		t.Fatalf("setup db failed: %s", err)
	}
	defer cleanupDB()

	raw, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("open db: %s", err)
	}
	defer raw.Close()
	if _, err := raw.Exec(schema); err != nil {
		t.Fatalf("init schema: %s", err)
	}

	clickID := uuid.NewString()
	offerUUID := uuid.NewString()
	if _, err := raw.Exec(`
		INSERT INTO merchants (id, name) VALUES (1, 'Myntra');
		INSERT INTO users (id, email, full_name, wallet_balance) VALUES (7, 'u@example.com', 'Test User', 100);
	`); err != nil {
		t.Fatalf("seed: %s", err)
	}
	if _, err := raw.Exec(`
		INSERT INTO offers (id, uuid, merchant_id, is_verified) VALUES (55, $1, 1, true)
	`, offerUUID); err != nil {
		t.Fatalf("seed offer: %s", err)
	}
	if _, err := raw.Exec(`
		INSERT INTO offer_clicks (offer_id, user_id, click_id, clicked_at) VALUES (55, 7, $1, NOW())
	`, clickID); err != nil {
		t.Fatalf("seed click: %s", err)
	}

	db, err := store.NewDB(dbURL)
	if err != nil {
		t.Fatalf("store db: %s", err)
	}
	defer db.Close()

	ref, found, err := db.GetClickBySubID(ctx, clickID)
	if err != nil || !found {
		t.Fatalf("click by subid: found=%v err=%v", found, err)
	}

	eventID, err := db.InsertCashbackEvent(ctx, store.CashbackEvent{
		UserID:                 ref.UserID,
		OfferID:                ref.OfferID,
		ClickID:                ref.ClickID,
		TransactionAmount:      1000,
		CommissionAmount:       50,
		CashbackAmount:         30,
		Status:                 "approved",
		AffiliateTransactionID: "txn-itest-1",
		Network:                "admitad",
		Meta:                   []byte(`{"merchantName":"Myntra"}`),
	})
	if err != nil {
		t.Fatalf("insert cashback event: %s", err)
	}

	credited, err := db.CreditCashback(ctx, eventID)
	if err != nil || !credited {
		t.Fatalf("credit: credited=%v err=%v", credited, err)
	}

	var balance float64
	raw.QueryRow(`SELECT wallet_balance FROM users WHERE id = 7`).Scan(&balance)
	if balance != 130 {
		t.Fatalf("wallet balance = %v, want 130", balance)
	}

	// idempotent: a second credit is a no-op
	credited, err = db.CreditCashback(ctx, eventID)
	if err != nil {
		t.Fatalf("second credit: %s", err)
	}
	if credited {
		t.Fatal("already-paid event must not credit again")
	}
	raw.QueryRow(`SELECT wallet_balance FROM users WHERE id = 7`).Scan(&balance)
	if balance != 130 {
		t.Fatalf("wallet balance after replay = %v", balance)
	}

	recipient, found, err := db.GetCashbackRecipient(ctx, eventID)
	if err != nil || !found {
		t.Fatalf("recipient: found=%v err=%v", found, err)
	}
	if recipient.Email != "u@example.com" || recipient.MerchantName != "Myntra" {
		t.Fatalf("recipient = %+v", recipient)
	}
}
