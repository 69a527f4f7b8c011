package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB wraps the shared Postgres pool. The relational schema (offers,
// merchants, offer_clicks, payments, orders, cashback_events, users,
// wallet_transactions) is owned by the main backend; this service only
// issues parameterized queries against it.
type DB struct {
	conn *sql.DB
}

func NewDB(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(10)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// ResolveOffer loads the redirect columns for a live offer: not soft-deleted,
// verified, and unexpired. The second return reports whether a row matched.
func (db *DB) ResolveOffer(ctx context.Context, offerUUID string) (OfferRedirect, bool, error) {
	var row OfferRedirect
	err := db.conn.QueryRowContext(ctx, `
        SELECT o.affiliate_url, m.tracking_url_template, m.affiliate_id
        FROM offers o
        JOIN merchants m ON o.merchant_id = m.id
        WHERE o.uuid = $1
          AND o.deleted_at IS NULL
          AND o.is_verified = true
          AND (o.expires_at IS NULL OR o.expires_at > NOW())
        LIMIT 1
    `, offerUUID).Scan(&row.AffiliateURL, &row.TrackingURLTemplate, &row.AffiliateID)
	if err == sql.ErrNoRows {
		return OfferRedirect{}, false, nil
	}
	if err != nil {
		return OfferRedirect{}, false, fmt.Errorf("resolve offer %s: %w", offerUUID, err)
	}
	return row, true, nil
}

const insertClickSQL = `
    INSERT INTO offer_clicks (
        offer_id,
        user_id,
        click_id,
        ip_address,
        user_agent,
        referrer_url,
        device_type,
        clicked_at
    )
    SELECT
        o.id,
        $2,
        $3::uuid,
        NULLIF($4, '')::inet,
        $5,
        $6,
        $7,
        $8
    FROM offers o
    WHERE o.uuid = $1
`

const incrementClicksSQL = `
    UPDATE offers
    SET clicks_count = clicks_count + 1
    WHERE uuid = $1
`

// InsertClick records a click and bumps the offer counter in one transaction.
// The counter update is an atomic in-place increment so concurrent workers
// never lose updates. An unknown offer UUID inserts nothing and is not an
// error, matching the fire-and-forget contract of click tracking.
func (db *DB) InsertClick(ctx context.Context, c OfferClick) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertClickSQL,
		c.OfferUUID, c.UserID, c.ClickID, c.IP, c.UserAgent, c.Referrer, c.DeviceType, c.ClickedAt,
	); err != nil {
		return fmt.Errorf("insert click: %w", err)
	}
	if _, err := tx.ExecContext(ctx, incrementClicksSQL, c.OfferUUID); err != nil {
		return fmt.Errorf("increment clicks_count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// InsertClickDirect is the queue-outage fallback: two individually durable
// statements rather than one transaction.
func (db *DB) InsertClickDirect(ctx context.Context, c OfferClick) error {
	if _, err := db.conn.ExecContext(ctx, insertClickSQL,
		c.OfferUUID, c.UserID, c.ClickID, c.IP, c.UserAgent, c.Referrer, c.DeviceType, c.ClickedAt,
	); err != nil {
		return fmt.Errorf("insert click: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, incrementClicksSQL, c.OfferUUID); err != nil {
		return fmt.Errorf("increment clicks_count: %w", err)
	}
	return nil
}

// MarkPaymentAuthorized applies a verified payment.authorized event: the
// payment row and its order move forward together or not at all.
func (db *DB) MarkPaymentAuthorized(ctx context.Context, gatewayOrderID, gatewayPaymentID string, gatewayResponse []byte, orderID string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        UPDATE payments
        SET status = 'success',
            gateway_payment_id = $2,
            gateway_response = $3,
            updated_at = NOW()
        WHERE gateway_order_id = $1
    `, gatewayOrderID, gatewayPaymentID, gatewayResponse); err != nil {
		return fmt.Errorf("update payment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE orders
        SET payment_status = 'completed',
            status = 'processing',
            updated_at = NOW()
        WHERE id = $1
    `, orderID); err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// MarkPaymentFailed applies a verified payment.failed event.
func (db *DB) MarkPaymentFailed(ctx context.Context, gatewayOrderID, errorMessage string, gatewayResponse []byte) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        UPDATE payments
        SET status = 'failed',
            error_message = $2,
            gateway_response = $3,
            updated_at = NOW()
        WHERE gateway_order_id = $1
    `, gatewayOrderID, errorMessage, gatewayResponse); err != nil {
		return fmt.Errorf("update payment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE orders
        SET payment_status = 'failed',
            status = 'failed',
            updated_at = NOW()
        WHERE id = (
            SELECT order_id FROM payments WHERE gateway_order_id = $1
        )
    `, gatewayOrderID); err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetClickBySubID matches an affiliate network subid back to the click that
// produced it.
func (db *DB) GetClickBySubID(ctx context.Context, subID string) (ClickRef, bool, error) {
	var ref ClickRef
	err := db.conn.QueryRowContext(ctx, `
        SELECT click_id::text, user_id, offer_id
        FROM offer_clicks
        WHERE click_id::text = $1
        LIMIT 1
    `, subID).Scan(&ref.ClickID, &ref.UserID, &ref.OfferID)
	if err == sql.ErrNoRows {
		return ClickRef{}, false, nil
	}
	if err != nil {
		return ClickRef{}, false, fmt.Errorf("get click by subid: %w", err)
	}
	return ref, true, nil
}

func (db *DB) GetCashbackEventByTxn(ctx context.Context, affiliateTxnID string) (CashbackEvent, bool, error) {
	var ev CashbackEvent
	err := db.conn.QueryRowContext(ctx, `
        SELECT id, user_id, offer_id, click_id::text, status, cashback_amount, paid_at
        FROM cashback_events
        WHERE affiliate_transaction_id = $1
        LIMIT 1
    `, affiliateTxnID).Scan(&ev.ID, &ev.UserID, &ev.OfferID, &ev.ClickID, &ev.Status, &ev.CashbackAmount, &ev.PaidAt)
	if err == sql.ErrNoRows {
		return CashbackEvent{}, false, nil
	}
	if err != nil {
		return CashbackEvent{}, false, fmt.Errorf("get cashback event: %w", err)
	}
	return ev, true, nil
}

func (db *DB) UpdateCashbackEventStatus(ctx context.Context, id int64, status string) error {
	_, err := db.conn.ExecContext(ctx, `
        UPDATE cashback_events
        SET status = $2, updated_at = NOW()
        WHERE id = $1
    `, id, status)
	if err != nil {
		return fmt.Errorf("update cashback status: %w", err)
	}
	return nil
}

// InsertCashbackEvent records a newly discovered affiliate transaction. The
// merchant is derived from the clicked offer.
func (db *DB) InsertCashbackEvent(ctx context.Context, ev CashbackEvent) (int64, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx, `
        INSERT INTO cashback_events (
            user_id,
            offer_id,
            click_id,
            merchant_id,
            transaction_amount,
            commission_amount,
            cashback_amount,
            status,
            affiliate_transaction_id,
            network,
            meta
        )
        VALUES (
            $1, $2, $3::uuid,
            (SELECT merchant_id FROM offers WHERE id = $2),
            $4, $5, $6, $7, $8, $9, $10
        )
        RETURNING id
    `, ev.UserID, ev.OfferID, ev.ClickID, ev.TransactionAmount, ev.CommissionAmount,
		ev.CashbackAmount, ev.Status, ev.AffiliateTransactionID, ev.Network, ev.Meta).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert cashback event: %w", err)
	}
	return id, nil
}

// CreditCashback pays out an approved cashback event: wallet transaction,
// balance update and paid_at marker in one transaction. It is idempotent;
// already-paid events return false with no writes.
func (db *DB) CreditCashback(ctx context.Context, eventID int64) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var userID sql.NullInt64
	var amount float64
	var paidAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
        SELECT user_id, cashback_amount, paid_at
        FROM cashback_events
        WHERE id = $1
        FOR UPDATE
    `, eventID).Scan(&userID, &amount, &paidAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock cashback event: %w", err)
	}
	if paidAt.Valid || !userID.Valid {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO wallet_transactions (
            user_id,
            amount,
            type,
            reference_type,
            reference_id,
            balance_before,
            balance_after,
            description
        )
        SELECT
            u.id,
            $2,
            'cashback_earned',
            'cashback_event',
            $3,
            u.wallet_balance,
            u.wallet_balance + $2,
            'Cashback from ' || COALESCE(m.name, 'Unknown merchant')
        FROM users u
        LEFT JOIN merchants m ON m.id = (
            SELECT merchant_id FROM cashback_events WHERE id = $3
        )
        WHERE u.id = $1
    `, userID.Int64, amount, eventID); err != nil {
		return false, fmt.Errorf("insert wallet transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE users
        SET wallet_balance = wallet_balance + $2,
            lifetime_earnings = lifetime_earnings + $2,
            updated_at = NOW()
        WHERE id = $1
    `, userID.Int64, amount); err != nil {
		return false, fmt.Errorf("update wallet balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE cashback_events
        SET paid_at = NOW(), updated_at = NOW()
        WHERE id = $1
    `, eventID); err != nil {
		return false, fmt.Errorf("mark cashback paid: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

func (db *DB) GetCashbackRecipient(ctx context.Context, eventID int64) (CashbackRecipient, bool, error) {
	var r CashbackRecipient
	var email sql.NullString
	err := db.conn.QueryRowContext(ctx, `
        SELECT u.email, COALESCE(u.full_name, ''), COALESCE(m.name, 'merchant'), e.cashback_amount
        FROM cashback_events e
        JOIN users u ON u.id = e.user_id
        LEFT JOIN merchants m ON m.id = e.merchant_id
        WHERE e.id = $1
    `, eventID).Scan(&email, &r.FullName, &r.MerchantName, &r.Amount)
	if err == sql.ErrNoRows {
		return CashbackRecipient{}, false, nil
	}
	if err != nil {
		return CashbackRecipient{}, false, fmt.Errorf("get cashback recipient: %w", err)
	}
	if !email.Valid || email.String == "" {
		return CashbackRecipient{}, false, nil
	}
	r.Email = email.String
	return r, true, nil
}
