package store

import (
	"database/sql"
	"time"
)

// OfferRedirect carries the columns needed to build an outbound URL for a
// verified, live offer.
type OfferRedirect struct {
	AffiliateURL        sql.NullString
	TrackingURLTemplate sql.NullString
	AffiliateID         sql.NullString
}

// OfferClick is the durable record written for every tracked redirect.
// ClickID doubles as the affiliate subid the cashback sync matches on.
type OfferClick struct {
	OfferUUID  string
	ClickID    string
	UserID     *int64
	IP         string
	UserAgent  string
	Referrer   string
	DeviceType string
	ClickedAt  time.Time
}

// ClickRef is the subset of an offer_clicks row the cashback sync needs to
// attribute an affiliate transaction back to a user.
type ClickRef struct {
	ClickID string
	UserID  sql.NullInt64
	OfferID int64
}

type CashbackEvent struct {
	ID                     int64
	UserID                 sql.NullInt64
	OfferID                int64
	ClickID                string
	TransactionAmount      float64
	CommissionAmount       float64
	CashbackAmount         float64
	Status                 string
	AffiliateTransactionID string
	Network                string
	Meta                   []byte
	PaidAt                 sql.NullTime
}

// CashbackRecipient is the contact info used to queue the confirmation email
// after a wallet credit.
type CashbackRecipient struct {
	Email        string
	FullName     string
	MerchantName string
	Amount       float64
}
