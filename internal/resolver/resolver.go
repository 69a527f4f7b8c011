package resolver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smdydx/couponDuniya-sub001/internal/log"
	"github.com/smdydx/couponDuniya-sub001/internal/store"

	"go.uber.org/zap"
)

// ErrNotFound reports that no live offer matched: missing, soft-deleted,
// unverified, expired, or carrying no usable URL.
var ErrNotFound = errors.New("offer not found")

const cacheKeyPrefix = "redirect:url:"

// OfferStore is the single relational query the resolver needs.
type OfferStore interface {
	ResolveOffer(ctx context.Context, offerUUID string) (store.OfferRedirect, bool, error)
}

// URLCache is the read-through cache in front of the offer lookup. Cache
// failures are never fatal; the store remains authoritative.
type URLCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

type Resolver struct {
	db     OfferStore
	cache  URLCache
	ttl    time.Duration
	logger *log.Logger
}

func New(db OfferStore, cache URLCache, ttl time.Duration, logger *log.Logger) *Resolver {
	return &Resolver{
		db:     db,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// Resolve maps an offer UUID to its outbound URL. Cached URLs are served
// without a store round trip; resolved URLs are written back with a fixed
// TTL. The offer's direct affiliate URL wins over the merchant's tracking
// template.
func (r *Resolver) Resolve(ctx context.Context, offerID string) (string, error) {
	cacheKey := cacheKeyPrefix + offerID

	cached, ok, err := r.cache.Get(ctx, cacheKey)
	if err != nil {
		r.logger.Warn("URL cache lookup failed, treating as miss",
			zap.String("offer_id", offerID), zap.Error(err))
	} else if ok {
		return cached, nil
	}

	offer, found, err := r.db.ResolveOffer(ctx, offerID)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}

	var url string
	switch {
	case offer.AffiliateURL.Valid && offer.AffiliateURL.String != "":
		url = offer.AffiliateURL.String
	case offer.TrackingURLTemplate.Valid && offer.TrackingURLTemplate.String != "":
		affiliateID := ""
		if offer.AffiliateID.Valid {
			affiliateID = offer.AffiliateID.String
		}
		url = strings.ReplaceAll(offer.TrackingURLTemplate.String, "{affiliate_id}", affiliateID)
	default:
		return "", ErrNotFound
	}

	if err := r.cache.SetWithTTL(ctx, cacheKey, url, r.ttl); err != nil {
		r.logger.Warn("URL cache write failed",
			zap.String("offer_id", offerID), zap.Error(err))
	}
	return url, nil
}
