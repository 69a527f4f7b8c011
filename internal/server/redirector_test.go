package server

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/smdydx/couponDuniya-sub001/internal/clicks"
	"github.com/smdydx/couponDuniya-sub001/internal/log"
	"github.com/smdydx/couponDuniya-sub001/internal/metrics"
	"github.com/smdydx/couponDuniya-sub001/internal/ratelimit"
	"github.com/smdydx/couponDuniya-sub001/internal/resolver"
	"github.com/smdydx/couponDuniya-sub001/internal/store"

	"github.com/go-chi/chi/v5"
)

const testOfferUUID = "11111111-2222-3333-4444-555555555555"

type fakeOfferStore struct {
	offer store.OfferRedirect
	found bool
}

func (f *fakeOfferStore) ResolveOffer(ctx context.Context, offerUUID string) (store.OfferRedirect, bool, error) {
	return f.offer, f.found, nil
}

// fakeRedis backs the cache, the rate-limit counter and the click queue in
// one place, like the real Redis store does.
type fakeRedis struct {
	mu       sync.Mutex
	counts   map[string]int64
	payloads []string
}

func (f *fakeRedis) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeRedis) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return nil
}

func (f *fakeRedis) IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[string]int64)
	}
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeRedis) Push(ctx context.Context, queue, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeRedis) Ping(ctx context.Context) error { return nil }

func (f *fakeRedis) queueLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type fakeClickWriter struct{}

func (fakeClickWriter) InsertClickDirect(ctx context.Context, c store.OfferClick) error {
	return nil
}

type fakeDB struct{}

func (fakeDB) Ping(ctx context.Context) error { return nil }

func newTestRouter(offers *fakeOfferStore, rds *fakeRedis, threshold int) *chi.Mux {
	logger := log.NewNop()
	m := metrics.New(logger)
	res := resolver.New(offers, rds, 300*time.Second, logger)
	limiter := ratelimit.New(rds, threshold, time.Minute)
	ingestor := clicks.NewIngestor(rds, fakeClickWriter{}, "queue:clicks", m, logger)
	return NewRedirectRouter(res, limiter, ingestor, m, fakeDB{}, rds, logger)
}

func liveOffer(url string) *fakeOfferStore {
	return &fakeOfferStore{
		offer: store.OfferRedirect{AffiliateURL: sql.NullString{String: url, Valid: true}},
		found: true,
	}
}

func TestRedirectSuccess(t *testing.T) {
	rds := &fakeRedis{}
	router := newTestRouter(liveOffer("https://merchant.example/deal"), rds, 120)

	req := httptest.NewRequest("GET", "/out/7/"+testOfferUUID+"/42", nil)
	req.Header.Set("User-Agent", "some mobile browser")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != 302 {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://merchant.example/deal" {
		t.Fatalf("Location = %q", loc)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache, no-store, must-revalidate" {
		t.Fatalf("Cache-Control = %q", cc)
	}

	// ingestion is detached from the request
	deadline := time.Now().Add(2 * time.Second)
	for rds.queueLen() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("click event never reached the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRedirectInvalidOfferID(t *testing.T) {
	router := newTestRouter(liveOffer("https://x.example"), &fakeRedis{}, 120)

	req := httptest.NewRequest("GET", "/out/7/not-a-uuid", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRedirectInvalidUserID(t *testing.T) {
	router := newTestRouter(liveOffer("https://x.example"), &fakeRedis{}, 120)

	req := httptest.NewRequest("GET", "/out/7/"+testOfferUUID+"/abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRedirectOfferNotFound(t *testing.T) {
	router := newTestRouter(&fakeOfferStore{found: false}, &fakeRedis{}, 120)

	req := httptest.NewRequest("GET", "/out/7/"+testOfferUUID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != 404 {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestRedirectRateLimited(t *testing.T) {
	rds := &fakeRedis{}
	router := newTestRouter(liveOffer("https://x.example"), rds, 2)

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/out/7/"+testOfferUUID, nil)
		req.Header.Set("X-Forwarded-For", "9.9.9.9")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		last = w.Code
	}
	if last != 429 {
		t.Fatalf("third request status = %d, want 429", last)
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(liveOffer("https://x.example"), &fakeRedis{}, 120)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
