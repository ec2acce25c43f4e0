package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTokenBucketExhaustion(t *testing.T) {
	tb := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if tb.Allow() {
		t.Fatal("request past capacity should be denied")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	tb := NewTokenBucket(1, 100)

	if !tb.Allow() {
		t.Fatal("first request should be allowed")
	}
	if tb.Allow() {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(20 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("bucket should have refilled")
	}
}

func TestMemoryStoreSeparateKeys(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	allowed, _, err := store.Allow(ctx, "1.2.3.4", 1, 0)
	if err != nil || !allowed {
		t.Fatalf("first request for key should be allowed, got %v %v", allowed, err)
	}
	allowed, _, _ = store.Allow(ctx, "1.2.3.4", 1, 0)
	if allowed {
		t.Fatal("second request for same key should be denied")
	}
	allowed, _, _ = store.Allow(ctx, "5.6.7.8", 1, 0)
	if !allowed {
		t.Fatal("request for a different key should be allowed")
	}
}

func TestMiddlewareRejectsWithJSON(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	mw := NewMiddleware(store, 2, nil)

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		rec = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/tokens", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		handler.ServeHTTP(rec, req)
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON error, got Content-Type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "Rate limit exceeded") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("missing limit header, got %q", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMiddlewareKeysByIP(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	mw := NewMiddleware(store, 1, nil)

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(addr string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/tokens", nil)
		req.RemoteAddr = addr
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("10.0.0.1:1000"); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := send("10.0.0.1:1001"); code != http.StatusTooManyRequests {
		t.Fatalf("same IP on a new port should share the bucket, got %d", code)
	}
	if code := send("10.0.0.2:1000"); code != http.StatusOK {
		t.Fatalf("different IP should get a fresh bucket, got %d", code)
	}
}
