package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newLimiter(t *testing.T, perMinute, burst int) *Limiter {
	t.Helper()
	l := New(Config{RequestsPerMinute: perMinute, BurstSize: burst, CleanupInterval: time.Minute})
	t.Cleanup(l.Stop)
	return l
}

func TestAllowSpendsBurst(t *testing.T) {
	l := newLimiter(t, 60, 5)
	for i := 0; i < 5; i++ {
		if !l.Allow("203.0.113.7") {
			t.Fatalf("request %d should fit in the burst", i+1)
		}
	}
	if l.Allow("203.0.113.7") {
		t.Fatal("burst exhausted, request should be denied")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := newLimiter(t, 600, 1) // 10 tokens per second
	if !l.Allow("203.0.113.7") {
		t.Fatal("first request should pass")
	}
	if l.Allow("203.0.113.7") {
		t.Fatal("second immediate request should be denied")
	}
	time.Sleep(120 * time.Millisecond)
	if !l.Allow("203.0.113.7") {
		t.Fatal("request after the refill window should pass")
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l := newLimiter(t, 60, 2)
	l.Allow("203.0.113.7")
	l.Allow("203.0.113.7")
	if l.Allow("203.0.113.7") {
		t.Fatal("first key should be exhausted")
	}
	if !l.Allow("198.51.100.2") {
		t.Fatal("second key should be untouched")
	}
}

func TestEvictIdleRestoresBurst(t *testing.T) {
	l := newLimiter(t, 60, 1)
	l.Allow("203.0.113.7")
	if l.Allow("203.0.113.7") {
		t.Fatal("bucket should be empty")
	}

	// A future cutoff makes every key idle.
	l.evictIdle(time.Now().Add(time.Second))
	if !l.Allow("203.0.113.7") {
		t.Fatal("evicted key should restart with a full burst")
	}
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	l := newLimiter(t, 60, 1)
	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/v1/bids", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	get := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/v1/bids", nil)
		req.RemoteAddr = "203.0.113.7:44123"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	if w := get(); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w := get()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}

	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body.Error != "rate_limit_exceeded" || body.RetryAfter != 1 {
		t.Fatalf("unexpected 429 body: %s", w.Body.String())
	}
}

func TestMiddlewareKeysAuthorizedCallersSeparately(t *testing.T) {
	l := newLimiter(t, 60, 1)
	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/v1/bids", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	send := func(authz string) int {
		req := httptest.NewRequest("GET", "/v1/bids", nil)
		req.RemoteAddr = "203.0.113.7:44123"
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := send(""); code != http.StatusOK {
		t.Fatalf("anonymous request status = %d, want 200", code)
	}
	if code := send(""); code != http.StatusTooManyRequests {
		t.Fatalf("anonymous IP should be exhausted, got %d", code)
	}
	// Same IP, but the Authorization header gives its own bucket.
	if code := send("Bearer sk_live_abc123"); code != http.StatusOK {
		t.Fatalf("keyed request status = %d, want 200", code)
	}
}
