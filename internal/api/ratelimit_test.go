package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Pollarr/internal/testutil"
)

func TestNewRateLimiter(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute, 10)
	defer rl.Stop()

	if rl.rate != 5 {
		t.Errorf("rate = %d, want 5", rl.rate)
	}
	if rl.interval != time.Minute {
		t.Errorf("interval = %v, want 1m", rl.interval)
	}
	if rl.burst != 10 {
		t.Errorf("burst = %d, want 10", rl.burst)
	}
	if rl.clients == nil {
		t.Error("clients map should be initialized")
	}
}

func TestRateLimiter_Allow_NewClient(t *testing.T) {
	rl := newRateLimiter(5, time.Minute, 3, testutil.NewMockClock())

	if !rl.Allow("192.168.1.1") {
		t.Error("First request from new client should be allowed")
	}

	rl.mu.Lock()
	bucket, exists := rl.clients["192.168.1.1"]
	rl.mu.Unlock()

	if !exists {
		t.Fatal("Client should be tracked after first request")
	}
	if bucket.tokens != 2 { // burst(3) - 1
		t.Errorf("tokens = %d, want 2 (burst - 1)", bucket.tokens)
	}
}

func TestRateLimiter_Allow_ExhaustBucket(t *testing.T) {
	rl := newRateLimiter(1, time.Hour, 3, testutil.NewMockClock())

	for i := 0; i < 3; i++ {
		if !rl.Allow("192.168.1.1") {
			t.Errorf("Request %d should be allowed (within burst)", i+1)
		}
	}
	if rl.Allow("192.168.1.1") {
		t.Error("Request after burst exhausted should be denied")
	}
}

func TestRateLimiter_Allow_ZeroBurst(t *testing.T) {
	rl := newRateLimiter(1, time.Minute, 0, testutil.NewMockClock())

	if rl.Allow("192.168.1.1") {
		t.Error("A zero burst should deny every request")
	}
}

func TestRateLimiter_Allow_Refill(t *testing.T) {
	clk := testutil.NewMockClock()
	rl := newRateLimiter(2, time.Minute, 3, clk)

	for i := 0; i < 3; i++ {
		rl.Allow("10.0.0.1")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("bucket should be empty")
	}

	// Less than one interval refills nothing.
	clk.Sleep(59 * time.Second)
	if rl.Allow("10.0.0.1") {
		t.Error("partial interval should not refill")
	}

	// The partial second carries over: one more second completes the interval.
	clk.Sleep(time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("first token after refill should be allowed")
	}
	if !rl.Allow("10.0.0.1") {
		t.Error("second token after refill should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("refill adds rate tokens per interval")
	}
}

func TestRateLimiter_Allow_RefillCappedAtBurst(t *testing.T) {
	clk := testutil.NewMockClock()
	rl := newRateLimiter(5, time.Minute, 3, clk)

	rl.Allow("10.0.0.1")
	clk.Sleep(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.Allow("10.0.0.1") {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed = %d after long idle, want burst (3)", allowed)
	}
}

func TestRateLimiter_Allow_IndependentClients(t *testing.T) {
	rl := newRateLimiter(1, time.Hour, 1, testutil.NewMockClock())

	if !rl.Allow("10.0.0.1") {
		t.Error("first client should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("first client should be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("second client has its own bucket")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	clk := testutil.NewMockClock()
	rl := newRateLimiter(1, time.Minute, 5, clk)

	rl.Allow("old")
	clk.Sleep(20 * time.Minute)
	rl.Allow("fresh")

	if removed := rl.cleanup(10 * time.Minute); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.clients["old"]; ok {
		t.Error("idle client should be forgotten")
	}
	if _, ok := rl.clients["fresh"]; !ok {
		t.Error("active client should be kept")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, 1)
	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl := newRateLimiter(1, time.Minute, 2, testutil.NewMockClock())
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i+1, w.Code)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["error"] != "Too many requests" {
		t.Errorf("error = %v", body["error"])
	}
	if body["retry_after"] != float64(60) {
		t.Errorf("retry_after = %v, want 60", body["retry_after"])
	}
}
