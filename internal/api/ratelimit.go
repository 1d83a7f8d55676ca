package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Pollarr/internal/clock"
)

// RateLimiter is a token bucket per client IP.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientBucket
	rate     int           // tokens per interval
	interval time.Duration // refill interval
	burst    int           // bucket size
	clock    clock.Clock

	stopOnce sync.Once
	stop     chan struct{}
}

type clientBucket struct {
	tokens    int
	lastCheck time.Time
}

// NewRateLimiter allows rate requests per interval with the given burst and
// starts a goroutine that forgets idle clients until Stop.
func NewRateLimiter(rate int, interval time.Duration, burst int) *RateLimiter {
	rl := newRateLimiter(rate, interval, burst, nil)
	go rl.cleanupLoop(5 * time.Minute)
	return rl
}

func newRateLimiter(rate int, interval time.Duration, burst int, clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		clients:  make(map[string]*clientBucket),
		rate:     rate,
		interval: interval,
		burst:    burst,
		clock:    clock.Or(clk),
		stop:     make(chan struct{}),
	}
}

// Allow takes one token from ip's bucket.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	bucket, exists := rl.clients[ip]
	if !exists {
		if rl.burst < 1 {
			return false
		}
		rl.clients[ip] = &clientBucket{tokens: rl.burst - 1, lastCheck: now}
		return true
	}

	// Only whole intervals refill; the remainder carries over.
	if intervals := int(now.Sub(bucket.lastCheck) / rl.interval); intervals > 0 {
		bucket.tokens = min(bucket.tokens+intervals*rl.rate, rl.burst)
		bucket.lastCheck = bucket.lastCheck.Add(time.Duration(intervals) * rl.interval)
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

// cleanup drops clients idle for longer than maxIdle.
func (rl *RateLimiter) cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	threshold := rl.clock.Now().Add(-maxIdle)
	removed := 0
	for ip, bucket := range rl.clients {
		if bucket.lastCheck.Before(threshold) {
			delete(rl.clients, ip)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup(2 * every)
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": rl.interval.Seconds(),
			})
			return
		}
		c.Next()
	}
}
