// Package ratelimit throttles API clients with a per-key token bucket.
// Keys are client IPs, or the Authorization prefix once a caller
// authenticates, so one noisy anonymous neighbor cannot starve keyed
// traffic behind the same NAT.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nestbid/nestbid/internal/metrics"
)

// Config sizes the bucket.
type Config struct {
	// RequestsPerMinute is the sustained refill rate per key.
	RequestsPerMinute int
	// BurstSize caps how many tokens a quiet key can bank.
	BurstSize int
	// CleanupInterval is how often idle keys are evicted.
	CleanupInterval time.Duration
}

// Limiter meters requests per key.
type Limiter struct {
	cfg  Config
	mu   sync.Mutex
	keys map[string]*bucket
	stop chan struct{}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// New starts a limiter and its eviction loop. Call Stop on shutdown.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:  cfg,
		keys: make(map[string]*bucket),
		stop: make(chan struct{}),
	}
	go l.evictLoop()
	return l
}

// Stop ends the eviction loop.
func (l *Limiter) Stop() { close(l.stop) }

func (l *Limiter) evictLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now().Add(-2 * l.cfg.CleanupInterval))
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops keys not seen since cutoff. A dropped key restarts
// with a full burst, which is what a newly seen key gets anyway.
func (l *Limiter) evictIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.keys {
		if b.seen.Before(cutoff) {
			delete(l.keys, key)
		}
	}
}

// Allow spends one token for key, reporting whether the request may
// proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.keys[key]
	if !ok {
		l.keys[key] = &bucket{tokens: float64(l.cfg.BurstSize) - 1, seen: now}
		return true
	}

	refill := now.Sub(b.seen).Seconds() * float64(l.cfg.RequestsPerMinute) / 60
	b.tokens = min(b.tokens+refill, float64(l.cfg.BurstSize))
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware rejects over-limit requests with 429 before they reach
// the handlers.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if authz := c.GetHeader("Authorization"); authz != "" {
			key = "auth:" + authz[:min(20, len(authz))]
		}

		if !l.Allow(key) {
			metrics.RateLimitedTotal.Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
