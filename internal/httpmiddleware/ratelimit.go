// Package httpmiddleware holds gin middleware shared by the HTTP surfaces.
package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// SimpleTokenBucket is an in-memory per-client rate limiter. State lives in
// the process; behind a load balancer each instance enforces its own share.
type SimpleTokenBucket struct {
	capacity  float64
	perSecond float64

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewSimpleTokenBucket allows bursts of capacity requests refilled at
// perMinute per minute.
func NewSimpleTokenBucket(capacity, perMinute int) *SimpleTokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &SimpleTokenBucket{
		capacity:  float64(capacity),
		perSecond: float64(perMinute) / 60,
		buckets:   make(map[string]*bucket),
		swept:     time.Now(),
	}
}

// GinMiddleware enforces the limit per client IP.
func (l *SimpleTokenBucket) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(ip, time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func (l *SimpleTokenBucket) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.capacity - 1, seen: now}
		return true
	}

	b.tokens += now.Sub(b.seen).Seconds() * l.perSecond
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweepLocked drops buckets idle long enough to have fully refilled.
func (l *SimpleTokenBucket) sweepLocked(now time.Time) {
	if now.Sub(l.swept) < 10*time.Minute {
		return
	}
	full := time.Duration(l.capacity/l.perSecond) * time.Second
	for key, b := range l.buckets {
		if now.Sub(b.seen) > full {
			delete(l.buckets, key)
		}
	}
	l.swept = now
}
