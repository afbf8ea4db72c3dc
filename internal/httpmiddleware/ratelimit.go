package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ClientIP charges requests to the caller address.
func ClientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// TokenBucket is an in-memory per-key rate limiter refilled once a minute.
type TokenBucket struct {
	capacity int
	rate     int
	mu       sync.Mutex
	state    map[string]*bucket
	swept    time.Time
	now      func() time.Time
	log      *zap.Logger
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewTokenBucket creates a limiter with capacity tokens and rate per minute.
func NewTokenBucket(capacity, perMinute int, logger *zap.Logger) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenBucket{
		capacity: capacity,
		rate:     perMinute,
		state:    make(map[string]*bucket),
		now:      time.Now,
		log:      logger,
	}
}

// GinMiddleware enforces the limit per key. A nil key func uses ClientIP.
func (l *TokenBucket) GinMiddleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientIP
	}
	return func(c *gin.Context) {
		k := key(c)
		if !l.Allow(k) {
			l.log.Debug("rate limited", zap.String("key", k), zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

// Allow takes one token from key's bucket.
func (l *TokenBucket) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)
	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Minutes()
	refill := int(elapsed * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// idle is how long a bucket takes to refill completely. A bucket untouched for
// that long is indistinguishable from a new one.
func (l *TokenBucket) idle() time.Duration {
	if l.rate <= 0 {
		return time.Hour
	}
	d := time.Duration(l.capacity) * time.Minute / time.Duration(l.rate)
	if d < time.Minute {
		d = time.Minute
	}
	return d
}

// sweep drops idle buckets, at most once per idle period. Callers hold l.mu.
func (l *TokenBucket) sweep(now time.Time) {
	idle := l.idle()
	if now.Sub(l.swept) < idle {
		return
	}
	l.swept = now
	for k, b := range l.state {
		if now.Sub(b.last) >= idle {
			delete(l.state, k)
		}
	}
}
