package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter enforces a per-client-IP token bucket in front of the
// endpoints. It is coarse abuse protection only; recovery tokens have their
// own per-hostname window in the service.
type IPRateLimiter struct {
	rps   rate.Limit
	burst int
	idle  time.Duration

	mu       sync.Mutex
	limiters map[string]*ipLimiter
}

// NewIPRateLimiter creates a limiter allowing rps steady-state requests per
// second with the given burst per client IP.
func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		limiters: make(map[string]*ipLimiter),
	}
}

func (l *IPRateLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	il, ok := l.limiters[ip]
	if !ok {
		il = &ipLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = il
	}
	il.lastSeen = now
	l.mu.Unlock()
	return il.limiter.AllowN(now, 1)
}

// Cleanup drops clients idle for longer than ten minutes.
func (l *IPRateLimiter) Cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, il := range l.limiters {
		if now.Sub(il.lastSeen) > l.idle {
			delete(l.limiters, ip)
			n++
		}
	}
	return n
}

// Run calls Cleanup every interval until ctx is done.
func (l *IPRateLimiter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.Cleanup(now)
		}
	}
}

// Middleware returns the Gin middleware. Refused requests get 429 with the
// usual {success, text} body.
func (l *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(c.ClientIP(), time.Now()) {
			c.Header("Retry-After", "1")
			respond(c, http.StatusTooManyRequests, false, "Too many requests. Please slow down.", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}
