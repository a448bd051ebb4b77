package httpgateway

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/relaygate/channelserver/internal/apperror"
)

// IPRateLimiter throttles the HTTP surface per client IP using
// golang.org/x/time/rate, ahead of (and independent from) the per-FD token
// bucket internal/ratelimit applies to WebSocket frames once a connection
// is open. Unlike that bucket, this one has no cross-worker visibility
// requirement, since a caller always lands back on this same process, so
// x/time/rate's private internal state is no obstacle here, the opposite
// of why internal/ratelimit hand-rolls its own math against a shared-table
// row.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewIPRateLimiter builds a limiter keyed by client IP, ratePerSec tokens
// per second up to burst.
func NewIPRateLimiter(ratePerSec float64, burst int) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(ratePerSec),
		burst:    burst,
	}
	go l.sweep(context.Background(), 10*time.Minute)
	return l
}

func (l *IPRateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[ip] = lim
	}
	return lim
}

// sweep periodically drops limiters for IPs that have been fully idle
// (a full bucket means nothing has been drawn from it recently), so a
// churn of distinct client IPs doesn't grow this map without bound.
func (l *IPRateLimiter) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			for ip, lim := range l.limiters {
				if lim.Tokens() >= float64(l.burst) {
					delete(l.limiters, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Middleware returns gin middleware enforcing this limiter ahead of the
// unified request pipeline, rejecting with the same 429 shape the WS
// transport's per-FD bucket uses.
func (l *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.limiterFor(c.ClientIP()).Allow() {
			writeError(c, apperror.RateLimited())
			c.Abort()
			return
		}
		c.Next()
	}
}
