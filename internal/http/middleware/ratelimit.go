package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc maps a request to the identity its bucket is keyed by.
type KeyFunc func(*gin.Context) string

// KeyByUserOrIP keys by the X-User-ID header when present, else by client IP.
func KeyByUserOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if id := strings.TrimSpace(c.GetHeader(UserIDHeader)); id != "" {
			return "user:" + id
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a process-local token bucket per key. Idle buckets are
// evicted during lookups. Frames on an established WebSocket are limited
// per connection by the relay, not here.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn KeyFunc
	skip  map[string]struct{}

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	lookups  uint64
}

// NewRateLimiter builds a limiter refilling rps tokens per second up to
// burst. Requests whose route is in skipPaths are never limited.
func NewRateLimiter(rps float64, burst int, keyFn KeyFunc, skipPaths ...string) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		skip:     skip,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

// limiterFor returns the bucket for key. Every 5000 lookups idle buckets
// are dropped first, so a stale bucket is replaced rather than refreshed.
func (rl *RateLimiter) limiterFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= 5000 {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}
	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Handler rejects requests over the limit with 429 and a Retry-After
// header rounded up to whole seconds.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := rl.skip[c.FullPath()]; ok {
			c.Next()
			return
		}
		now := time.Now()
		res := rl.limiterFor(rl.keyFn(c), now).ReserveN(now, 1)
		if res.OK() && res.DelayFrom(now) == 0 {
			c.Next()
			return
		}
		retry := 1
		if res.OK() {
			// A zero rate never refills; the reservation reports InfDuration.
			if d := res.DelayFrom(now); d != rate.InfDuration && rl.rps > 0 {
				retry = int(math.Ceil(d.Seconds()))
			}
			res.CancelAt(now)
		}
		c.Header("Retry-After", strconv.Itoa(max(retry, 1)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
