// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file limits request rates per identity. Ordinary requests draw from a
// token bucket (golang.org/x/time/rate). Streaming requests (SSE feeds and
// the room websocket) hold a store subscription for as long as they stay
// open, so they are capped by the number of concurrently open streams per
// identity instead of by arrival rate.
//
// Limits are process-local.
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

// keyFunc selects the identity used to key a bucket, e.g. "user:<uid>" or
// "ip:<addr>".
type keyFunc func(*gin.Context) string

// KeyByUserOrIP keys signed-in callers by uid and anonymous ones by client
// IP. Prefixes keep the two namespaces apart.
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if v, ok := c.Get("userID"); ok {
			if s, ok := v.(string); ok && s != "" {
				return "user:" + s
			}
		}
		return "ip:" + c.ClientIP()
	}
}

// IsStreamRequest reports whether the request opens a long-lived stream:
// a websocket upgrade, an SSE request, or a route ending in /stream.
func IsStreamRequest(c *gin.Context) bool {
	r := c.Request
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	return strings.HasSuffix(r.URL.Path, "/stream")
}

// visitor is one identity's state.
type visitor struct {
	limiter  *rate.Limiter
	streams  int
	lastSeen time.Time
}

// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn keyFunc

	// MaxStreams caps concurrently open streams per identity; <= 0 disables
	// the cap.
	MaxStreams int

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	cleanupN uint64
	now      func() time.Time
}

// NewRateLimiter returns a limiter replenishing rps tokens per second up to
// burst (coerced to >= 1), with at most 8 open streams per identity.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:        rate.Limit(rps),
		burst:      burst,
		keyFn:      keyFn,
		MaxStreams: 8,
		visitors:   make(map[string]*visitor),
		ttl:        10 * time.Minute,
		now:        time.Now,
	}
}

// visitorLocked returns the state for key, creating it if needed. Every
// 5000 lookups idle visitors without open streams are dropped; this runs
// before key is touched so a stale entry for key is rebuilt too.
// Callers hold rl.mu.
func (rl *RateLimiter) visitorLocked(key string, now time.Time) *visitor {
	rl.cleanupN++
	if rl.cleanupN >= 5000 {
		for k, v := range rl.visitors {
			if v.streams == 0 && now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.cleanupN = 0
	}
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v
}

// reserve takes one token for key. It returns 0 when the request may
// proceed, or how long the caller should wait before retrying.
func (rl *RateLimiter) reserve(key string) time.Duration {
	now := rl.now()
	rl.mu.Lock()
	lim := rl.visitorLocked(key, now).limiter
	rl.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
	}
	return delay
}

// openStream counts a new stream for key and reports whether it fits under
// MaxStreams. A successful call must be paired with closeStream.
func (rl *RateLimiter) openStream(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v := rl.visitorLocked(key, rl.now())
	if rl.MaxStreams > 0 && v.streams >= rl.MaxStreams {
		return false
	}
	v.streams++
	return true
}

func (rl *RateLimiter) closeStream(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if v, ok := rl.visitors[key]; ok && v.streams > 0 {
		v.streams--
		v.lastSeen = rl.now()
	}
}

// IsRateBypass reports whether IdempotencyValidator marked this request as
// a replay of a completed request.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces the limits. Replays pass untouched. Streams are admitted
// while the identity has fewer than MaxStreams open and released when the
// handler returns. Other requests over budget get 429 with Retry-After in
// whole seconds.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		key := rl.keyFn(c)

		if IsStreamRequest(c) {
			if !rl.openStream(key) {
				tooMany(c, time.Second, "too many open streams")
				return
			}
			defer rl.closeStream(key)
			c.Next()
			return
		}

		if wait := rl.reserve(key); wait > 0 {
			tooMany(c, wait, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

func tooMany(c *gin.Context, wait time.Duration, msg string) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"request_id": c.Writer.Header().Get("X-Request-ID"),
		"code":       "too_many_requests",
		"message":    msg,
	})
}
