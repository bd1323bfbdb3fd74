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

	"github.com/studyloopai/studyloop-backend/internal/observability"
)

// EdgeAction labels edge throttle decisions in the rate-limit metrics.
const EdgeAction = "edge"

// KeyFunc selects the bucket identity of a request.
type KeyFunc func(*gin.Context) string

// KeyByUserOrIP keys authenticated callers by user and everyone else by
// client IP. The prefixes keep the two namespaces apart.
func KeyByUserOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if uid := userIDFromCtx(c); uid != "" {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

// EdgeLimitOptions configures the in-process throttle that sits in front of
// every route. Per-action upload and generation windows live in package
// ratelimit and are shared across instances; this one only protects a single
// process from floods.
type EdgeLimitOptions struct {
	RPS   float64
	Burst int // <= 0 means 1
	Key   KeyFunc
	// ExemptPrefixes are URL path prefixes that are never throttled, such as
	// provider webhooks, cron endpoints and long-lived streams.
	ExemptPrefixes []string
	// IdleTTL evicts buckets unused for this long. Defaults to 10m.
	IdleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// EdgeLimiter is a per-identity token bucket. Safe for concurrent use.
type EdgeLimiter struct {
	opts EdgeLimitOptions

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

// NewEdgeLimiter returns a limiter ready to be installed with Handler.
func NewEdgeLimiter(opts EdgeLimitOptions) *EdgeLimiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	if opts.Key == nil {
		opts.Key = KeyByUserOrIP()
	}
	return &EdgeLimiter{
		opts:      opts,
		buckets:   make(map[string]*bucket),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// limiter returns the bucket for key. Idle buckets are evicted at most once
// per IdleTTL, before the lookup, so a stale bucket is replaced rather than
// refreshed.
func (l *EdgeLimiter) limiter(key string) *rate.Limiter {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.opts.IdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) >= l.opts.IdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	if b, ok := l.buckets[key]; ok {
		b.lastSeen = now
		return b.limiter
	}
	lim := rate.NewLimiter(rate.Limit(l.opts.RPS), l.opts.Burst)
	l.buckets[key] = &bucket{limiter: lim, lastSeen: now}
	return lim
}

func (l *EdgeLimiter) exempt(path string) bool {
	for _, p := range l.opts.ExemptPrefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// IsRateBypass reports whether IdempotencyValidator marked the request as a
// replay that must not consume edge tokens.
func IsRateBypass(c *gin.Context) bool {
	b, _ := c.Get(ctxKeyRateBypass)
	v, _ := b.(bool)
	return v
}

// Handler throttles non-exempt requests. A rejected request gets 429 in the
// standard error envelope with Retry-After set to the whole seconds until the
// next token.
func (l *EdgeLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.exempt(c.Request.URL.Path) || IsRateBypass(c) {
			c.Next()
			return
		}

		now := l.now()
		res := l.limiter(l.opts.Key(c)).ReserveN(now, 1)
		delay := res.DelayFrom(now)
		if res.OK() && delay == 0 {
			observability.RecordRateLimit(EdgeAction, true)
			c.Next()
			return
		}
		res.CancelAt(now)
		observability.RecordRateLimit(EdgeAction, false)

		retry := 1
		if res.OK() {
			retry = max(1, int(math.Ceil(delay.Seconds())))
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		c.Header("X-RateLimit-Limit", strconv.Itoa(l.opts.Burst))
		c.Header("X-RateLimit-Remaining", "0")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
