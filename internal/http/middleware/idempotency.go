package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the client-chosen key that deduplicates
// retried uploads.
const HeaderIdempotencyKey = "Idempotency-Key"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay"
	ctxKeyRateBypass = "rate.bypass"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// GetIdempotencyKey returns the key accepted by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, _ := c.Get(ctxKeyIdemKey)
	s, _ := v.(string)
	return s, s != ""
}

// isReplay reports whether the ledger already holds a completed result for
// the request's key, so the handler will answer from it.
func isReplay(c *gin.Context) bool {
	v, _ := c.Get(ctxKeyIdemReplay)
	b, _ := v.(bool)
	return b
}

// ReplayLookup reports whether a completed, unexpired ledger record exists
// for (userID, key). Errors are logged and treated as a miss.
type ReplayLookup func(ctx context.Context, userID, key string) (bool, error)

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	MaxLen  int            // <= 0 means 200
	Pattern *regexp.Regexp // nil means token characters plus ".~-:"
	Replay  ReplayLookup   // optional
}

// IdempotencyValidator checks the Idempotency-Key header of unsafe requests
// and stashes it for handlers. A request whose key already completed is
// flagged as a replay and exempted from the edge throttle; the handler still
// produces the response from the ledger. Safe methods ignore the header.
func IdempotencyValidator(opts IdempotencyOptions) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || safeMethod(c.Request.Method) {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		// Keys are scoped per user; anonymous callers never replay.
		if uid := userIDFromCtx(c); uid != "" && opts.Replay != nil {
			done, err := opts.Replay(c.Request.Context(), uid, key)
			if err != nil {
				LoggerFrom(c).Warn().Err(err).Msg("idempotency replay lookup failed")
			}
			if done {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}

func safeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// userIDFromCtx returns the identity stored by UserID, or "".
func userIDFromCtx(c *gin.Context) string {
	v, _ := c.Get(userIDKey)
	s, _ := v.(string)
	return s
}
