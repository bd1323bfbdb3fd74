// Package middleware holds the gin middleware of the StudyLoop API: request
// correlation and caller identity, redacting access logs, panic recovery,
// Prometheus metrics, Idempotency-Key validation, the edge throttle, and
// security headers.
//
// Handlers log through LoggerFrom; services use zerolog.Ctx on the request
// context, which carries the same request-scoped logger.
package middleware

import (
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	userIDKey       = "userID"
	// userIDHeader carries the identity asserted by the auth proxy.
	userIDHeader = "X-User-ID"
	loggerKey    = "logger"

	maxQueryLogLength = 2048
)

// Client supplied ids are echoed into headers and logs, so they are held to
// a conservative shape.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._\-]{1,128}$`)

// RequestID reuses a well-formed X-Request-ID or mints a UUID, and echoes it
// on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if !requestIDPattern.MatchString(rid) {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// UserID stores the X-User-ID header under the "userID" context key. An
// identity set by earlier middleware wins.
func UserID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(userIDKey); !exists {
			if uid := strings.TrimSpace(c.GetHeader(userIDHeader)); uid != "" {
				c.Set(userIDKey, uid)
			}
		}
		c.Next()
	}
}

// Recovery turns a panic into a 500 in the standard error envelope and logs
// the stack with the request logger. Nothing is written when the handler
// already started the response, as with an open stream.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := asString(c.Value(requestIDKey))
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger attached by RedactingLogger,
// or the global logger when none is attached.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if lg, ok := c.Value(loggerKey).(*zerolog.Logger); ok {
		return lg
	}
	l := log.With().Logger()
	return &l
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// truncate caps s at max bytes. max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
