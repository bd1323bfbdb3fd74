package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures additional scrub behavior for RedactingLogger.
//
// MaskHeaders specifies extra HTTP header names whose values will be fully
// replaced with "[REDACTED]". Matching is case-insensitive and merged with
// the built-in sensitive headers. MaskQueryParams does the same for query
// parameters and is merged with "token".
type RedactOptions struct {
	MaskHeaders     []string
	MaskQueryParams []string
}

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits-only phone pattern (prevents matching hex characters from UUIDs).
	phoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// redact scrubs identifiers from s. UUIDs go before phone numbers so the
// loose phone pattern never eats UUID segments.
func redact(s string) string {
	if s == "" {
		return s
	}
	out := uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	out = emailRE.ReplaceAllString(out, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(out, "[REDACTED:phone]")
}

func lowerSet(builtin []string, extra []string) map[string]struct{} {
	set := make(map[string]struct{}, len(builtin)+len(extra))
	for _, v := range append(builtin, extra...) {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// scrubQuery masks credential parameters and redacts the rest.
func scrubQuery(raw string, mask map[string]struct{}) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return redact(raw)
	}
	for k := range values {
		if _, ok := mask[strings.ToLower(k)]; ok {
			values[k] = []string{"[REDACTED]"}
		}
	}
	out, _ := url.QueryUnescape(values.Encode())
	return redact(out)
}

// RedactingLogger attaches a request-scoped logger (request_id, user_id) to
// the gin context and the request context, then writes one access log per
// request. Bodies are never logged. Sensitive headers and the run "token"
// query parameter are masked and emails, phone numbers and UUIDs are
// scrubbed from everything else. Level is info, warn for 4xx, and error for
// 5xx or when handlers attached gin errors.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := lowerSet([]string{"authorization", "cookie", "set-cookie", "x-signature"}, opts.MaskHeaders)
	maskQuery := lowerSet([]string{"token"}, opts.MaskQueryParams)

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeQuery := truncate(scrubQuery(c.Request.URL.RawQuery, maskQuery), maxQueryLogLength)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redact(strings.Join(vv, ", "))
		}

		reqID := c.Writer.Header().Get(requestIDHeader)
		if reqID == "" {
			reqID = c.GetHeader(requestIDHeader)
		}
		uid, _ := c.Get(userIDKey)
		scoped := log.With().
			Str("request_id", reqID).
			Str("user_id", asString(uid)).
			Logger()
		c.Set(loggerKey, &scoped)
		c.Request = c.Request.WithContext(scoped.WithContext(c.Request.Context()))

		c.Next()

		status := c.Writer.Status()
		ev := scoped.Info()
		switch {
		case status >= 500:
			ev = scoped.Error()
		case len(c.Errors) > 0:
			ev = scoped.Error().Str("errors", c.Errors.String())
		case status >= 400:
			ev = scoped.Warn()
		}
		ev.
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
