package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	// EnableHSTS emits Strict-Transport-Security on HTTPS requests only.
	// Enable it only when traffic is HTTPS end-to-end.
	EnableHSTS bool
	HSTSMaxAge time.Duration // <= 0 means 180 days
	// NoStorePrefixes mark URL path prefixes whose responses must never be
	// cached, such as usage, week status and webhooks. Content listings are
	// left cacheable because they revalidate with ETags.
	NoStorePrefixes []string
	// EnablePolicy adds Permissions-Policy and
	// X-Permitted-Cross-Domain-Policies.
	EnablePolicy bool
	// ExposeHeaders are response headers browser clients may read, such as
	// the quota headers. X-Request-ID is always exposed when present.
	ExposeHeaders []string
}

// SecurityHeaders sets hardening headers suitable for a JSON API behind a
// reverse proxy. No CSP is sent since no HTML is served.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}
		if hasAnyPrefix(c.Request.URL.Path, opt.NoStorePrefixes) {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		expose := opt.ExposeHeaders
		if h.Get(requestIDHeader) != "" {
			expose = append([]string{requestIDHeader}, expose...)
		}
		appendExposed(h, expose)

		c.Next()
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	return slices.ContainsFunc(prefixes, func(p string) bool {
		return p != "" && strings.HasPrefix(path, p)
	})
}

// isHTTPS reports whether the request arrived over TLS, directly or through a
// proxy that set X-Forwarded-Proto.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// appendExposed merges names into Access-Control-Expose-Headers without
// duplicating entries set earlier (for example by the CORS middleware).
func appendExposed(h http.Header, names []string) {
	if len(names) == 0 {
		return
	}
	const hdr = "Access-Control-Expose-Headers"
	var cur []string
	if v := h.Get(hdr); v != "" {
		for _, p := range strings.Split(v, ",") {
			cur = append(cur, strings.TrimSpace(p))
		}
	}
	n := len(cur)
	for _, name := range names {
		if !slices.ContainsFunc(cur, func(e string) bool { return strings.EqualFold(e, name) }) {
			cur = append(cur, name)
		}
	}
	if len(cur) != n {
		h.Set(hdr, strings.Join(cur, ", "))
	}
}
