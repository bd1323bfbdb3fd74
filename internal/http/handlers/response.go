// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the standard response utilities used across all endpoints,
// including structured error envelopes, the mapping from service errors to
// error codes, and the quota and rate-limit response headers.
//
// Conventions:
//   - All error responses must return an ErrorResponse with a stable `code`.
//   - `fail()` centralizes error logging and formatting, ensuring 5xx responses
//     are logged with request context for observability.
//   - `failErr()` is the single place where service errors become statuses.
//   - `ok()` writes success responses in a consistent shape.
//
// Example error response:
//
//	HTTP/1.1 429 Too Many Requests
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "quota_exceeded",
//	  "message": "ai_generations quota exceeded (5/5)",
//	  "details": { "quota_type": "ai_generations", "remaining": 0, ... }
//	}
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/studyloopai/studyloop-backend/internal/http/middleware"
	"github.com/studyloopai/studyloop-backend/internal/ratelimit"
	"github.com/studyloopai/studyloop-backend/internal/services"
)

// Quota and rate-limit response headers.
const (
	HeaderQuotaLimit         = "X-Quota-Limit"
	HeaderQuotaRemaining     = "X-Quota-Remaining"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderReplayed           = "Idempotency-Replayed"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
//
// Fields:
//   - RequestID: Optional correlation ID, echoed from X-Request-ID header, used
//     to correlate server logs with client-side errors.
//   - Code: A stable, machine-readable string (see errors.go constants).
//   - Message: A human-readable error description, safe for display to users.
//   - Details: Optional structured context (quota standing, offending types).
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"resource not found"`
	// Structured context for domain errors
	Details any `json:"details,omitempty" swaggertype:"object"`
}

// fail aborts the request with a structured error and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	failDetails(c, status, code, msg, nil)
}

func failDetails(c *gin.Context, status int, code, msg string, details any) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	resp := ErrorResponse{
		RequestID: reqID,
		Code:      code,
		Message:   msg,
		Details:   details,
	}

	// Log 5xx (server-side) with request-scoped logger
	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail().
//
// External packages (e.g., router setup) should call Fail to return
// consistent error envelopes without directly depending on unexported helpers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr translates a service error into its status and code. Unknown
// errors are logged and reported as a generic 500 without leaking the cause.
func failErr(c *gin.Context, err error) {
	var (
		verr     *services.ValidationError
		fne      *services.FeaturesNotEnabledError
		quotaErr *services.QuotaExceededError
		rateErr  *services.RateLimitedError
	)
	switch {
	case errors.As(err, &verr):
		failDetails(c, http.StatusBadRequest, ErrCodeValidation, verr.Error(), gin.H{"field": verr.Field})
	case errors.As(err, &fne):
		failDetails(c, http.StatusBadRequest, ErrCodeFeaturesNotEnabled, fne.Error(), gin.H{"content_types": fne.Types})
	case errors.As(err, &quotaErr):
		setQuotaHeaders(c, quotaErr.Details)
		failDetails(c, http.StatusTooManyRequests, ErrCodeQuotaExceeded, quotaErr.Error(), quotaErr.Details)
	case errors.As(err, &rateErr):
		c.Header(HeaderRateLimitLimit, strconv.Itoa(rateErr.Limit))
		c.Header(HeaderRateLimitRemaining, "0")
		c.Header(HeaderRateLimitReset, strconv.FormatInt(rateErr.ResetUnix, 10))
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, rateErr.Error())
	case errors.Is(err, services.ErrGenerationInProgress):
		fail(c, http.StatusConflict, ErrCodeGenerationInProgress, err.Error())
	case errors.Is(err, services.ErrRequestInProgress),
		errors.Is(err, services.ErrRequestFailed),
		errors.Is(err, services.ErrMaterialNotRetryable):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrNoReadyMaterials):
		fail(c, http.StatusBadRequest, ErrCodeNoReadyMaterials, err.Error())
	case errors.Is(err, services.ErrUnsupportedFileType):
		fail(c, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, services.ErrWeekNotFound),
		errors.Is(err, services.ErrMaterialNotFound),
		errors.Is(err, services.ErrConfigNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrRunnerUnavailable):
		fail(c, http.StatusServiceUnavailable, ErrCodeDispatchFailed, "failed to dispatch generation task")
	case errors.Is(err, services.ErrInvalidSignature):
		fail(c, http.StatusUnauthorized, ErrCodeInvalidSignature, err.Error())
	case errors.Is(err, services.ErrUnauthorizedRun):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
	default:
		lg := middleware.LoggerFrom(c)
		lg.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled service error")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

// setQuotaHeaders attaches the caller's standing against one quota.
func setQuotaHeaders(c *gin.Context, q services.QuotaDetails) {
	if q.QuotaType == "" {
		return
	}
	c.Header(HeaderQuotaLimit, strconv.FormatInt(q.QuotaLimit, 10))
	c.Header(HeaderQuotaRemaining, strconv.FormatInt(q.Remaining, 10))
}

// setRateHeaders attaches the sliding-window decision of the request.
func setRateHeaders(c *gin.Context, r *ratelimit.Result) {
	if r == nil || r.Limit <= 0 {
		return
	}
	c.Header(HeaderRateLimitLimit, strconv.Itoa(r.Limit))
	c.Header(HeaderRateLimitRemaining, strconv.Itoa(max(0, r.RemainingAttempts)))
	c.Header(HeaderRateLimitReset, strconv.FormatInt(r.ResetTime.Unix(), 10))
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
