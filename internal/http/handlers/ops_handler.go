package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/studyloopai/studyloop-backend/internal/http/middleware"
	"github.com/studyloopai/studyloop-backend/internal/services"
)

// HeaderSignature carries the hex HMAC-SHA256 of a webhook body.
const HeaderSignature = "X-Signature"

// PaymentWebhook godoc
// @ID          paymentWebhook
// @Summary     Payment provider webhook
// @Description Verifies the body signature and applies subscription events once per event id.
// @Description Redeliveries return the first result with duplicate=true.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       X-Signature  header  string  true  "hex HMAC-SHA256 of the raw body"
//
// @Success     200  {object}  services.WebhookResult
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed event"
// @Failure     401  {object}  handlers.ErrorResponse  "Invalid signature"
// @Failure     500  {object}  handlers.ErrorResponse  "Processing failed; the provider should redeliver"
// @Router      /webhooks/payments [post]
func (h *Handlers) PaymentWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	res, err := h.webhooks.Handle(c.Request.Context(), body, c.GetHeader(HeaderSignature))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// cronAuthorized checks the bearer secret in constant time.
func (h *Handlers) cronAuthorized(c *gin.Context) bool {
	auth := c.GetHeader("Authorization")
	if h.cronSecret == "" || !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.cronSecret)) == 1
}

func (h *Handlers) runSweep(c *gin.Context, sweep func(context.Context) (services.SweepResult, error)) {
	if !h.cronAuthorized(c) {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid cron credentials")
		return
	}
	res, err := sweep(c.Request.Context())
	if err != nil {
		lg := middleware.LoggerFrom(c)
		lg.Error().Err(err).Str("sweep", res.Sweep).Msg("sweep failed")
		res.Success = false
		if res.Error == "" {
			res.Error = "sweep failed"
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, res)
		return
	}
	ok(c, http.StatusOK, res)
}

// ResetQuotas godoc
// @ID          cronQuotaReset
// @Summary     Reset expired usage cycles
// @Tags        Cron
// @Produce     json
// @Param       Authorization  header  string  true  "Bearer CRON_SECRET"
// @Success     200  {object}  services.SweepResult
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     500  {object}  services.SweepResult
// @Router      /internal/cron/quota-reset [post]
func (h *Handlers) ResetQuotas(c *gin.Context) { h.runSweep(c, h.sweeps.ResetExpiredCycles) }

// RetryPending godoc
// @ID          cronRetries
// @Summary     Replay webhook deliveries with retries left
// @Tags        Cron
// @Produce     json
// @Param       Authorization  header  string  true  "Bearer CRON_SECRET"
// @Success     200  {object}  services.SweepResult
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     500  {object}  services.SweepResult
// @Router      /internal/cron/retries [post]
func (h *Handlers) RetryPending(c *gin.Context) { h.runSweep(c, h.sweeps.RetryPending) }

// PurgeJobs godoc
// @ID          cronJobsPurge
// @Summary     Purge stale processing jobs and expired idempotency records
// @Tags        Cron
// @Produce     json
// @Param       Authorization  header  string  true  "Bearer CRON_SECRET"
// @Success     200  {object}  services.SweepResult
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     500  {object}  services.SweepResult
// @Router      /internal/cron/jobs-purge [post]
func (h *Handlers) PurgeJobs(c *gin.Context) { h.runSweep(c, h.sweeps.PurgeStale) }
