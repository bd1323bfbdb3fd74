// Package handlers exposes the StudyLoop pipeline over REST:
//   - POST   /courses/{courseId}/weeks/{weekId}/materials  (upload intake)
//   - POST   /materials/{id}/retry                         (manual retry)
//   - POST   /weeks/{weekId}/generation                    (dispatch)
//   - GET    /weeks/{weekId}/status                        (aggregated status)
//   - GET    /weeks/{weekId}/jobs, DELETE same             (correlation records)
//   - GET    /weeks/{weekId}/content                       (generated items, ETag)
//   - GET    /usage                                        (quota snapshot)
//   - GET    /runs/{runId}/stream                          (realtime, SSE)
//   - POST   /webhooks/payments                            (payment provider)
//   - POST   /internal/cron/*                              (scheduled sweeps)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/runner"
	"github.com/studyloopai/studyloop-backend/internal/services"
	"github.com/studyloopai/studyloop-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// MaterialService accepts uploads and retries of course materials.
type MaterialService interface {
	Upload(ctx context.Context, req services.UploadRequest) (*services.UploadResult, error)
	Retry(ctx context.Context, userID, materialID string) (*services.UploadResult, error)
}

// ConfigService persists selective generation configs.
type ConfigService interface {
	Persist(ctx context.Context, sel domain.SelectiveConfig, weekID, courseID, userID, materialID string) (string, error)
}

// DispatchService triggers week generation runs.
type DispatchService interface {
	Dispatch(ctx context.Context, req services.DispatchRequest) (*services.DispatchResult, error)
}

// StatusService computes the unified status of a week.
type StatusService interface {
	WeekStatus(ctx context.Context, userID, weekID string) (*services.WeekStatus, error)
}

// ContentService reads generated items.
type ContentService interface {
	ListPage(ctx context.Context, userID, weekID string, ct domain.ContentType, page, pageSize int) (*services.ContentPage, error)
	// Stats returns the item count and latest update, used for ETags.
	Stats(ctx context.Context, userID, weekID string, ct domain.ContentType) (int64, *time.Time, error)
}

// JobService reads and clears processing job records.
type JobService interface {
	List(ctx context.Context, userID, weekID string) ([]domain.ProcessingJob, error)
	Delete(ctx context.Context, userID, weekID string) (int64, error)
}

// UsageService reports quota standing.
type UsageService interface {
	Usage(ctx context.Context, userID string) (services.UsageSnapshot, error)
}

// WebhookService processes signed payment provider deliveries.
type WebhookService interface {
	Handle(ctx context.Context, body []byte, signature string) (*services.WebhookResult, error)
}

// SweepService runs scheduled maintenance.
type SweepService interface {
	ResetExpiredCycles(ctx context.Context) (services.SweepResult, error)
	RetryPending(ctx context.Context) (services.SweepResult, error)
	PurgeStale(ctx context.Context) (services.SweepResult, error)
}

// TokenVerifier validates run access tokens.
type TokenVerifier interface {
	Verify(token string) (*runner.RunClaims, error)
}

//
// Handler wiring
//

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	Materials MaterialService
	Configs   ConfigService
	Dispatch  DispatchService
	Status    StatusService
	Content   ContentService
	Jobs      JobService
	Usage     UsageService
	Webhooks  WebhookService
	Sweeps    SweepService
	Tokens    TokenVerifier
	Tracker   runner.Tracker

	// CronSecret authorizes the scheduled sweep endpoints. Empty disables them.
	CronSecret string
	// Heartbeat is the SSE keep-alive interval. Defaults to 15s.
	Heartbeat time.Duration
}

// Handlers groups the HTTP endpoints. It depends on abstract service
// interfaces to keep transport concerns separate from business logic.
type Handlers struct {
	materials MaterialService
	configs   ConfigService
	dispatch  DispatchService
	status    StatusService
	content   ContentService
	jobs      JobService
	usage     UsageService
	webhooks  WebhookService
	sweeps    SweepService
	tokens    TokenVerifier
	tracker   runner.Tracker

	cronSecret string
	heartbeat  time.Duration
}

// New constructs and returns a Handlers instance bound to the given services.
func New(d Deps) *Handlers {
	hb := d.Heartbeat
	if hb <= 0 {
		hb = 15 * time.Second
	}
	return &Handlers{
		materials:  d.Materials,
		configs:    d.Configs,
		dispatch:   d.Dispatch,
		status:     d.Status,
		content:    d.Content,
		jobs:       d.Jobs,
		usage:      d.Usage,
		webhooks:   d.Webhooks,
		sweeps:     d.Sweeps,
		tokens:     d.Tokens,
		tracker:    d.Tracker,
		cronSecret: d.CronSecret,
		heartbeat:  hb,
	}
}

// userID extracts the authenticated user id from Gin context (set by the
// UserID middleware). If absent, it falls back to the "X-User-ID" header.
// An empty result means the caller is anonymous.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		return strings.TrimSpace(c.GetHeader("X-User-ID"))
	}
	return ""
}

// requireUser returns the caller's id or aborts with 401.
func requireUser(c *gin.Context) (string, bool) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing user identity")
		return "", false
	}
	return uid, true
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	page, pageSize, _ = utils.Page(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), utils.DefaultPageSize),
		services.MaxPageSize,
	)
	return page, pageSize
}

// parseContentTypes accepts canonical, snake_case, and kebab-case names.
// The first unknown name is returned as invalid.
func parseContentTypes(raw []string) ([]domain.ContentType, string) {
	out := make([]domain.ContentType, 0, len(raw))
	for _, s := range raw {
		ct, ok := domain.ParseContentType(s)
		if !ok {
			return nil, s
		}
		out = append(out, ct)
	}
	return out, ""
}
