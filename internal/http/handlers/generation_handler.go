package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/services"
)

// DispatchGenerationRequest is the JSON payload of a generation dispatch.
// Either ConfigID or an inline Config is required; an inline config is
// persisted first.
type DispatchGenerationRequest struct {
	CourseID     string                  `json:"course_id" binding:"required" example:"course-42"`
	MaterialIDs  []string                `json:"material_ids"`
	ConfigID     string                  `json:"config_id" example:"0b8f2a3e-5c1d-4e6f-8a9b-1c2d3e4f5a6b"`
	Config       *domain.SelectiveConfig `json:"config,omitempty"`
	ContentTypes []string                `json:"content_types" binding:"required,min=1" example:"summaries,mcqs"`
}

// DispatchGenerationResponse describes an accepted dispatch.
type DispatchGenerationResponse struct {
	RunID        string                `json:"run_id"`
	AccessToken  string                `json:"access_token"`
	JobID        string                `json:"job_id,omitempty"`
	ConfigID     string                `json:"config_id"`
	ContentTypes []domain.ContentType  `json:"content_types"`
	MaterialIDs  []string              `json:"material_ids"`
	Quota        services.QuotaDetails `json:"quota"`
}

// ListContentResponse wraps a page of generated items.
type ListContentResponse struct {
	Items      []domain.GeneratedItem `json:"items"`
	Pagination Pagination             `json:"pagination"`
}

// ListJobsResponse wraps the processing job records of a week.
type ListJobsResponse struct {
	Jobs []domain.ProcessingJob `json:"jobs"`
}

// DeleteJobsResponse reports how many job records were removed.
type DeleteJobsResponse struct {
	Deleted int64 `json:"deleted"`
}

// DispatchGeneration godoc
// @ID          dispatchGeneration
// @Summary     Generate study content for a week
// @Description Validates the selection against the generation config, consumes quota, and starts one run per week.
// @Tags        Generation
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"  example(user123)
// @Param       weekId     path    string  true  "Week ID (UUID)"  format(uuid)
// @Param       body       body    handlers.DispatchGenerationRequest  true  "Dispatch payload"
//
// @Success     202  {object}  handlers.DispatchGenerationResponse
// @Header      202  {string}  X-Quota-Remaining  "Generations left in the cycle"
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed, features not enabled, or no ready materials"
// @Failure     404  {object}  handlers.ErrorResponse  "Week or config not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Generation already in progress"
// @Failure     429  {object}  handlers.ErrorResponse  "Quota or rate limit exceeded"
// @Failure     503  {object}  handlers.ErrorResponse  "Task runner unavailable"
// @Router      /weeks/{weekId}/generation [post]
func (h *Handlers) DispatchGeneration(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	var req DispatchGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "course_id and content_types are required")
		return
	}
	types, bad := parseContentTypes(req.ContentTypes)
	if bad != "" {
		fail(c, http.StatusBadRequest, ErrCodeValidation, fmt.Sprintf("unknown content type %q", bad))
		return
	}
	ctx := c.Request.Context()
	weekID := c.Param("weekId")

	configID := req.ConfigID
	if configID == "" {
		if req.Config == nil {
			fail(c, http.StatusBadRequest, ErrCodeValidation, "config_id or config is required")
			return
		}
		id, err := h.configs.Persist(ctx, *req.Config, weekID, req.CourseID, uid, "")
		if err != nil {
			failErr(c, err)
			return
		}
		configID = id
	}

	res, err := h.dispatch.Dispatch(ctx, services.DispatchRequest{
		WeekID:       weekID,
		CourseID:     req.CourseID,
		MaterialIDs:  req.MaterialIDs,
		ConfigID:     configID,
		UserID:       uid,
		ContentTypes: types,
	})
	if res != nil {
		setRateHeaders(c, res.Rate)
	}
	if err != nil {
		failErr(c, err)
		return
	}

	setQuotaHeaders(c, res.Quota)
	ok(c, http.StatusAccepted, DispatchGenerationResponse{
		RunID:        res.Handle.RunID,
		AccessToken:  res.Handle.AccessToken,
		JobID:        res.JobID,
		ConfigID:     configID,
		ContentTypes: res.ContentTypes,
		MaterialIDs:  res.MaterialIDs,
		Quota:        res.Quota,
	})
}

// WeekStatus godoc
// @ID          weekStatus
// @Summary     Aggregated week status
// @Description Combines material processing, per-feature generation progress, and live run state.
// @Tags        Generation
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"  example(user123)
// @Param       weekId     path    string  true  "Week ID (UUID)"  format(uuid)
//
// @Success     200  {object}  services.WeekStatus
// @Failure     404  {object}  handlers.ErrorResponse  "Week not found"
// @Router      /weeks/{weekId}/status [get]
func (h *Handlers) WeekStatus(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	st, err := h.status.WeekStatus(c.Request.Context(), uid, c.Param("weekId"))
	if err != nil {
		failErr(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	ok(c, http.StatusOK, st)
}

// ListContent godoc
// @ID          listContent
// @Summary     Generated content (paginated)
// @Description Returns generated items of a week, optionally of one type. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Content
// @Produce     json
//
// @Param       X-User-ID      header  string  true  "User ID"  example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       weekId         path    string  true  "Week ID (UUID)"  format(uuid)
// @Param       type           query   string  false "Content type"  example(mcqs)
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListContentResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Unknown content type"
// @Failure     404  {object} handlers.ErrorResponse "Week not found"
// @Router      /weeks/{weekId}/content [get]
func (h *Handlers) ListContent(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	ctx := c.Request.Context()
	weekID := c.Param("weekId")
	page, pageSize := clampPagination(c)

	var ct domain.ContentType
	if raw := c.Query("type"); raw != "" {
		parsed, valid := domain.ParseContentType(raw)
		if !valid {
			fail(c, http.StatusBadRequest, ErrCodeValidation, fmt.Sprintf("unknown content type %q", raw))
			return
		}
		ct = parsed
	}

	// ETag pre-check (best effort).
	count, maxTS, err := h.content.Stats(ctx, uid, weekID, ct)
	if err != nil {
		failErr(c, err)
		return
	}
	var ts int64
	if maxTS != nil {
		ts = maxTS.UnixNano()
	}
	etag := fmt.Sprintf(`W/"content:%s:%s:%d:%d:%d:%d"`, weekID, ct, page, pageSize, count, ts)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	res, err := h.content.ListPage(ctx, uid, weekID, ct, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListContentResponse{
		Items:      res.Items,
		Pagination: newPagination(res.Page, res.PageSize, res.Total),
	})
}

// ListJobs godoc
// @ID          listJobs
// @Summary     Processing jobs of a week
// @Description Returns the run correlation records of a week, newest first.
// @Tags        Generation
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"  example(user123)
// @Param       weekId     path    string  true  "Week ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.ListJobsResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Week not found"
// @Router      /weeks/{weekId}/jobs [get]
func (h *Handlers) ListJobs(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	jobs, err := h.jobs.List(c.Request.Context(), uid, c.Param("weekId"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListJobsResponse{Jobs: jobs})
}

// DeleteJobs godoc
// @ID          deleteJobs
// @Summary     Clear processing jobs of a week
// @Tags        Generation
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"  example(user123)
// @Param       weekId     path    string  true  "Week ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.DeleteJobsResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Week not found"
// @Router      /weeks/{weekId}/jobs [delete]
func (h *Handlers) DeleteJobs(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	n, err := h.jobs.Delete(c.Request.Context(), uid, c.Param("weekId"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, DeleteJobsResponse{Deleted: n})
}

// Usage godoc
// @ID          usage
// @Summary     Quota usage
// @Description Returns the caller's plan and standing against every quota in the current cycle.
// @Tags        Usage
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"  example(user123)
//
// @Success     200  {object}  services.UsageSnapshot
// @Router      /usage [get]
func (h *Handlers) Usage(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	snap, err := h.usage.Usage(c.Request.Context(), uid)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, snap)
}
