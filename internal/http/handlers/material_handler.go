package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/http/middleware"
	"github.com/studyloopai/studyloop-backend/internal/services"
)

// UploadMaterialRequest is the JSON payload of an upload. Multipart uploads
// carry the same fields as form values plus a "file" part.
type UploadMaterialRequest struct {
	FileName    string                  `json:"file_name" binding:"required,max=255" example:"Lecture 1.pdf"`
	FileType    string                  `json:"file_type" example:"pdf"`
	Content     string                  `json:"content" example:"Mitochondria produce ATP..."`
	StoragePath string                  `json:"storage_path" example:"materials/user123/lecture-1.pdf"`
	WeekTitle   string                  `json:"week_title" example:"Week 1: Cells"`
	Config      *domain.SelectiveConfig `json:"config,omitempty"`
}

// bindUpload reads an upload from either a JSON body or a multipart form.
func bindUpload(c *gin.Context) (UploadMaterialRequest, int64, error) {
	var req UploadMaterialRequest
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBindJSON(&req); err != nil {
			return req, 0, err
		}
		return req, int64(len(req.Content)), nil
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return req, 0, err
	}
	f, err := fh.Open()
	if err != nil {
		return req, 0, err
	}
	defer f.Close()
	body, err := io.ReadAll(f)
	if err != nil {
		return req, 0, err
	}

	req.FileName = fh.Filename
	req.FileType = c.PostForm("file_type")
	req.Content = string(body)
	req.StoragePath = c.PostForm("storage_path")
	req.WeekTitle = c.PostForm("week_title")
	if raw := strings.TrimSpace(c.PostForm("config")); raw != "" {
		var sel domain.SelectiveConfig
		if err := json.Unmarshal([]byte(raw), &sel); err != nil {
			return req, 0, err
		}
		req.Config = &sel
	}
	return req, fh.Size, nil
}

// UploadMaterial godoc
// @ID          uploadMaterial
// @Summary     Upload a course material
// @Description Stores the material, persists the optional generation config, and starts processing.
// @Description A repeated Idempotency-Key returns the first response with Idempotency-Replayed: true.
// @Tags        Materials
// @Accept      json,mpfd
// @Produce     json
//
// @Param       X-User-ID        header  string  true  "User ID"  example(user123)
// @Param       Idempotency-Key  header  string  false "Deduplicates retried uploads"
// @Param       courseId         path    string  true  "Course ID"
// @Param       weekId           path    string  true  "Week ID (UUID)"  format(uuid)
// @Param       body             body    handlers.UploadMaterialRequest  true  "Upload payload"
//
// @Success     202  {object}  services.UploadResult
// @Success     200  {object}  services.UploadResult  "Replayed result"
// @Header      202  {string}  X-Quota-Remaining  "Uploads left in the cycle"
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     409  {object}  handlers.ErrorResponse  "Same key in progress or failed"
// @Failure     429  {object}  handlers.ErrorResponse  "Quota or rate limit exceeded"
// @Failure     503  {object}  handlers.ErrorResponse  "Task runner unavailable"
// @Router      /courses/{courseId}/weeks/{weekId}/materials [post]
func (h *Handlers) UploadMaterial(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	req, size, err := bindUpload(c)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid upload body")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	res, err := h.materials.Upload(c.Request.Context(), services.UploadRequest{
		UserID:         uid,
		CourseID:       c.Param("courseId"),
		WeekID:         c.Param("weekId"),
		WeekTitle:      strings.TrimSpace(req.WeekTitle),
		FileName:       strings.TrimSpace(req.FileName),
		FileType:       req.FileType,
		SizeBytes:      size,
		StoragePath:    req.StoragePath,
		Content:        req.Content,
		Config:         req.Config,
		IdempotencyKey: key,
	})
	if res != nil {
		setRateHeaders(c, res.Rate)
	}
	if err != nil {
		failErr(c, err)
		return
	}

	setQuotaHeaders(c, res.Quota)
	if res.Duplicate {
		c.Header(HeaderReplayed, "true")
		ok(c, http.StatusOK, res)
		return
	}
	ok(c, http.StatusAccepted, res)
}

// RetryMaterial godoc
// @ID          retryMaterial
// @Summary     Retry a failed material
// @Description Resets a failed material to pending and restarts its processing.
// @Tags        Materials
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "User ID"  example(user123)
// @Param       id         path    string  true  "Material ID (UUID)"  format(uuid)
//
// @Success     202  {object}  services.UploadResult
// @Failure     404  {object}  handlers.ErrorResponse  "Material not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Material has not failed"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limit exceeded"
// @Failure     503  {object}  handlers.ErrorResponse  "Task runner unavailable"
// @Router      /materials/{id}/retry [post]
func (h *Handlers) RetryMaterial(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}
	res, err := h.materials.Retry(c.Request.Context(), uid, c.Param("id"))
	if res != nil {
		setRateHeaders(c, res.Rate)
	}
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusAccepted, res)
}
