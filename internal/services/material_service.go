// Package services – MaterialService
//
// This file implements material intake. An upload is charged against the
// upload rate guard and the materials_uploaded quota, stored with its
// optional selective config, and handed to the task runner as a phase-1
// process-material run. Embedding, and generation when a config was given,
// continue asynchronously in the worker.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/config"
	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/ratelimit"
	"github.com/studyloopai/studyloop-backend/internal/repo"
	"github.com/studyloopai/studyloop-backend/internal/runner"
	"github.com/studyloopai/studyloop-backend/internal/status"
)

// SupportedFileTypes lists the accepted upload formats.
var SupportedFileTypes = []string{"pdf", "docx", "pptx", "txt", "md"}

// UploadRequest describes one uploaded material. The file itself lives in
// external storage; Content is its extracted text.
type UploadRequest struct {
	UserID         string
	CourseID       string
	WeekID         string
	WeekTitle      string
	FileName       string
	FileType       string
	SizeBytes      int64
	StoragePath    string
	Content        string
	Config         *domain.SelectiveConfig
	IdempotencyKey string
}

// UploadResult describes an accepted upload. It is cached for idempotent
// replays.
type UploadResult struct {
	Material  domain.Material  `json:"material"`
	ConfigID  string           `json:"config_id,omitempty"`
	Handle    runner.RunHandle `json:"run"`
	JobID     string           `json:"job_id,omitempty"`
	Quota     QuotaDetails     `json:"quota"`
	Duplicate bool             `json:"duplicate"`

	Rate *ratelimit.Result `json:"-"`

	materialCreated bool
}

// MaterialService accepts uploads and retries of course materials.
type MaterialService struct {
	DB          *gorm.DB
	Configs     *GenerationConfigService
	Quota       *QuotaService
	Idempotency *IdempotencyService
	Guard       *ratelimit.Guard
	Limits      config.LimitsConfig
	Runner      runner.Runner
	Tracker     runner.Tracker
	Registry    *runner.Registry
	// IdempotencyTTL and MaxRetries apply to keyed uploads.
	IdempotencyTTL time.Duration
	MaxRetries     int
	Now            func() time.Time
}

// UploadKey is the ledger key of a keyed upload.
func UploadKey(userID, key string) string { return "upload:" + userID + ":" + key }

// NormalizeFileType returns the lower-case format of an upload from its
// declared type or, failing that, its file name extension.
func NormalizeFileType(fileType, fileName string) (string, bool) {
	ft := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(fileType), "."))
	if ft == "" {
		ft = strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	}
	return ft, slices.Contains(SupportedFileTypes, ft)
}

// Upload accepts one material.
func (s *MaterialService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	ctx, span := otel.Tracer("services/MaterialService").Start(ctx, "Upload",
		trace.WithAttributes(
			attribute.String("week.id", req.WeekID),
			attribute.String("user.id", req.UserID),
			attribute.Bool("upload.keyed", req.IdempotencyKey != ""),
		),
	)
	defer span.End()

	if err := s.validateUpload(&req); err != nil {
		return nil, err
	}

	var key string
	if req.IdempotencyKey != "" {
		key = UploadKey(req.UserID, req.IdempotencyKey)
		ensured, err := s.Idempotency.EnsureKey(ctx, key, EnsureOptions{
			OperationType: domain.OperationUpload,
			ResourceID:    req.WeekID,
			UserID:        req.UserID,
			MaxRetries:    s.MaxRetries,
			TTL:           s.IdempotencyTTL,
		})
		if err != nil {
			return nil, err
		}
		if !ensured.IsFirstRun {
			rerun, err := s.Idempotency.ClaimRetry(ctx, ensured.Record)
			if err != nil {
				return nil, err
			}
			if !rerun {
				return replayUpload(ensured)
			}
		}
	}

	res, err := s.upload(ctx, req)
	if key == "" {
		return res, err
	}
	if err != nil {
		if _, ferr := s.Idempotency.Fail(ctx, key, err.Error(), uploadRetryable(res, err)); ferr != nil {
			zerolog.Ctx(ctx).Error().Err(ferr).Str("key", key).Msg("record upload failure failed")
		}
		return res, err
	}
	if _, err := s.Idempotency.Complete(ctx, key, res); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("key", key).Msg("complete upload record failed")
	}
	return res, nil
}

// uploadRetryable reports whether a failed keyed upload may run again under
// the same key. Bad input never succeeds, and once the material row exists
// the material's own retry takes over.
func uploadRetryable(res *UploadResult, err error) bool {
	var verr *ValidationError
	if errors.As(err, &verr) || errors.Is(err, ErrWeekNotFound) {
		return false
	}
	return res == nil || !res.materialCreated
}

func replayUpload(ensured EnsureResult) (*UploadResult, error) {
	if len(ensured.ExistingResult) > 0 {
		var cached UploadResult
		if err := json.Unmarshal(ensured.ExistingResult, &cached); err == nil {
			cached.Duplicate = true
			return &cached, nil
		}
	}
	if ensured.Record != nil && ensured.Record.Status == domain.IdempotencyFailed {
		return nil, ErrRequestFailed
	}
	return nil, ErrRequestInProgress
}

func (s *MaterialService) validateUpload(req *UploadRequest) error {
	if req.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "required"}
	}
	if req.CourseID == "" || req.WeekID == "" {
		return &ValidationError{Field: "week_id", Message: "course and week are required"}
	}
	if _, err := uuid.Parse(req.WeekID); err != nil {
		return &ValidationError{Field: "week_id", Message: "must be a UUID"}
	}
	if strings.TrimSpace(req.FileName) == "" {
		return &ValidationError{Field: "file_name", Message: "required"}
	}
	ft, ok := NormalizeFileType(req.FileType, req.FileName)
	if !ok {
		return ErrUnsupportedFileType
	}
	req.FileType = ft
	if req.SizeBytes < 0 {
		return &ValidationError{Field: "size_bytes", Message: "must not be negative"}
	}
	if req.Config != nil {
		if err := s.Configs.ValidateSelection(*req.Config); err != nil {
			return err
		}
	}
	return nil
}

func (s *MaterialService) upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	log := zerolog.Ctx(ctx).With().Str("operation", "upload").Str("week_id", req.WeekID).Logger()
	res := &UploadResult{}

	if s.Guard != nil {
		rl := s.Guard.CheckRateLimit(ctx, req.UserID, ratelimit.ActionUpload, s.Limits.UploadLimit, s.Limits.UploadWindow)
		res.Rate = &rl
		if !rl.IsAllowed {
			return res, &RateLimitedError{Action: ratelimit.ActionUpload, Limit: rl.Limit, ResetUnix: rl.ResetTime.Unix()}
		}
	}

	now := s.Now()
	week, err := repo.EnsureWeek(ctx, s.DB, &domain.Week{
		ID:        req.WeekID,
		CourseID:  req.CourseID,
		UserID:    req.UserID,
		Title:     req.WeekTitle,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if errors.Is(err, repo.ErrNotFound) {
		return res, ErrWeekNotFound
	}
	if err != nil {
		return res, fmt.Errorf("ensure week: %w", err)
	}

	quota, err := s.Quota.Consume(ctx, req.UserID, domain.QuotaMaterialsUploaded, 1)
	res.Quota = quota
	if err != nil {
		return res, err
	}

	m := &domain.Material{
		ID:              uuid.NewString(),
		WeekID:          week.ID,
		CourseID:        week.CourseID,
		UserID:          req.UserID,
		FileName:        req.FileName,
		FileType:        req.FileType,
		SizeBytes:       req.SizeBytes,
		StoragePath:     req.StoragePath,
		Content:         req.Content,
		UploadStatus:    domain.StatusCompleted,
		EmbeddingStatus: domain.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := repo.CreateMaterial(ctx, s.DB, m); err != nil {
		_ = s.Quota.Refund(context.WithoutCancel(ctx), req.UserID, domain.QuotaMaterialsUploaded, 1)
		return res, fmt.Errorf("create material: %w", err)
	}
	res.materialCreated = true

	if req.Config != nil {
		id, err := s.Configs.Persist(ctx, *req.Config, week.ID, week.CourseID, req.UserID, m.ID)
		if err != nil {
			log.Error().Err(err).Str("material_id", m.ID).Msg("persist generation config failed")
			return res, err
		}
		res.ConfigID = id
	}

	handle, jobID, err := s.triggerPhaseOne(ctx, m, res.ConfigID)
	if err != nil {
		if uerr := repo.UpdateMaterialEmbedding(context.WithoutCancel(ctx), s.DB, m.ID, domain.StatusFailed, 0, "task runner unavailable"); uerr != nil {
			log.Error().Err(uerr).Str("material_id", m.ID).Msg("mark material failed")
		}
		return res, err
	}
	res.Material = *m
	res.Handle = handle
	res.JobID = jobID
	log.Info().Str("material_id", m.ID).Str("run_id", handle.RunID).Msg("material accepted")
	return res, nil
}

// Retry re-triggers phase 1 of a failed material.
func (s *MaterialService) Retry(ctx context.Context, userID, materialID string) (*UploadResult, error) {
	ctx, span := otel.Tracer("services/MaterialService").Start(ctx, "Retry",
		trace.WithAttributes(attribute.String("material.id", materialID)))
	defer span.End()

	m, err := repo.GetMaterial(ctx, s.DB, materialID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMaterialNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.UploadStatus != domain.StatusFailed && m.EmbeddingStatus != domain.StatusFailed {
		return nil, ErrMaterialNotRetryable
	}

	res := &UploadResult{}
	if s.Guard != nil {
		rl := s.Guard.CheckRateLimit(ctx, userID, ratelimit.ActionUpload, s.Limits.UploadLimit, s.Limits.UploadWindow)
		res.Rate = &rl
		if !rl.IsAllowed {
			return res, &RateLimitedError{Action: ratelimit.ActionUpload, Limit: rl.Limit, ResetUnix: rl.ResetTime.Unix()}
		}
	}

	if cfg, err := repo.LatestMaterialConfig(ctx, s.DB, m.ID); err == nil {
		res.ConfigID = cfg.ID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	if err := repo.UpdateMaterialEmbedding(ctx, s.DB, m.ID, domain.StatusPending, 0, ""); err != nil {
		return nil, err
	}
	m.EmbeddingStatus, m.ErrorMessage, m.ChunkCount = domain.StatusPending, "", 0

	handle, jobID, err := s.triggerPhaseOne(ctx, m, res.ConfigID)
	if err != nil {
		if uerr := repo.UpdateMaterialEmbedding(context.WithoutCancel(ctx), s.DB, m.ID, domain.StatusFailed, 0, "task runner unavailable"); uerr != nil {
			zerolog.Ctx(ctx).Error().Err(uerr).Str("material_id", m.ID).Msg("mark material failed")
		}
		return res, err
	}
	res.Material = *m
	res.Handle = handle
	res.JobID = jobID
	return res, nil
}

// triggerPhaseOne starts the process-material run of m and records its job.
func (s *MaterialService) triggerPhaseOne(ctx context.Context, m *domain.Material, configID string) (runner.RunHandle, string, error) {
	log := zerolog.Ctx(ctx)
	task := s.Registry.MaterialTask()
	runID := "mat_" + uuid.NewString()
	tags := []string{runner.WeekTag(m.WeekID), runner.CourseTag(m.CourseID), runner.MaterialTag(m.ID)}

	if err := s.Tracker.Record(ctx, runner.Snapshot{
		RunID:     runID,
		TaskID:    task.ID,
		Status:    status.RunQueued,
		Tags:      tags,
		UpdatedAt: s.Now(),
	}); err != nil {
		log.Warn().Err(err).Str("run_id", runID).Msg("pre-register run snapshot failed")
	}

	handle, err := s.Runner.Trigger(ctx, runner.TriggerRequest{
		TaskID: task.ID,
		RunID:  runID,
		Payload: runner.ProcessMaterialInput{
			RunID:      runID,
			MaterialID: m.ID,
			WeekID:     m.WeekID,
			CourseID:   m.CourseID,
			UserID:     m.UserID,
			ConfigID:   configID,
		},
		Tags:        tags,
		MaxDuration: task.MaxDuration,
	})
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("trigger process-material failed")
		if ferr := s.Tracker.Forget(context.WithoutCancel(ctx), runID); ferr != nil {
			log.Warn().Err(ferr).Msg("forget pre-registered run failed")
		}
		if !errors.Is(err, ErrRunnerUnavailable) {
			err = fmt.Errorf("%w: %v", ErrRunnerUnavailable, err)
		}
		return runner.RunHandle{}, "", err
	}

	idsRaw, _ := json.Marshal([]string{m.ID})
	job := &domain.ProcessingJob{
		ID:          uuid.NewString(),
		UserID:      m.UserID,
		Kind:        domain.JobMaterial,
		RunID:       handle.RunID,
		AccessToken: handle.AccessToken,
		WeekID:      m.WeekID,
		CourseID:    m.CourseID,
		MaterialIDs: idsRaw,
		ConfigID:    configID,
		CreatedAt:   s.Now(),
	}
	if err := repo.CreateProcessingJob(ctx, s.DB, job); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("record processing job failed")
		return handle, "", nil
	}
	return handle, job.ID, nil
}
