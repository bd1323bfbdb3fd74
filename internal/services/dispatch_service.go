// Package services – DispatchService
//
// This file implements the generation dispatcher. It validates a request
// against the persisted selective config, charges the rate guard and the
// ai_generations quota, claims the week with a conditional update, and hands
// ONE orchestrating run to the task runner. The orchestrator fans out one
// child run per content type; children are pre-registered as QUEUED in the
// run tracker so clients see every feature from the first poll.
//
// A dispatch-time runner failure reverts the claim, refunds the quota that
// paid for work never started, and surfaces ErrRunnerUnavailable.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/config"
	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/observability"
	"github.com/studyloopai/studyloop-backend/internal/ratelimit"
	"github.com/studyloopai/studyloop-backend/internal/repo"
	"github.com/studyloopai/studyloop-backend/internal/runner"
	"github.com/studyloopai/studyloop-backend/internal/status"
)

// claimGrace is added to the orchestrator's max duration before a
// processing claim counts as abandoned.
const claimGrace = time.Minute

const staleGenerationReason = "previous generation run stopped reporting"

// DispatchRequest asks for generation of ContentTypes over a week's
// materials. Empty ContentTypes means every type enabled in the config;
// empty MaterialIDs means every material of the week.
type DispatchRequest struct {
	WeekID       string
	CourseID     string
	MaterialIDs  []string
	ConfigID     string
	UserID       string
	ContentTypes []domain.ContentType

	// SkipRateLimit is set by internal callers whose request was already
	// rate limited upstream.
	SkipRateLimit bool
}

// DispatchResult describes an accepted dispatch.
type DispatchResult struct {
	Handle       runner.RunHandle
	ContentTypes []domain.ContentType
	MaterialIDs  []string
	JobID        string
	Quota        QuotaDetails
	Rate         *ratelimit.Result
}

// DispatchService validates and dispatches week generation runs.
type DispatchService struct {
	DB       *gorm.DB
	Configs  *GenerationConfigService
	Quota    *QuotaService
	Guard    *ratelimit.Guard
	Limits   config.LimitsConfig
	Runner   runner.Runner
	Tracker  runner.Tracker
	Registry *runner.Registry
	Now      func() time.Time
}

// Dispatch validates req and triggers the orchestrating run.
func (s *DispatchService) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	ctx, span := otel.Tracer("services/DispatchService").Start(ctx, "Dispatch",
		trace.WithAttributes(
			attribute.String("week.id", req.WeekID),
			attribute.String("user.id", req.UserID),
			attribute.String("config.id", req.ConfigID),
		),
	)
	defer span.End()
	log := zerolog.Ctx(ctx).With().Str("operation", "dispatch").Str("week_id", req.WeekID).Logger()

	cfg, err := s.Configs.Get(ctx, req.ConfigID)
	if err != nil {
		return nil, err
	}
	if cfg.UserID != req.UserID || cfg.WeekID != req.WeekID {
		return nil, ErrConfigNotFound
	}
	enabled, err := s.Configs.EnabledFeatures(cfg)
	if err != nil {
		return nil, err
	}
	types, err := resolveTypes(enabled, req.ContentTypes)
	if err != nil {
		return nil, err
	}

	week, err := repo.GetWeek(ctx, s.DB, req.WeekID, req.UserID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrWeekNotFound
	}
	if err != nil {
		return nil, err
	}

	ready, err := repo.ReadyMaterialIDs(ctx, s.DB, week.ID, req.MaterialIDs)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, ErrNoReadyMaterials
	}

	now := s.Now()
	orch := s.Registry.Orchestrator()
	staleBefore := now.Add(-(orch.MaxDuration + claimGrace))
	if week.GenerationStatus == domain.StatusProcessing && week.UpdatedAt.After(staleBefore) {
		return nil, ErrGenerationInProgress
	}

	res := &DispatchResult{ContentTypes: types, MaterialIDs: ready}
	won, err := repo.ClaimWeekGeneration(ctx, s.DB, week.ID, staleBefore, now)
	if err != nil {
		return nil, fmt.Errorf("claim week: %w", err)
	}
	if !won {
		return res, ErrGenerationInProgress
	}

	// A claim taken over from a stale run must not restore "processing":
	// that run is gone, so the week falls back to failed.
	prevStatus, prevErr, prevAt := week.GenerationStatus, week.LastError, week.UpdatedAt
	if prevStatus == domain.StatusProcessing {
		prevStatus, prevErr, prevAt = domain.StatusFailed, staleGenerationReason, now
	}
	revertClaim := func() {
		if err := repo.RestoreWeekGeneration(context.WithoutCancel(ctx), s.DB, week.ID, prevStatus, prevErr, prevAt); err != nil {
			log.Error().Err(err).Msg("revert week claim failed")
		}
	}

	if !req.SkipRateLimit && s.Guard != nil {
		rl := s.Guard.CheckRateLimit(ctx, req.UserID, ratelimit.ActionGenerate, s.Limits.GenerateLimit, s.Limits.GenerateWindow)
		res.Rate = &rl
		if !rl.IsAllowed {
			revertClaim()
			return res, &RateLimitedError{Action: ratelimit.ActionGenerate, Limit: rl.Limit, Remaining: 0, ResetUnix: rl.ResetTime.Unix()}
		}
	}

	units := int64(len(types))
	quota, err := s.Quota.Consume(ctx, req.UserID, domain.QuotaAIGenerations, units)
	res.Quota = quota
	if err != nil {
		revertClaim()
		return res, err
	}

	runID := "gen_" + uuid.NewString()
	tags := []string{runner.WeekTag(week.ID), runner.CourseTag(week.CourseID)}
	input := runner.GenerateWeekInput{
		RunID:       runID,
		WeekID:      week.ID,
		CourseID:    week.CourseID,
		UserID:      req.UserID,
		ConfigID:    cfg.ID,
		MaterialIDs: ready,
	}
	for _, ct := range types {
		task, ok := s.Registry.ForContentType(ct)
		if !ok {
			revertClaim()
			_ = s.Quota.Refund(context.WithoutCancel(ctx), req.UserID, domain.QuotaAIGenerations, units)
			return nil, fmt.Errorf("no task registered for %s", ct)
		}
		input.Tasks = append(input.Tasks, runner.ContentTaskInput{
			RunID:       runner.ChildRunID(runID, string(ct)),
			ParentRunID: runID,
			TaskID:      task.ID,
			ContentType: ct,
			WeekID:      week.ID,
			CourseID:    week.CourseID,
			UserID:      req.UserID,
			ConfigID:    cfg.ID,
			MaterialIDs: ready,
			MaxDuration: task.MaxDuration,
			Tags:        append(slices.Clone(tags), runner.ContentTypeTag(string(ct))),
		})
	}
	s.preRegister(ctx, orch, input, tags)

	handle, err := s.Runner.Trigger(ctx, runner.TriggerRequest{
		TaskID:      orch.ID,
		RunID:       runID,
		Payload:     input,
		Tags:        tags,
		MaxDuration: orch.MaxDuration,
	})
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("trigger failed; reverting dispatch")
		revertClaim()
		if rerr := s.Quota.Refund(context.WithoutCancel(ctx), req.UserID, domain.QuotaAIGenerations, units); rerr == nil {
			res.Quota.CurrentUsage = max(0, res.Quota.CurrentUsage-units)
		}
		if ferr := s.Tracker.Forget(context.WithoutCancel(ctx), runID); ferr != nil {
			log.Warn().Err(ferr).Msg("forget pre-registered runs failed")
		}
		for _, ct := range types {
			observability.RecordDispatch(string(ct), "error")
		}
		if !errors.Is(err, ErrRunnerUnavailable) {
			err = fmt.Errorf("%w: %v", ErrRunnerUnavailable, err)
		}
		return res, err
	}
	res.Handle = handle

	if err := s.Configs.UpdateStatus(ctx, cfg.ID, domain.StatusProcessing, UpdateStatusOptions{}); err != nil {
		log.Error().Err(err).Msg("mark config processing failed")
	}

	typesRaw, _ := json.Marshal(types)
	materialsRaw, _ := json.Marshal(ready)
	job := &domain.ProcessingJob{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Kind:         domain.JobGeneration,
		RunID:        handle.RunID,
		AccessToken:  handle.AccessToken,
		WeekID:       week.ID,
		CourseID:     week.CourseID,
		MaterialIDs:  materialsRaw,
		ConfigID:     cfg.ID,
		ContentTypes: typesRaw,
		CreatedAt:    now,
	}
	if err := repo.CreateProcessingJob(ctx, s.DB, job); err != nil {
		// The run is already scheduled; status falls back to persisted fields.
		log.Error().Err(err).Str("run_id", runID).Msg("record processing job failed")
	} else {
		res.JobID = job.ID
	}

	for _, ct := range types {
		observability.RecordDispatch(string(ct), "ok")
	}
	log.Info().Str("run_id", runID).Int("content_types", len(types)).Msg("generation dispatched")
	return res, nil
}

// preRegister records QUEUED snapshots for the orchestrator and every child.
// Tracker failures only degrade realtime status and are logged.
func (s *DispatchService) preRegister(ctx context.Context, orch runner.Task, in runner.GenerateWeekInput, tags []string) {
	now := s.Now()
	snaps := []runner.Snapshot{{
		RunID:     in.RunID,
		TaskID:    orch.ID,
		Status:    status.RunQueued,
		Tags:      tags,
		UpdatedAt: now,
	}}
	for _, t := range in.Tasks {
		snaps = append(snaps, runner.Snapshot{
			RunID:       t.RunID,
			ParentRunID: in.RunID,
			TaskID:      t.TaskID,
			ContentType: t.ContentType,
			Status:      status.RunQueued,
			Tags:        t.Tags,
			UpdatedAt:   now,
		})
	}
	for _, snap := range snaps {
		if err := s.Tracker.Record(ctx, snap); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("run_id", snap.RunID).Msg("pre-register run snapshot failed")
			return
		}
	}
}

// resolveTypes returns the requested types in canonical order, or every
// enabled type when none are requested. Any requested type not enabled in
// enabled fails the whole request.
func resolveTypes(enabled, requested []domain.ContentType) ([]domain.ContentType, error) {
	if len(requested) == 0 {
		if len(enabled) == 0 {
			return nil, &ValidationError{Field: "content_types", Message: "config enables no features"}
		}
		return enabled, nil
	}
	var offenders []domain.ContentType
	for _, ct := range requested {
		if !ct.Valid() {
			return nil, &ValidationError{Field: "content_types", Message: "unknown content type " + string(ct)}
		}
		if !slices.Contains(enabled, ct) && !slices.Contains(offenders, ct) {
			offenders = append(offenders, ct)
		}
	}
	if len(offenders) > 0 {
		return nil, &FeaturesNotEnabledError{Types: offenders}
	}
	out := make([]domain.ContentType, 0, len(requested))
	for _, ct := range domain.AllContentTypes {
		if slices.Contains(requested, ct) {
			out = append(out, ct)
		}
	}
	return out, nil
}
