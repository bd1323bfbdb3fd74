package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.temporal.io/sdk/temporal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/generator"
	"github.com/studyloopai/studyloop-backend/internal/observability"
	"github.com/studyloopai/studyloop-backend/internal/repo"
	"github.com/studyloopai/studyloop-backend/internal/runner"
	"github.com/studyloopai/studyloop-backend/internal/services"
	"github.com/studyloopai/studyloop-backend/internal/status"
)

// Activity names registered on the worker.
const (
	ActivityPublish            = "publish-run"
	ActivityEmbedMaterial      = "embed-material"
	ActivityFinishMaterial     = "finish-material"
	ActivityDispatchGeneration = "dispatch-generation"
	ActivityGenerateContent    = "generate-content"
	ActivityFailFeature        = "fail-feature"
	ActivityFinalizeWeek       = "finalize-week"
)

// Failure types of non-retryable activity errors.
const (
	errTypeInvalidInput = "InvalidInput"
	errTypeEmbedding    = "EmbeddingFailed"
)

// DispatchOutcome reports what a phase-1 generation dispatch did.
type DispatchOutcome struct {
	RunID   string `json:"run_id,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Activities holds the collaborators of every activity. Activities write
// persisted status first and then publish realtime snapshots; a snapshot
// that cannot be published is logged and dropped.
type Activities struct {
	DB        *gorm.DB
	Configs   *services.GenerationConfigService
	Dispatch  *services.DispatchService
	Quota     *services.QuotaService
	Tracker   runner.Tracker
	Embedder  generator.Embedder
	Generator generator.Generator
	Now       func() time.Time
}

func (a *Activities) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

// Publish records a run snapshot. Tracker errors never fail the caller.
func (a *Activities) Publish(ctx context.Context, snap runner.Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = a.now()
	}
	if err := a.Tracker.Record(ctx, snap); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("run_id", snap.RunID).Str("status", string(snap.Status)).Msg("publish run snapshot failed")
	}
	return nil
}

func materialTags(in runner.ProcessMaterialInput) []string {
	return []string{runner.WeekTag(in.WeekID), runner.CourseTag(in.CourseID), runner.MaterialTag(in.MaterialID)}
}

// EmbedMaterial chunks one material and marks its embedding completed.
// Materials without usable text fail without retries.
func (a *Activities) EmbedMaterial(ctx context.Context, in runner.ProcessMaterialInput) (int, error) {
	ctx, span := otel.Tracer("worker/Activities").Start(ctx, "EmbedMaterial",
		trace.WithAttributes(attribute.String("material.id", in.MaterialID), attribute.String("run.id", in.RunID)))
	defer span.End()

	m, err := repo.GetMaterial(ctx, a.DB, in.MaterialID, in.UserID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, temporal.NewNonRetryableApplicationError("material not found", errTypeInvalidInput, err)
	}
	if err != nil {
		return 0, err
	}
	if err := repo.UpdateMaterialEmbedding(ctx, a.DB, m.ID, domain.StatusProcessing, 0, ""); err != nil {
		return 0, err
	}
	_ = a.Publish(ctx, runner.Snapshot{
		RunID:  in.RunID,
		TaskID: runner.TaskProcessMaterial,
		Status: status.RunExecuting,
		Tags:   materialTags(in),
	})

	chunks, err := a.Embedder.Embed(ctx, m.Content)
	if errors.Is(err, generator.ErrInsufficientContent) {
		return 0, temporal.NewNonRetryableApplicationError("material has no extractable text", errTypeEmbedding, err)
	}
	if err != nil {
		return 0, err
	}
	if err := repo.UpdateMaterialEmbedding(ctx, a.DB, m.ID, domain.StatusCompleted, chunks, ""); err != nil {
		return 0, err
	}
	return chunks, nil
}

// FinishMaterial publishes the terminal phase-1 snapshot. A non-empty
// reason marks the material's embedding failed first.
func (a *Activities) FinishMaterial(ctx context.Context, in runner.ProcessMaterialInput, reason string) error {
	snap := runner.Snapshot{
		RunID:  in.RunID,
		TaskID: runner.TaskProcessMaterial,
		Status: status.RunCompleted,
		Tags:   materialTags(in),
	}
	if reason != "" {
		if err := repo.UpdateMaterialEmbedding(ctx, a.DB, in.MaterialID, domain.StatusFailed, 0, reason); err != nil {
			return err
		}
		snap.Status, snap.Error = status.RunFailed, reason
	}
	return a.Publish(ctx, snap)
}

// DispatchGeneration starts phase 2 for the week of an embedded material.
// A week already generating is skipped. Errors other than an unavailable
// runner are recorded on the config and not retried.
func (a *Activities) DispatchGeneration(ctx context.Context, in runner.ProcessMaterialInput) (DispatchOutcome, error) {
	log := zerolog.Ctx(ctx).With().Str("operation", "dispatch-generation").Str("week_id", in.WeekID).Str("config_id", in.ConfigID).Logger()

	res, err := a.Dispatch.Dispatch(ctx, services.DispatchRequest{
		WeekID:        in.WeekID,
		CourseID:      in.CourseID,
		ConfigID:      in.ConfigID,
		UserID:        in.UserID,
		SkipRateLimit: true,
	})
	switch {
	case err == nil:
		return DispatchOutcome{RunID: res.Handle.RunID}, nil
	case errors.Is(err, services.ErrGenerationInProgress):
		log.Info().Msg("week already generating; dispatch skipped")
		return DispatchOutcome{Skipped: true}, nil
	case errors.Is(err, services.ErrRunnerUnavailable):
		return DispatchOutcome{}, err
	}

	log.Warn().Err(err).Msg("generation dispatch rejected")
	if uerr := a.Configs.UpdateStatus(ctx, in.ConfigID, domain.StatusFailed, services.UpdateStatusOptions{LastError: err.Error()}); uerr != nil && !errors.Is(uerr, services.ErrConfigNotFound) {
		return DispatchOutcome{}, uerr
	}
	return DispatchOutcome{Error: err.Error()}, nil
}

func contentSnapshot(in runner.ContentTaskInput, st status.RunStatus) runner.Snapshot {
	return runner.Snapshot{
		RunID:       in.RunID,
		ParentRunID: in.ParentRunID,
		TaskID:      in.TaskID,
		ContentType: in.ContentType,
		Status:      st,
		Tags:        in.Tags,
	}
}

// GenerateContent produces and stores the items of one content type.
// Generation failures are reported in the result and recorded on the
// config; only infrastructure errors are returned for a retry.
func (a *Activities) GenerateContent(ctx context.Context, in runner.ContentTaskInput) (runner.ContentTaskResult, error) {
	ctx, span := otel.Tracer("worker/Activities").Start(ctx, "GenerateContent",
		trace.WithAttributes(
			attribute.String("run.id", in.RunID),
			attribute.String("content.type", string(in.ContentType)),
		),
	)
	defer span.End()

	start := a.now()
	log := zerolog.Ctx(ctx).With().Str("run_id", in.RunID).Str("content_type", string(in.ContentType)).Logger()
	executing := contentSnapshot(in, status.RunExecuting)
	if in.MaxDuration > 0 {
		executing.Deadline = start.Add(in.MaxDuration)
	}
	_ = a.Publish(ctx, executing)

	fail := func(reason string) (runner.ContentTaskResult, error) {
		log.Warn().Str("reason", reason).Msg("content generation failed")
		observability.RecordGeneration(string(in.ContentType), "failed", a.now().Sub(start))
		if err := a.FailFeature(ctx, in, status.RunFailed, reason); err != nil {
			return runner.ContentTaskResult{}, err
		}
		return runner.ContentTaskResult{Error: reason}, nil
	}

	fc, err := a.Configs.GetFeatureConfig(ctx, in.ConfigID, in.ContentType)
	if errors.Is(err, services.ErrConfigNotFound) {
		return fail("generation config not found")
	}
	if err != nil {
		return runner.ContentTaskResult{}, err
	}
	if fc == nil {
		return fail(in.ContentType.Label() + " is not enabled")
	}

	var qerr *services.QuotaExceededError
	if _, err := a.Quota.CheckTokens(ctx, in.UserID); errors.As(err, &qerr) {
		return fail("token quota exceeded")
	} else if err != nil {
		return runner.ContentTaskResult{}, err
	}

	mats, err := repo.ListWeekMaterials(ctx, a.DB, in.WeekID, in.MaterialIDs)
	if err != nil {
		return runner.ContentTaskResult{}, err
	}
	sources := make([]generator.Source, 0, len(mats))
	for _, m := range mats {
		sources = append(sources, generator.Source{MaterialID: m.ID, Title: m.FileName, Text: m.Content})
	}

	out, err := a.Generator.Generate(ctx, generator.Request{ContentType: in.ContentType, Config: *fc, Sources: sources})
	if err != nil {
		return fail(err.Error())
	}

	items := make([]domain.GeneratedItem, 0, len(out.Items))
	for _, it := range out.Items {
		body, err := json.Marshal(it)
		if err != nil {
			return fail(fmt.Sprintf("encode item: %v", err))
		}
		items = append(items, domain.GeneratedItem{RunID: in.RunID, Body: datatypes.JSON(body)})
	}
	if err := repo.ReplaceGeneratedItems(ctx, a.DB, in.WeekID, in.ContentType, items); err != nil {
		return runner.ContentTaskResult{}, err
	}
	if out.TokensUsed > 0 {
		if err := a.Quota.RecordTokens(ctx, in.UserID, out.TokensUsed); err != nil {
			log.Error().Err(err).Int64("tokens", out.TokensUsed).Msg("record token usage failed")
		}
	}
	if err := a.Configs.UpdateStatus(ctx, in.ConfigID, "", services.UpdateStatusOptions{
		CompletedFeatures: []domain.ContentType{in.ContentType},
	}); err != nil {
		return runner.ContentTaskResult{}, err
	}

	_ = a.Publish(ctx, contentSnapshot(in, status.RunCompleted))
	observability.RecordGeneration(string(in.ContentType), "completed", a.now().Sub(start))
	log.Info().Int("items", len(items)).Msg("content generated")
	return runner.ContentTaskResult{Success: true, GeneratedCount: len(items)}, nil
}

// FailFeature records a failed content type on the config and publishes
// its terminal snapshot with st.
func (a *Activities) FailFeature(ctx context.Context, in runner.ContentTaskInput, st status.RunStatus, reason string) error {
	err := a.Configs.UpdateStatus(ctx, in.ConfigID, "", services.UpdateStatusOptions{
		FailedFeatures: []domain.FeatureFailure{{Feature: in.ContentType, Reason: reason, At: a.now()}},
		LastError:      reason,
	})
	if err != nil && !errors.Is(err, services.ErrConfigNotFound) {
		return err
	}
	snap := contentSnapshot(in, st)
	snap.Error = reason
	return a.Publish(ctx, snap)
}

// FinalizeWeek settles the config and the week once every child finished.
// Any failed content type fails the week.
func (a *Activities) FinalizeWeek(ctx context.Context, in runner.GenerateWeekInput, res runner.GenerateWeekResult) error {
	log := zerolog.Ctx(ctx).With().Str("run_id", in.RunID).Str("week_id", in.WeekID).Logger()

	dispatched := make([]domain.ContentType, 0, len(in.Tasks))
	for _, t := range in.Tasks {
		dispatched = append(dispatched, t.ContentType)
	}

	var lastError string
	if len(res.Failed) > 0 {
		names := make([]string, 0, len(res.Failed))
		for _, ct := range res.Failed {
			names = append(names, string(ct))
		}
		lastError = "generation failed for: " + strings.Join(names, ", ")
	}

	cfg, err := a.Configs.Get(ctx, in.ConfigID)
	switch {
	case errors.Is(err, services.ErrConfigNotFound):
		log.Warn().Str("config_id", in.ConfigID).Msg("config vanished before finalize")
	case err != nil:
		return err
	default:
		completed, cerr := cfg.Completions()
		failed, ferr := cfg.Failures()
		if cerr != nil || ferr != nil {
			return fmt.Errorf("decode config markers: %w", errors.Join(cerr, ferr))
		}
		st, settled := services.Settle(dispatched, completed, failed)
		if !settled {
			st = domain.StatusPartial
			if len(res.Completed) == 0 {
				st = domain.StatusFailed
			} else if len(res.Failed) == 0 {
				st = domain.StatusCompleted
			}
		}
		if err := a.Configs.UpdateStatus(ctx, in.ConfigID, st, services.UpdateStatusOptions{LastError: lastError}); err != nil {
			return err
		}
	}

	weekStatus := domain.StatusCompleted
	parent := status.RunCompleted
	if lastError != "" {
		weekStatus, parent = domain.StatusFailed, status.RunFailed
	}
	if err := repo.SetWeekGenerationStatus(ctx, a.DB, in.WeekID, weekStatus, lastError); err != nil {
		return err
	}
	_ = a.Publish(ctx, runner.Snapshot{
		RunID:  in.RunID,
		TaskID: runner.TaskGenerateWeek,
		Status: parent,
		Tags:   []string{runner.WeekTag(in.WeekID), runner.CourseTag(in.CourseID)},
		Error:  lastError,
	})
	log.Info().Int("completed", len(res.Completed)).Int("failed", len(res.Failed)).Msg("week generation finished")
	return nil
}
