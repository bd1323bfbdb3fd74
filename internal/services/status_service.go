// Package services – StatusService
//
// This file aggregates the unified status of a week and its materials. The
// newest processing jobs correlate the week with its runs; realtime run
// snapshots win when the tracker has them, and persisted phase fields are
// the fallback whenever it does not.
package services

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/repo"
	"github.com/studyloopai/studyloop-backend/internal/runner"
	"github.com/studyloopai/studyloop-backend/internal/status"
)

// MaterialStatus is the unified status of one material.
type MaterialStatus struct {
	MaterialID      string                  `json:"material_id"`
	FileName        string                  `json:"file_name"`
	Status          status.Status           `json:"status"`
	UploadStatus    domain.ProcessingStatus `json:"upload_status"`
	EmbeddingStatus domain.ProcessingStatus `json:"embedding_status"`
	RunID           string                  `json:"run_id,omitempty"`
	Error           string                  `json:"error,omitempty"`
}

// FeatureProgress is the progress of one content type of the latest
// generation.
type FeatureProgress struct {
	ContentType domain.ContentType   `json:"content_type"`
	Status      status.FeatureStatus `json:"status"`
	Count       int                  `json:"count"`
	RunID       string               `json:"run_id,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// WeekStatus is the unified status of a week.
type WeekStatus struct {
	WeekID           string                  `json:"week_id"`
	Status           status.Status           `json:"status"`
	GenerationStatus domain.ProcessingStatus `json:"generation_status"`
	Materials        []MaterialStatus        `json:"materials"`
	Features         []FeatureProgress       `json:"features"`
	LastError        string                  `json:"last_error,omitempty"`
	RunID            string                  `json:"run_id,omitempty"`
	AccessToken      string                  `json:"access_token,omitempty"`
	// Realtime reports whether any run snapshot contributed.
	Realtime bool `json:"realtime"`
}

// StatusService computes unified week and material statuses.
type StatusService struct {
	DB        *gorm.DB
	Tracker   runner.Tracker
	JobMaxAge time.Duration
	Now       func() time.Time
}

// NewStatusService constructs a StatusService.
func NewStatusService(db *gorm.DB, tracker runner.Tracker, jobMaxAge time.Duration) *StatusService {
	return &StatusService{DB: db, Tracker: tracker, JobMaxAge: jobMaxAge, Now: func() time.Time { return time.Now().UTC() }}
}

// WeekStatus returns the unified status of the user's week.
func (s *StatusService) WeekStatus(ctx context.Context, userID, weekID string) (*WeekStatus, error) {
	ctx, span := otel.Tracer("services/StatusService").Start(ctx, "WeekStatus",
		trace.WithAttributes(attribute.String("week.id", weekID)))
	defer span.End()

	week, err := repo.GetWeek(ctx, s.DB, weekID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrWeekNotFound
	}
	if err != nil {
		return nil, err
	}
	materials, err := repo.ListWeekMaterials(ctx, s.DB, week.ID, nil)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	since := now.Add(-s.JobMaxAge)
	materialJobs, err := repo.LatestMaterialJobs(ctx, s.DB, week.ID, since)
	if err != nil {
		return nil, err
	}
	genJob, err := repo.LatestJob(ctx, s.DB, week.ID, domain.JobGeneration, since)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	out := &WeekStatus{
		WeekID:           week.ID,
		GenerationStatus: week.GenerationStatus,
		LastError:        week.LastError,
		Materials:        make([]MaterialStatus, 0, len(materials)),
		Features:         []FeatureProgress{},
	}

	snaps := s.collect(ctx, materialJobs, genJob)
	children := map[domain.ContentType]runner.Snapshot{}
	var phase2 []status.RunStatus
	var genMaterials []string
	if genJob != nil {
		out.RunID = genJob.RunID
		out.AccessToken = genJob.AccessToken
		genMaterials = genJob.Materials()
		for _, c := range snaps.children {
			children[c.ContentType] = c
			phase2 = append(phase2, c.Effective(now))
		}
	}

	rollup := make([]status.Status, 0, len(materials))
	for _, m := range materials {
		rt := status.Realtime{}
		ms := MaterialStatus{
			MaterialID:      m.ID,
			FileName:        m.FileName,
			UploadStatus:    m.UploadStatus,
			EmbeddingStatus: m.EmbeddingStatus,
			Error:           m.ErrorMessage,
		}
		if job, ok := materialJobs[m.ID]; ok {
			ms.RunID = job.RunID
			if snap, ok := snaps.phase1[job.RunID]; ok {
				st := snap.Effective(now)
				rt.Phase1 = &st
				if snap.Error != "" && ms.Error == "" {
					ms.Error = snap.Error
				}
			}
		}
		if slices.Contains(genMaterials, m.ID) {
			rt.Phase2 = phase2
		}
		out.Realtime = out.Realtime || rt.Tracked()
		ms.Status = status.Aggregate(rt, status.Persisted{
			Upload:     m.UploadStatus,
			Embedding:  m.EmbeddingStatus,
			Generation: week.GenerationStatus,
		})
		rollup = append(rollup, ms.Status)
		out.Materials = append(out.Materials, ms)
	}
	out.Status = status.Rollup(rollup)

	if genJob != nil {
		features, err := s.features(ctx, week, genJob, children, now)
		if err != nil {
			return nil, err
		}
		out.Features = features
	}
	return out, nil
}

type collected struct {
	phase1   map[string]runner.Snapshot
	children []runner.Snapshot
}

// collect reads the tracked snapshots of the correlated runs. Tracker errors
// degrade to persisted-only status.
func (s *StatusService) collect(ctx context.Context, materialJobs map[string]*domain.ProcessingJob, genJob *domain.ProcessingJob) collected {
	out := collected{phase1: map[string]runner.Snapshot{}}
	if s.Tracker == nil {
		return out
	}
	log := zerolog.Ctx(ctx)
	for _, job := range materialJobs {
		if _, done := out.phase1[job.RunID]; done {
			continue
		}
		snap, err := s.Tracker.Get(ctx, job.RunID)
		if errors.Is(err, runner.ErrSnapshotNotFound) {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("run_id", job.RunID).Msg("run tracker unavailable; using persisted status")
			return collected{phase1: map[string]runner.Snapshot{}}
		}
		out.phase1[job.RunID] = *snap
	}
	if genJob != nil {
		children, err := s.Tracker.Children(ctx, genJob.RunID)
		if err != nil {
			log.Warn().Err(err).Str("run_id", genJob.RunID).Msg("run tracker unavailable; using persisted status")
			return collected{phase1: map[string]runner.Snapshot{}}
		}
		out.children = children
	}
	return out
}

// features reports per content type progress of the latest generation.
// Without a snapshot the markers of the generation config and the week's
// persisted status decide.
func (s *StatusService) features(ctx context.Context, week *domain.Week, job *domain.ProcessingJob, children map[domain.ContentType]runner.Snapshot, now time.Time) ([]FeatureProgress, error) {
	counts, err := repo.ListFeatureCounts(ctx, s.DB, week.ID)
	if err != nil {
		return nil, err
	}
	countOf := map[domain.ContentType]int{}
	for _, c := range counts {
		countOf[c.ContentType] = c.Count
	}

	var completed []domain.ContentType
	var failed []domain.FeatureFailure
	if job.ConfigID != "" {
		cfg, err := repo.GetGenerationConfig(ctx, s.DB, job.ConfigID)
		switch {
		case err == nil:
			completed, _ = cfg.Completions()
			failed, _ = cfg.Failures()
		case !errors.Is(err, repo.ErrNotFound):
			return nil, err
		}
	}

	out := make([]FeatureProgress, 0, len(job.Types()))
	for _, ct := range job.Types() {
		fp := FeatureProgress{ContentType: ct, Count: countOf[ct]}
		if snap, ok := children[ct]; ok {
			fp.Status = status.Feature(snap.Effective(now))
			fp.RunID = snap.RunID
			fp.Error = snap.Error
			out = append(out, fp)
			continue
		}
		fp.RunID = runner.ChildRunID(job.RunID, string(ct))
		i := slices.IndexFunc(failed, func(f domain.FeatureFailure) bool { return f.Feature == ct })
		switch {
		case slices.Contains(completed, ct):
			fp.Status = status.FeatureCompleted
		case i >= 0:
			fp.Status = status.FeatureFailed
			fp.Error = failed[i].Reason
		case week.GenerationStatus == domain.StatusFailed:
			fp.Status = status.FeatureFailed
			fp.Error = week.LastError
		case week.GenerationStatus == domain.StatusCompleted:
			fp.Status = status.FeatureCompleted
		default:
			fp.Status = status.FeatureGenerating
		}
		out = append(out, fp)
	}
	return out, nil
}
