// Package services – ContentService and JobService
//
// ContentService reads generated content of a week page by page and exposes
// the aggregate stats used for conditional responses. JobService lists and
// deletes the processing jobs correlating a week with its runs.
package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/repo"
	"github.com/studyloopai/studyloop-backend/internal/utils"
)

// MaxPageSize caps page sizes of content listings.
const MaxPageSize = 100

// ContentService serves generated content.
type ContentService struct {
	DB *gorm.DB
}

// ContentPage is one page of generated items.
type ContentPage struct {
	Items    []domain.GeneratedItem `json:"items"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
	Total    int64                  `json:"total"`
}

func (s *ContentService) ownWeek(ctx context.Context, userID, weekID string) error {
	_, err := repo.GetWeek(ctx, s.DB, weekID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrWeekNotFound
	}
	return err
}

// ListPage returns generated items of the user's week. An empty ct lists
// every content type.
func (s *ContentService) ListPage(ctx context.Context, userID, weekID string, ct domain.ContentType, page, pageSize int) (*ContentPage, error) {
	ctx, span := otel.Tracer("services/ContentService").Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("week.id", weekID),
			attribute.String("content.type", string(ct)),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if ct != "" && !ct.Valid() {
		return nil, &ValidationError{Field: "type", Message: "unknown content type"}
	}
	if err := s.ownWeek(ctx, userID, weekID); err != nil {
		return nil, err
	}
	page, pageSize, offset := utils.Page(page, pageSize, MaxPageSize)
	out := &ContentPage{Items: []domain.GeneratedItem{}, Page: page, PageSize: pageSize}

	total, err := repo.CountGeneratedItems(ctx, s.DB, weekID, ct)
	if err != nil {
		return nil, err
	}
	out.Total = total
	if total == 0 {
		return out, nil
	}
	items, err := repo.ListGeneratedItemsPage(ctx, s.DB, weekID, ct, offset, pageSize)
	if err != nil {
		return nil, err
	}
	out.Items = items
	return out, nil
}

// Stats returns the item count and newest update of the user's week content.
func (s *ContentService) Stats(ctx context.Context, userID, weekID string, ct domain.ContentType) (int64, *time.Time, error) {
	if err := s.ownWeek(ctx, userID, weekID); err != nil {
		return 0, nil, err
	}
	return repo.GeneratedItemsStats(ctx, s.DB, weekID, ct)
}

// FeatureCounts returns the generated counts per content type of the week.
func (s *ContentService) FeatureCounts(ctx context.Context, userID, weekID string) ([]domain.WeekFeatureCount, error) {
	if err := s.ownWeek(ctx, userID, weekID); err != nil {
		return nil, err
	}
	return repo.ListFeatureCounts(ctx, s.DB, weekID)
}

// JobService manages processing job records.
type JobService struct {
	DB        *gorm.DB
	JobMaxAge time.Duration
	Now       func() time.Time
}

// NewJobService constructs a JobService.
func NewJobService(db *gorm.DB, jobMaxAge time.Duration) *JobService {
	return &JobService{DB: db, JobMaxAge: jobMaxAge, Now: func() time.Time { return time.Now().UTC() }}
}

// List returns the live jobs of the user's week, newest first.
func (s *JobService) List(ctx context.Context, userID, weekID string) ([]domain.ProcessingJob, error) {
	ctx, span := otel.Tracer("services/JobService").Start(ctx, "List",
		trace.WithAttributes(attribute.String("week.id", weekID)))
	defer span.End()

	jobs, err := repo.ListJobs(ctx, s.DB, userID, weekID, s.Now().Add(-s.JobMaxAge))
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []domain.ProcessingJob{}
	}
	return jobs, nil
}

// Delete removes every job of the user's week. Status then falls back to
// persisted fields only.
func (s *JobService) Delete(ctx context.Context, userID, weekID string) (int64, error) {
	ctx, span := otel.Tracer("services/JobService").Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("week.id", weekID)))
	defer span.End()

	if _, err := repo.GetWeek(ctx, s.DB, weekID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, ErrWeekNotFound
		}
		return 0, err
	}
	return repo.DeleteJobs(ctx, s.DB, userID, weekID)
}

// Purge removes jobs older than the max age.
func (s *JobService) Purge(ctx context.Context) (int64, error) {
	return repo.PurgeJobsBefore(ctx, s.DB, s.Now().Add(-s.JobMaxAge))
}
