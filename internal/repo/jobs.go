package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

// CreateProcessingJob inserts a correlation record for a dispatched run.
func CreateProcessingJob(ctx context.Context, db *gorm.DB, j *domain.ProcessingJob) error {
	return db.WithContext(ctx).Create(j).Error
}

// LatestJob returns the newest job of kind for the week created at or after
// since, or ErrNotFound.
func LatestJob(ctx context.Context, db *gorm.DB, weekID string, kind domain.JobKind, since time.Time) (*domain.ProcessingJob, error) {
	var j domain.ProcessingJob
	err := db.WithContext(ctx).
		Where("week_id = ? AND kind = ? AND created_at >= ?", weekID, kind, since).
		Order("created_at DESC, id DESC").
		First(&j).Error
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs returns the user's jobs for a week created at or after since,
// newest first.
func ListJobs(ctx context.Context, db *gorm.DB, userID, weekID string, since time.Time) ([]domain.ProcessingJob, error) {
	var out []domain.ProcessingJob
	err := db.WithContext(ctx).
		Where("user_id = ? AND week_id = ? AND created_at >= ?", userID, weekID, since).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	return out, err
}

// LatestMaterialJobs maps each material id to its newest material job
// created at or after since.
func LatestMaterialJobs(ctx context.Context, db *gorm.DB, weekID string, since time.Time) (map[string]*domain.ProcessingJob, error) {
	var jobs []domain.ProcessingJob
	err := db.WithContext(ctx).
		Where("week_id = ? AND kind = ? AND created_at >= ?", weekID, domain.JobMaterial, since).
		Order("created_at DESC, id DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.ProcessingJob, len(jobs))
	for i := range jobs {
		for _, mid := range jobs[i].Materials() {
			if _, seen := out[mid]; !seen {
				out[mid] = &jobs[i]
			}
		}
	}
	return out, nil
}

// DeleteJobs removes every job of the user's week and returns the count.
func DeleteJobs(ctx context.Context, db *gorm.DB, userID, weekID string) (int64, error) {
	res := db.WithContext(ctx).
		Where("user_id = ? AND week_id = ?", userID, weekID).
		Delete(&domain.ProcessingJob{})
	return res.RowsAffected, res.Error
}

// PurgeJobsBefore removes jobs created before cutoff.
func PurgeJobsBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.ProcessingJob{})
	return res.RowsAffected, res.Error
}
