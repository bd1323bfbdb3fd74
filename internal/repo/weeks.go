// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for weeks and
// their materials.
//
// The week row doubles as the generation lock: ClaimWeekGeneration flips
// generation_status to processing with a conditional UPDATE, so at most one
// dispatch per week can win.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

// EnsureWeek inserts w if absent and returns the stored row. An existing
// week owned by another user is reported as ErrNotFound.
func EnsureWeek(ctx context.Context, db *gorm.DB, w *domain.Week) (*domain.Week, error) {
	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(w).Error; err != nil {
		return nil, err
	}
	return GetWeek(ctx, db, w.ID, w.UserID)
}

// GetWeek fetches a week by id scoped to its owner.
func GetWeek(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Week, error) {
	var w domain.Week
	if err := db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// ClaimWeekGeneration marks the week as processing unless a fresh claim is
// already held. A processing claim last touched before staleBefore is treated
// as abandoned and may be taken over. It reports whether this caller won.
func ClaimWeekGeneration(ctx context.Context, db *gorm.DB, weekID string, staleBefore, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Week{}).
		Where("id = ? AND (generation_status <> ? OR updated_at < ?)", weekID, domain.StatusProcessing, staleBefore).
		Updates(map[string]any{
			"generation_status": domain.StatusProcessing,
			"last_error":        "",
			"updated_at":        now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetWeekGenerationStatus overwrites the phase-2 status of a week.
func SetWeekGenerationStatus(ctx context.Context, db *gorm.DB, weekID string, status domain.ProcessingStatus, lastError string) error {
	return db.WithContext(ctx).Model(&domain.Week{}).
		Where("id = ?", weekID).
		Updates(map[string]any{
			"generation_status": status,
			"last_error":        lastError,
			"updated_at":        time.Now().UTC(),
		}).Error
}

// RestoreWeekGeneration rolls a claimed week back to an earlier phase-2
// state, including its original updated_at, so a reverted claim never looks
// fresher than the state it replaced.
func RestoreWeekGeneration(ctx context.Context, db *gorm.DB, weekID string, status domain.ProcessingStatus, lastError string, updatedAt time.Time) error {
	return db.WithContext(ctx).Model(&domain.Week{}).
		Where("id = ?", weekID).
		Updates(map[string]any{
			"generation_status": status,
			"last_error":        lastError,
			"updated_at":        updatedAt,
		}).Error
}

// CreateMaterial inserts a material row.
func CreateMaterial(ctx context.Context, db *gorm.DB, m *domain.Material) error {
	return db.WithContext(ctx).Create(m).Error
}

// GetMaterial fetches a material by id scoped to its owner.
func GetMaterial(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Material, error) {
	var m domain.Material
	if err := db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListWeekMaterials returns a week's materials, oldest first. A non-empty ids
// restricts the result to those materials.
func ListWeekMaterials(ctx context.Context, db *gorm.DB, weekID string, ids []string) ([]domain.Material, error) {
	q := db.WithContext(ctx).Where("week_id = ?", weekID)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	var out []domain.Material
	err := q.Order("created_at ASC, id ASC").Find(&out).Error
	return out, err
}

// ReadyMaterialIDs returns the ids of week materials whose upload completed.
// A non-empty ids restricts the candidates.
func ReadyMaterialIDs(ctx context.Context, db *gorm.DB, weekID string, ids []string) ([]string, error) {
	q := db.WithContext(ctx).Model(&domain.Material{}).
		Where("week_id = ? AND upload_status = ?", weekID, domain.StatusCompleted)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	var out []string
	err := q.Order("created_at ASC, id ASC").Pluck("id", &out).Error
	return out, err
}

// UpdateMaterialEmbedding records the phase-1 embedding outcome.
func UpdateMaterialEmbedding(ctx context.Context, db *gorm.DB, id string, status domain.ProcessingStatus, chunks int, errMsg string) error {
	res := db.WithContext(ctx).Model(&domain.Material{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"embedding_status": status,
			"chunk_count":      chunks,
			"error_message":    errMsg,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
