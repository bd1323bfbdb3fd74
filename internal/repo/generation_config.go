package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

// CreateGenerationConfig inserts a new config row.
func CreateGenerationConfig(ctx context.Context, db *gorm.DB, cfg *domain.GenerationConfig) error {
	return db.WithContext(ctx).Create(cfg).Error
}

// GetGenerationConfig fetches a config by id, or ErrNotFound.
func GetGenerationConfig(ctx context.Context, db *gorm.DB, id string) (*domain.GenerationConfig, error) {
	var cfg domain.GenerationConfig
	if err := db.WithContext(ctx).Where("id = ?", id).First(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LatestMaterialConfig returns the newest config persisted with an upload of
// materialID, or ErrNotFound.
func LatestMaterialConfig(ctx context.Context, db *gorm.DB, materialID string) (*domain.GenerationConfig, error) {
	var cfg domain.GenerationConfig
	err := db.WithContext(ctx).
		Where("material_id = ?", materialID).
		Order("created_at DESC, id DESC").
		First(&cfg).Error
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateGenerationConfigVersioned applies updates only if the stored version
// still equals version, bumping it in the same statement. It returns
// ErrStaleVersion when another writer got there first and ErrNotFound when
// the row is gone.
func UpdateGenerationConfigVersioned(ctx context.Context, db *gorm.DB, id string, version int, updates map[string]any) error {
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = time.Now().UTC()

	res := db.WithContext(ctx).Model(&domain.GenerationConfig{}).
		Where("id = ? AND version = ?", id, version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var n int64
	if err := db.WithContext(ctx).Model(&domain.GenerationConfig{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStaleVersion
}

// IsStale reports whether err is an optimistic-lock conflict.
func IsStale(err error) bool { return errors.Is(err, ErrStaleVersion) }
