package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

// ReplaceGeneratedItems swaps the week's items of one content type for items
// and refreshes the aggregated count, in one transaction.
func ReplaceGeneratedItems(ctx context.Context, db *gorm.DB, weekID string, ct domain.ContentType, items []domain.GeneratedItem) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("week_id = ? AND content_type = ?", weekID, ct).
			Delete(&domain.GeneratedItem{}).Error; err != nil {
			return err
		}
		if len(items) > 0 {
			for i := range items {
				if items[i].ID == "" {
					items[i].ID = uuid.NewString()
				}
				items[i].WeekID = weekID
				items[i].ContentType = ct
				items[i].Position = i
			}
			if err := tx.Create(&items).Error; err != nil {
				return err
			}
		}
		return UpsertFeatureCount(ctx, tx, weekID, ct, len(items))
	})
}

// UpsertFeatureCount sets the generated count of (week, content type).
func UpsertFeatureCount(ctx context.Context, db *gorm.DB, weekID string, ct domain.ContentType, count int) error {
	row := &domain.WeekFeatureCount{
		ID:          uuid.NewString(),
		WeekID:      weekID,
		ContentType: ct,
		Count:       count,
		UpdatedAt:   time.Now().UTC(),
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "week_id"}, {Name: "content_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"count", "updated_at"}),
	}).Create(row).Error
}

// ListFeatureCounts returns the week's per-type counts in insertion order.
func ListFeatureCounts(ctx context.Context, db *gorm.DB, weekID string) ([]domain.WeekFeatureCount, error) {
	var out []domain.WeekFeatureCount
	err := db.WithContext(ctx).Where("week_id = ?", weekID).Order("content_type ASC").Find(&out).Error
	return out, err
}

func itemsQuery(ctx context.Context, db *gorm.DB, weekID string, ct domain.ContentType) *gorm.DB {
	q := db.WithContext(ctx).Model(&domain.GeneratedItem{}).Where("week_id = ?", weekID)
	if ct != "" {
		q = q.Where("content_type = ?", ct)
	}
	return q
}

// CountGeneratedItems counts the week's items, optionally of one type.
func CountGeneratedItems(ctx context.Context, db *gorm.DB, weekID string, ct domain.ContentType) (int64, error) {
	var n int64
	err := itemsQuery(ctx, db, weekID, ct).Count(&n).Error
	return n, err
}

// ListGeneratedItemsPage returns a page ordered (content_type, position).
func ListGeneratedItemsPage(ctx context.Context, db *gorm.DB, weekID string, ct domain.ContentType, offset, limit int) ([]domain.GeneratedItem, error) {
	var out []domain.GeneratedItem
	err := itemsQuery(ctx, db, weekID, ct).
		Order("content_type ASC, position ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
