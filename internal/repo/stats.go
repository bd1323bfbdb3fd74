// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

// GeneratedItemsStats returns aggregate metadata for a week's generated
// items: the total number of rows and the maximum UpdatedAt among them. An
// empty ct covers every content type.
//
// When the week has no items, the returned count is 0 and maxUpdatedAt is nil.
func GeneratedItemsStats(ctx context.Context, db *gorm.DB, weekID string, ct domain.ContentType) (count int64, maxUpdatedAt *time.Time, err error) {
	if err = itemsQuery(ctx, db, weekID, ct).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = itemsQuery(ctx, db, weekID, ct).Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
