// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the usage-cycle and plan queries behind
// the quota guard.
//
// Every counter mutation is a single conditional UPDATE, so callers running
// inside a transaction never lose a concurrent increment and never push a
// counter past its limit.
package repo

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

// EnsureUsageCycle creates the user's usage row (cycle starting at now) if it
// does not exist and returns the stored row.
func EnsureUsageCycle(ctx context.Context, db *gorm.DB, userID string, now time.Time) (*domain.UsageCycle, error) {
	row := &domain.UsageCycle{UserID: userID, CycleStart: now, UpdatedAt: now}
	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(row).Error; err != nil {
		return nil, err
	}
	return GetUsageCycle(ctx, db, userID)
}

// GetUsageCycle fetches the usage row for userID, or ErrNotFound.
func GetUsageCycle(ctx context.Context, db *gorm.DB, userID string) (*domain.UsageCycle, error) {
	var u domain.UsageCycle
	if err := db.WithContext(ctx).Where("user_id = ?", userID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ResetUsageCycle zeroes every counter and moves cycle_start to newStart,
// but only if the current cycle began at or before periodEnd. Redundant or
// concurrent callers see false.
func ResetUsageCycle(ctx context.Context, db *gorm.DB, userID string, periodEnd, newStart time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.UsageCycle{}).
		Where("user_id = ? AND cycle_start <= ?", userID, periodEnd).
		Updates(map[string]any{
			"ai_generations_count":     0,
			"ai_tokens_consumed":       0,
			"materials_uploaded_count": 0,
			"cycle_start":              newStart,
			"updated_at":               newStart,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// StartUsageCycle begins a new cycle at start unless the current cycle
// already started at or after it. Used when a renewal webhook arrives.
func StartUsageCycle(ctx context.Context, db *gorm.DB, userID string, start time.Time) (bool, error) {
	if _, err := EnsureUsageCycle(ctx, db, userID, start); err != nil {
		return false, err
	}
	res := db.WithContext(ctx).Model(&domain.UsageCycle{}).
		Where("user_id = ? AND cycle_start < ?", userID, start).
		Updates(map[string]any{
			"ai_generations_count":     0,
			"ai_tokens_consumed":       0,
			"materials_uploaded_count": 0,
			"cycle_start":              start,
			"updated_at":               time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ConsumeUsage adds amount to the counter of q if the result stays within
// limit. A negative limit means unlimited. It reports whether the increment
// was applied.
func ConsumeUsage(ctx context.Context, db *gorm.DB, userID string, q domain.QuotaType, amount, limit int64) (bool, error) {
	col := q.Column()
	if col == "" {
		return false, fmt.Errorf("unknown quota type %q", q)
	}
	query := db.WithContext(ctx).Model(&domain.UsageCycle{}).Where("user_id = ?", userID)
	if limit >= 0 {
		query = query.Where(col+" + ? <= ?", amount, limit)
	}
	res := query.Updates(map[string]any{
		col:          gorm.Expr(col+" + ?", amount),
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RefundUsage subtracts amount from the counter of q, flooring at zero. It
// only compensates a consumption whose work was never started.
func RefundUsage(ctx context.Context, db *gorm.DB, userID string, q domain.QuotaType, amount int64) error {
	col := q.Column()
	if col == "" {
		return fmt.Errorf("unknown quota type %q", q)
	}
	return db.WithContext(ctx).Model(&domain.UsageCycle{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			col:          gorm.Expr("CASE WHEN "+col+" >= ? THEN "+col+" - ? ELSE 0 END", amount, amount),
			"updated_at": time.Now().UTC(),
		}).Error
}

// GetUserPlan fetches the user's plan, or ErrNotFound.
func GetUserPlan(ctx context.Context, db *gorm.DB, userID string) (*domain.UserPlan, error) {
	var p domain.UserPlan
	if err := db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertUserPlan inserts or replaces the user's plan.
func UpsertUserPlan(ctx context.Context, db *gorm.DB, p *domain.UserPlan) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan_id", "status", "current_period_start", "current_period_end",
			"external_customer_id", "updated_at",
		}),
	}).Create(p).Error
}

// SetPlanStatus updates the status of an existing plan. It reports false when
// the user has no plan row.
func SetPlanStatus(ctx context.Context, db *gorm.DB, userID string, status domain.PlanStatus) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.UserPlan{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	return res.RowsAffected > 0, res.Error
}

// ListUsersDueForReset returns users whose usage cycle predates an elapsed
// period: billable plans past current_period_end, and users without a
// billable plan whose cycle is older than freeCycleStart.
func ListUsersDueForReset(ctx context.Context, db *gorm.DB, now, freeCycleStart time.Time, limit int) ([]string, error) {
	billable := []domain.PlanStatus{domain.PlanActive, domain.PlanPastDue}

	var paid []string
	err := db.WithContext(ctx).Table("user_plans AS p").
		Joins("JOIN usage_cycles AS u ON u.user_id = p.user_id").
		Where("p.status IN ? AND p.current_period_end < ? AND u.cycle_start <= p.current_period_end", billable, now).
		Order("p.user_id").
		Limit(limit).
		Pluck("p.user_id", &paid).Error
	if err != nil {
		return nil, err
	}

	var free []string
	err = db.WithContext(ctx).Table("usage_cycles AS u").
		Joins("LEFT JOIN user_plans AS p ON p.user_id = u.user_id AND p.status IN ?", billable).
		Where("p.user_id IS NULL AND u.cycle_start < ?", freeCycleStart).
		Order("u.user_id").
		Limit(limit).
		Pluck("u.user_id", &free).Error
	if err != nil {
		return nil, err
	}
	return append(paid, free...), nil
}
