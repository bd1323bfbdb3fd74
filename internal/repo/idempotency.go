// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the idempotency
// ledger: insert-if-absent through the unique key index, conditional
// supersede of expired rows, and single-statement state transitions.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

// GetIdempotency returns the record for key regardless of expiry, or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := db.WithContext(ctx).Where("key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency inserts rec and returns ErrDuplicate on unique violation.
func CreateIdempotency(ctx context.Context, db *gorm.DB, rec *domain.IdempotencyRecord) error {
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// DeleteExpiredIdempotency removes the row id only if it is still expired at
// now. It reports whether this call removed it; false means another caller
// already superseded it.
func DeleteExpiredIdempotency(ctx context.Context, db *gorm.DB, id string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Where("id = ? AND expires_at <= ?", id, now).
		Delete(&domain.IdempotencyRecord{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CompleteIdempotency marks key completed and caches result. It reports false
// when the key does not exist.
func CompleteIdempotency(ctx context.Context, db *gorm.DB, key string, result datatypes.JSON, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("key = ?", key).
		Updates(map[string]any{
			"status":        domain.IdempotencyCompleted,
			"result_data":   result,
			"error_message": "",
			"completed_at":  now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FailIdempotency records a failed attempt in one statement. The retry
// counter always increments; the row returns to processing only when
// shouldRetry is set and the incremented counter is within max_retries.
func FailIdempotency(ctx context.Context, db *gorm.DB, key, message string, shouldRetry bool, now time.Time) (bool, error) {
	status := gorm.Expr("?", domain.IdempotencyFailed)
	if shouldRetry {
		status = gorm.Expr("CASE WHEN retry_count + 1 <= max_retries THEN ? ELSE ? END",
			domain.IdempotencyProcessing, domain.IdempotencyFailed)
	}
	res := db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("key = ?", key).
		Updates(map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"status":        status,
			"error_message": message,
			"last_retry_at": now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimIdempotencyRetry takes a failed-but-retryable record for a re-run by
// clearing its error message. Only one caller sees true per failed attempt.
func ClaimIdempotencyRetry(ctx context.Context, db *gorm.DB, key string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.IdempotencyRecord{}).
		Where("key = ? AND status = ? AND retry_count > 0 AND retry_count <= max_retries AND error_message <> ''",
			key, domain.IdempotencyProcessing).
		Updates(map[string]any{"error_message": "", "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListPendingRetries returns processing records with retries left
// (0 < retry_count <= max_retries), oldest retry first. A nil op lists all
// operation types.
func ListPendingRetries(ctx context.Context, db *gorm.DB, op *domain.OperationType, limit int) ([]domain.IdempotencyRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := db.WithContext(ctx).
		Where("status = ? AND retry_count > 0 AND retry_count <= max_retries", domain.IdempotencyProcessing)
	if op != nil {
		q = q.Where("operation_type = ?", *op)
	}
	var out []domain.IdempotencyRecord
	err := q.Order("last_retry_at ASC").Order("created_at ASC").Limit(limit).Find(&out).Error
	return out, err
}

// PurgeExpiredIdempotency deletes terminal records that expired before cutoff.
// Processing rows are left for the retry sweep.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at < ? AND status <> ?", cutoff, domain.IdempotencyProcessing).
		Delete(&domain.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}
