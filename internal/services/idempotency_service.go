// Package services – IdempotencyService
//
// This file implements the idempotency ledger. A caller-supplied key maps to
// at most one live record; the unique index on the key serializes concurrent
// first attempts, and an expired record is superseded by delete-and-reinsert
// inside one transaction. Duplicate callers get the stored record and its
// cached result instead of repeating the side effect.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/observability"
	"github.com/studyloopai/studyloop-backend/internal/repo"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	ensureAttempts        = 3
)

// EnsureOptions describe the record created on a first run.
type EnsureOptions struct {
	OperationType domain.OperationType
	ResourceID    string
	UserID        string
	MaxRetries    int
	TTL           time.Duration
	Metadata      any
}

// EnsureResult is the outcome of EnsureKey. ExistingResult is the cached
// result of a completed duplicate; it is nil otherwise.
type EnsureResult struct {
	IsFirstRun     bool
	Record         *domain.IdempotencyRecord
	ExistingResult datatypes.JSON
}

// IdempotencyService manages the idempotency ledger.
type IdempotencyService struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewIdempotencyService constructs an IdempotencyService.
func NewIdempotencyService(db *gorm.DB) *IdempotencyService {
	return &IdempotencyService{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

// EnsureKey claims key for a first run or returns the record that already
// holds it. Concurrent callers with the same key see exactly one first run.
func (s *IdempotencyService) EnsureKey(ctx context.Context, key string, opts EnsureOptions) (EnsureResult, error) {
	ctx, span := otel.Tracer("services/IdempotencyService").Start(ctx, "EnsureKey",
		trace.WithAttributes(
			attribute.String("idempotency.key", key),
			attribute.String("idempotency.operation", string(opts.OperationType)),
		),
	)
	defer span.End()

	if key == "" {
		return EnsureResult{}, &ValidationError{Field: "key", Message: "must not be empty"}
	}
	if !opts.OperationType.Valid() {
		return EnsureResult{}, &ValidationError{Field: "operation_type", Message: "unknown operation type"}
	}

	for attempt := 0; attempt < ensureAttempts; attempt++ {
		now := s.Now()
		rec, err := s.newRecord(key, opts, now)
		if err != nil {
			return EnsureResult{}, err
		}

		err = repo.CreateIdempotency(ctx, s.DB, rec)
		if err == nil {
			observability.RecordIdempotency(string(opts.OperationType), "first_run")
			return EnsureResult{IsFirstRun: true, Record: rec}, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return EnsureResult{}, fmt.Errorf("create idempotency record: %w", err)
		}

		existing, err := repo.GetIdempotency(ctx, s.DB, key)
		if errors.Is(err, repo.ErrNotFound) {
			continue // the holder was superseded between insert and read
		}
		if err != nil {
			return EnsureResult{}, fmt.Errorf("get idempotency record: %w", err)
		}
		if !existing.Expired(now) {
			return s.duplicate(existing), nil
		}

		won, err := s.supersede(ctx, existing.ID, rec, now)
		if err != nil {
			return EnsureResult{}, err
		}
		if won {
			observability.RecordIdempotency(string(opts.OperationType), "superseded")
			return EnsureResult{IsFirstRun: true, Record: rec}, nil
		}

		// A concurrent caller superseded the expired record first.
		winner, err := repo.GetIdempotency(ctx, s.DB, key)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return EnsureResult{}, fmt.Errorf("get idempotency record: %w", err)
		}
		if !winner.Expired(now) {
			return s.duplicate(winner), nil
		}
	}
	return EnsureResult{}, fmt.Errorf("idempotency key %q: contention did not settle after %d attempts", key, ensureAttempts)
}

// supersede deletes the expired record expiredID and inserts rec in one
// transaction. It reports false when another caller got there first.
func (s *IdempotencyService) supersede(ctx context.Context, expiredID string, rec *domain.IdempotencyRecord, now time.Time) (bool, error) {
	won := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deleted, err := repo.DeleteExpiredIdempotency(ctx, tx, expiredID, now)
		if err != nil || !deleted {
			return err
		}
		if err := repo.CreateIdempotency(ctx, tx, rec); err != nil {
			return err
		}
		won = true
		return nil
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("supersede idempotency record: %w", err)
	}
	return won, nil
}

func (s *IdempotencyService) duplicate(rec *domain.IdempotencyRecord) EnsureResult {
	res := EnsureResult{Record: rec}
	if rec.Status == domain.IdempotencyCompleted {
		res.ExistingResult = rec.ResultData
	}
	observability.RecordIdempotency(string(rec.OperationType), "duplicate")
	return res
}

func (s *IdempotencyService) newRecord(key string, opts EnsureOptions, now time.Time) (*domain.IdempotencyRecord, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	maxRetries := max(opts.MaxRetries, 0)
	rec := &domain.IdempotencyRecord{
		ID:            uuid.NewString(),
		Key:           key,
		OperationType: opts.OperationType,
		Status:        domain.IdempotencyProcessing,
		ResourceID:    opts.ResourceID,
		UserID:        opts.UserID,
		MaxRetries:    maxRetries,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.Metadata != nil {
		raw, err := json.Marshal(opts.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode idempotency metadata: %w", err)
		}
		rec.Metadata = raw
	}
	return rec, nil
}

// Get returns the record for key or repo.ErrNotFound.
func (s *IdempotencyService) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	return repo.GetIdempotency(ctx, s.DB, key)
}

// Complete marks key completed with result. It reports false when the key
// does not exist.
func (s *IdempotencyService) Complete(ctx context.Context, key string, result any) (bool, error) {
	ctx, span := otel.Tracer("services/IdempotencyService").Start(ctx, "Complete",
		trace.WithAttributes(attribute.String("idempotency.key", key)))
	defer span.End()

	raw, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("encode idempotency result: %w", err)
	}
	ok, err := repo.CompleteIdempotency(ctx, s.DB, key, raw, s.Now())
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("operation", "idempotency.complete").Str("key", key).Msg("complete failed")
	}
	return ok, err
}

// Fail records a failed attempt for key. The record re-enters processing
// while shouldRetry holds and retries remain; otherwise it becomes failed.
// It reports false when the key does not exist.
func (s *IdempotencyService) Fail(ctx context.Context, key, errorMessage string, shouldRetry bool) (bool, error) {
	ctx, span := otel.Tracer("services/IdempotencyService").Start(ctx, "Fail",
		trace.WithAttributes(
			attribute.String("idempotency.key", key),
			attribute.Bool("idempotency.retry", shouldRetry),
		))
	defer span.End()

	ok, err := repo.FailIdempotency(ctx, s.DB, key, errorMessage, shouldRetry, s.Now())
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("operation", "idempotency.fail").Str("key", key).Msg("fail failed")
		return false, err
	}
	if ok {
		zerolog.Ctx(ctx).Warn().Str("key", key).Str("reason", errorMessage).Bool("retry", shouldRetry).Msg("idempotent operation failed")
	}
	return ok, nil
}

// ClaimRetry reports whether the caller may re-run the operation behind
// rec: rec must have failed with retries left, and no other caller may have
// claimed that attempt already.
func (s *IdempotencyService) ClaimRetry(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	if rec == nil || rec.Status != domain.IdempotencyProcessing || rec.RetryCount == 0 || rec.ErrorMessage == "" {
		return false, nil
	}
	ok, err := repo.ClaimIdempotencyRetry(ctx, s.DB, rec.Key, s.Now())
	if err != nil {
		return false, fmt.Errorf("claim idempotency retry: %w", err)
	}
	if ok {
		observability.RecordIdempotency(string(rec.OperationType), "retry")
	}
	return ok, nil
}

// ListPendingRetries returns processing records that failed at least once
// and still have retries left, oldest retry first. A nil operationType
// lists every type.
func (s *IdempotencyService) ListPendingRetries(ctx context.Context, operationType *domain.OperationType, limit int) ([]domain.IdempotencyRecord, error) {
	return repo.ListPendingRetries(ctx, s.DB, operationType, limit)
}
