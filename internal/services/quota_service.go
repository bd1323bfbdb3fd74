// Package services – QuotaService
//
// This file implements per-user quota enforcement against the plan catalog.
// Every check runs in one transaction: the usage row is ensured, an elapsed
// cycle is lazily reset, and the counter is advanced with a conditional
// UPDATE so concurrent consumers can never jointly pass a limit. Unlike the
// rate guard, quota checks fail closed.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/config"
	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/observability"
	"github.com/studyloopai/studyloop-backend/internal/repo"
)

// QuotaDecision is the outcome of CheckQuotaAndConsume.
type QuotaDecision struct {
	Allowed bool
	Details QuotaDetails
}

// UsageSnapshot is a user's standing against every quota.
type UsageSnapshot struct {
	PlanID     string         `json:"plan_id"`
	PlanName   string         `json:"plan_name"`
	PlanStatus string         `json:"plan_status"`
	CycleStart time.Time      `json:"cycle_start"`
	ResetAt    time.Time      `json:"reset_at"`
	Quotas     []QuotaDetails `json:"quotas"`
}

var quotaTypes = []domain.QuotaType{
	domain.QuotaAIGenerations,
	domain.QuotaAITokens,
	domain.QuotaMaterialsUploaded,
}

// QuotaService enforces plan quotas on usage cycles.
type QuotaService struct {
	DB    *gorm.DB
	Plans config.PlanCatalog
	Now   func() time.Time
}

// NewQuotaService constructs a QuotaService.
func NewQuotaService(db *gorm.DB, plans config.PlanCatalog) *QuotaService {
	return &QuotaService{DB: db, Plans: plans, Now: func() time.Time { return time.Now().UTC() }}
}

// FreeCycle is the cycle length of users without a billable plan.
func FreeCycle(start time.Time) time.Time { return start.AddDate(0, 1, 0) }

// billing resolves the plan governing userID and the end of its current
// cycle.
func (s *QuotaService) billing(ctx context.Context, tx *gorm.DB, userID string, cycle *domain.UsageCycle) (config.Plan, *domain.UserPlan, time.Time, error) {
	up, err := repo.GetUserPlan(ctx, tx, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return config.Plan{}, nil, time.Time{}, err
	}
	if up.Billable() {
		return s.Plans.Resolve(up.PlanID), up, up.CurrentPeriodEnd, nil
	}
	return s.Plans.Resolve(""), up, FreeCycle(cycle.CycleStart), nil
}

// ensureCurrent returns the user's usage row after applying a lazy reset.
func (s *QuotaService) ensureCurrent(ctx context.Context, tx *gorm.DB, userID string, now time.Time) (*domain.UsageCycle, config.Plan, *domain.UserPlan, time.Time, error) {
	cycle, err := repo.EnsureUsageCycle(ctx, tx, userID, now)
	if err != nil {
		return nil, config.Plan{}, nil, time.Time{}, fmt.Errorf("ensure usage cycle: %w", err)
	}
	plan, up, end, err := s.billing(ctx, tx, userID, cycle)
	if err != nil {
		return nil, config.Plan{}, nil, time.Time{}, fmt.Errorf("resolve plan: %w", err)
	}
	if now.After(end) {
		reset, err := repo.ResetUsageCycle(ctx, tx, userID, end, now)
		if err != nil {
			return nil, config.Plan{}, nil, time.Time{}, fmt.Errorf("reset usage cycle: %w", err)
		}
		if reset {
			if cycle, err = repo.GetUsageCycle(ctx, tx, userID); err != nil {
				return nil, config.Plan{}, nil, time.Time{}, err
			}
			if !up.Billable() {
				end = FreeCycle(cycle.CycleStart)
			}
		}
	}
	return cycle, plan, up, end, nil
}

func details(q domain.QuotaType, plan config.Plan, cycle *domain.UsageCycle, end time.Time) QuotaDetails {
	limit := plan.Limit(q)
	used := cycle.Usage(q)
	remaining := config.Unlimited
	if limit >= 0 {
		remaining = max(0, limit-used)
	}
	return QuotaDetails{
		QuotaType:    q,
		PlanID:       plan.ID,
		CurrentUsage: used,
		QuotaLimit:   limit,
		Remaining:    remaining,
		ResetAt:      end.UTC().Format(time.RFC3339),
	}
}

// CheckQuotaAndConsume advances userID's counter of q by amount if the plan
// limit allows it. Infrastructure errors are returned and must be treated as
// a denial.
func (s *QuotaService) CheckQuotaAndConsume(ctx context.Context, userID string, q domain.QuotaType, amount int64) (QuotaDecision, error) {
	ctx, span := otel.Tracer("services/QuotaService").Start(ctx, "CheckQuotaAndConsume",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("quota.type", string(q)),
			attribute.Int64("quota.amount", amount),
		),
	)
	defer span.End()

	if q.Column() == "" {
		return QuotaDecision{}, &ValidationError{Field: "quota_type", Message: "unknown quota type"}
	}
	if amount <= 0 {
		return QuotaDecision{}, &ValidationError{Field: "amount", Message: "must be positive"}
	}

	var dec QuotaDecision
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.Now()
		cycle, plan, _, end, err := s.ensureCurrent(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		ok, err := repo.ConsumeUsage(ctx, tx, userID, q, amount, plan.Limit(q))
		if err != nil {
			return fmt.Errorf("consume usage: %w", err)
		}
		if ok {
			if cycle, err = repo.GetUsageCycle(ctx, tx, userID); err != nil {
				return err
			}
		}
		dec = QuotaDecision{Allowed: ok, Details: details(q, plan, cycle, end)}
		return nil
	})
	if err != nil {
		observability.RecordQuota(string(q), "error")
		zerolog.Ctx(ctx).Error().Err(err).
			Str("operation", "quota.consume").
			Str("user_id", userID).
			Str("quota_type", string(q)).
			Msg("quota check failed; denying")
		return QuotaDecision{}, err
	}
	if dec.Allowed {
		observability.RecordQuota(string(q), "allowed")
	} else {
		observability.RecordQuota(string(q), "denied")
	}
	return dec, nil
}

// Consume is CheckQuotaAndConsume returning a *QuotaExceededError on denial.
func (s *QuotaService) Consume(ctx context.Context, userID string, q domain.QuotaType, amount int64) (QuotaDetails, error) {
	dec, err := s.CheckQuotaAndConsume(ctx, userID, q, amount)
	if err != nil {
		return QuotaDetails{}, err
	}
	if !dec.Allowed {
		return dec.Details, &QuotaExceededError{Details: dec.Details}
	}
	return dec.Details, nil
}

// ResetIfExpired resets userID's cycle when its period has ended. Redundant
// and concurrent calls are no-ops.
func (s *QuotaService) ResetIfExpired(ctx context.Context, userID string) (bool, error) {
	ctx, span := otel.Tracer("services/QuotaService").Start(ctx, "ResetIfExpired",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	var reset bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, err := repo.GetUsageCycle(ctx, tx, userID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, _, end, err := s.billing(ctx, tx, userID, cycle)
		if err != nil {
			return err
		}
		now := s.Now()
		if !now.After(end) {
			return nil
		}
		reset, err = repo.ResetUsageCycle(ctx, tx, userID, end, now)
		return err
	})
	return reset, err
}

// Usage returns userID's standing against every quota.
func (s *QuotaService) Usage(ctx context.Context, userID string) (UsageSnapshot, error) {
	ctx, span := otel.Tracer("services/QuotaService").Start(ctx, "Usage",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	var snap UsageSnapshot
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cycle, plan, up, end, err := s.ensureCurrent(ctx, tx, userID, s.Now())
		if err != nil {
			return err
		}
		snap = UsageSnapshot{
			PlanID:     plan.ID,
			PlanName:   plan.Name,
			PlanStatus: "none",
			CycleStart: cycle.CycleStart,
			ResetAt:    end,
		}
		if up != nil {
			snap.PlanStatus = string(up.Status)
		}
		for _, q := range quotaTypes {
			snap.Quotas = append(snap.Quotas, details(q, plan, cycle, end))
		}
		return nil
	})
	return snap, err
}

// RecordTokens meters tokens consumed by a finished generation. Tokens are
// counted after the fact, so the plan limit is not applied here; it gates
// the next consumption instead.
func (s *QuotaService) RecordTokens(ctx context.Context, userID string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, _, _, _, err := s.ensureCurrent(ctx, tx, userID, s.Now()); err != nil {
			return err
		}
		_, err := repo.ConsumeUsage(ctx, tx, userID, domain.QuotaAITokens, tokens, config.Unlimited)
		return err
	})
}

// CheckTokens reports whether userID still has token budget left.
func (s *QuotaService) CheckTokens(ctx context.Context, userID string) (QuotaDetails, error) {
	snap, err := s.Usage(ctx, userID)
	if err != nil {
		return QuotaDetails{}, err
	}
	for _, d := range snap.Quotas {
		if d.QuotaType == domain.QuotaAITokens {
			if d.Remaining == 0 {
				return d, &QuotaExceededError{Details: d}
			}
			return d, nil
		}
	}
	return QuotaDetails{}, nil
}

// Refund returns amount units of q. It only compensates a consumption whose
// work was never started.
func (s *QuotaService) Refund(ctx context.Context, userID string, q domain.QuotaType, amount int64) error {
	if err := repo.RefundUsage(ctx, s.DB, userID, q, amount); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("operation", "quota.refund").
			Str("user_id", userID).
			Str("quota_type", string(q)).
			Msg("refund failed")
		return err
	}
	return nil
}
