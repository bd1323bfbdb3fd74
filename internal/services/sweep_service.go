// Package services – SweepService
//
// This file implements the scheduled sweeps: usage-cycle resets, replay of
// pending idempotent operations, and purging of stale processing jobs and
// expired ledger records. Each sweep runs under a singleton lock so that
// overlapping cron invocations skip instead of doing the work twice.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/lock"
	"github.com/studyloopai/studyloop-backend/internal/observability"
	"github.com/studyloopai/studyloop-backend/internal/repo"
)

// Sweep names, also used as lock names.
const (
	SweepQuotaReset = "quota-reset"
	SweepRetries    = "retries"
	SweepJobsPurge  = "jobs-purge"
)

const (
	sweepLockTTL    = 10 * time.Minute
	resetBatchSize  = 500
	resetMaxBatches = 100
)

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Sweep          string `json:"sweep"`
	Success        bool   `json:"success"`
	UsersProcessed int    `json:"users_processed"`
	ItemsProcessed int64  `json:"items_processed"`
	Failures       int    `json:"failures"`
	DurationMs     int64  `json:"duration_ms"`
	// Skipped is set when another instance held the sweep lock.
	Skipped bool   `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// SweepService runs scheduled maintenance.
type SweepService struct {
	DB          *gorm.DB
	Quota       *QuotaService
	Webhooks    *WebhookService
	Jobs        *JobService
	Locker      lock.Locker
	Concurrency int
	RetryBatch  int
	Now         func() time.Time
}

// locked runs fn under the named sweep lock and fills the common result
// fields.
func (s *SweepService) locked(ctx context.Context, name string, fn func(ctx context.Context, res *SweepResult) error) (SweepResult, error) {
	ctx, span := otel.Tracer("services/SweepService").Start(ctx, "Sweep",
		trace.WithAttributes(attribute.String("sweep.name", name)))
	defer span.End()

	log := zerolog.Ctx(ctx).With().Str("operation", "sweep").Str("sweep", name).Logger()
	start := time.Now()
	res := SweepResult{Sweep: name}

	release, err := s.Locker.TryLock(ctx, "sweep:"+name, sweepLockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		res.Success, res.Skipped = true, true
		log.Info().Msg("sweep already running elsewhere; skipped")
		return res, nil
	}
	if err != nil {
		res.Error = "lock unavailable"
		observability.RecordSweep(name, false, 0)
		return res, fmt.Errorf("sweep %s: %w", name, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("release sweep lock failed")
		}
	}()

	err = fn(ctx, &res)
	res.DurationMs = time.Since(start).Milliseconds()
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
		log.Error().Err(err).Msg("sweep failed")
	} else {
		log.Info().Int("users", res.UsersProcessed).Int64("items", res.ItemsProcessed).Int("failures", res.Failures).Int64("duration_ms", res.DurationMs).Msg("sweep finished")
	}
	observability.RecordSweep(name, res.Success, res.UsersProcessed+int(res.ItemsProcessed))
	return res, err
}

// ResetExpiredCycles resets the usage cycle of every user whose period has
// ended. Per-user failures are counted and do not stop the sweep.
func (s *SweepService) ResetExpiredCycles(ctx context.Context) (SweepResult, error) {
	return s.locked(ctx, SweepQuotaReset, func(ctx context.Context, res *SweepResult) error {
		var processed, failures atomic.Int64
		seen := map[string]bool{}
		for range resetMaxBatches {
			now := s.Now()
			users, err := repo.ListUsersDueForReset(ctx, s.DB, now, now.AddDate(0, -1, 0), resetBatchSize)
			if err != nil {
				return fmt.Errorf("list users due for reset: %w", err)
			}
			var batch []string
			for _, u := range users {
				if !seen[u] {
					seen[u] = true
					batch = append(batch, u)
				}
			}
			if len(batch) == 0 {
				break
			}

			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(max(1, s.Concurrency))
			for _, userID := range batch {
				g.Go(func() error {
					reset, err := s.Quota.ResetIfExpired(gctx, userID)
					if err != nil {
						failures.Add(1)
						zerolog.Ctx(ctx).Warn().Err(err).Str("user_id", userID).Msg("usage reset failed")
						return nil
					}
					if reset {
						processed.Add(1)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		res.UsersProcessed = int(processed.Load())
		res.Failures = int(failures.Load())
		return nil
	})
}

// RetryPending replays pending webhook deliveries with retries left.
func (s *SweepService) RetryPending(ctx context.Context) (SweepResult, error) {
	return s.locked(ctx, SweepRetries, func(ctx context.Context, res *SweepResult) error {
		op := domain.OperationWebhook
		recs, err := s.Webhooks.Idempotency.ListPendingRetries(ctx, &op, max(1, s.RetryBatch))
		if err != nil {
			return fmt.Errorf("list pending retries: %w", err)
		}
		for _, rec := range recs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := s.Webhooks.Replay(ctx, rec); err != nil {
				res.Failures++
				continue
			}
			res.ItemsProcessed++
		}
		return nil
	})
}

// PurgeStale removes processing jobs past their max age and ledger records
// that expired before the purge cutoff.
func (s *SweepService) PurgeStale(ctx context.Context) (SweepResult, error) {
	return s.locked(ctx, SweepJobsPurge, func(ctx context.Context, res *SweepResult) error {
		jobs, err := s.Jobs.Purge(ctx)
		if err != nil {
			return fmt.Errorf("purge jobs: %w", err)
		}
		records, err := repo.PurgeExpiredIdempotency(ctx, s.DB, s.Now())
		if err != nil {
			return fmt.Errorf("purge idempotency records: %w", err)
		}
		res.ItemsProcessed = jobs + records
		return nil
	})
}
