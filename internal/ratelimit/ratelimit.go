// Package ratelimit implements the sliding-window rate guard that gates
// expensive actions (uploads, generations) per identity.
//
// The guard fails open: when the backing store cannot be reached the action
// is allowed, a warning is logged, and a fail-open metric is incremented.
// Quota enforcement lives elsewhere and fails closed.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/studyloopai/studyloop-backend/internal/observability"
)

// Actions guarded by the limiter.
const (
	ActionUpload   = "upload"
	ActionGenerate = "generate"
)

// Result is the outcome of one limiter check.
type Result struct {
	IsAllowed         bool
	RemainingAttempts int
	ResetTime         time.Time
	Limit             int
}

// Window is what a Store reports after recording an attempt.
type Window struct {
	// Count is the number of admitted attempts inside the window, including
	// this one when it was admitted.
	Count int
	// Allowed reports whether the attempt was admitted.
	Allowed bool
	// Oldest is the timestamp of the oldest admitted attempt in the window.
	Oldest time.Time
}

// Store records attempts in a sliding window. Rejected attempts must not
// occupy a slot.
type Store interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error)
}

// Guard checks sliding-window limits against a Store.
type Guard struct {
	store Store
	now   func() time.Time
}

// NewGuard returns a Guard backed by store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store, now: time.Now}
}

// Key builds the store key for (action, identifier).
func Key(action, identifier string) string {
	return "ratelimit:" + action + ":" + identifier
}

// CheckRateLimit records one attempt of action by identifier and reports
// whether it fits within limit attempts per window. It never returns an
// error; store failures allow the action.
func (g *Guard) CheckRateLimit(ctx context.Context, identifier, action string, limit int, window time.Duration) Result {
	now := g.now()
	if limit <= 0 || window <= 0 {
		return Result{IsAllowed: true, RemainingAttempts: 0, ResetTime: now, Limit: limit}
	}

	w, err := g.store.Hit(ctx, Key(action, identifier), limit, window, now)
	if err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("action", action).
			Str("identifier", identifier).
			Msg("rate limiter unavailable, allowing request")
		observability.RecordRateLimitFailOpen(action)
		return Result{IsAllowed: true, RemainingAttempts: limit, ResetTime: now.Add(window), Limit: limit}
	}

	res := Result{IsAllowed: w.Allowed, Limit: limit, ResetTime: now.Add(window)}
	if !w.Oldest.IsZero() {
		res.ResetTime = w.Oldest.Add(window)
	}
	if w.Allowed {
		res.RemainingAttempts = max(0, limit-w.Count)
	}
	observability.RecordRateLimit(action, w.Allowed)
	return res
}
