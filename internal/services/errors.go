// Package services defines the business logic of the generation pipeline:
// idempotent intake, selective generation configs, dispatch to the task
// runner, status aggregation, quotas, payment webhooks, and scheduled sweeps.
// This file centralizes service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/runner"
)

var (
	// ErrWeekNotFound indicates the week does not exist or belongs to
	// another user.
	ErrWeekNotFound = errors.New("week not found")

	// ErrMaterialNotFound indicates the material does not exist or belongs
	// to another user.
	ErrMaterialNotFound = errors.New("material not found")

	// ErrConfigNotFound indicates the generation config does not exist or
	// does not belong to the week and user of the request.
	ErrConfigNotFound = errors.New("generation config not found")

	// ErrGenerationInProgress is returned when a week already has a
	// generation running.
	ErrGenerationInProgress = errors.New("generation already in progress for this week")

	// ErrNoReadyMaterials is returned when none of the requested materials
	// finished uploading.
	ErrNoReadyMaterials = errors.New("no materials ready for generation")

	// ErrRunnerUnavailable is returned when work could not be handed to the
	// task runner. Nothing is left in progress when it is returned.
	ErrRunnerUnavailable = runner.ErrUnavailable

	// ErrInvalidSignature is returned for webhook payloads whose signature
	// does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrUnauthorizedRun is returned when a run access token is missing,
	// invalid, or scoped to another run.
	ErrUnauthorizedRun = errors.New("not authorized for this run")

	// ErrRequestInProgress is returned when an idempotent request with the
	// same key is still being processed.
	ErrRequestInProgress = errors.New("request with this idempotency key is in progress")

	// ErrRequestFailed is returned when an idempotent request with the same
	// key already failed. The client must retry with a new key.
	ErrRequestFailed = errors.New("request with this idempotency key failed")

	// ErrMaterialNotRetryable is returned when a retry targets a material
	// that has not failed.
	ErrMaterialNotRetryable = errors.New("material has not failed")

	// ErrUnsupportedFileType is returned for uploads of unknown formats.
	ErrUnsupportedFileType = errors.New("unsupported file type")
)

// ValidationError reports invalid input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// FeaturesNotEnabledError names every requested content type that the
// generation config does not enable.
type FeaturesNotEnabledError struct {
	Types []domain.ContentType
}

func (e *FeaturesNotEnabledError) Error() string {
	names := make([]string, len(e.Types))
	for i, t := range e.Types {
		names[i] = string(t)
	}
	return "features not enabled in config: " + strings.Join(names, ", ")
}

// QuotaDetails describes a user's standing against one quota.
type QuotaDetails struct {
	QuotaType    domain.QuotaType `json:"quota_type"`
	PlanID       string           `json:"plan_id"`
	CurrentUsage int64            `json:"current_usage"`
	QuotaLimit   int64            `json:"quota_limit"` // -1 is unlimited
	Remaining    int64            `json:"remaining"`   // -1 is unlimited
	ResetAt      string           `json:"reset_at"`
}

// QuotaExceededError is returned when a consumption would exceed the plan
// limit.
type QuotaExceededError struct {
	Details QuotaDetails
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded (%d/%d)", e.Details.QuotaType, e.Details.CurrentUsage, e.Details.QuotaLimit)
}

// RateLimitedError is returned when the sliding-window guard rejects an
// action.
type RateLimitedError struct {
	Action    string
	Limit     int
	Remaining int
	ResetUnix int64
}

func (e *RateLimitedError) Error() string {
	return "rate limit exceeded for " + e.Action
}
