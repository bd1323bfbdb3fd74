// Package services – GenerationConfigService
//
// This file implements the store of selective generation configs. A config
// is written once per upload or generation request and afterwards only gains
// per-feature completion and failure markers. Marker appends use an
// optimistic version check so sibling content tasks finishing at the same
// moment never overwrite each other's markers.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/repo"
)

const configUpdateAttempts = 8

// UpdateStatusOptions carries the markers appended by UpdateStatus.
type UpdateStatusOptions struct {
	FailedFeatures    []domain.FeatureFailure
	CompletedFeatures []domain.ContentType
	LastError         string
}

// GenerationConfigService persists and reads selective generation configs.
type GenerationConfigService struct {
	DB       *gorm.DB
	Validate *validator.Validate
	Now      func() time.Time
}

// NewGenerationConfigService constructs a GenerationConfigService.
func NewGenerationConfigService(db *gorm.DB) *GenerationConfigService {
	return &GenerationConfigService{
		DB:       db,
		Validate: validator.New(validator.WithRequiredStructEnabled()),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// ValidateSelection checks that at least one feature is selected and that
// every selected feature carries a valid FeatureConfig.
func (s *GenerationConfigService) ValidateSelection(sel domain.SelectiveConfig) error {
	selected := 0
	for ct, on := range sel.SelectedFeatures {
		if !ct.Valid() {
			return &ValidationError{Field: "selectedFeatures." + string(ct), Message: "unknown content type"}
		}
		if !on {
			continue
		}
		selected++
		fc, ok := sel.FeatureConfigs[ct]
		if !ok {
			return &ValidationError{Field: "featureConfigs." + string(ct), Message: "required when the feature is selected"}
		}
		if err := s.Validate.Struct(fc); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				return &ValidationError{
					Field:   "featureConfigs." + string(ct) + "." + verrs[0].Field(),
					Message: "failed " + verrs[0].Tag() + " rule",
				}
			}
			return &ValidationError{Field: "featureConfigs." + string(ct), Message: err.Error()}
		}
	}
	for ct := range sel.FeatureConfigs {
		if !ct.Valid() {
			return &ValidationError{Field: "featureConfigs." + string(ct), Message: "unknown content type"}
		}
	}
	if selected == 0 {
		return &ValidationError{Field: "selectedFeatures", Message: "at least one feature must be selected"}
	}
	return nil
}

// Persist validates sel and stores it as a new config, returning its id.
func (s *GenerationConfigService) Persist(ctx context.Context, sel domain.SelectiveConfig, weekID, courseID, userID, materialID string) (string, error) {
	ctx, span := otel.Tracer("services/GenerationConfigService").Start(ctx, "Persist",
		trace.WithAttributes(
			attribute.String("week.id", weekID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if err := s.ValidateSelection(sel); err != nil {
		return "", err
	}
	selected, err := json.Marshal(sel.SelectedFeatures)
	if err != nil {
		return "", err
	}
	configs, err := json.Marshal(sel.FeatureConfigs)
	if err != nil {
		return "", err
	}
	now := s.Now()
	cfg := &domain.GenerationConfig{
		ID:                uuid.NewString(),
		MaterialID:        materialID,
		WeekID:            weekID,
		CourseID:          courseID,
		UserID:            userID,
		SelectedFeatures:  selected,
		FeatureConfigs:    configs,
		Status:            domain.StatusPending,
		FailedFeatures:    []byte("[]"),
		CompletedFeatures: []byte("[]"),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := repo.CreateGenerationConfig(ctx, s.DB, cfg); err != nil {
		return "", fmt.Errorf("create generation config: %w", err)
	}
	return cfg.ID, nil
}

// Get returns the config or ErrConfigNotFound.
func (s *GenerationConfigService) Get(ctx context.Context, configID string) (*domain.GenerationConfig, error) {
	cfg, err := repo.GetGenerationConfig(ctx, s.DB, configID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConfigNotFound
	}
	return cfg, err
}

// GetFeatureConfig returns the parameters of feature, or nil when the
// feature is not enabled in the config.
func (s *GenerationConfigService) GetFeatureConfig(ctx context.Context, configID string, feature domain.ContentType) (*domain.FeatureConfig, error) {
	cfg, err := s.Get(ctx, configID)
	if err != nil {
		return nil, err
	}
	sel, err := cfg.Selection()
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", configID, err)
	}
	if !sel.IsEnabled(feature) {
		return nil, nil
	}
	fc := sel.FeatureConfigs[feature]
	return &fc, nil
}

// EnabledFeatures returns the content types selected and configured in cfg,
// in canonical order.
func (s *GenerationConfigService) EnabledFeatures(cfg *domain.GenerationConfig) ([]domain.ContentType, error) {
	sel, err := cfg.Selection()
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", cfg.ID, err)
	}
	return sel.Enabled(), nil
}

// UpdateStatus sets the config status and appends markers. Prior markers are
// kept; a feature appears at most once per marker list, and a failure marker
// for a feature replaces its older failure marker. An empty status leaves
// the status unchanged.
func (s *GenerationConfigService) UpdateStatus(ctx context.Context, configID string, st domain.ProcessingStatus, opts UpdateStatusOptions) error {
	ctx, span := otel.Tracer("services/GenerationConfigService").Start(ctx, "UpdateStatus",
		trace.WithAttributes(
			attribute.String("config.id", configID),
			attribute.String("config.status", string(st)),
		),
	)
	defer span.End()

	for attempt := 0; attempt < configUpdateAttempts; attempt++ {
		cfg, err := s.Get(ctx, configID)
		if err != nil {
			return err
		}
		updates, err := s.mergeMarkers(cfg, st, opts)
		if err != nil {
			return err
		}
		err = repo.UpdateGenerationConfigVersioned(ctx, s.DB, configID, cfg.Version, updates)
		if err == nil {
			return nil
		}
		if errors.Is(err, repo.ErrNotFound) {
			return ErrConfigNotFound
		}
		if !repo.IsStale(err) {
			return fmt.Errorf("update generation config: %w", err)
		}
	}
	return fmt.Errorf("update generation config %s: too much contention", configID)
}

func (s *GenerationConfigService) mergeMarkers(cfg *domain.GenerationConfig, st domain.ProcessingStatus, opts UpdateStatusOptions) (map[string]any, error) {
	failures, err := cfg.Failures()
	if err != nil {
		return nil, fmt.Errorf("decode failed features: %w", err)
	}
	completions, err := cfg.Completions()
	if err != nil {
		return nil, fmt.Errorf("decode completed features: %w", err)
	}

	for _, f := range opts.FailedFeatures {
		if f.At.IsZero() {
			f.At = s.Now()
		}
		i := slices.IndexFunc(failures, func(x domain.FeatureFailure) bool { return x.Feature == f.Feature })
		if i >= 0 {
			failures[i] = f
		} else {
			failures = append(failures, f)
		}
	}
	for _, ct := range opts.CompletedFeatures {
		if !slices.Contains(completions, ct) {
			completions = append(completions, ct)
		}
	}

	failedRaw, err := json.Marshal(failures)
	if err != nil {
		return nil, err
	}
	completedRaw, err := json.Marshal(completions)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{
		"failed_features":    failedRaw,
		"completed_features": completedRaw,
	}
	if st != "" {
		updates["status"] = st
	}
	if opts.LastError != "" {
		updates["last_error"] = opts.LastError
	}
	return updates, nil
}

// Settle derives the terminal status from the accumulated markers once every
// enabled feature has reported: completed, partial, or failed.
func Settle(enabled []domain.ContentType, completed []domain.ContentType, failed []domain.FeatureFailure) (domain.ProcessingStatus, bool) {
	done, bad := 0, 0
	for _, ct := range enabled {
		switch {
		case slices.Contains(completed, ct):
			done++
		case slices.ContainsFunc(failed, func(f domain.FeatureFailure) bool { return f.Feature == ct }):
			bad++
		}
	}
	if done+bad < len(enabled) {
		return domain.StatusProcessing, false
	}
	switch {
	case bad == 0:
		return domain.StatusCompleted, true
	case done == 0:
		return domain.StatusFailed, true
	default:
		return domain.StatusPartial, true
	}
}
