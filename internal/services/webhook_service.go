// Package services – WebhookService
//
// This file implements the payment webhook. Deliveries are authenticated
// with an HMAC-SHA256 signature of the raw body and deduplicated through the
// idempotency ledger under "webhook:<type>:<id>". Business effects are kept
// minimal: subscription events move the user's plan and usage cycle, and
// payment failures mark the plan past due.
package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/config"
	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/repo"
)

// Payment event types with business effects.
const (
	EventSubscriptionActivated = "subscription.activated"
	EventSubscriptionRenewed   = "subscription.renewed"
	EventSubscriptionCanceled  = "subscription.canceled"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
)

// Webhook outcomes.
const (
	WebhookProcessed  = "processed"
	WebhookIgnored    = "ignored"
	WebhookProcessing = "processing"
	WebhookFailed     = "failed"
)

// WebhookEvent is the payment provider's event envelope.
type WebhookEvent struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data WebhookData `json:"data"`
}

// WebhookData is the event payload.
type WebhookData struct {
	UserID             string           `json:"user_id"`
	PlanID             string           `json:"plan_id"`
	Status             string           `json:"status"`
	CurrentPeriodStart time.Time        `json:"current_period_start"`
	CurrentPeriodEnd   time.Time        `json:"current_period_end"`
	CustomerID         string           `json:"customer_id"`
	Amount             *decimal.Decimal `json:"amount,omitempty"`
	Currency           string           `json:"currency"`
}

// WebhookResult is returned to the provider and cached in the ledger.
type WebhookResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Status    string `json:"status"`
	UserID    string `json:"user_id,omitempty"`
	PlanID    string `json:"plan_id,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

// webhookMetadata is stored with the ledger record so the retry sweep can
// replay the delivery.
type webhookMetadata struct {
	Payload json.RawMessage `json:"payload"`
}

// WebhookService verifies and applies payment webhooks.
type WebhookService struct {
	DB          *gorm.DB
	Idempotency *IdempotencyService
	Plans       config.PlanCatalog
	Secret      string
	TTL         time.Duration
	MaxRetries  int
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature authenticates body. An unset secret
// rejects every delivery.
func (s *WebhookService) Verify(body []byte, signature string) bool {
	if s.Secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(s.Secret, body))
	return hmac.Equal(got, want)
}

// Handle verifies, deduplicates, and applies one delivery.
func (s *WebhookService) Handle(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	ctx, span := otel.Tracer("services/WebhookService").Start(ctx, "Handle")
	defer span.End()

	if !s.Verify(body, signature) {
		return nil, ErrInvalidSignature
	}
	ev, err := decodeEvent(body)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("webhook.id", ev.ID),
		attribute.String("webhook.type", ev.Type),
	)

	key := WebhookKey(ev.Type, ev.ID)
	ensured, err := s.Idempotency.EnsureKey(ctx, key, EnsureOptions{
		OperationType: domain.OperationWebhook,
		ResourceID:    ev.ID,
		UserID:        ev.Data.UserID,
		MaxRetries:    s.MaxRetries,
		TTL:           s.TTL,
		Metadata:      webhookMetadata{Payload: body},
	})
	if err != nil {
		return nil, err
	}
	if !ensured.IsFirstRun {
		return duplicateResult(ev, ensured), nil
	}
	return s.apply(ctx, key, ev)
}

// WebhookKey is the ledger key of a delivery.
func WebhookKey(eventType, eventID string) string {
	return "webhook:" + eventType + ":" + eventID
}

// Replay re-applies the stored payload of a pending ledger record.
func (s *WebhookService) Replay(ctx context.Context, rec domain.IdempotencyRecord) (*WebhookResult, error) {
	var meta webhookMetadata
	if err := json.Unmarshal(rec.Metadata, &meta); err != nil || len(meta.Payload) == 0 {
		_, _ = s.Idempotency.Fail(ctx, rec.Key, "stored payload unreadable", false)
		return nil, fmt.Errorf("replay %s: no stored payload", rec.Key)
	}
	ev, err := decodeEvent(meta.Payload)
	if err != nil {
		_, _ = s.Idempotency.Fail(ctx, rec.Key, err.Error(), false)
		return nil, err
	}
	return s.apply(ctx, rec.Key, ev)
}

func decodeEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, &ValidationError{Field: "body", Message: "malformed event"}
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, &ValidationError{Field: "body", Message: "id and type are required"}
	}
	return &ev, nil
}

func duplicateResult(ev *WebhookEvent, ensured EnsureResult) *WebhookResult {
	if len(ensured.ExistingResult) > 0 {
		var cached WebhookResult
		if err := json.Unmarshal(ensured.ExistingResult, &cached); err == nil {
			cached.Duplicate = true
			return &cached
		}
	}
	st := WebhookProcessing
	if ensured.Record != nil && ensured.Record.Status == domain.IdempotencyFailed {
		st = WebhookFailed
	}
	return &WebhookResult{EventID: ev.ID, EventType: ev.Type, Status: st, Duplicate: true}
}

// apply runs the business effect and settles the ledger record.
func (s *WebhookService) apply(ctx context.Context, key string, ev *WebhookEvent) (*WebhookResult, error) {
	log := zerolog.Ctx(ctx).With().Str("operation", "webhook").Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()

	res, err := s.process(ctx, ev)
	if err != nil {
		var verr *ValidationError
		retry := !errors.As(err, &verr)
		if _, ferr := s.Idempotency.Fail(ctx, key, err.Error(), retry); ferr != nil {
			log.Error().Err(ferr).Msg("record webhook failure failed")
		}
		log.Error().Err(err).Bool("retry", retry).Msg("webhook processing failed")
		return nil, err
	}
	if _, err := s.Idempotency.Complete(ctx, key, res); err != nil {
		log.Error().Err(err).Msg("complete webhook record failed")
	}
	log.Info().Str("status", res.Status).Msg("webhook applied")
	return res, nil
}

func (s *WebhookService) process(ctx context.Context, ev *WebhookEvent) (*WebhookResult, error) {
	d := ev.Data
	res := &WebhookResult{EventID: ev.ID, EventType: ev.Type, Status: WebhookProcessed, UserID: d.UserID, PlanID: d.PlanID}
	if d.Amount != nil {
		if d.Amount.IsNegative() {
			return nil, &ValidationError{Field: "data.amount", Message: "must not be negative"}
		}
		res.Amount = d.Amount.StringFixed(2)
		res.Currency = strings.ToUpper(d.Currency)
	}

	switch ev.Type {
	case EventSubscriptionActivated, EventSubscriptionRenewed:
		if d.UserID == "" || d.PlanID == "" {
			return nil, &ValidationError{Field: "data", Message: "user_id and plan_id are required"}
		}
		if _, ok := s.Plans.Plans[d.PlanID]; !ok {
			return nil, &ValidationError{Field: "data.plan_id", Message: "unknown plan"}
		}
		if d.CurrentPeriodStart.IsZero() || !d.CurrentPeriodEnd.After(d.CurrentPeriodStart) {
			return nil, &ValidationError{Field: "data.current_period_end", Message: "must be after current_period_start"}
		}
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := repo.UpsertUserPlan(ctx, tx, &domain.UserPlan{
				UserID:             d.UserID,
				PlanID:             d.PlanID,
				Status:             domain.PlanActive,
				CurrentPeriodStart: d.CurrentPeriodStart.UTC(),
				CurrentPeriodEnd:   d.CurrentPeriodEnd.UTC(),
				ExternalCustomerID: d.CustomerID,
				UpdatedAt:          time.Now().UTC(),
			}); err != nil {
				return err
			}
			_, err := repo.StartUsageCycle(ctx, tx, d.UserID, d.CurrentPeriodStart.UTC())
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("apply %s: %w", ev.Type, err)
		}
	case EventSubscriptionCanceled, EventInvoicePaymentFailed:
		if d.UserID == "" {
			return nil, &ValidationError{Field: "data.user_id", Message: "required"}
		}
		st := domain.PlanCanceled
		if ev.Type == EventInvoicePaymentFailed {
			st = domain.PlanPastDue
		}
		ok, err := repo.SetPlanStatus(ctx, s.DB, d.UserID, st)
		if err != nil {
			return nil, fmt.Errorf("apply %s: %w", ev.Type, err)
		}
		if !ok {
			res.Status = WebhookIgnored
		}
	default:
		res.Status = WebhookIgnored
	}
	return res, nil
}
