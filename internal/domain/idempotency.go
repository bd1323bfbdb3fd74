// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository, service, and worker layers.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// OperationType classifies what kind of side effect an idempotency key guards.
type OperationType string

const (
	OperationWebhook    OperationType = "webhook"
	OperationPayment    OperationType = "payment"
	OperationUpload     OperationType = "upload"
	OperationGeneration OperationType = "generation"
)

// Valid reports whether o is a known operation type.
func (o OperationType) Valid() bool {
	switch o {
	case OperationWebhook, OperationPayment, OperationUpload, OperationGeneration:
		return true
	}
	return false
}

// IdempotencyStatus is the lifecycle state of an IdempotencyRecord.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is one attempt ledger entry keyed by a caller-supplied
// deduplication token (for example "webhook:<eventType>:<eventId>").
//
// At most one row exists per Key; the unique index is what serializes
// concurrent first attempts. A record past ExpiresAt may be superseded.
type IdempotencyRecord struct {
	ID            string            `json:"id"             gorm:"type:char(36);primaryKey"`
	Key           string            `json:"key"            gorm:"type:varchar(255);not null;uniqueIndex:ux_idempotency_key"`
	OperationType OperationType     `json:"operation_type" gorm:"type:varchar(32);not null;index:idx_idem_retry,priority:1"`
	Status        IdempotencyStatus `json:"status"         gorm:"type:varchar(16);not null;index:idx_idem_retry,priority:2"`
	ResourceID    string            `json:"resource_id"    gorm:"type:varchar(128)"`
	UserID        string            `json:"user_id"        gorm:"type:varchar(64);index"`
	ResultData    datatypes.JSON    `json:"result_data,omitempty"`
	Metadata      datatypes.JSON    `json:"metadata,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty" gorm:"type:text"`
	RetryCount    int               `json:"retry_count"    gorm:"not null;default:0"`
	MaxRetries    int               `json:"max_retries"    gorm:"not null"`
	ExpiresAt     time.Time         `json:"expires_at"     gorm:"not null;index"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	LastRetryAt   *time.Time        `json:"last_retry_at,omitempty" gorm:"index:idx_idem_retry,priority:3"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyRecord) TableName() string { return "idempotency_records" }

// Expired reports whether the record may be superseded at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
