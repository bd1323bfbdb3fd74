package domain

import "time"

// QuotaType names one metered counter of a usage cycle.
type QuotaType string

const (
	QuotaAIGenerations     QuotaType = "ai_generations"
	QuotaAITokens          QuotaType = "ai_tokens"
	QuotaMaterialsUploaded QuotaType = "materials_uploaded"
)

// Column returns the usage_cycles column backing q, or "" when unknown.
func (q QuotaType) Column() string {
	switch q {
	case QuotaAIGenerations:
		return "ai_generations_count"
	case QuotaAITokens:
		return "ai_tokens_consumed"
	case QuotaMaterialsUploaded:
		return "materials_uploaded_count"
	}
	return ""
}

// UsageCycle holds the per-user counters of the current billing cycle.
// Counters never decrease within a cycle; a reset zeroes all of them and
// moves CycleStart forward in one statement.
type UsageCycle struct {
	UserID                 string    `json:"user_id"                  gorm:"type:varchar(64);primaryKey"`
	CycleStart             time.Time `json:"cycle_start"              gorm:"not null"`
	AIGenerationsCount     int64     `json:"ai_generations_count"     gorm:"not null;default:0"`
	AITokensConsumed       int64     `json:"ai_tokens_consumed"       gorm:"not null;default:0"`
	MaterialsUploadedCount int64     `json:"materials_uploaded_count" gorm:"not null;default:0"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// TableName returns the database table name for UsageCycle.
func (UsageCycle) TableName() string { return "usage_cycles" }

// Usage returns the counter for q.
func (u *UsageCycle) Usage(q QuotaType) int64 {
	switch q {
	case QuotaAIGenerations:
		return u.AIGenerationsCount
	case QuotaAITokens:
		return u.AITokensConsumed
	case QuotaMaterialsUploaded:
		return u.MaterialsUploadedCount
	}
	return 0
}

// PlanStatus is the subscription state reported by the payment provider.
type PlanStatus string

const (
	PlanActive   PlanStatus = "active"
	PlanPastDue  PlanStatus = "past_due"
	PlanCanceled PlanStatus = "canceled"
)

// UserPlan is the user's subscription as last reported by payment webhooks.
type UserPlan struct {
	UserID             string     `json:"user_id"              gorm:"type:varchar(64);primaryKey"`
	PlanID             string     `json:"plan_id"              gorm:"type:varchar(64);not null"`
	Status             PlanStatus `json:"status"               gorm:"type:varchar(16);not null;index:idx_plan_period,priority:1"`
	CurrentPeriodStart time.Time  `json:"current_period_start" gorm:"not null"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"   gorm:"not null;index:idx_plan_period,priority:2"`
	ExternalCustomerID string     `json:"external_customer_id,omitempty" gorm:"type:varchar(128)"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName returns the database table name for UserPlan.
func (UserPlan) TableName() string { return "user_plans" }

// Billable reports whether the plan's period governs the usage cycle.
func (p *UserPlan) Billable() bool {
	return p != nil && (p.Status == PlanActive || p.Status == PlanPastDue)
}
