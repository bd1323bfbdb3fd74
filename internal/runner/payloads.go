package runner

import (
	"time"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

// ProcessMaterialInput is the payload of the phase-1 task. A non-empty
// ConfigID asks the task to dispatch generation once embedding succeeds.
type ProcessMaterialInput struct {
	RunID      string `json:"run_id"`
	MaterialID string `json:"material_id"`
	WeekID     string `json:"week_id"`
	CourseID   string `json:"course_id"`
	UserID     string `json:"user_id"`
	ConfigID   string `json:"config_id,omitempty"`
}

// GenerateWeekInput is the payload of the orchestrating phase-2 task.
type GenerateWeekInput struct {
	RunID       string             `json:"run_id"`
	WeekID      string             `json:"week_id"`
	CourseID    string             `json:"course_id"`
	UserID      string             `json:"user_id"`
	ConfigID    string             `json:"config_id"`
	MaterialIDs []string           `json:"material_ids"`
	Tasks       []ContentTaskInput `json:"tasks"`
}

// ContentTaskInput is the payload of one content-type child task.
type ContentTaskInput struct {
	RunID       string             `json:"run_id"`
	ParentRunID string             `json:"parent_run_id"`
	TaskID      string             `json:"task_id"`
	ContentType domain.ContentType `json:"content_type"`
	WeekID      string             `json:"week_id"`
	CourseID    string             `json:"course_id"`
	UserID      string             `json:"user_id"`
	ConfigID    string             `json:"config_id"`
	MaterialIDs []string           `json:"material_ids"`
	MaxDuration time.Duration      `json:"max_duration"`
	Tags        []string           `json:"tags"`
}

// ContentTaskResult is what a content task reports back.
type ContentTaskResult struct {
	Success        bool   `json:"success"`
	GeneratedCount int    `json:"generated_count"`
	Error          string `json:"error,omitempty"`
}

// GenerateWeekResult summarizes one orchestrated run.
type GenerateWeekResult struct {
	Completed []domain.ContentType `json:"completed"`
	Failed    []domain.ContentType `json:"failed"`
}
