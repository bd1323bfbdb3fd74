// Package domain defines the persistence models for weeks, materials,
// generation configs, generated content, and processing jobs. These types
// are mapped with GORM and form the core data layer of the generation
// pipeline.
package domain

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// ProcessingStatus is the persisted state of one processing phase.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
	// StatusPartial is only used by generation configs: some features
	// completed and some failed.
	StatusPartial ProcessingStatus = "partial"
)

// Week groups the materials of one course week. GenerationStatus is the
// phase-2 state for the whole week; it is empty until the first dispatch.
//
// Fields:
//   - ID: UUID primary key supplied by the client (char(36)).
//   - CourseID / UserID: owner tuple; indexed.
//   - GenerationStatus: "", processing, completed, failed.
//   - LastError: short reason of the most recent generation failure.
type Week struct {
	ID               string           `json:"id"                gorm:"type:char(36);primaryKey"`
	CourseID         string           `json:"course_id"         gorm:"type:varchar(64);not null;index"`
	UserID           string           `json:"user_id"           gorm:"type:varchar(64);not null;index"`
	Title            string           `json:"title"             gorm:"type:varchar(255);not null;default:''"`
	GenerationStatus ProcessingStatus `json:"generation_status" gorm:"type:varchar(16);not null;default:''"`
	LastError        string           `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// TableName returns the database table name for Week.
func (Week) TableName() string { return "weeks" }

// Material is one uploaded course document. The file lives in external
// storage; Content holds the extracted text used by embedding and
// generation.
type Material struct {
	ID              string           `json:"id"               gorm:"type:char(36);primaryKey"`
	WeekID          string           `json:"week_id"          gorm:"type:char(36);not null;index:idx_week_materials,priority:1"`
	CourseID        string           `json:"course_id"        gorm:"type:varchar(64);not null"`
	UserID          string           `json:"user_id"          gorm:"type:varchar(64);not null;index"`
	FileName        string           `json:"file_name"        gorm:"type:varchar(255);not null"`
	FileType        string           `json:"file_type"        gorm:"type:varchar(16);not null"`
	SizeBytes       int64            `json:"size_bytes"`
	StoragePath     string           `json:"storage_path,omitempty" gorm:"type:varchar(1024)"`
	Content         string           `json:"-"                gorm:"type:text"`
	UploadStatus    ProcessingStatus `json:"upload_status"    gorm:"type:varchar(16);not null;default:'pending'"`
	EmbeddingStatus ProcessingStatus `json:"embedding_status" gorm:"type:varchar(16);not null;default:'pending'"`
	ChunkCount      int              `json:"chunk_count"`
	ErrorMessage    string           `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt       time.Time        `json:"created_at"       gorm:"index:idx_week_materials,priority:2"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// TableName returns the database table name for Material.
func (Material) TableName() string { return "materials" }

// FeatureFailure is a failure marker appended to a generation config.
type FeatureFailure struct {
	Feature ContentType `json:"feature"`
	Reason  string      `json:"reason"`
	At      time.Time   `json:"at"`
}

// GenerationConfig is the persisted selective config of one upload or
// generation request. The selection never changes after dispatch; only the
// status and the feature markers do. Version guards marker appends against
// lost updates from sibling tasks.
type GenerationConfig struct {
	ID                string           `json:"id"                 gorm:"type:char(36);primaryKey"`
	MaterialID        string           `json:"material_id,omitempty" gorm:"type:char(36);index"`
	WeekID            string           `json:"week_id"            gorm:"type:char(36);not null;index"`
	CourseID          string           `json:"course_id"          gorm:"type:varchar(64);not null"`
	UserID            string           `json:"user_id"            gorm:"type:varchar(64);not null;index"`
	SelectedFeatures  datatypes.JSON   `json:"selected_features"`
	FeatureConfigs    datatypes.JSON   `json:"feature_configs"`
	Status            ProcessingStatus `json:"status"             gorm:"type:varchar(16);not null;default:'pending'"`
	FailedFeatures    datatypes.JSON   `json:"failed_features,omitempty"`
	CompletedFeatures datatypes.JSON   `json:"completed_features,omitempty"`
	LastError         string           `json:"last_error,omitempty" gorm:"type:text"`
	Version           int              `json:"-"                  gorm:"not null;default:0"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// TableName returns the database table name for GenerationConfig.
func (GenerationConfig) TableName() string { return "generation_configs" }

// Selection decodes the stored selective config.
func (g *GenerationConfig) Selection() (SelectiveConfig, error) {
	sel := SelectiveConfig{
		SelectedFeatures: map[ContentType]bool{},
		FeatureConfigs:   map[ContentType]FeatureConfig{},
	}
	if len(g.SelectedFeatures) > 0 {
		if err := json.Unmarshal(g.SelectedFeatures, &sel.SelectedFeatures); err != nil {
			return sel, err
		}
	}
	if len(g.FeatureConfigs) > 0 {
		if err := json.Unmarshal(g.FeatureConfigs, &sel.FeatureConfigs); err != nil {
			return sel, err
		}
	}
	return sel, nil
}

// Failures decodes the accumulated failure markers.
func (g *GenerationConfig) Failures() ([]FeatureFailure, error) {
	var out []FeatureFailure
	if len(g.FailedFeatures) == 0 || string(g.FailedFeatures) == "null" {
		return out, nil
	}
	err := json.Unmarshal(g.FailedFeatures, &out)
	return out, err
}

// Completions decodes the features that finished successfully.
func (g *GenerationConfig) Completions() ([]ContentType, error) {
	var out []ContentType
	if len(g.CompletedFeatures) == 0 || string(g.CompletedFeatures) == "null" {
		return out, nil
	}
	err := json.Unmarshal(g.CompletedFeatures, &out)
	return out, err
}

// WeekFeatureCount aggregates generated counts per (week, content type).
type WeekFeatureCount struct {
	ID          string      `json:"-"            gorm:"type:char(36);primaryKey"`
	WeekID      string      `json:"week_id"      gorm:"type:char(36);not null;uniqueIndex:ux_week_feature,priority:1"`
	ContentType ContentType `json:"content_type" gorm:"type:varchar(32);not null;uniqueIndex:ux_week_feature,priority:2"`
	Count       int         `json:"count"        gorm:"not null;default:0"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TableName returns the database table name for WeekFeatureCount.
func (WeekFeatureCount) TableName() string { return "week_feature_counts" }

// GeneratedItem is one generated artifact (a summary, a cuecard, an MCQ…).
// Body is the content-type specific JSON payload.
type GeneratedItem struct {
	ID          string         `json:"id"           gorm:"type:char(36);primaryKey"`
	WeekID      string         `json:"week_id"      gorm:"type:char(36);not null;index:idx_week_items,priority:1"`
	ContentType ContentType    `json:"content_type" gorm:"type:varchar(32);not null;index:idx_week_items,priority:2"`
	RunID       string         `json:"run_id"       gorm:"type:varchar(128);not null"`
	Position    int            `json:"position"     gorm:"not null;index:idx_week_items,priority:3"`
	Body        datatypes.JSON `json:"body"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableName returns the database table name for GeneratedItem.
func (GeneratedItem) TableName() string { return "generated_items" }

// JobKind distinguishes phase-1 runs from phase-2 orchestrating runs.
type JobKind string

const (
	JobMaterial   JobKind = "material"
	JobGeneration JobKind = "generation"
)

// ProcessingJob correlates a dispatched run with the week it belongs to.
// Jobs older than the configured max age are ignored and purged.
type ProcessingJob struct {
	ID           string         `json:"id"            gorm:"type:char(36);primaryKey"`
	UserID       string         `json:"user_id"       gorm:"type:varchar(64);not null;index"`
	Kind         JobKind        `json:"kind"          gorm:"type:varchar(16);not null;index:idx_week_jobs,priority:2"`
	RunID        string         `json:"run_id"        gorm:"type:varchar(128);not null;uniqueIndex"`
	AccessToken  string         `json:"access_token"  gorm:"type:text;not null"`
	WeekID       string         `json:"week_id"       gorm:"type:char(36);not null;index:idx_week_jobs,priority:1"`
	CourseID     string         `json:"course_id"     gorm:"type:varchar(64);not null"`
	MaterialIDs  datatypes.JSON `json:"material_ids"`
	ConfigID     string         `json:"config_id,omitempty" gorm:"type:char(36)"`
	ContentTypes datatypes.JSON `json:"content_types,omitempty"`
	CreatedAt    time.Time      `json:"created_at"    gorm:"index:idx_week_jobs,priority:3;index"`
}

// TableName returns the database table name for ProcessingJob.
func (ProcessingJob) TableName() string { return "processing_jobs" }

// Materials decodes the correlated material ids.
func (j *ProcessingJob) Materials() []string {
	var out []string
	if len(j.MaterialIDs) > 0 {
		_ = json.Unmarshal(j.MaterialIDs, &out)
	}
	return out
}

// Types decodes the dispatched content types.
func (j *ProcessingJob) Types() []ContentType {
	var out []ContentType
	if len(j.ContentTypes) > 0 {
		_ = json.Unmarshal(j.ContentTypes, &out)
	}
	return out
}
