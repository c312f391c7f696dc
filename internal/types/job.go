package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

const (
	JobTypeProduction        = "production"
	JobTypePhotoRegeneration = "photo_regeneration"
)

// Job is one production request for a listing: N input photos in, one rendered
// video per template out. Mutated only by the pipeline after creation.
type Job struct {
	ID                 uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ListingID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"listing_id"`
	UserID             uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	JobType            string         `gorm:"column:job_type;not null;default:'production'" json:"job_type"`
	TemplateDefault    string         `gorm:"column:template_default" json:"template_default"`
	Status             string         `gorm:"not null;default:'pending';index" json:"status"`
	Progress           int            `gorm:"not null;default:0" json:"progress"`
	Stage              string         `gorm:"column:stage" json:"stage"`
	Message            string         `gorm:"column:message" json:"message"`
	InputFiles         datatypes.JSON `gorm:"column:input_files;type:jsonb" json:"input_files"`
	OutputFile         string         `gorm:"column:output_file" json:"output_file"`
	ProcessedTemplates datatypes.JSON `gorm:"column:processed_templates;type:jsonb" json:"processed_templates"`
	Metadata           datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	Payload            datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Error              string         `gorm:"column:error" json:"error,omitempty"`
	Attempts           int            `gorm:"not null;default:0" json:"attempts"`
	LockedAt           *time.Time     `gorm:"column:locked_at" json:"locked_at,omitempty"`
	HeartbeatAt        *time.Time     `gorm:"column:heartbeat_at" json:"heartbeat_at,omitempty"`
	LastErrorAt        *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	StartedAt          *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt        *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt          time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Job) TableName() string { return "job" }

// JobMetadata is the decoded shape of Job.Metadata. Templates and Coordinates
// are written at enqueue time; ErrorDetails on failure.
type JobMetadata struct {
	Templates    []string               `json:"templates,omitempty"`
	Coordinates  *Coordinates           `json:"coordinates,omitempty"`
	ErrorDetails map[string]interface{} `json:"error_details,omitempty"`
}

func (j *Job) DecodedMetadata() (*JobMetadata, error) {
	if len(j.Metadata) == 0 {
		return nil, nil
	}
	var m JobMetadata
	if err := json.Unmarshal(j.Metadata, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ProcessedTemplate is one entry of Job.ProcessedTemplates.
type ProcessedTemplate struct {
	Key        string `json:"key"`
	OutputPath string `json:"output_path"`
}

// Coordinates locate a listing for the map fly-in clip.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
