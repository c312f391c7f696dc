package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	PhotoStatusPending    = "pending"
	PhotoStatusProcessing = "processing"
	PhotoStatusCompleted  = "completed"
	PhotoStatusFailed     = "failed"
)

// Photo is a logical photo in a listing. Order is a dense 0-based index that
// defines the clip sequence; (listing_id, order) is unique.
type Photo struct {
	ID                uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ListingID         uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_photo_listing_order,priority:1" json:"listing_id"`
	Order             int            `gorm:"column:photo_order;not null;uniqueIndex:idx_photo_listing_order,priority:2" json:"order"`
	FilePath          string         `gorm:"column:file_path;not null" json:"file_path"`
	ProcessedFilePath string         `gorm:"column:processed_file_path" json:"processed_file_path"`
	RunwayVideoPath   string         `gorm:"column:runway_video_path" json:"runway_video_path"`
	RunwayDuration    float64        `gorm:"column:runway_duration" json:"runway_duration"`
	Status            string         `gorm:"not null;default:'pending'" json:"status"`
	Error             string         `gorm:"column:error" json:"error,omitempty"`
	Metadata          datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt         time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Photo) TableName() string { return "photo" }
