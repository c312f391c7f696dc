package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	AssetTypeRunway   = "runway"
	AssetTypeMap      = "map"
	AssetTypeWebP     = "webp"
	AssetTypeTemplate = "template"
)

// ProcessedAsset is a content-addressed cache entry mapping a fingerprint to a
// stored blob. Entries read at least CacheFrequentThreshold times within the
// frequent window live 7 days instead of 24 hours.
type ProcessedAsset struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Type         string         `gorm:"column:type;not null;index" json:"type"`
	CacheKey     string         `gorm:"column:cache_key;not null;uniqueIndex" json:"cache_key"`
	Path         string         `gorm:"column:path;not null" json:"path"`
	Hash         string         `gorm:"column:hash" json:"hash"`
	Timestamp    time.Time      `gorm:"column:timestamp;not null" json:"timestamp"`
	LastAccessed time.Time      `gorm:"column:last_accessed;not null" json:"last_accessed"`
	AccessCount  int            `gorm:"column:access_count;not null;default:0" json:"access_count"`
	Metadata     datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt    time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (ProcessedAsset) TableName() string { return "processed_asset" }
