package types

import (
	"time"

	"github.com/google/uuid"
)

// ListingLock is the persisted half of the per-listing mutex. At most one
// non-expired row may exist per listing; expired rows are reaped before each
// acquisition attempt.
type ListingLock struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ListingID uuid.UUID `gorm:"type:uuid;not null;index" json:"listing_id"`
	JobID     uuid.UUID `gorm:"type:uuid;not null" json:"job_id"`
	ProcessID string    `gorm:"column:process_id;not null" json:"process_id"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null" json:"expires_at"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (ListingLock) TableName() string { return "listing_lock" }
