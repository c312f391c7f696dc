package repos

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/types"
)

// ErrLockHeld is returned by Create when a non-expired lock row already exists
// for the listing.
var ErrLockHeld = fmt.Errorf("listing lock already held")

type ListingLockRepo interface {
	ListActive(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, now time.Time) ([]*types.ListingLock, error)
	Create(ctx context.Context, tx *gorm.DB, lock *types.ListingLock) error
	DeleteExpired(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, now time.Time) (int64, error)
	Delete(ctx context.Context, tx *gorm.DB, listingID, jobID uuid.UUID, processID string) error
}

type listingLockRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewListingLockRepo(db *gorm.DB, baseLog *logger.Logger) ListingLockRepo {
	return &listingLockRepo{
		db:  db,
		log: baseLog.With("repo", "ListingLockRepo"),
	}
}

func (r *listingLockRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *listingLockRepo) ListActive(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, now time.Time) ([]*types.ListingLock, error) {
	var out []*types.ListingLock
	if listingID == uuid.Nil {
		return out, nil
	}
	if err := r.handle(tx).WithContext(ctx).
		Where("listing_id = ? AND expires_at > ?", listingID, now).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Create inserts the lock row inside a transaction that first verifies, under
// a row lock, that no non-expired lock exists for the listing.
func (r *listingLockRepo) Create(ctx context.Context, tx *gorm.DB, lock *types.ListingLock) error {
	if lock == nil || lock.ListingID == uuid.Nil {
		return fmt.Errorf("listing lock requires a listing id")
	}
	return r.handle(tx).WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var count int64
		if err := txx.Model(&types.ListingLock{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("listing_id = ? AND expires_at > ?", lock.ListingID, time.Now()).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrLockHeld
		}
		return txx.Create(lock).Error
	})
}

func (r *listingLockRepo) DeleteExpired(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, now time.Time) (int64, error) {
	q := r.handle(tx).WithContext(ctx).Where("expires_at <= ?", now)
	if listingID != uuid.Nil {
		q = q.Where("listing_id = ?", listingID)
	}
	res := q.Delete(&types.ListingLock{})
	return res.RowsAffected, res.Error
}

func (r *listingLockRepo) Delete(ctx context.Context, tx *gorm.DB, listingID, jobID uuid.UUID, processID string) error {
	if listingID == uuid.Nil {
		return nil
	}
	return r.handle(tx).WithContext(ctx).
		Where("listing_id = ? AND job_id = ? AND process_id = ?", listingID, jobID, processID).
		Delete(&types.ListingLock{}).Error
}
