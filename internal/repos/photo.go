package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/types"
)

type PhotoRepo interface {
	GetByListing(ctx context.Context, tx *gorm.DB, listingID uuid.UUID) ([]*types.Photo, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Photo, error)
	GetByListingOrder(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, order int) (*types.Photo, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	UpsertByOrder(ctx context.Context, tx *gorm.DB, photo *types.Photo) (*types.Photo, error)
}

type photoRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPhotoRepo(db *gorm.DB, baseLog *logger.Logger) PhotoRepo {
	return &photoRepo{
		db:  db,
		log: baseLog.With("repo", "PhotoRepo"),
	}
}

func (r *photoRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// GetByListing returns the listing's photos in ascending order; the result is
// the clip sequence the pipeline renders from.
func (r *photoRepo) GetByListing(ctx context.Context, tx *gorm.DB, listingID uuid.UUID) ([]*types.Photo, error) {
	var out []*types.Photo
	if listingID == uuid.Nil {
		return out, nil
	}
	if err := r.handle(tx).WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("photo_order ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *photoRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Photo, error) {
	var out []*types.Photo
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.handle(tx).WithContext(ctx).
		Where("id IN ?", ids).
		Order("photo_order ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *photoRepo) GetByListingOrder(ctx context.Context, tx *gorm.DB, listingID uuid.UUID, order int) (*types.Photo, error) {
	if listingID == uuid.Nil || order < 0 {
		return nil, nil
	}
	var photo types.Photo
	err := r.handle(tx).WithContext(ctx).
		Where("listing_id = ? AND photo_order = ?", listingID, order).
		Limit(1).
		Find(&photo).Error
	if err != nil {
		return nil, err
	}
	if photo.ID == uuid.Nil {
		return nil, nil
	}
	return &photo, nil
}

func (r *photoRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.handle(tx).WithContext(ctx).
		Model(&types.Photo{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// UpsertByOrder inserts the photo or, on (listing_id, photo_order) conflict,
// refreshes the original file path. Generated artifact columns are left alone
// so regeneration keeps prior clip URLs until overwritten deliberately.
func (r *photoRepo) UpsertByOrder(ctx context.Context, tx *gorm.DB, photo *types.Photo) (*types.Photo, error) {
	if photo == nil || photo.ListingID == uuid.Nil {
		return nil, nil
	}
	err := r.handle(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "listing_id"}, {Name: "photo_order"}},
			DoUpdates: clause.AssignmentColumns([]string{"file_path", "updated_at"}),
		}).
		Create(photo).Error
	if err != nil {
		return nil, err
	}
	return r.GetByListingOrder(ctx, tx, photo.ListingID, photo.Order)
}
