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

type AssetRepo interface {
	GetByCacheKey(ctx context.Context, tx *gorm.DB, cacheKey string) (*types.ProcessedAsset, error)
	Upsert(ctx context.Context, tx *gorm.DB, asset *types.ProcessedAsset) error
	Touch(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time) error
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	DeleteExpired(ctx context.Context, tx *gorm.DB, now time.Time, normalTTL, frequentTTL time.Duration, frequentThreshold int, frequentWindow time.Duration) (int64, error)
}

type assetRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAssetRepo(db *gorm.DB, baseLog *logger.Logger) AssetRepo {
	return &assetRepo{
		db:  db,
		log: baseLog.With("repo", "AssetRepo"),
	}
}

func (r *assetRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *assetRepo) GetByCacheKey(ctx context.Context, tx *gorm.DB, cacheKey string) (*types.ProcessedAsset, error) {
	if cacheKey == "" {
		return nil, nil
	}
	var asset types.ProcessedAsset
	err := r.handle(tx).WithContext(ctx).
		Where("cache_key = ?", cacheKey).
		Limit(1).
		Find(&asset).Error
	if err != nil {
		return nil, err
	}
	if asset.ID == uuid.Nil {
		return nil, nil
	}
	return &asset, nil
}

// Upsert writes the entry, resetting timestamp and access accounting on
// conflict. Put is idempotent by cache_key.
func (r *assetRepo) Upsert(ctx context.Context, tx *gorm.DB, asset *types.ProcessedAsset) error {
	if asset == nil || asset.CacheKey == "" {
		return nil
	}
	return r.handle(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "cache_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"type", "path", "hash", "timestamp", "last_accessed", "access_count", "metadata", "updated_at",
			}),
		}).
		Create(asset).Error
}

func (r *assetRepo) Touch(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time) error {
	if id == uuid.Nil {
		return nil
	}
	return r.handle(tx).WithContext(ctx).
		Model(&types.ProcessedAsset{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_accessed": at,
			"access_count":  gorm.Expr("access_count + 1"),
			"updated_at":    at,
		}).Error
}

func (r *assetRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return r.handle(tx).WithContext(ctx).
		Where("id = ?", id).
		Delete(&types.ProcessedAsset{}).Error
}

// DeleteExpired removes rows past their tier TTL. A row is frequent-tier when
// it has at least frequentThreshold reads within the frequent window.
func (r *assetRepo) DeleteExpired(ctx context.Context, tx *gorm.DB, now time.Time, normalTTL, frequentTTL time.Duration, frequentThreshold int, frequentWindow time.Duration) (int64, error) {
	windowStart := now.Add(-frequentWindow)
	frequentCutoff := now.Add(-frequentTTL)
	normalCutoff := now.Add(-normalTTL)
	res := r.handle(tx).WithContext(ctx).
		Where(`
			(access_count >= ? AND last_accessed >= ? AND timestamp < ?)
			OR ((access_count < ? OR last_accessed < ?) AND timestamp < ?)
		`, frequentThreshold, windowStart, frequentCutoff, frequentThreshold, windowStart, normalCutoff).
		Delete(&types.ProcessedAsset{})
	return res.RowsAffected, res.Error
}
