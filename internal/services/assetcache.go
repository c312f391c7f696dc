package services

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gorm.io/datatypes"

	"github.com/propertyreel/backend/internal/config"
	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/repos"
	"github.com/propertyreel/backend/internal/types"
)

// CacheKeyInput holds the discriminator fields hashed into a cache key. Field
// order is fixed so serialization is stable across processes.
type CacheKeyInput struct {
	Type        string             `json:"type"`
	InputFiles  []string           `json:"inputFiles,omitempty"`
	Template    string             `json:"template,omitempty"`
	Coordinates *types.Coordinates `json:"coordinates,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
}

// AssetCache is the two-tier content cache over processed_asset rows. Entries
// read at least CacheFrequentThreshold times in the frequent window expire
// after CacheTTLFrequent; everything else after CacheTTLNormal.
type AssetCache struct {
	log    *logger.Logger
	assets repos.AssetRepo
	cfg    config.Config
	now    func() time.Time
}

func NewAssetCache(assets repos.AssetRepo, cfg config.Config, log *logger.Logger) *AssetCache {
	return &AssetCache{
		log:    log.With("service", "AssetCache"),
		assets: assets,
		cfg:    cfg,
		now:    time.Now,
	}
}

// CacheKey returns the MD5 of the stable JSON serialization of the
// discriminators. Coordinates are rounded to six decimal places first so
// float noise does not split cache entries.
func (c *AssetCache) CacheKey(in CacheKeyInput) (string, error) {
	if in.Coordinates != nil {
		rounded := types.Coordinates{
			Lat: roundCoord(in.Coordinates.Lat),
			Lng: roundCoord(in.Coordinates.Lng),
		}
		in.Coordinates = &rounded
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("serialize cache key input: %w", err)
	}
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:]), nil
}

func roundCoord(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Get returns the live entry for the key, bumping its access accounting, or
// nil on miss. Entries past their tier TTL are lazily deleted and reported as
// misses.
func (c *AssetCache) Get(ctx context.Context, cacheKey string) (*types.ProcessedAsset, error) {
	asset, err := c.assets.GetByCacheKey(ctx, nil, cacheKey)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, nil
	}

	now := c.now()
	if c.expired(asset, now) {
		c.log.Debug("Evicting expired cache entry", "cache_key", cacheKey, "type", asset.Type)
		if err := c.assets.Delete(ctx, nil, asset.ID); err != nil {
			c.log.Warn("Failed to evict expired cache entry", "cache_key", cacheKey, "error", err)
		}
		return nil, nil
	}

	if err := c.assets.Touch(ctx, nil, asset.ID, now); err != nil {
		c.log.Warn("Failed to touch cache entry", "cache_key", cacheKey, "error", err)
	}
	return asset, nil
}

func (c *AssetCache) expired(asset *types.ProcessedAsset, now time.Time) bool {
	ttl := c.cfg.CacheTTLNormal
	if asset.AccessCount >= c.cfg.CacheFrequentThreshold &&
		now.Sub(asset.LastAccessed) <= c.cfg.CacheFrequentWindow {
		ttl = c.cfg.CacheTTLFrequent
	}
	return now.Sub(asset.Timestamp) > ttl
}

// Put stores (or refreshes) an entry. Idempotent per cache key.
func (c *AssetCache) Put(ctx context.Context, assetType, cacheKey, path, hash string, metadata map[string]interface{}) error {
	now := c.now()
	var meta datatypes.JSON
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("serialize cache metadata: %w", err)
		}
		meta = raw
	}
	return c.assets.Upsert(ctx, nil, &types.ProcessedAsset{
		Type:         assetType,
		CacheKey:     cacheKey,
		Path:         path,
		Hash:         hash,
		Timestamp:    now,
		LastAccessed: now,
		AccessCount:  0,
		Metadata:     meta,
	})
}

// StartSweeper deletes expired rows hourly until ctx is canceled. The lazy
// eviction in Get keeps reads correct; the sweeper just bounds table growth.
func (c *AssetCache) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := c.assets.DeleteExpired(ctx, nil, c.now(),
					c.cfg.CacheTTLNormal, c.cfg.CacheTTLFrequent,
					c.cfg.CacheFrequentThreshold, c.cfg.CacheFrequentWindow)
				if err != nil {
					c.log.Warn("Cache sweep failed", "error", err)
					continue
				}
				if n > 0 {
					c.log.Info("Cache sweep removed expired entries", "count", n)
				}
			}
		}
	}()
}
