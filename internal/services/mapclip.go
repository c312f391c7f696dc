package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/propertyreel/backend/internal/blobstore"
	"github.com/propertyreel/backend/internal/clients/maprender"
	"github.com/propertyreel/backend/internal/config"
	"github.com/propertyreel/backend/internal/joberr"
	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/types"
	"github.com/propertyreel/backend/internal/utils"
)

// MapClipProvider produces the map fly-in clip for a listing's coordinates,
// served from the asset cache when a prior job already rendered the same
// location. The renderer writes to the temp blob area; the provider moves the
// clip under the listing prefix before handing it out.
type MapClipProvider struct {
	log    *logger.Logger
	client maprender.Client
	blobs  blobstore.BlobStore
	cache  *AssetCache
	cfg    config.Config
}

func NewMapClipProvider(client maprender.Client, blobs blobstore.BlobStore, cache *AssetCache, cfg config.Config, log *logger.Logger) *MapClipProvider {
	return &MapClipProvider{
		log:    log.With("service", "MapClipProvider"),
		client: client,
		blobs:  blobs,
		cache:  cache,
		cfg:    cfg,
	}
}

// GetOrProduce returns the blob URL of the map clip for coords.
func (p *MapClipProvider) GetOrProduce(ctx context.Context, coords types.Coordinates, listingID, jobID uuid.UUID) (string, error) {
	cacheKey, err := p.cache.CacheKey(CacheKeyInput{
		Type:        types.AssetTypeMap,
		Coordinates: &coords,
	})
	if err != nil {
		return "", err
	}

	if cached, err := p.cache.Get(ctx, cacheKey); err != nil {
		p.log.Warn("Map cache lookup failed", "cache_key", cacheKey, "error", err)
	} else if cached != nil {
		p.log.Info("Map clip served from cache", "cache_key", cacheKey)
		return cached.Path, nil
	}

	var blobURL string
	attempt := func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.MapAttemptTimeout)
		defer cancel()

		tempURL, err := p.client.Produce(attemptCtx, coords, jobID)
		if err != nil {
			return err
		}
		url, err := p.promote(attemptCtx, tempURL, listingID, jobID)
		if err != nil {
			return err
		}
		blobURL = url
		return nil
	}
	if err := retryMap(ctx, p.log, p.cfg, attempt); err != nil {
		return "", joberr.E(joberr.KindMapFailed, "map.produce", err)
	}

	if err := p.cache.Put(ctx, types.AssetTypeMap, cacheKey, blobURL, "", map[string]interface{}{
		"lat": coords.Lat,
		"lng": coords.Lng,
	}); err != nil {
		p.log.Warn("Failed to cache map clip", "cache_key", cacheKey, "error", err)
	}
	return blobURL, nil
}

// promote moves the renderer's temp object under the listing prefix.
func (p *MapClipProvider) promote(ctx context.Context, tempURL string, listingID, jobID uuid.UUID) (string, error) {
	tempKey, err := p.blobs.KeyFromURL(tempURL)
	if err != nil {
		return "", fmt.Errorf("unparseable map render url %q: %w", tempURL, err)
	}

	// Keep the renderer's timestamped filename.
	name := tempKey
	if i := strings.LastIndex(tempKey, "/"); i >= 0 {
		name = tempKey[i+1:]
	}
	if name == "" {
		name = fmt.Sprintf("%d.mp4", time.Now().UnixMilli())
	}
	finalKey := fmt.Sprintf("properties/%s/videos/maps/%s/%s", listingID, jobID, name)

	if err := p.blobs.Move(ctx, tempKey, finalKey); err != nil {
		return "", fmt.Errorf("move map clip %s -> %s: %w", tempKey, finalKey, err)
	}
	return p.blobs.URLFromKey(finalKey), nil
}

// retryMap applies the standard backoff envelope with the map retry budget.
func retryMap(ctx context.Context, log *logger.Logger, cfg config.Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxRetries {
			break
		}
		delay := utils.BackoffDelay(attempt, cfg.InitialRetryDelay, cfg.MaxRetryDelay)
		log.Warn("Map render attempt failed, retrying",
			"attempt", attempt, "delay_ms", delay.Milliseconds(), "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
