package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/propertyreel/backend/internal/blobstore"
	"github.com/propertyreel/backend/internal/clients/runway"
	"github.com/propertyreel/backend/internal/config"
	"github.com/propertyreel/backend/internal/joberr"
	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/repos"
	"github.com/propertyreel/backend/internal/types"
)

// MotionRequest is one photo to animate.
type MotionRequest struct {
	JobID     uuid.UUID
	ListingID uuid.UUID
	Photo     *types.Photo
	// ProcessedURL is the normalized 9:16 WebP the model consumes.
	ProcessedURL string
	// Force bypasses the cache lookup so the model is re-invoked even when a
	// clip for this processed image is already cached. The fresh result still
	// replaces the cache entry.
	Force bool
}

// MotionClipProvider turns a normalized photo into a short motion clip via the
// external image-to-video model, caches the result by content fingerprint,
// and persists the clip URL on the photo row.
type MotionClipProvider struct {
	log    *logger.Logger
	client runway.Client
	blobs  blobstore.BlobStore
	cache  *AssetCache
	photos repos.PhotoRepo
	cfg    config.Config

	httpClient *http.Client
}

func NewMotionClipProvider(client runway.Client, blobs blobstore.BlobStore, cache *AssetCache, photos repos.PhotoRepo, cfg config.Config, log *logger.Logger) *MotionClipProvider {
	return &MotionClipProvider{
		log:        log.With("service", "MotionClipProvider"),
		client:     client,
		blobs:      blobs,
		cache:      cache,
		photos:     photos,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Generate produces (or reuses) the motion clip for req's photo and persists
// its blob URL on the photo row. Returns the blob URL.
func (p *MotionClipProvider) Generate(ctx context.Context, req MotionRequest, tracker *ResourceTracker) (string, error) {
	cacheKey, err := p.cache.CacheKey(CacheKeyInput{
		Type:       types.AssetTypeRunway,
		InputFiles: []string{req.ProcessedURL},
		Metadata: map[string]string{
			"prompt":   p.cfg.MotionPromptText,
			"duration": fmt.Sprintf("%d", p.cfg.MotionDurationSeconds),
			"ratio":    p.cfg.MotionRatio,
		},
	})
	if err != nil {
		return "", err
	}

	if req.Force {
		p.log.Info("Bypassing motion cache",
			"photo_order", req.Photo.Order, "cache_key", cacheKey)
	} else if cached, err := p.cache.Get(ctx, cacheKey); err != nil {
		p.log.Warn("Motion cache lookup failed", "cache_key", cacheKey, "error", err)
	} else if cached != nil {
		p.log.Info("Motion clip served from cache",
			"photo_order", req.Photo.Order, "cache_key", cacheKey)
		if err := p.persist(ctx, req.Photo, cached.Path); err != nil {
			return "", err
		}
		return cached.Path, nil
	}

	taskID, err := p.client.CreateTask(ctx, req.ProcessedURL, p.cfg.MotionPromptText, p.cfg.MotionDurationSeconds, p.cfg.MotionRatio)
	if err != nil {
		return "", joberr.E(joberr.KindMotionFailed, "motion.create", err)
	}

	outputURL, err := p.poll(ctx, taskID, req.Photo.Order)
	if err != nil {
		return "", err
	}

	localPath := filepath.Join(os.TempDir(), fmt.Sprintf("motion_%s_%d.mp4", req.JobID, req.Photo.Order))
	tracker.Track(localPath)
	if err := p.fetch(ctx, outputURL, localPath); err != nil {
		return "", joberr.E(joberr.KindMotionFailed, "motion.fetch", err)
	}

	key := fmt.Sprintf("properties/%s/videos/runway/%s/%d.mp4", req.ListingID, req.JobID, req.Photo.Order)
	blobURL, err := p.blobs.UploadFile(ctx, localPath, key, "video/mp4")
	if err != nil {
		return "", joberr.E(joberr.KindUploadFailed, "motion.upload", err)
	}
	tracker.UpdateState(localPath, ResourceStateDone)

	if err := p.cache.Put(ctx, types.AssetTypeRunway, cacheKey, blobURL, "", map[string]interface{}{
		"photo_order": req.Photo.Order,
		"task_id":     taskID,
	}); err != nil {
		p.log.Warn("Failed to cache motion clip", "cache_key", cacheKey, "error", err)
	}

	if err := p.persist(ctx, req.Photo, blobURL); err != nil {
		return "", err
	}
	return blobURL, nil
}

// poll waits on the model task at the configured interval until it settles or
// the poll timeout lapses. Cancellation cancels the remote task best-effort.
func (p *MotionClipProvider) poll(ctx context.Context, taskID string, order int) (string, error) {
	deadline := time.Now().Add(p.cfg.MotionPollTimeout)
	ticker := time.NewTicker(p.cfg.MotionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := p.client.CancelTask(cancelCtx, taskID); err != nil {
				p.log.Warn("Failed to cancel motion task", "task_id", taskID, "error", err)
			}
			cancel()
			return "", ctx.Err()
		case <-ticker.C:
			task, err := p.client.GetTask(ctx, taskID)
			if err != nil {
				p.log.Warn("Motion task poll failed", "task_id", taskID, "error", err)
				continue
			}
			switch task.Status {
			case runway.TaskStatusSucceeded:
				if len(task.Output) == 0 || task.Output[0] == "" {
					return "", joberr.Ef(joberr.KindMotionFailed, "motion.poll", "task %s succeeded with no output", taskID)
				}
				return task.Output[0], nil
			case runway.TaskStatusFailed:
				return "", joberr.Ef(joberr.KindMotionFailed, "motion.poll", "task %s failed: %s", taskID, task.Failure)
			default:
				p.log.Debug("Motion task in progress",
					"task_id", taskID, "photo_order", order, "status", task.Status)
			}
			if time.Now().After(deadline) {
				return "", joberr.Ef(joberr.KindTimeout, "motion.poll", "task %s did not settle within %s", taskID, p.cfg.MotionPollTimeout)
			}
		}
	}
}

func (p *MotionClipProvider) fetch(ctx context.Context, url, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch model output: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch model output: status %d", resp.StatusCode)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// persist writes the clip URL onto the photo row and reads it back. A
// read-back mismatch means another writer raced us despite the listing lock;
// that is a hard failure, not something to paper over.
func (p *MotionClipProvider) persist(ctx context.Context, photo *types.Photo, blobURL string) error {
	if err := p.photos.UpdateFields(ctx, nil, photo.ID, map[string]interface{}{
		"runway_video_path": blobURL,
		"status":            types.PhotoStatusCompleted,
		"updated_at":        time.Now(),
	}); err != nil {
		return joberr.E(joberr.KindInternal, "motion.persist", err)
	}
	stored, err := p.photos.GetByListingOrder(ctx, nil, photo.ListingID, photo.Order)
	if err != nil {
		return joberr.E(joberr.KindInternal, "motion.persist", err)
	}
	if stored == nil || stored.RunwayVideoPath != blobURL {
		got := "<missing>"
		if stored != nil {
			got = stored.RunwayVideoPath
		}
		return joberr.Ef(joberr.KindPersistedURLMismatch, "motion.persist",
			"photo order %d: wrote %q, read back %q", photo.Order, blobURL, got)
	}
	photo.RunwayVideoPath = blobURL
	photo.Status = types.PhotoStatusCompleted
	return nil
}
