package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/propertyreel/backend/internal/blobstore"
	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/media"
)

// ClipResult is the memoized outcome of validating one clip.
type ClipResult struct {
	OK       bool
	Duration float64
	Reason   string
}

type validationEntry struct {
	result ClipResult
	at     time.Time
}

// ClipValidator verifies that a rendered or generated clip is actually usable:
// the blob exists and is non-empty, it decodes end to end, and its probed
// duration is positive. Results are memoized per (jobID, index) for the
// configured TTL.
type ClipValidator struct {
	log   *logger.Logger
	blobs blobstore.BlobStore
	muxer media.Muxer
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]validationEntry
}

func NewClipValidator(blobs blobstore.BlobStore, muxer media.Muxer, ttl time.Duration, log *logger.Logger) *ClipValidator {
	return &ClipValidator{
		log:   log.With("service", "ClipValidator"),
		blobs: blobs,
		muxer: muxer,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]validationEntry),
	}
}

func memoKey(jobID uuid.UUID, index int) string {
	return fmt.Sprintf("%s:%d", jobID, index)
}

// Validate checks the clip at url. tempDir receives the downloaded copy; the
// caller owns (and tracks) that directory.
func (v *ClipValidator) Validate(ctx context.Context, url string, index int, jobID uuid.UUID, tempDir string) ClipResult {
	return v.validate(ctx, url, index, jobID, tempDir, false)
}

// ValidateMapClip additionally requires a video stream with positive
// dimensions. Map renders have failed in the past by producing audio-only or
// zero-frame files that still probe a duration.
func (v *ClipValidator) ValidateMapClip(ctx context.Context, url string, index int, jobID uuid.UUID, tempDir string) ClipResult {
	return v.validate(ctx, url, index, jobID, tempDir, true)
}

func (v *ClipValidator) validate(ctx context.Context, url string, index int, jobID uuid.UUID, tempDir string, checkStreams bool) ClipResult {
	key := memoKey(jobID, index)
	now := v.now()

	v.mu.Lock()
	if e, ok := v.cache[key]; ok && now.Sub(e.at) < v.ttl {
		v.mu.Unlock()
		return e.result
	}
	v.mu.Unlock()

	result := v.check(ctx, url, index, tempDir, checkStreams)

	v.mu.Lock()
	v.cache[key] = validationEntry{result: result, at: now}
	v.mu.Unlock()

	if !result.OK {
		v.log.Warn("Clip failed validation", "job_id", jobID, "index", index, "reason", result.Reason)
	}
	return result
}

func (v *ClipValidator) check(ctx context.Context, url string, index int, tempDir string, checkStreams bool) ClipResult {
	fail := func(format string, args ...interface{}) ClipResult {
		return ClipResult{OK: false, Reason: fmt.Sprintf(format, args...)}
	}

	key, err := v.blobs.KeyFromURL(url)
	if err != nil {
		return fail("unparseable clip url %q: %v", url, err)
	}
	info, err := v.blobs.Head(ctx, key)
	if err != nil {
		return fail("head %s: %v", key, err)
	}
	if info.Size <= 0 {
		return fail("blob %s is empty", key)
	}

	localPath := filepath.Join(tempDir, fmt.Sprintf("validate_%d.mp4", index))
	if err := v.blobs.Download(ctx, key, localPath); err != nil {
		return fail("download %s: %v", key, err)
	}

	duration, err := v.muxer.GetDuration(ctx, localPath)
	if err != nil {
		return fail("probe duration: %v", err)
	}
	if duration <= 0 {
		return fail("non-positive duration %f", duration)
	}
	if err := v.muxer.ValidateIntegrity(ctx, localPath); err != nil {
		return fail("integrity check: %v", err)
	}
	if checkStreams {
		meta, err := v.muxer.GetMetadata(ctx, localPath)
		if err != nil {
			return fail("probe metadata: %v", err)
		}
		if !meta.HasVideo || meta.Width <= 0 || meta.Height <= 0 {
			return fail("no usable video stream (hasVideo=%t w=%d h=%d)", meta.HasVideo, meta.Width, meta.Height)
		}
	}
	return ClipResult{OK: true, Duration: duration}
}

// Invalidate drops memoized entries for a job, used when its clips are
// regenerated inside the memo TTL.
func (v *ClipValidator) Invalidate(jobID uuid.UUID, indexes ...int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, i := range indexes {
		delete(v.cache, memoKey(jobID, i))
	}
}
