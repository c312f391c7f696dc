package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/propertyreel/backend/internal/blobstore"
	"github.com/propertyreel/backend/internal/config"
	"github.com/propertyreel/backend/internal/joberr"
	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/media"
	"github.com/propertyreel/backend/internal/repos"
	"github.com/propertyreel/backend/internal/services"
	"github.com/propertyreel/backend/internal/templates"
	"github.com/propertyreel/backend/internal/types"
	"github.com/propertyreel/backend/internal/vision"
)

// Input describes one production run.
type Input struct {
	JobID     uuid.UUID
	ListingID uuid.UUID
	UserID    uuid.UUID

	// InputFiles are original photo blob URLs in listing order. Empty for
	// regeneration runs, which reuse the persisted photo rows.
	InputFiles []string

	// Template is the preferred output; Templates is the full requested set.
	// An empty Templates set means "just Template".
	Template  string
	Templates []string

	Coordinates *types.Coordinates

	IsRegeneration     bool
	RegeneratePhotoIDs []uuid.UUID

	SkipMotion         bool
	SkipMotionIfCached bool
	SkipLock           bool
	ForceRegeneration  bool
}

// Result is what a successful run produced.
type Result struct {
	OutputURL          string
	ProcessedTemplates []types.ProcessedTemplate
}

// Reporter receives coarse progress for the owning job. Implementations must
// tolerate being called from multiple goroutines.
type Reporter interface {
	Progress(ctx context.Context, stage string, percent int, message string)
}

type nopReporter struct{}

func (nopReporter) Progress(context.Context, string, int, string) {}

// Pipeline is the production orchestrator: photos in, template videos out.
type Pipeline struct {
	log     *logger.Logger
	cfg     config.Config
	catalog templates.Catalog

	blobs     blobstore.BlobStore
	muxer     media.Muxer
	cropper   vision.Cropper
	motion    *services.MotionClipProvider
	mapclip   *services.MapClipProvider
	validator *services.ClipValidator
	locker    *services.ListingLocker

	jobs   repos.JobRepo
	photos repos.PhotoRepo

	batcher *adaptiveBatcher
}

func New(
	cfg config.Config,
	catalog templates.Catalog,
	blobs blobstore.BlobStore,
	muxer media.Muxer,
	cropper vision.Cropper,
	motion *services.MotionClipProvider,
	mapclip *services.MapClipProvider,
	validator *services.ClipValidator,
	locker *services.ListingLocker,
	jobs repos.JobRepo,
	photos repos.PhotoRepo,
	log *logger.Logger,
) *Pipeline {
	return &Pipeline{
		log:       log.With("service", "Pipeline"),
		cfg:       cfg,
		catalog:   catalog,
		blobs:     blobs,
		muxer:     muxer,
		cropper:   cropper,
		motion:    motion,
		mapclip:   mapclip,
		validator: validator,
		locker:    locker,
		jobs:      jobs,
		photos:    photos,
		batcher:   newAdaptiveBatcher(log, cfg, nil),
	}
}

// Execute runs the full production flow. On success the returned Result holds
// the primary output URL plus every rendered template. On failure the error
// carries a joberr.Kind; the listing lock is released and tracked temp files
// are reaped either way.
func (p *Pipeline) Execute(ctx context.Context, input Input, rep Reporter) (*Result, error) {
	if rep == nil {
		rep = nopReporter{}
	}
	if input.ListingID == uuid.Nil && input.JobID != uuid.Nil {
		listingID, err := p.jobs.ResolveListingID(ctx, nil, input.JobID)
		if err != nil {
			return nil, joberr.E(joberr.KindInternal, "pipeline.resolve", err)
		}
		input.ListingID = listingID
	}
	log := p.log.With("job_id", input.JobID, "listing_id", input.ListingID)

	if err := p.validateInput(input); err != nil {
		return nil, err
	}
	rep.Progress(ctx, "validate", 5, "input accepted")

	tracker := services.NewResourceTracker(log)
	defer tracker.Cleanup(true)

	valDir := filepath.Join(os.TempDir(), fmt.Sprintf("clip_validate_%s", input.JobID))
	if err := os.MkdirAll(valDir, 0o755); err != nil {
		return nil, joberr.E(joberr.KindInternal, "pipeline.tempdir", err)
	}
	tracker.Track(valDir)

	if !input.SkipLock {
		release, err := p.locker.Acquire(ctx, input.ListingID, input.JobID)
		if err != nil {
			if err == services.ErrLocked {
				return nil, joberr.E(joberr.KindLocked, "pipeline.lock", err)
			}
			return nil, joberr.E(joberr.KindInternal, "pipeline.lock", err)
		}
		defer release()
	}
	rep.Progress(ctx, "lock", 8, "listing lock held")

	photos, err := p.resolvePhotos(ctx, input)
	if err != nil {
		return nil, err
	}
	targets := p.regenTargets(input, photos)

	// The map clip does not depend on photos; render it concurrently with the
	// vision and motion phases.
	mapCh := p.startMapClip(ctx, input, log)

	rep.Progress(ctx, "vision", 10, fmt.Sprintf("normalizing %d photos", len(targets)))
	if err := p.visionPhase(ctx, input, targets, tracker, log); err != nil {
		return nil, err
	}
	rep.Progress(ctx, "vision", 30, "photos normalized")

	if !input.SkipMotion {
		if err := p.motionPhase(ctx, input, targets, tracker, valDir, log); err != nil {
			return nil, err
		}
	}
	rep.Progress(ctx, "motion", 50, "motion clips ready")

	// Re-read so the final vector reflects persisted state, then require it
	// to be dense over the listing's photos and every entry to pass
	// validation.
	photos, err = p.photos.GetByListing(ctx, nil, input.ListingID)
	if err != nil {
		return nil, joberr.E(joberr.KindInternal, "pipeline.photos", err)
	}
	clips, err := motionVector(photos)
	if err != nil {
		return nil, err
	}
	if err := p.validateClips(ctx, input, photos, valDir); err != nil {
		return nil, err
	}

	// The vision and motion intermediates are uploaded; reap them before the
	// template fan-out starts downloading clips.
	tracker.Cleanup(false)

	mapClip := p.awaitMapClip(ctx, mapCh, log)

	rep.Progress(ctx, "template", 50, "rendering templates")
	results, err := p.templatePhase(ctx, input, clips, mapClip, tracker, rep, log)
	if err != nil {
		return nil, err
	}

	primary := pickPrimary(input.Template, results)
	rep.Progress(ctx, "finalize", 95, "selecting primary output")

	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return &Result{
		OutputURL:          primary,
		ProcessedTemplates: results,
	}, nil
}

// RegeneratePhotos re-renders every template of a completed job after
// regenerating the given photos' motion clips. An empty id list is a no-op.
func (p *Pipeline) RegeneratePhotos(ctx context.Context, jobID uuid.UUID, photoIDs []uuid.UUID, rep Reporter) (*Result, error) {
	if len(photoIDs) == 0 {
		p.log.Info("Regeneration requested with no photos; nothing to do", "job_id", jobID)
		return nil, nil
	}
	job, err := p.jobs.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, joberr.E(joberr.KindInternal, "pipeline.regenerate", err)
	}
	if job == nil {
		return nil, joberr.Ef(joberr.KindInputInvalid, "pipeline.regenerate", "job %s not found", jobID)
	}

	targets, err := p.photos.GetByIDs(ctx, nil, photoIDs)
	if err != nil {
		return nil, joberr.E(joberr.KindInternal, "pipeline.regenerate", err)
	}
	if len(targets) != len(photoIDs) {
		return nil, joberr.Ef(joberr.KindInputInvalid, "pipeline.regenerate", "%d of %d photos not found", len(photoIDs)-len(targets), len(photoIDs))
	}
	for _, photo := range targets {
		if photo.ListingID != job.ListingID {
			return nil, joberr.Ef(joberr.KindInputInvalid, "pipeline.regenerate", "photo %s belongs to listing %s, not %s", photo.ID, photo.ListingID, job.ListingID)
		}
	}

	var coords *types.Coordinates
	var requested []string
	if meta, err := job.DecodedMetadata(); err == nil && meta != nil {
		coords = meta.Coordinates
		requested = meta.Templates
	}

	return p.Execute(ctx, Input{
		JobID:              job.ID,
		ListingID:          job.ListingID,
		UserID:             job.UserID,
		Template:           job.TemplateDefault,
		Templates:          requested,
		Coordinates:        coords,
		IsRegeneration:     true,
		RegeneratePhotoIDs: photoIDs,
	}, rep)
}

func (p *Pipeline) validateInput(input Input) error {
	if input.JobID == uuid.Nil || input.ListingID == uuid.Nil {
		return joberr.Ef(joberr.KindInputInvalid, "pipeline.validate", "job and listing ids are required")
	}
	if !input.IsRegeneration && len(input.InputFiles) == 0 {
		return joberr.Ef(joberr.KindInputInvalid, "pipeline.validate", "no input photos")
	}
	for _, key := range requestedTemplates(input) {
		if _, ok := p.catalog.Lookup(key); !ok {
			return joberr.Ef(joberr.KindInputInvalid, "pipeline.validate", "unknown template %q", key)
		}
	}
	return nil
}

func requestedTemplates(input Input) []string {
	if len(input.Templates) > 0 {
		return input.Templates
	}
	if input.Template != "" {
		return []string{input.Template}
	}
	return nil
}

// resolvePhotos upserts photo rows from the input files (full runs) or loads
// the persisted rows (regeneration), returning them in listing order.
func (p *Pipeline) resolvePhotos(ctx context.Context, input Input) ([]*types.Photo, error) {
	if input.IsRegeneration {
		photos, err := p.photos.GetByListing(ctx, nil, input.ListingID)
		if err != nil {
			return nil, joberr.E(joberr.KindInternal, "pipeline.photos", err)
		}
		if len(photos) == 0 {
			return nil, joberr.Ef(joberr.KindInputInvalid, "pipeline.photos", "listing %s has no photos to regenerate", input.ListingID)
		}
		return photos, nil
	}

	out := make([]*types.Photo, 0, len(input.InputFiles))
	for order, fileURL := range input.InputFiles {
		photo, err := p.photos.UpsertByOrder(ctx, nil, &types.Photo{
			ListingID: input.ListingID,
			Order:     order,
			FilePath:  fileURL,
			Status:    types.PhotoStatusPending,
		})
		if err != nil {
			return nil, joberr.E(joberr.KindInternal, "pipeline.photos", err)
		}
		out = append(out, photo)
	}
	return out, nil
}

// regenTargets returns the photos whose clips this run must (re)produce.
func (p *Pipeline) regenTargets(input Input, photos []*types.Photo) []*types.Photo {
	if !input.IsRegeneration {
		return photos
	}
	wanted := make(map[uuid.UUID]bool, len(input.RegeneratePhotoIDs))
	for _, id := range input.RegeneratePhotoIDs {
		wanted[id] = true
	}
	var out []*types.Photo
	for _, photo := range photos {
		if wanted[photo.ID] {
			out = append(out, photo)
		}
	}
	return out
}

// visionPhase normalizes each target photo to the 9:16 WebP the motion model
// consumes, bounded by the adaptive batch size.
func (p *Pipeline) visionPhase(ctx context.Context, input Input, targets []*types.Photo, tracker *services.ResourceTracker, log *logger.Logger) error {
	limit := p.batcher.Observe()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, photo := range targets {
		photo := photo
		g.Go(func() error {
			return retry(gctx, log, fmt.Sprintf("vision[%d]", photo.Order), p.cfg.MaxRetries, p.cfg.InitialRetryDelay, p.cfg.MaxRetryDelay, func(ctx context.Context) error {
				return p.processPhoto(ctx, input, photo, tracker)
			})
		})
	}
	if err := g.Wait(); err != nil {
		if joberr.KindOf(err) != joberr.KindInternal {
			return err
		}
		return joberr.E(joberr.KindVisionFailed, "pipeline.vision", err)
	}
	p.batcher.Observe()
	return nil
}

func (p *Pipeline) processPhoto(ctx context.Context, input Input, photo *types.Photo, tracker *services.ResourceTracker) error {
	srcKey, err := p.blobs.KeyFromURL(photo.FilePath)
	if err != nil {
		return joberr.Ef(joberr.KindInputInvalid, "pipeline.vision", "photo %d has unparseable url %q: %v", photo.Order, photo.FilePath, err)
	}

	localSrc := filepath.Join(os.TempDir(), fmt.Sprintf("original_%s_%d%s", input.JobID, photo.Order, filepath.Ext(srcKey)))
	tracker.Track(localSrc)
	if err := p.blobs.Download(ctx, srcKey, localSrc); err != nil {
		return fmt.Errorf("download original %s: %w", srcKey, err)
	}

	localWebP := filepath.Join(os.TempDir(), fmt.Sprintf("vision_%s_%d.webp", input.JobID, photo.Order))
	tracker.Track(localWebP)
	if _, err := p.cropper.ProcessImage(ctx, localSrc, localWebP); err != nil {
		return err
	}

	key := fmt.Sprintf("properties/%s/images/processed/%s/vision_%d.webp", input.ListingID, input.JobID, photo.Order)
	blobURL, err := p.blobs.UploadFile(ctx, localWebP, key, "image/webp")
	if err != nil {
		return joberr.E(joberr.KindUploadFailed, "pipeline.vision", err)
	}

	if err := p.photos.UpdateFields(ctx, nil, photo.ID, map[string]interface{}{
		"processed_file_path": blobURL,
		"status":              types.PhotoStatusProcessing,
		"updated_at":          time.Now(),
	}); err != nil {
		return err
	}
	photo.ProcessedFilePath = blobURL
	tracker.UpdateState(localSrc, services.ResourceStateDone)
	tracker.UpdateState(localWebP, services.ResourceStateDone)
	return nil
}

// motionPhase generates (or reuses) a motion clip per target photo. Reused
// clips must pass validation; generated clips are validated after every
// attempt so a corrupt model output triggers a retry, not a completed job.
func (p *Pipeline) motionPhase(ctx context.Context, input Input, targets []*types.Photo, tracker *services.ResourceTracker, valDir string, log *logger.Logger) error {
	force := input.ForceRegeneration || input.IsRegeneration
	limit := p.batcher.Observe()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, photo := range targets {
		photo := photo
		regenerate := force
		if input.SkipMotionIfCached && photo.RunwayVideoPath != "" && !force {
			if res := p.validator.Validate(ctx, photo.RunwayVideoPath, photo.Order, input.JobID, valDir); res.OK {
				log.Debug("Reusing persisted motion clip", "photo_order", photo.Order)
				continue
			}
			log.Warn("Persisted motion clip failed validation; regenerating", "photo_order", photo.Order)
			regenerate = true
		}
		g.Go(func() error {
			forceAttempt := regenerate
			return retry(gctx, log, fmt.Sprintf("motion[%d]", photo.Order), p.cfg.MaxMotionRetries, p.cfg.InitialRetryDelay, p.cfg.MaxRetryDelay, func(ctx context.Context) error {
				url, err := p.motion.Generate(ctx, services.MotionRequest{
					JobID:        input.JobID,
					ListingID:    input.ListingID,
					Photo:        photo,
					ProcessedURL: photo.ProcessedFilePath,
					Force:        forceAttempt,
				}, tracker)
				if err != nil {
					return err
				}
				// The fresh clip supersedes any memoized verdict for this slot.
				p.validator.Invalidate(input.JobID, photo.Order)
				if res := p.validator.Validate(ctx, url, photo.Order, input.JobID, valDir); !res.OK {
					// The cached artifact cannot be trusted on the next attempt.
					forceAttempt = true
					return joberr.Ef(joberr.KindMotionFailed, "pipeline.motion", "clip for photo %d failed validation: %s", photo.Order, res.Reason)
				}
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		kind := joberr.KindOf(err)
		if kind == joberr.KindInternal {
			return joberr.E(joberr.KindMotionFailed, "pipeline.motion", err)
		}
		return err
	}
	p.batcher.Observe()
	return nil
}

// validateClips requires every entry of the final clip vector to pass
// validation. Clips handled this run hit the validator's memo, so only
// untouched photos cost a probe.
func (p *Pipeline) validateClips(ctx context.Context, input Input, photos []*types.Photo, valDir string) error {
	for _, photo := range photos {
		res := p.validator.Validate(ctx, photo.RunwayVideoPath, photo.Order, input.JobID, valDir)
		if !res.OK {
			return joberr.Ef(joberr.KindMotionFailed, "pipeline.vector", "clip for photo %d failed validation: %s", photo.Order, res.Reason)
		}
	}
	return nil
}

// motionVector projects photos (already in listing order) onto their clip
// URLs, failing on any gap.
func motionVector(photos []*types.Photo) ([]string, error) {
	if len(photos) == 0 {
		return nil, joberr.Ef(joberr.KindInputInvalid, "pipeline.vector", "listing has no photos")
	}
	out := make([]string, len(photos))
	for i, photo := range photos {
		if photo.RunwayVideoPath == "" {
			return nil, joberr.Ef(joberr.KindMotionMissing, "pipeline.vector", "photo order %d has no motion clip", photo.Order)
		}
		out[i] = photo.RunwayVideoPath
	}
	return out, nil
}

type mapResult struct {
	url string
	err error
}

func (p *Pipeline) startMapClip(ctx context.Context, input Input, log *logger.Logger) <-chan mapResult {
	needsMap := false
	for _, key := range requestedTemplates(input) {
		if def, ok := p.catalog.Lookup(key); ok && def.RequiresMap() {
			needsMap = true
			break
		}
	}
	if !needsMap || input.Coordinates == nil {
		return nil
	}

	ch := make(chan mapResult, 1)
	go func() {
		url, err := p.mapclip.GetOrProduce(ctx, *input.Coordinates, input.ListingID, input.JobID)
		ch <- mapResult{url: url, err: err}
	}()
	return ch
}

// awaitMapClip blocks on the concurrent map render. A failed render only drops
// the map-dependent templates, so it is logged rather than escalated here.
func (p *Pipeline) awaitMapClip(ctx context.Context, ch <-chan mapResult, log *logger.Logger) string {
	if ch == nil {
		return ""
	}
	select {
	case <-ctx.Done():
		return ""
	case res := <-ch:
		if res.err != nil {
			log.Warn("Map clip unavailable; map templates will be dropped", "error", res.err)
			return ""
		}
		return res.url
	}
}

// templatePhase fans out over the requested templates under the shared
// concurrency ceiling. Individual failures are contained; the phase fails only
// when nothing renders.
func (p *Pipeline) templatePhase(ctx context.Context, input Input, clips []string, mapClip string, tracker *services.ResourceTracker, rep Reporter, log *logger.Logger) ([]types.ProcessedTemplate, error) {
	requested := requestedTemplates(input)
	if len(requested) == 0 {
		return nil, joberr.Ef(joberr.KindInputInvalid, "pipeline.template", "no templates requested")
	}

	watermarkPath, err := p.fetchWatermark(ctx, input.JobID, tracker)
	if err != nil {
		log.Warn("Watermark unavailable; rendering without it", "error", err)
		watermarkPath = ""
	}

	limit := p.batcher.Observe()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	var results []types.ProcessedTemplate
	done := 0

	var submitted []templates.Definition
	for _, key := range requested {
		def, _ := p.catalog.Lookup(key)
		if def.RequiresMap() && mapClip == "" {
			log.Warn("Dropping map template: no map clip", "template", key)
			continue
		}
		submitted = append(submitted, def)
	}

	for _, def := range submitted {
		def := def
		g.Go(func() error {
			url, terr := p.renderTemplate(gctx, input, def, clips, mapClip, watermarkPath, tracker)

			mu.Lock()
			defer mu.Unlock()
			done++
			pct := 50 + 40*done/len(submitted)
			if terr != nil {
				log.Warn("Template render failed", "template", def.Key, "error", terr)
				rep.Progress(gctx, "template", pct, fmt.Sprintf("%s failed", def.Key))
				// Contained: other templates may still succeed.
				return nil
			}
			results = append(results, types.ProcessedTemplate{Key: def.Key, OutputPath: url})
			rep.Progress(gctx, "template", pct, fmt.Sprintf("%s rendered", def.Key))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.batcher.Observe()

	if len(results) == 0 {
		return nil, joberr.Ef(joberr.KindNoTemplateSucceeded, "pipeline.template", "no template produced output")
	}
	return results, nil
}

func (p *Pipeline) fetchWatermark(ctx context.Context, jobID uuid.UUID, tracker *services.ResourceTracker) (string, error) {
	if p.cfg.WatermarkKey == "" {
		return "", nil
	}
	localPath := filepath.Join(os.TempDir(), fmt.Sprintf("watermark_%s.png", jobID))
	tracker.Track(localPath)
	if err := p.blobs.Download(ctx, p.cfg.WatermarkKey, localPath); err != nil {
		return "", err
	}
	return localPath, nil
}

func pickPrimary(preferred string, results []types.ProcessedTemplate) string {
	for _, r := range results {
		if r.Key == preferred {
			return r.OutputPath
		}
	}
	return results[0].OutputPath
}
