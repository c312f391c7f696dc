package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/propertyreel/backend/internal/joberr"
	"github.com/propertyreel/backend/internal/media"
	"github.com/propertyreel/backend/internal/services"
	"github.com/propertyreel/backend/internal/templates"
)

// slotClip is one resolved position of the render plan.
type slotClip struct {
	seqIndex  int    // position in the template sequence
	clipIndex int    // index into the motion-clip vector, -1 for the map clip
	url       string
	localPath string
	duration  float64
}

// renderTemplate runs the inner loop for one template: resolve slots, download
// and validate clips, resolve music, stitch, upload. Retried per the
// template's own budget inside its timeout.
func (p *Pipeline) renderTemplate(ctx context.Context, input Input, def templates.Definition, clips []string, mapClip, watermarkPath string, parent *services.ResourceTracker) (string, error) {
	if len(def.Durations) != len(def.Sequence) {
		return "", joberr.Ef(joberr.KindInternal, "template.plan", "template %s: %d durations for %d slots", def.Key, len(def.Durations), len(def.Sequence))
	}
	if len(def.Transitions) != 0 && len(def.Transitions) != len(def.Sequence)-1 {
		return "", joberr.Ef(joberr.KindInternal, "template.plan", "template %s: %d transitions for %d slots", def.Key, len(def.Transitions), len(def.Sequence))
	}
	if def.RequiresMap() && mapClip == "" {
		return "", joberr.Ef(joberr.KindMapRequired, "template.plan", "template %s needs a map clip", def.Key)
	}

	tctx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	var outputURL string
	err := parent.WithTracking(func(scope *services.ResourceTracker) error {
		return retry(tctx, p.log, "template."+def.Key, def.MaxRetries, p.cfg.InitialRetryDelay, p.cfg.MaxRetryDelay, func(ctx context.Context) error {
			url, err := p.renderOnce(ctx, input, def, clips, mapClip, watermarkPath, scope)
			if err != nil {
				return err
			}
			outputURL = url
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return outputURL, nil
}

func (p *Pipeline) renderOnce(ctx context.Context, input Input, def templates.Definition, clips []string, mapClip, watermarkPath string, scope *services.ResourceTracker) (string, error) {
	tempDir := filepath.Join(os.TempDir(), fmt.Sprintf("template_%s_%s", input.JobID, def.Key))
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", joberr.E(joberr.KindInternal, "template.tempdir", err)
	}
	scope.Track(tempDir)

	slots := resolveSlots(def, clips, mapClip)
	valid, err := p.prepareClips(ctx, input, def, slots, tempDir)
	if err != nil {
		return "", err
	}
	if len(valid) == 0 {
		return "", joberr.Ef(joberr.KindNoValidClips, "template.clips", "template %s: every clip failed validation", def.Key)
	}

	music := p.resolveMusic(ctx, def, tempDir)

	plan := buildPlan(def, valid)
	opts := media.StitchOptions{
		Name:             def.Key,
		WatermarkPath:    watermarkPath,
		WatermarkOpacity: p.cfg.WatermarkOpacity,
		Music:            music,
	}
	if def.ColorCorrection != nil {
		opts.ColorFilter = def.ColorCorrection.FFmpegFilter
	}

	outputPath := filepath.Join(tempDir, def.Key+".mp4")
	if err := p.muxer.Stitch(ctx, plan, outputPath, opts); err != nil {
		return "", joberr.E(joberr.KindMuxFailed, "template.stitch", err)
	}

	key := fmt.Sprintf("properties/%s/videos/templates/%s/%s.mp4", input.ListingID, input.JobID, def.Key)
	blobURL, err := p.blobs.UploadFile(ctx, outputPath, key, "video/mp4")
	if err != nil {
		return "", joberr.E(joberr.KindUploadFailed, "template.upload", err)
	}

	// Verify the upload actually landed with the bytes we sent.
	local, err := os.Stat(outputPath)
	if err != nil {
		return "", joberr.E(joberr.KindInternal, "template.verify", err)
	}
	info, err := p.blobs.Head(ctx, key)
	if err != nil {
		return "", joberr.E(joberr.KindUploadFailed, "template.verify", err)
	}
	if info.Size <= 0 || info.Size != local.Size() {
		return "", joberr.Ef(joberr.KindUploadFailed, "template.verify", "uploaded %d bytes, blob reports %d", local.Size(), info.Size)
	}
	return blobURL, nil
}

// resolveSlots maps the template sequence onto concrete clip URLs. Photo
// indexes past the listing size wrap around, so sparse listings still fill
// long sequences.
func resolveSlots(def templates.Definition, clips []string, mapClip string) []slotClip {
	out := make([]slotClip, 0, len(def.Sequence))
	for i, slot := range def.Sequence {
		if slot.Map {
			out = append(out, slotClip{seqIndex: i, clipIndex: -1, url: mapClip})
			continue
		}
		idx := slot.Photo % len(clips)
		out = append(out, slotClip{seqIndex: i, clipIndex: idx, url: clips[idx]})
	}
	return out
}

// prepareClips downloads and validates every distinct clip concurrently, then
// returns the slots whose clips passed, in sequence order. Invalid clips are
// skipped, not fatal.
func (p *Pipeline) prepareClips(ctx context.Context, input Input, def templates.Definition, slots []slotClip, tempDir string) ([]slotClip, error) {
	type prepared struct {
		localPath string
		duration  float64
		ok        bool
	}
	byClip := make(map[int]*prepared)
	for _, s := range slots {
		if _, seen := byClip[s.clipIndex]; !seen {
			byClip[s.clipIndex] = &prepared{}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.batcher.Size())
	for _, s := range slots {
		s := s
		entry := byClip[s.clipIndex]
		if entry.localPath != "" {
			continue
		}
		entry.localPath = filepath.Join(tempDir, fmt.Sprintf("validate_%d.mp4", s.clipIndex))
		g.Go(func() error {
			var result services.ClipResult
			if s.clipIndex == -1 {
				result = p.validator.ValidateMapClip(gctx, s.url, s.clipIndex, input.JobID, tempDir)
			} else {
				result = p.validator.Validate(gctx, s.url, s.clipIndex, input.JobID, tempDir)
			}
			if !result.OK {
				return nil
			}
			// A memoized pass may come from another template's scope; make
			// sure the bytes exist in ours.
			if _, err := os.Stat(entry.localPath); err != nil {
				key, kerr := p.blobs.KeyFromURL(s.url)
				if kerr != nil {
					return nil
				}
				if derr := p.blobs.Download(gctx, key, entry.localPath); derr != nil {
					p.log.Warn("Failed to localize validated clip",
						"template", def.Key, "clip_index", s.clipIndex, "error", derr)
					return nil
				}
			}
			entry.duration = result.Duration
			entry.ok = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []slotClip
	for _, s := range slots {
		entry := byClip[s.clipIndex]
		if !entry.ok {
			continue
		}
		s.localPath = entry.localPath
		s.duration = entry.duration
		out = append(out, s)
	}
	return out, nil
}

// resolveMusic localizes the template's track. Any failure renders the
// template silent rather than failing it.
func (p *Pipeline) resolveMusic(ctx context.Context, def templates.Definition, tempDir string) *media.MusicOptions {
	if def.Music == nil || def.Music.TrackID == "" {
		return nil
	}
	key := fmt.Sprintf("assets/music/%s.mp3", def.Music.TrackID)
	localPath := filepath.Join(tempDir, "music.mp3")
	if err := p.blobs.Download(ctx, key, localPath); err != nil {
		p.log.Warn("Music track unavailable; rendering without music",
			"template", def.Key, "track", def.Music.TrackID, "error", err)
		return nil
	}
	if err := p.muxer.ValidateMusicFile(ctx, localPath); err != nil {
		p.log.Warn("Music track failed validation; rendering without music",
			"template", def.Key, "track", def.Music.TrackID, "error", err)
		return nil
	}
	return &media.MusicOptions{
		Path:        localPath,
		Volume:      def.Music.Volume,
		StartOffset: def.Music.StartOffset,
	}
}

// buildPlan turns the surviving slots into the muxer's render plan. Slot
// durations are capped to the measured clip length so trims never overrun.
func buildPlan(def templates.Definition, slots []slotClip) []media.StitchClip {
	reversed := make(map[int]bool, len(def.ReverseClips))
	for _, i := range def.ReverseClips {
		reversed[i] = true
	}

	out := make([]media.StitchClip, 0, len(slots))
	for _, s := range slots {
		duration := def.Durations[s.seqIndex]
		if s.duration > 0 && s.duration < duration {
			duration = s.duration
		}
		clip := media.StitchClip{
			Path:     s.localPath,
			Duration: duration,
			Reverse:  reversed[s.seqIndex],
		}
		if s.seqIndex < len(def.Transitions) {
			t := def.Transitions[s.seqIndex]
			clip.Transition = t.Kind
			clip.TransitionDuration = t.Duration
		}
		out = append(out, clip)
	}
	return out
}
