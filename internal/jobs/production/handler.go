package production

import (
	"context"

	"github.com/google/uuid"

	"github.com/propertyreel/backend/internal/jobs/runtime"
	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/pipeline"
	"github.com/propertyreel/backend/internal/types"
)

// Payload is the enqueue-time body of a production job.
type Payload struct {
	InputFiles         []string           `json:"input_files"`
	Template           string             `json:"template"`
	Templates          []string           `json:"templates,omitempty"`
	Coordinates        *types.Coordinates `json:"coordinates,omitempty"`
	SkipMotion         bool               `json:"skip_motion,omitempty"`
	SkipMotionIfCached bool               `json:"skip_motion_if_cached,omitempty"`
	SkipLock           bool               `json:"skip_lock,omitempty"`
	ForceRegeneration  bool               `json:"force_regeneration,omitempty"`
}

// RegenerationPayload targets photos of a previously completed job.
type RegenerationPayload struct {
	TargetJobID uuid.UUID   `json:"target_job_id"`
	PhotoIDs    []uuid.UUID `json:"photo_ids"`
}

// Handlers owns the job-type entry points into the pipeline.
type Handlers struct {
	log  *logger.Logger
	pipe *pipeline.Pipeline
}

func NewHandlers(pipe *pipeline.Pipeline, log *logger.Logger) *Handlers {
	return &Handlers{
		log:  log.With("service", "ProductionHandlers"),
		pipe: pipe,
	}
}

// HandleProduction runs a full production job.
func (h *Handlers) HandleProduction(ctx context.Context, rc *runtime.Context) error {
	var payload Payload
	if err := rc.DecodePayload(&payload); err != nil {
		return err
	}

	result, err := h.pipe.Execute(ctx, pipeline.Input{
		JobID:              rc.Job.ID,
		ListingID:          rc.Job.ListingID,
		UserID:             rc.Job.UserID,
		InputFiles:         payload.InputFiles,
		Template:           payload.Template,
		Templates:          payload.Templates,
		Coordinates:        payload.Coordinates,
		SkipMotion:         payload.SkipMotion,
		SkipMotionIfCached: payload.SkipMotionIfCached,
		SkipLock:           payload.SkipLock,
		ForceRegeneration:  payload.ForceRegeneration,
	}, rc)
	if err != nil {
		return err
	}

	rc.Succeed(ctx, result.OutputURL, result.ProcessedTemplates)
	return nil
}

// HandlePhotoRegeneration re-renders a completed job after regenerating the
// requested photos' motion clips.
func (h *Handlers) HandlePhotoRegeneration(ctx context.Context, rc *runtime.Context) error {
	var payload RegenerationPayload
	if err := rc.DecodePayload(&payload); err != nil {
		return err
	}

	result, err := h.pipe.RegeneratePhotos(ctx, payload.TargetJobID, payload.PhotoIDs, rc)
	if err != nil {
		return err
	}
	if result == nil {
		// Empty photo list: nothing changed, nothing to overwrite.
		rc.Succeed(ctx, rc.Job.OutputFile, nil)
		return nil
	}

	rc.Succeed(ctx, result.OutputURL, result.ProcessedTemplates)
	return nil
}
