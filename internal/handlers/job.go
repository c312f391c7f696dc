package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/propertyreel/backend/internal/jobs/production"
	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/repos"
	"github.com/propertyreel/backend/internal/sse"
	"github.com/propertyreel/backend/internal/templates"
	"github.com/propertyreel/backend/internal/types"
)

// JobHandler exposes the production API: enqueue jobs, read their state, and
// stream progress.
type JobHandler struct {
	log     *logger.Logger
	jobs    repos.JobRepo
	photos  repos.PhotoRepo
	catalog templates.Catalog
	hub     *sse.Hub
}

func NewJobHandler(jobs repos.JobRepo, photos repos.PhotoRepo, catalog templates.Catalog, hub *sse.Hub, log *logger.Logger) *JobHandler {
	return &JobHandler{
		log:     log.With("handler", "JobHandler"),
		jobs:    jobs,
		photos:  photos,
		catalog: catalog,
		hub:     hub,
	}
}

type createJobRequest struct {
	ListingID   uuid.UUID          `json:"listing_id" binding:"required"`
	UserID      uuid.UUID          `json:"user_id" binding:"required"`
	InputFiles  []string           `json:"input_files" binding:"required,min=1"`
	Template    string             `json:"template" binding:"required"`
	Templates   []string           `json:"templates,omitempty"`
	Coordinates *types.Coordinates `json:"coordinates,omitempty"`
}

// CreateProductionJob enqueues a production run. The worker picks it up from
// the jobs table; the response carries the pending job for polling or SSE.
func (h *JobHandler) CreateProductionJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	for _, key := range append([]string{req.Template}, req.Templates...) {
		if _, ok := h.catalog.Lookup(key); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown template " + key})
			return
		}
	}

	payload, err := json.Marshal(production.Payload{
		InputFiles:  req.InputFiles,
		Template:    req.Template,
		Templates:   req.Templates,
		Coordinates: req.Coordinates,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode payload"})
		return
	}
	meta, _ := json.Marshal(types.JobMetadata{
		Templates:   req.Templates,
		Coordinates: req.Coordinates,
	})
	inputFiles, _ := json.Marshal(req.InputFiles)

	job, err := h.jobs.Create(c.Request.Context(), nil, &types.Job{
		ListingID:       req.ListingID,
		UserID:          req.UserID,
		JobType:         types.JobTypeProduction,
		TemplateDefault: req.Template,
		Status:          types.JobStatusPending,
		InputFiles:      inputFiles,
		Metadata:        meta,
		Payload:         payload,
	})
	if err != nil {
		h.log.Error("Failed to create job", "listing_id", req.ListingID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// GetJob returns the job row, including progress, outputs, and error details.
func (h *JobHandler) GetJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := h.jobs.GetByID(c.Request.Context(), nil, id)
	if err != nil {
		h.log.Error("Failed to load job", "job_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

type regenerateRequest struct {
	PhotoIDs []uuid.UUID `json:"photo_ids" binding:"required"`
}

// RegeneratePhotos enqueues a regeneration job targeting a completed job.
func (h *JobHandler) RegeneratePhotos(c *gin.Context) {
	targetID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	target, err := h.jobs.GetByID(c.Request.Context(), nil, targetID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	if target == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if target.Status != types.JobStatusCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not completed"})
		return
	}

	payload, err := json.Marshal(production.RegenerationPayload{
		TargetJobID: targetID,
		PhotoIDs:    req.PhotoIDs,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode payload"})
		return
	}
	job, err := h.jobs.Create(c.Request.Context(), nil, &types.Job{
		ListingID:       target.ListingID,
		UserID:          target.UserID,
		JobType:         types.JobTypePhotoRegeneration,
		TemplateDefault: target.TemplateDefault,
		Status:          types.JobStatusPending,
		Metadata:        target.Metadata,
		Payload:         payload,
	})
	if err != nil {
		h.log.Error("Failed to create regeneration job", "target_job_id", targetID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// ListPhotos returns the listing's photo rows in order.
func (h *JobHandler) ListPhotos(c *gin.Context) {
	listingID, err := uuid.Parse(c.Param("listingId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid listing id"})
		return
	}
	photos, err := h.photos.GetByListing(c.Request.Context(), nil, listingID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load photos"})
		return
	}
	c.JSON(http.StatusOK, photos)
}

// StreamEvents serves job progress over SSE until the job settles or the
// client disconnects.
func (h *JobHandler) StreamEvents(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	ch := h.hub.Subscribe(id)
	defer h.hub.Unsubscribe(id, ch)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Snapshot first so late subscribers see current state immediately.
	if job, err := h.jobs.GetByID(c.Request.Context(), nil, id); err == nil && job != nil {
		c.SSEvent("snapshot", job)
		c.Writer.Flush()
		if job.Status == types.JobStatusCompleted || job.Status == types.JobStatusFailed {
			return
		}
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return ev.Type == "progress"
		}
	})
}
