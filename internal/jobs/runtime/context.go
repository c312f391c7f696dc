package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/propertyreel/backend/internal/joberr"
	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/repos"
	"github.com/propertyreel/backend/internal/services"
	"github.com/propertyreel/backend/internal/types"
)

// Context is handed to a job handler for one claimed job. Its state writers
// are guarded: a job that reached a terminal status is never overwritten by a
// straggling goroutine.
type Context struct {
	Job *types.Job

	log      *logger.Logger
	jobs     repos.JobRepo
	notifier *services.JobNotifier
}

var terminalStatuses = []string{types.JobStatusCompleted, types.JobStatusFailed}

func NewContext(job *types.Job, jobs repos.JobRepo, notifier *services.JobNotifier, log *logger.Logger) *Context {
	return &Context{
		Job:      job,
		log:      log.With("job_id", job.ID, "job_type", job.JobType),
		jobs:     jobs,
		notifier: notifier,
	}
}

// DecodePayload unmarshals the job payload into out.
func (c *Context) DecodePayload(out interface{}) error {
	if len(c.Job.Payload) == 0 {
		return joberr.Ef(joberr.KindInputInvalid, "runtime.payload", "job %s has no payload", c.Job.ID)
	}
	if err := json.Unmarshal(c.Job.Payload, out); err != nil {
		return joberr.E(joberr.KindInputInvalid, "runtime.payload", err)
	}
	return nil
}

// Progress writes stage and percent onto the job row and publishes an event.
func (c *Context) Progress(ctx context.Context, stage string, percent int, message string) {
	ok, err := c.jobs.UpdateFieldsUnlessStatus(ctx, nil, c.Job.ID, terminalStatuses, map[string]interface{}{
		"stage":      stage,
		"progress":   percent,
		"message":    message,
		"updated_at": time.Now(),
	})
	if err != nil {
		c.log.Warn("Failed to write job progress", "stage", stage, "error", err)
		return
	}
	if !ok {
		return
	}
	c.notifier.Progress(ctx, c.Job.ID, c.Job.UserID, stage, percent, message)
}

// Succeed marks the job completed with its outputs.
func (c *Context) Succeed(ctx context.Context, outputURL string, processed []types.ProcessedTemplate) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":       types.JobStatusCompleted,
		"progress":     100,
		"stage":        "done",
		"message":      "",
		"error":        "",
		"output_file":  outputURL,
		"completed_at": now,
		"updated_at":   now,
	}
	if processed != nil {
		if raw, err := json.Marshal(processed); err == nil {
			updates["processed_templates"] = raw
		}
	}
	ok, err := c.jobs.UpdateFieldsUnlessStatus(ctx, nil, c.Job.ID, terminalStatuses, updates)
	if err != nil {
		c.log.Error("Failed to mark job completed", "error", err)
		return
	}
	if ok {
		c.notifier.Done(ctx, c.Job.ID, c.Job.UserID, outputURL)
	}
}

// Fail marks the job failed and records structured error details in metadata.
func (c *Context) Fail(ctx context.Context, failure error) {
	kind := joberr.KindOf(failure)
	now := time.Now()

	meta, _ := c.Job.DecodedMetadata()
	if meta == nil {
		meta = &types.JobMetadata{}
	}
	meta.ErrorDetails = map[string]interface{}{
		"kind":      string(kind),
		"message":   failure.Error(),
		"timestamp": now.UTC().Format(time.RFC3339),
		"inputs":    json.RawMessage(c.Job.Payload),
	}
	updates := map[string]interface{}{
		"status":        types.JobStatusFailed,
		"stage":         "failed",
		"error":         failure.Error(),
		"last_error_at": now,
		"updated_at":    now,
	}
	if raw, err := json.Marshal(meta); err == nil {
		updates["metadata"] = raw
	}

	ok, err := c.jobs.UpdateFieldsUnlessStatus(ctx, nil, c.Job.ID, terminalStatuses, updates)
	if err != nil {
		c.log.Error("Failed to mark job failed", "kind", kind, "error", err)
		return
	}
	if ok {
		c.log.Error("Job failed", "kind", kind, "error", failure)
		c.notifier.Failed(ctx, c.Job.ID, c.Job.UserID, string(kind))
	}
}
