package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	redisbus "github.com/propertyreel/backend/internal/clients/redis"
	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/sse"
)

// JobNotifier publishes job progress onto the redis bus. Publish failures are
// logged and swallowed; progress is advisory and must never fail a job.
type JobNotifier struct {
	log *logger.Logger
	bus redisbus.ProgressBus
}

func NewJobNotifier(bus redisbus.ProgressBus, log *logger.Logger) *JobNotifier {
	return &JobNotifier{
		log: log.With("service", "JobNotifier"),
		bus: bus,
	}
}

func (n *JobNotifier) Progress(ctx context.Context, jobID, userID uuid.UUID, stage string, progress int, message string) {
	n.publish(ctx, sse.Event{
		JobID:    jobID,
		UserID:   userID,
		Type:     "progress",
		Stage:    stage,
		Progress: progress,
		Message:  message,
		At:       time.Now(),
	})
}

func (n *JobNotifier) Done(ctx context.Context, jobID, userID uuid.UUID, outputURL string) {
	n.publish(ctx, sse.Event{
		JobID:    jobID,
		UserID:   userID,
		Type:     "done",
		Progress: 100,
		Message:  outputURL,
		At:       time.Now(),
	})
}

func (n *JobNotifier) Failed(ctx context.Context, jobID, userID uuid.UUID, message string) {
	n.publish(ctx, sse.Event{
		JobID:   jobID,
		UserID:  userID,
		Type:    "failed",
		Message: message,
		At:      time.Now(),
	})
}

func (n *JobNotifier) publish(ctx context.Context, ev sse.Event) {
	if n == nil || n.bus == nil {
		return
	}
	if err := n.bus.Publish(ctx, ev); err != nil {
		n.log.Warn("Failed to publish job event", "job_id", ev.JobID, "type", ev.Type, "error", err)
	}
}
