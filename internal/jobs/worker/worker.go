package worker

import (
	"context"
	"sync"
	"time"

	"github.com/propertyreel/backend/internal/jobs/runtime"
	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/repos"
	"github.com/propertyreel/backend/internal/services"
	"github.com/propertyreel/backend/internal/types"
	"github.com/propertyreel/backend/internal/utils"
)

// Handler executes one claimed job. A returned error fails the job; retry
// eligibility is decided at claim time from the attempt counter.
type Handler func(ctx context.Context, rc *runtime.Context) error

// Worker claims runnable jobs from Postgres and dispatches them to registered
// handlers. Multiple workers across processes coexist through SKIP LOCKED
// claims and heartbeats.
type Worker struct {
	log      *logger.Logger
	jobs     repos.JobRepo
	notifier *services.JobNotifier

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	staleRunning      time.Duration
	retryDelay        time.Duration
	maxAttempts       int
	concurrency       int

	mu       sync.RWMutex
	handlers map[string]Handler

	wg sync.WaitGroup
}

func New(jobs repos.JobRepo, notifier *services.JobNotifier, log *logger.Logger) *Worker {
	return &Worker{
		log:               log.With("service", "JobWorker"),
		jobs:              jobs,
		notifier:          notifier,
		pollInterval:      time.Duration(utils.GetEnvAsInt("WORKER_POLL_INTERVAL_MS", 2000, log)) * time.Millisecond,
		heartbeatInterval: time.Duration(utils.GetEnvAsInt("WORKER_HEARTBEAT_INTERVAL_MS", 15000, log)) * time.Millisecond,
		staleRunning:      time.Duration(utils.GetEnvAsInt("WORKER_STALE_RUNNING_MS", 5*60*1000, log)) * time.Millisecond,
		retryDelay:        time.Duration(utils.GetEnvAsInt("WORKER_RETRY_DELAY_MS", 30000, log)) * time.Millisecond,
		maxAttempts:       utils.GetEnvAsInt("WORKER_MAX_ATTEMPTS", 3, log),
		concurrency:       utils.GetEnvAsInt("WORKER_CONCURRENCY", 2, log),
		handlers:          make(map[string]Handler),
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Start launches the claim loops. Blocks until ctx is canceled and in-flight
// jobs have drained.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Job worker starting", "concurrency", w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.claimLoop(ctx, i)
	}
	w.wg.Wait()
	w.log.Info("Job worker stopped")
}

func (w *Worker) claimLoop(ctx context.Context, slot int) {
	defer w.wg.Done()
	log := w.log.With("slot", slot)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err := w.jobs.ClaimNextRunnable(ctx, nil, w.maxAttempts, w.retryDelay, w.staleRunning)
		if err != nil {
			log.Warn("Job claim failed", "error", err)
			continue
		}
		if job == nil {
			continue
		}
		w.run(ctx, job, log)
	}
}

func (w *Worker) run(ctx context.Context, job *types.Job, log *logger.Logger) {
	log.Info("Claimed job", "job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts)

	h, ok := w.handler(job.JobType)
	rc := runtime.NewContext(job, w.jobs, w.notifier, log)
	if !ok {
		rc.Fail(ctx, &unknownJobTypeError{jobType: job.JobType})
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeat(hbCtx, job)
	defer stopHeartbeat()

	if err := h(ctx, rc); err != nil {
		rc.Fail(ctx, err)
		return
	}
	log.Info("Job finished", "job_id", job.ID)
}

func (w *Worker) heartbeat(ctx context.Context, job *types.Job) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.jobs.Heartbeat(ctx, nil, job.ID); err != nil {
				w.log.Warn("Heartbeat failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

type unknownJobTypeError struct{ jobType string }

func (e *unknownJobTypeError) Error() string {
	return "no handler registered for job type " + e.jobType
}
