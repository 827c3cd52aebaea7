// Package worker implements the claim-and-scrape execution loop.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harrierlabs/fleetscrape/internal/coordinator"
	"github.com/harrierlabs/fleetscrape/internal/engine"
	"github.com/harrierlabs/fleetscrape/internal/fleet"
	"github.com/harrierlabs/fleetscrape/internal/liveness"
)

// Config controls Worker behavior.
type Config struct {
	PollInterval time.Duration
	MaxPollDelay time.Duration
	Topic        string
}

// Worker polls the coordinator for claimable jobs and runs each through the
// engine. On context cancellation any in-flight job is released voluntarily
// so another worker can pick it up without waiting for the lease sweep.
type Worker struct {
	id        string
	coord     *coordinator.Coordinator
	engine    *engine.Engine
	emitter   *liveness.Emitter
	publisher fleet.Publisher
	archive   fleet.ResultArchive
	clock     fleet.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher and archive may be nil when completion
// events or archival are disabled.
func New(
	id string,
	coord *coordinator.Coordinator,
	eng *engine.Engine,
	emitter *liveness.Emitter,
	publisher fleet.Publisher,
	archive fleet.ResultArchive,
	clock fleet.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxPollDelay <= 0 {
		cfg.MaxPollDelay = 5 * time.Second
	}
	return &Worker{
		id:        id,
		coord:     coord,
		engine:    eng,
		emitter:   emitter,
		publisher: publisher,
		archive:   archive,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, claiming and processing jobs until the context finishes.
// Empty polls back off exponentially up to MaxPollDelay; a successful claim
// resets the delay.
func (w *Worker) Run(ctx context.Context) {
	delay := w.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.coord.Claim(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", zap.Error(err))
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = min(delay*2, w.cfg.MaxPollDelay)
			continue
		}
		delay = w.cfg.PollInterval
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job *fleet.Job) {
	w.emitter.SetCurrentJob(job.ID)
	defer func() {
		w.emitter.SetCurrentJob("")
		w.emitter.SetAssignment("", "", "")
	}()
	w.logger.Info("claimed job",
		zap.String("job_id", job.ID),
		zap.String("subject", job.Target.Subject),
		zap.Int("attempt", job.AttemptCount+1),
	)

	err := w.engine.Run(ctx, job, func(a engine.Assignment) {
		w.emitter.SetAssignment(a.IdentityRef, a.BackendEndpoint, a.SessionAccount)
	})
	if err != nil {
		if ctx.Err() != nil {
			w.releaseJob(job)
			return
		}
		w.logger.Error("job processing failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	w.afterCompletion(ctx, job.ID)
}

// releaseJob hands an in-flight job back on shutdown. It uses a short
// detached context because the run context is already canceled.
func (w *Worker) releaseJob(job *fleet.Job) {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.coord.Fail(releaseCtx, job.ID, w.id, true, "worker shutting down"); err != nil {
		w.logger.Warn("voluntary release failed, lease sweep will recover the job",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.logger.Info("released job on shutdown", zap.String("job_id", job.ID))
}

// afterCompletion archives the finished job and publishes a completion
// event. Both are best effort; the queue store already holds the result.
func (w *Worker) afterCompletion(ctx context.Context, jobID string) {
	job, err := w.coord.GetJob(ctx, jobID)
	if err != nil {
		w.logger.Warn("reload completed job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status != fleet.JobStatusDone {
		return
	}

	if w.archive != nil {
		if err := w.archive.ArchiveJob(ctx, job); err != nil {
			w.logger.Warn("archive job", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	if err := w.publishCompletion(ctx, job); err != nil {
		w.logger.Warn("publish completion", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (w *Worker) publishCompletion(ctx context.Context, job fleet.Job) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	payload := map[string]any{
		"job_id":    job.ID,
		"subject":   job.Target.Subject,
		"status":    string(job.Status),
		"pages":     job.Progress.PagesFetched,
		"items":     job.Progress.Items,
		"worker_id": w.id,
		"timestamp": w.clock.Now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
