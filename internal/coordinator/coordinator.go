// Package coordinator owns the scrape job lifecycle: submission, atomic
// claim, lease renewal, completion, and retry/dead-letter accounting. All
// state lives in the queue store; the coordinator validates input, applies
// lifecycle policy, and emits telemetry.
package coordinator

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/harrierlabs/fleetscrape/internal/fleet"
	"github.com/harrierlabs/fleetscrape/internal/metrics"
)

var subjectPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,63}$`)

// Config controls lifecycle policy.
type Config struct {
	LeaseDuration time.Duration
	MaxAttempts   int
}

// Coordinator mediates every job state transition.
type Coordinator struct {
	store  fleet.QueueStore
	idGen  fleet.IDGenerator
	clock  fleet.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Coordinator.
func New(store fleet.QueueStore, idGen fleet.IDGenerator, clock fleet.Clock, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Coordinator{
		store:  store,
		idGen:  idGen,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Submit validates the target and enqueues a pending job, visible to claim
// loops as soon as it returns.
func (c *Coordinator) Submit(ctx context.Context, target fleet.Target) (string, error) {
	if err := validateTarget(target); err != nil {
		return "", err
	}
	id, err := c.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := fleet.Job{
		ID:          id,
		Target:      target,
		Status:      fleet.JobStatusPending,
		MaxAttempts: c.cfg.MaxAttempts,
		CreatedAt:   c.clock.Now(),
	}
	if err := c.store.Submit(ctx, job); err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	metrics.ObserveJob("submitted")
	c.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("subject", target.Subject),
	)
	return id, nil
}

// Claim atomically hands the oldest pending job to the worker, or nil when
// the queue is empty.
func (c *Coordinator) Claim(ctx context.Context, workerID string) (*fleet.Job, error) {
	job, err := c.store.Claim(ctx, workerID, c.cfg.LeaseDuration)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		metrics.ObserveClaim("empty")
		return nil, nil
	}
	metrics.ObserveClaim("claimed")
	c.logger.Info("job claimed",
		zap.String("job_id", job.ID),
		zap.String("worker_id", workerID),
		zap.Int("attempt", job.AttemptCount+1),
	)
	return job, nil
}

// ExtendLease renews the worker's lease. ErrLeaseNotOwned means another
// owner reclaimed the job and the caller must abandon it.
func (c *Coordinator) ExtendLease(ctx context.Context, jobID, workerID string) error {
	return c.store.ExtendLease(ctx, jobID, workerID, c.cfg.LeaseDuration)
}

// MarkInProgress records that the scrape for a claimed job started.
func (c *Coordinator) MarkInProgress(ctx context.Context, jobID, workerID string) error {
	return c.store.MarkInProgress(ctx, jobID, workerID)
}

// RecordProgress updates per-job counters, owner-guarded.
func (c *Coordinator) RecordProgress(ctx context.Context, jobID, workerID string, progress fleet.Progress) error {
	return c.store.RecordProgress(ctx, jobID, workerID, progress)
}

// Complete marks the job done with its result.
func (c *Coordinator) Complete(ctx context.Context, jobID, workerID string, result fleet.Result) error {
	if err := c.store.Complete(ctx, jobID, workerID, result); err != nil {
		return err
	}
	metrics.ObserveJob("done")
	c.logger.Info("job completed",
		zap.String("job_id", jobID),
		zap.String("worker_id", workerID),
		zap.Int("pages", result.PageCount),
		zap.Int("items", len(result.Items)),
	)
	return nil
}

// Fail releases the lease. Recoverable failures under the attempt budget
// requeue the job; everything else dead-letters it.
func (c *Coordinator) Fail(ctx context.Context, jobID, workerID string, recoverable bool, reason string) error {
	if err := c.store.Fail(ctx, jobID, workerID, recoverable, reason); err != nil {
		return err
	}
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	status := "requeued"
	if job.Status == fleet.JobStatusDead {
		status = "dead"
	}
	metrics.ObserveJob(status)
	c.logger.Warn("job failed",
		zap.String("job_id", jobID),
		zap.String("worker_id", workerID),
		zap.String("disposition", status),
		zap.Int("attempts", job.AttemptCount),
		zap.String("reason", reason),
	)
	return nil
}

// GetJob fetches a job by ID.
func (c *Coordinator) GetJob(ctx context.Context, jobID string) (fleet.Job, error) {
	return c.store.GetJob(ctx, jobID)
}

// ListJobs returns the newest jobs first.
func (c *Coordinator) ListJobs(ctx context.Context, limit int) ([]fleet.Job, error) {
	return c.store.ListJobs(ctx, limit)
}

func validateTarget(target fleet.Target) error {
	if !subjectPattern.MatchString(target.Subject) {
		return fmt.Errorf("%w: subject %q", fleet.ErrInvalidTarget, target.Subject)
	}
	if target.Since != nil && target.Until != nil && target.Since.After(*target.Until) {
		return fmt.Errorf("%w: time range is inverted", fleet.ErrInvalidTarget)
	}
	return nil
}
