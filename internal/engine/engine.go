// Package engine runs a claimed job end to end: paging through the target's
// content, renewing the lease as it goes, and rotating identities and
// sessions when the upstream pushes back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/harrierlabs/fleetscrape/internal/fleet"
	"github.com/harrierlabs/fleetscrape/internal/metrics"
	"github.com/harrierlabs/fleetscrape/internal/rotation"
	"github.com/harrierlabs/fleetscrape/internal/session"
)

// Config tunes pacing, lease renewal, and rotation budgets.
type Config struct {
	LeaseDuration        time.Duration
	PagesPerSecond       float64
	SessionCooldown      time.Duration
	MaxSessionRotations  int
	MaxIdentityRotations int
	BlobPrefix           string
	BlobContentType      string
}

// Engine executes claimed jobs for one worker.
type Engine struct {
	store      fleet.QueueStore
	fetcher    fleet.PageFetcher
	identities *rotation.Manager
	sessions   *session.Pool
	blobs      fleet.BlobStore
	clock      fleet.Clock
	limiter    *rate.Limiter
	logger     *zap.Logger
	cfg        Config
	workerID   string
}

// Assignment reports which identity and session the engine is currently
// scraping through, for the heartbeat record.
type Assignment struct {
	IdentityRef     string
	BackendEndpoint string
	SessionAccount  string
}

// New constructs an Engine. blobs may be nil when raw page persistence is
// disabled.
func New(workerID string, store fleet.QueueStore, fetcher fleet.PageFetcher,
	identities *rotation.Manager, sessions *session.Pool, blobs fleet.BlobStore,
	clock fleet.Clock, cfg Config, logger *zap.Logger) *Engine {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.PagesPerSecond <= 0 {
		cfg.PagesPerSecond = 1
	}
	if cfg.SessionCooldown <= 0 {
		cfg.SessionCooldown = 5 * time.Minute
	}
	if cfg.MaxSessionRotations <= 0 {
		cfg.MaxSessionRotations = 3
	}
	if cfg.MaxIdentityRotations <= 0 {
		cfg.MaxIdentityRotations = 3
	}
	if cfg.BlobContentType == "" {
		cfg.BlobContentType = "application/json"
	}
	return &Engine{
		store:      store,
		fetcher:    fetcher,
		identities: identities,
		sessions:   sessions,
		blobs:      blobs,
		clock:      clock,
		limiter:    rate.NewLimiter(rate.Limit(cfg.PagesPerSecond), 1),
		logger:     logger,
		cfg:        cfg,
		workerID:   workerID,
	}
}

// Run drives one claimed job to a terminal state. It marks the job
// in_progress, pages until the cursor runs out, then completes it. Upstream
// pushback rotates the session or identity up to the configured budgets;
// past budget the job is failed recoverably so another attempt can pick it
// up later. A canceled context returns ctx.Err() without deciding the job's
// fate, so the caller can release the lease on its own terms.
//
// onAssignment, when non-nil, is invoked whenever the identity or session
// in use changes.
func (e *Engine) Run(ctx context.Context, job *fleet.Job, onAssignment func(Assignment)) error {
	started := e.clock.Now()
	log := e.logger.With(zap.String("job_id", job.ID), zap.String("subject", job.Target.Subject))

	if err := e.store.MarkInProgress(ctx, job.ID, e.workerID); err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}

	handle, err := e.identities.Acquire(e.workerID)
	if err != nil {
		return e.failJob(ctx, job, true, "no healthy identity available", log)
	}
	sess, err := e.sessions.Acquire(handle.BackendEndpoint)
	if err != nil {
		return e.failJob(ctx, job, true, "no available session", log)
	}
	notify := func() {
		if onAssignment != nil {
			onAssignment(Assignment{
				IdentityRef:     handle.IdentityRef,
				BackendEndpoint: handle.BackendEndpoint,
				SessionAccount:  sess.AccountRef,
			})
		}
	}
	notify()

	// Retried jobs restart from the first page; neither cursors nor
	// progress counters are durable across attempts.
	var (
		items             []fleet.Page
		cursor            string
		progress          fleet.Progress
		sessionRotations  int
		identityRotations int
	)

	for {
		if err := e.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		page, ferr := e.fetcher.FetchPage(ctx, fleet.PageRequest{
			Target:          job.Target,
			Cursor:          cursor,
			BackendEndpoint: handle.BackendEndpoint,
			Session:         sess,
		})
		if ferr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch {
			case errors.Is(ferr, fleet.ErrRateLimited):
				metrics.ObservePage(job.Target.Subject, "rate_limited")
				e.sessions.ReportRateLimited(sess.AccountRef, e.cfg.SessionCooldown)
				sessionRotations++
				if sessionRotations > e.cfg.MaxSessionRotations {
					return e.failJob(ctx, job, true, "rate limited across session budget", log)
				}
				sess, err = e.sessions.Acquire(handle.BackendEndpoint)
				if err != nil {
					return e.failJob(ctx, job, true, "rate limited and no session left", log)
				}
				log.Info("rotated session after rate limit", zap.String("account", sess.AccountRef))
				notify()
				continue

			case errors.Is(ferr, fleet.ErrCredentialExpired):
				metrics.ObservePage(job.Target.Subject, "credential_expired")
				e.sessions.ReportInvalid(sess.AccountRef)
				sessionRotations++
				if sessionRotations > e.cfg.MaxSessionRotations {
					return e.failJob(ctx, job, true, "credentials expired across session budget", log)
				}
				sess, err = e.sessions.Acquire(handle.BackendEndpoint)
				if err != nil {
					return e.failJob(ctx, job, true, "credentials expired and no session left", log)
				}
				notify()
				continue

			case errors.Is(ferr, fleet.ErrBackendUnreachable):
				metrics.ObservePage(job.Target.Subject, "unreachable")
				e.identities.ReportOutcome(handle.ID, fleet.OutcomeUnreachable)
				identityRotations++
				if identityRotations > e.cfg.MaxIdentityRotations {
					return e.failJob(ctx, job, true, "backend unreachable across identity budget", log)
				}
				handle, err = e.identities.Acquire(e.workerID)
				if err != nil {
					return e.failJob(ctx, job, true, "backend unreachable and no identity left", log)
				}
				log.Info("rotated identity after unreachable backend",
					zap.String("identity", handle.IdentityRef))
				notify()
				continue

			case errors.Is(ferr, fleet.ErrTargetNotFound):
				metrics.ObservePage(job.Target.Subject, "not_found")
				return e.failJob(ctx, job, false, ferr.Error(), log)

			default:
				return e.failJob(ctx, job, true, ferr.Error(), log)
			}
		}

		e.identities.ReportOutcome(handle.ID, fleet.OutcomeOK)
		metrics.ObservePage(job.Target.Subject, "ok")
		items = append(items, page)
		progress.PagesFetched++
		progress.Items += len(page.Items)
		progress.Step = "paging"

		if err := e.store.ExtendLease(ctx, job.ID, e.workerID, e.cfg.LeaseDuration); err != nil {
			// Lost the lease mid-scrape; the sweeper already requeued the
			// job, so stop without touching it further.
			log.Warn("lease lost mid-scrape", zap.Error(err))
			return err
		}
		if err := e.store.RecordProgress(ctx, job.ID, e.workerID, progress); err != nil {
			return err
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	result := e.assembleResult(ctx, job, items, log)
	if err := e.store.Complete(ctx, job.ID, e.workerID, result); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	metrics.ObserveScrapeDuration("done", e.clock.Now().Sub(started))
	log.Info("job complete",
		zap.Int("pages", result.PageCount),
		zap.Int("items", len(result.Items)))
	return nil
}

func (e *Engine) assembleResult(ctx context.Context, job *fleet.Job, pages []fleet.Page, log *zap.Logger) fleet.Result {
	result := fleet.Result{
		PageCount:   len(pages),
		CompletedAt: e.clock.Now(),
	}
	for i, page := range pages {
		result.Items = append(result.Items, page.Items...)
		if e.blobs == nil || len(page.Raw) == 0 {
			continue
		}
		path := fmt.Sprintf("%s/%s/page-%04d.json", e.cfg.BlobPrefix, job.ID, i)
		uri, err := e.blobs.PutObject(ctx, path, e.cfg.BlobContentType, page.Raw)
		if err != nil {
			// Raw page archival is best effort; the parsed items are the
			// record of truth.
			log.Warn("store raw page", zap.Int("page", i), zap.Error(err))
			continue
		}
		result.BlobURIs = append(result.BlobURIs, uri)
	}
	return result
}

func (e *Engine) failJob(ctx context.Context, job *fleet.Job, recoverable bool, reason string, log *zap.Logger) error {
	if err := e.store.Fail(ctx, job.ID, e.workerID, recoverable, reason); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	outcome := "failed"
	if !recoverable {
		outcome = "dead"
	}
	metrics.ObserveScrapeDuration(outcome, e.clock.Now().Sub(job.CreatedAt))
	log.Warn("job failed", zap.Bool("recoverable", recoverable), zap.String("reason", reason))
	return nil
}
