// Package liveness tracks worker aliveness and recovers work from workers
// that silently die. Workers emit heartbeats into the queue store; a
// periodic sweep requeues claimed jobs whose lease lapsed. The sweep is the
// sole requeue path for dead or hung workers and needs no cooperation from
// them.
package liveness

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/harrierlabs/fleetscrape/internal/fleet"
	"github.com/harrierlabs/fleetscrape/internal/metrics"
)

// FailFunc releases an expired lease; the owner guard inside makes
// concurrent sweeps idempotent.
type FailFunc func(ctx context.Context, jobID, workerID string, recoverable bool, reason string) error

// Emitter periodically refreshes a worker's liveness record.
type Emitter struct {
	store    fleet.QueueStore
	clock    fleet.Clock
	interval time.Duration
	logger   *zap.Logger

	workerID   string
	currentJob atomic.Value // string
	identity   atomic.Value // fleet.IdentityHandle subset
}

// NewEmitter constructs an Emitter for the worker.
func NewEmitter(store fleet.QueueStore, clock fleet.Clock, workerID string, interval time.Duration, logger *zap.Logger) *Emitter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	e := &Emitter{
		store:    store,
		clock:    clock,
		interval: interval,
		logger:   logger,
		workerID: workerID,
	}
	e.currentJob.Store("")
	e.identity.Store(assignment{})
	return e
}

type assignment struct {
	identityRef string
	backend     string
	session     string
}

// SetCurrentJob records the job the worker is processing ("" when idle).
func (e *Emitter) SetCurrentJob(jobID string) {
	e.currentJob.Store(jobID)
}

// SetAssignment records the worker's active identity/backend/session refs.
func (e *Emitter) SetAssignment(identityRef, backendEndpoint, sessionAccount string) {
	e.identity.Store(assignment{
		identityRef: identityRef,
		backend:     backendEndpoint,
		session:     sessionAccount,
	})
}

// Run beats until the context finishes. One immediate beat registers the
// worker before the first tick.
func (e *Emitter) Run(ctx context.Context) {
	e.beat(ctx)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.beat(ctx)
		}
	}
}

func (e *Emitter) beat(ctx context.Context) {
	asn, _ := e.identity.Load().(assignment)
	status := fleet.WorkerStatus{
		ID:              e.workerID,
		LastHeartbeatAt: e.clock.Now(),
		CurrentJobID:    e.currentJob.Load().(string),
		IdentityRef:     asn.identityRef,
		BackendEndpoint: asn.backend,
		SessionAccount:  asn.session,
	}
	if err := e.store.Heartbeat(ctx, status); err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Warn("heartbeat failed", zap.Error(err))
		return
	}
	metrics.ObserveHeartbeat(e.workerID)
}

// Sweeper requeues jobs held by lapsed leases. Safe to run from every
// worker process concurrently: the fail path is owner-guarded, so a
// double-sweep is a no-op on the second actor.
type Sweeper struct {
	store    fleet.QueueStore
	fail     FailFunc
	clock    fleet.Clock
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store fleet.QueueStore, fail FailFunc, clock fleet.Clock, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{
		store:    store,
		fail:     fail,
		clock:    clock,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps on the configured interval until the context finishes.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("lease sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce requeues every job whose lease expired and returns how many it
// recovered.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired, err := s.store.ExpiredLeases(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, lease := range expired {
		err := s.fail(ctx, lease.JobID, lease.LeaseOwner, true, "lease expired")
		if errors.Is(err, fleet.ErrLeaseNotOwned) || errors.Is(err, fleet.ErrJobNotFound) {
			// Another sweeper got there first.
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
		metrics.ObserveLeaseExpiry()
		s.logger.Warn("requeued job from dead worker",
			zap.String("job_id", lease.JobID),
			zap.String("lease_owner", lease.LeaseOwner),
		)
	}
	return recovered, nil
}

// StaleAfter reports whether a worker heartbeat is older than the TTL.
func StaleAfter(status fleet.WorkerStatus, now time.Time, ttl time.Duration) bool {
	return now.Sub(status.LastHeartbeatAt) > ttl
}
