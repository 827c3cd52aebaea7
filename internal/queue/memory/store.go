// Package memory provides an in-memory queue store for development and
// testing. It mirrors the semantics of the Redis-backed store, including
// owner-guarded lease mutations, behind a single mutex.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harrierlabs/fleetscrape/internal/fleet"
)

// Store implements fleet.QueueStore in process memory.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]fleet.Job
	pending []string // job IDs ordered by (created_at, id)
	workers map[string]fleet.WorkerStatus
	clock   fleet.Clock
}

// NewStore constructs a Store using the provided clock.
func NewStore(clock fleet.Clock) *Store {
	return &Store{
		jobs:    make(map[string]fleet.Job),
		workers: make(map[string]fleet.WorkerStatus),
		clock:   clock,
	}
}

// Submit stores the job and appends it to the pending queue.
func (s *Store) Submit(_ context.Context, job fleet.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	s.pending = append(s.pending, job.ID)
	s.sortPendingLocked()
	return nil
}

// Claim pops the oldest pending job and tags it with the worker's lease.
func (s *Store) Claim(_ context.Context, workerID string, leaseDuration time.Duration) (*fleet.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	id := s.pending[0]
	s.pending = s.pending[1:]
	job := s.jobs[id]
	expiry := s.clock.Now().Add(leaseDuration)
	job.Status = fleet.JobStatusClaimed
	job.LeaseOwner = workerID
	job.LeaseExpiresAt = &expiry
	s.jobs[id] = job
	out := job
	return &out, nil
}

// ExtendLease renews the lease while the caller still owns it.
func (s *Store) ExtendLease(_ context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.ownedLocked(jobID, workerID)
	if err != nil {
		return err
	}
	expiry := s.clock.Now().Add(leaseDuration)
	job.LeaseExpiresAt = &expiry
	s.jobs[jobID] = job
	return nil
}

// MarkInProgress flips a claimed job to in_progress.
func (s *Store) MarkInProgress(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.ownedLocked(jobID, workerID)
	if err != nil {
		return err
	}
	job.Status = fleet.JobStatusInProgress
	s.jobs[jobID] = job
	return nil
}

// RecordProgress updates the job's counters.
func (s *Store) RecordProgress(_ context.Context, jobID, workerID string, progress fleet.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.ownedLocked(jobID, workerID)
	if err != nil {
		return err
	}
	job.Progress = progress
	s.jobs[jobID] = job
	return nil
}

// Complete marks the job done, records the result, and releases the lease.
// A repeat call by the same owner is a no-op.
func (s *Store) Complete(_ context.Context, jobID, workerID string, result fleet.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fleet.ErrJobNotFound
	}
	if job.Status == fleet.JobStatusDone {
		// Idempotent: the first result stands.
		return nil
	}
	if job.LeaseOwner != workerID {
		return fleet.ErrLeaseNotOwned
	}
	job.Status = fleet.JobStatusDone
	job.Result = &result
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	s.jobs[jobID] = job
	return nil
}

// Fail releases the lease and either requeues the job or dead-letters it.
func (s *Store) Fail(_ context.Context, jobID, workerID string, recoverable bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fleet.ErrJobNotFound
	}
	if job.Status.Terminal() || job.Status == fleet.JobStatusPending {
		// Already resolved or requeued by another actor.
		return fleet.ErrLeaseNotOwned
	}
	if job.LeaseOwner != workerID {
		return fleet.ErrLeaseNotOwned
	}
	job.AttemptCount++
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	job.ErrorText = reason
	if recoverable && job.AttemptCount < job.MaxAttempts {
		job.Status = fleet.JobStatusPending
		// The next attempt restarts from the first page.
		job.Progress = fleet.Progress{}
		s.jobs[jobID] = job
		s.pending = append(s.pending, jobID)
		s.sortPendingLocked()
		return nil
	}
	job.Status = fleet.JobStatusDead
	s.jobs[jobID] = job
	return nil
}

// ExpiredLeases lists claimed jobs whose lease has lapsed.
func (s *Store) ExpiredLeases(_ context.Context, now time.Time) ([]fleet.ExpiredLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fleet.ExpiredLease
	for id, job := range s.jobs {
		if job.LeaseExpiresAt == nil || job.LeaseOwner == "" {
			continue
		}
		if job.LeaseExpiresAt.After(now) {
			continue
		}
		out = append(out, fleet.ExpiredLease{JobID: id, LeaseOwner: job.LeaseOwner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (fleet.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fleet.Job{}, fleet.ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns the newest jobs first.
func (s *Store) ListJobs(_ context.Context, limit int) ([]fleet.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fleet.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Heartbeat upserts the worker's liveness record.
func (s *Store) Heartbeat(_ context.Context, status fleet.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[status.ID] = status
	return nil
}

// Workers lists all known worker records.
func (s *Store) Workers(_ context.Context) ([]fleet.WorkerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fleet.WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ownedLocked(jobID, workerID string) (fleet.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return fleet.Job{}, fleet.ErrJobNotFound
	}
	if job.LeaseOwner != workerID || job.Status.Terminal() || job.Status == fleet.JobStatusPending {
		return fleet.Job{}, fleet.ErrLeaseNotOwned
	}
	return job, nil
}

func (s *Store) sortPendingLocked() {
	sort.Slice(s.pending, func(i, j int) bool {
		a, b := s.jobs[s.pending[i]], s.jobs[s.pending[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
