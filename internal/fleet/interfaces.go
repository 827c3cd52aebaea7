package fleet

import (
	"context"
	"time"
)

// QueueStore is the shared, persistent, atomic-operation store that mediates
// all cross-worker coordination. Claim, ExtendLease, Complete, and Fail are
// each a single indivisible operation: two workers can never observe the
// same pending job as claimable, and every owner-guarded mutation fails with
// ErrLeaseNotOwned when the caller's lease is stale.
type QueueStore interface {
	// Submit stores the job and places it in the pending queue.
	Submit(ctx context.Context, job Job) error

	// Claim atomically pops the oldest pending job, tags it with the worker
	// and a lease expiring after leaseDuration, and returns it. A nil job
	// with nil error means the queue is empty.
	Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*Job, error)

	// ExtendLease renews the caller's lease for another leaseDuration.
	ExtendLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error

	// MarkInProgress flips a claimed job to in_progress, owner-guarded.
	MarkInProgress(ctx context.Context, jobID, workerID string) error

	// RecordProgress updates per-job counters, owner-guarded.
	RecordProgress(ctx context.Context, jobID, workerID string, progress Progress) error

	// Complete marks the job done with the result and releases the lease.
	// Calling it twice with the same owner is a no-op.
	Complete(ctx context.Context, jobID, workerID string, result Result) error

	// Fail releases the lease. Recoverable failures below the attempt
	// budget return the job to pending with attempt_count incremented;
	// anything else goes dead.
	Fail(ctx context.Context, jobID, workerID string, recoverable bool, reason string) error

	// ExpiredLeases lists claimed jobs whose lease passed before now,
	// paired with the owner observed at scan time.
	ExpiredLeases(ctx context.Context, now time.Time) ([]ExpiredLease, error)

	// GetJob fetches a job by ID.
	GetJob(ctx context.Context, jobID string) (Job, error)

	// ListJobs returns the most recently created jobs, newest first.
	ListJobs(ctx context.Context, limit int) ([]Job, error)

	// Heartbeat upserts the worker's liveness record.
	Heartbeat(ctx context.Context, status WorkerStatus) error

	// Workers lists all known worker liveness records.
	Workers(ctx context.Context) ([]WorkerStatus, error)
}

// ExpiredLease pairs a job with the lease owner seen when the sweep ran.
type ExpiredLease struct {
	JobID      string
	LeaseOwner string
}

// PageFetcher retrieves one page of paginated upstream content. Transient
// conditions surface as ErrRateLimited or ErrBackendUnreachable.
type PageFetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// Publisher pushes completion events downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw page payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// ResultArchive persists finished jobs outside the queue store.
type ResultArchive interface {
	ArchiveJob(ctx context.Context, job Job) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
