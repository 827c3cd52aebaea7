// Package fleet defines core types shared across subsystems.
package fleet

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the queue store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusClaimed    JobStatus = "claimed"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
	JobStatusDead       JobStatus = "dead"
)

// Target identifies the subject of a scrape job plus an optional time range.
type Target struct {
	Subject string     `json:"subject"`
	Since   *time.Time `json:"since,omitempty"`
	Until   *time.Time `json:"until,omitempty"`
}

// Progress tracks per-job counters updated as pages come in.
type Progress struct {
	PagesFetched int    `json:"pages_fetched"`
	Items        int    `json:"items"`
	Step         string `json:"step,omitempty"`
}

// Result holds the accumulated page payloads for a finished job.
type Result struct {
	Items       []json.RawMessage `json:"items"`
	PageCount   int               `json:"page_count"`
	BlobURIs    []string          `json:"blob_uris,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Job is the metadata persisted for each submitted scrape request.
//
// Exactly one of pending-queue membership or claimed-set membership with a
// non-nil lease holds at any time; the queue store enforces this inside its
// atomic operations.
type Job struct {
	ID             string     `json:"id"`
	Target         Target     `json:"target"`
	Status         JobStatus  `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	MaxAttempts    int        `json:"max_attempts"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Progress       Progress   `json:"progress"`
	Result         *Result    `json:"result,omitempty"`
	ErrorText      string     `json:"error_text,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusDead:
		return true
	default:
		return false
	}
}

// WorkerStatus is the liveness record a worker maintains in the queue store.
type WorkerStatus struct {
	ID              string    `json:"id"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	CurrentJobID    string    `json:"current_job_id,omitempty"`
	IdentityRef     string    `json:"identity_ref,omitempty"`
	BackendEndpoint string    `json:"backend_endpoint,omitempty"`
	SessionAccount  string    `json:"session_account,omitempty"`
}

// IdentityHealth classifies an identity handle.
type IdentityHealth string

// Identity handle health states.
const (
	IdentityHealthy  IdentityHealth = "healthy"
	IdentityDegraded IdentityHealth = "degraded"
	IdentityUnknown  IdentityHealth = "unknown"
)

// IdentityHandle is a (network-identity, backend-endpoint) pair usable for
// one upstream connection path.
type IdentityHandle struct {
	ID              string
	BackendEndpoint string
	IdentityRef     string
	Health          IdentityHealth
	LastCheckedAt   time.Time
	AssignedWorker  string
}

// Outcome classifies a single upstream request through an identity handle.
type Outcome string

// Outcome values reported back to the rotation manager.
const (
	OutcomeOK          Outcome = "ok"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeUnreachable Outcome = "unreachable"
)

// SessionHealth classifies an upstream authentication session.
type SessionHealth string

// Session health states. Expired sessions are never revived automatically.
const (
	SessionValid       SessionHealth = "valid"
	SessionRateLimited SessionHealth = "rate_limited"
	SessionExpired     SessionHealth = "expired"
)

// Session is an upstream authentication credential pair subject to
// per-account rate limiting.
type Session struct {
	AccountRef    string
	AuthToken     string
	CSRFToken     string
	Health        SessionHealth
	LastUsedAt    time.Time
	CooldownUntil *time.Time
}

// Page is one page of upstream content plus the continuation cursor.
type Page struct {
	Items      []json.RawMessage
	NextCursor string
	Raw        []byte
}

// PageRequest captures everything needed to fetch one page of a target.
type PageRequest struct {
	Target          Target
	Cursor          string
	BackendEndpoint string
	Session         Session
}
