package fleet

import "errors"

// Sentinel errors shared across subsystems. Callers classify with errors.Is.
var (
	// ErrInvalidTarget rejects a malformed target at submission; the job is
	// never created.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrLeaseNotOwned signals a stale-ownership race: the caller no longer
	// holds the lease and must abandon the job. Expected under crash
	// recovery, treated as normal control flow.
	ErrLeaseNotOwned = errors.New("lease not owned")

	// ErrJobNotFound is returned by lookups for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")

	// ErrNoHealthyIdentity means every identity handle is degraded.
	ErrNoHealthyIdentity = errors.New("no healthy identity")

	// ErrNoAvailableSession means the session pool is exhausted: every
	// session is expired or cooling down. Terminal for the attempt, not for
	// the job.
	ErrNoAvailableSession = errors.New("no available session")

	// ErrRateLimited classifies an upstream response as per-account rate
	// limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrBackendUnreachable classifies a failed upstream connection path.
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrTargetNotFound means the upstream has no such subject; retrying
	// will not help.
	ErrTargetNotFound = errors.New("target not found")

	// ErrCredentialExpired marks a session credential as permanently
	// invalid; recovery requires an operator refresh.
	ErrCredentialExpired = errors.New("credential expired")
)
