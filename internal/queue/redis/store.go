// Package redis implements the queue store on Redis. Pending jobs live in a
// sorted set scored by creation time so the oldest submission pops first,
// with lexical member order breaking ties deterministically. Every lifecycle
// mutation runs as a Lua script, so the pop-and-tag claim and each
// owner-guarded lease check are single indivisible operations.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harrierlabs/fleetscrape/internal/fleet"
)

// Config controls the Redis connection and key layout.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store implements fleet.QueueStore on a Redis instance.
type Store struct {
	rdb    *redis.Client
	prefix string
	clock  fleet.Clock
}

// New connects a Store. The caller owns the client lifecycle via Close.
func New(cfg Config, clock fleet.Clock) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "fleet"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{rdb: rdb, prefix: prefix, clock: clock}
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(rdb *redis.Client, prefix string, clock fleet.Clock) *Store {
	if prefix == "" {
		prefix = "fleet"
	}
	return &Store{rdb: rdb, prefix: prefix, clock: clock}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) pendingKey() string { return s.prefix + ":pending" }
func (s *Store) claimedKey() string { return s.prefix + ":claimed" }
func (s *Store) indexKey() string   { return s.prefix + ":jobs" }
func (s *Store) workersKey() string { return s.prefix + ":workers" }
func (s *Store) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", s.prefix, id)
}

// claimScript pops the oldest pending job and tags it with the worker's
// lease in the same atomic step.
//
// KEYS[1] pending zset, KEYS[2] claimed zset
// ARGV[1] job key prefix, ARGV[2] worker id, ARGV[3] lease expiry (unix ms)
var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
  return false
end
local id = popped[1]
local jk = ARGV[1] .. id
redis.call('HSET', jk,
  'status', 'claimed',
  'lease_owner', ARGV[2],
  'lease_expires_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], id)
return id
`)

// ownerGuardScript applies field updates only while the caller owns the
// lease. Optional ARGV[3] renews the claimed-set expiry score.
//
// KEYS[1] job key, KEYS[2] claimed zset
// ARGV[1] worker id, ARGV[2] job id, ARGV[3] new expiry ms or '',
// ARGV[4..] alternating field/value pairs
var ownerGuardScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'lease_owner')
local status = redis.call('HGET', KEYS[1], 'status')
if not owner then
  return 'missing'
end
if owner ~= ARGV[1] or status == 'done' or status == 'dead' or status == 'pending' then
  return 'stale'
end
for i = 4, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'lease_expires_at', ARGV[3])
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
end
return 'ok'
`)

// completeScript marks the job done and releases the lease. Repeat calls
// are no-ops so crash-replayed completions stay safe.
//
// KEYS[1] job key, KEYS[2] claimed zset
// ARGV[1] worker id, ARGV[2] job id, ARGV[3] result JSON, ARGV[4] now ms
var completeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 'missing'
end
if status == 'done' then
  return 'ok'
end
local owner = redis.call('HGET', KEYS[1], 'lease_owner')
if owner ~= ARGV[1] or status == 'dead' or status == 'pending' then
  return 'stale'
end
redis.call('HSET', KEYS[1],
  'status', 'done',
  'result', ARGV[3],
  'completed_at', ARGV[4],
  'lease_owner', '',
  'lease_expires_at', '',
  'error_text', '')
redis.call('ZREM', KEYS[2], ARGV[2])
return 'ok'
`)

// failScript increments the attempt count and either requeues the job at
// its original position or dead-letters it. A requeue clears the progress
// counters so the next attempt starts from the first page. The owner check
// makes a concurrent double-sweep a no-op on the second actor.
//
// KEYS[1] job key, KEYS[2] claimed zset, KEYS[3] pending zset
// ARGV[1] worker id, ARGV[2] job id, ARGV[3] recoverable flag,
// ARGV[4] failure reason
var failScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 'missing'
end
if status == 'done' or status == 'dead' or status == 'pending' then
  return 'stale'
end
local owner = redis.call('HGET', KEYS[1], 'lease_owner')
if owner ~= ARGV[1] then
  return 'stale'
end
local attempts = redis.call('HINCRBY', KEYS[1], 'attempt_count', 1)
local max = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
redis.call('HSET', KEYS[1],
  'lease_owner', '',
  'lease_expires_at', '',
  'error_text', ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[2])
if ARGV[3] == '1' and attempts < max then
  redis.call('HSET', KEYS[1], 'status', 'pending', 'progress', '')
  local created = redis.call('HGET', KEYS[1], 'created_at')
  redis.call('ZADD', KEYS[3], created, ARGV[2])
  return 'requeued'
end
redis.call('HSET', KEYS[1], 'status', 'dead')
return 'dead'
`)

// expiredScript lists lapsed leases with the owner read in the same atomic
// step, re-checking each job's lease_expires_at against now. Reading the
// owner after a separate scan would let a sweep pair a job with a fresh
// owner that reclaimed it in between.
//
// KEYS[1] claimed zset
// ARGV[1] job key prefix, ARGV[2] now (unix ms)
var expiredScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local out = {}
for _, id in ipairs(ids) do
  local jk = ARGV[1] .. id
  local owner = redis.call('HGET', jk, 'lease_owner')
  local exp = redis.call('HGET', jk, 'lease_expires_at')
  if owner and owner ~= '' and exp and exp ~= '' and tonumber(exp) <= tonumber(ARGV[2]) then
    out[#out + 1] = id
    out[#out + 1] = owner
  end
end
return out
`)

// Submit writes the job hash and enqueues it scored by creation time.
func (s *Store) Submit(ctx context.Context, job fleet.Job) error {
	target, err := json.Marshal(job.Target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}
	created := job.CreatedAt.UnixMilli()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.jobKey(job.ID), map[string]any{
		"id":            job.ID,
		"target":        string(target),
		"status":        string(fleet.JobStatusPending),
		"attempt_count": job.AttemptCount,
		"max_attempts":  job.MaxAttempts,
		"created_at":    created,
	})
	pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(created), Member: job.ID})
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(created), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("submit job %s: %w", job.ID, err)
	}
	return nil
}

// Claim atomically pops the oldest pending job and tags the lease.
func (s *Store) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*fleet.Job, error) {
	expiry := s.clock.Now().Add(leaseDuration)
	res, err := claimScript.Run(ctx, s.rdb,
		[]string{s.pendingKey(), s.claimedKey()},
		s.prefix+":job:", workerID, expiry.UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}
	// Reading outside the script is safe: the lease is ours.
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load claimed job %s: %w", id, err)
	}
	return &job, nil
}

// ExtendLease renews the caller's lease.
func (s *Store) ExtendLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	expiry := s.clock.Now().Add(leaseDuration)
	return s.runOwnerGuard(ctx, jobID, workerID, expiry.UnixMilli())
}

// MarkInProgress flips a claimed job to in_progress.
func (s *Store) MarkInProgress(ctx context.Context, jobID, workerID string) error {
	return s.runOwnerGuard(ctx, jobID, workerID, 0,
		"status", string(fleet.JobStatusInProgress))
}

// RecordProgress updates the job's counters.
func (s *Store) RecordProgress(ctx context.Context, jobID, workerID string, progress fleet.Progress) error {
	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return s.runOwnerGuard(ctx, jobID, workerID, 0, "progress", string(raw))
}

// Complete marks the job done with the result.
func (s *Store) Complete(ctx context.Context, jobID, workerID string, result fleet.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res, err := completeScript.Run(ctx, s.rdb,
		[]string{s.jobKey(jobID), s.claimedKey()},
		workerID, jobID, string(raw), s.clock.Now().UnixMilli(),
	).Text()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return verdictErr(res)
}

// Fail releases the lease and requeues or dead-letters the job.
func (s *Store) Fail(ctx context.Context, jobID, workerID string, recoverable bool, reason string) error {
	flag := "0"
	if recoverable {
		flag = "1"
	}
	res, err := failScript.Run(ctx, s.rdb,
		[]string{s.jobKey(jobID), s.claimedKey(), s.pendingKey()},
		workerID, jobID, flag, reason,
	).Text()
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	if res == "requeued" || res == "dead" {
		return nil
	}
	return verdictErr(res)
}

// ExpiredLeases scans the claimed set for lapsed leases. The scan and the
// owner reads run as one script, so each returned pair reflects a lease
// that was still lapsed when its owner was read; a job reclaimed in the
// meantime is either absent or paired with the owner whose lease lapsed,
// which the owner guard in Fail then rejects.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]fleet.ExpiredLease, error) {
	res, err := expiredScript.Run(ctx, s.rdb,
		[]string{s.claimedKey()},
		s.prefix+":job:", now.UnixMilli(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("scan claimed set: %w", err)
	}
	out := make([]fleet.ExpiredLease, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		id, _ := res[i].(string)
		owner, _ := res[i+1].(string)
		if id == "" || owner == "" {
			continue
		}
		out = append(out, fleet.ExpiredLease{JobID: id, LeaseOwner: owner})
	}
	return out, nil
}

// GetJob reassembles a job from its hash.
func (s *Store) GetJob(ctx context.Context, jobID string) (fleet.Job, error) {
	fields, err := s.rdb.HGetAll(ctx, s.jobKey(jobID)).Result()
	if err != nil {
		return fleet.Job{}, fmt.Errorf("read job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return fleet.Job{}, fleet.ErrJobNotFound
	}
	return jobFromFields(fields)
}

// ListJobs returns the newest jobs first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]fleet.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("scan job index: %w", err)
	}
	out := make([]fleet.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err == fleet.ErrJobNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// Heartbeat upserts the worker's liveness record.
func (s *Store) Heartbeat(ctx context.Context, status fleet.WorkerStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal worker status: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.workersKey(), status.ID, string(raw)).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", status.ID, err)
	}
	return nil
}

// Workers lists all known worker records.
func (s *Store) Workers(ctx context.Context) ([]fleet.WorkerStatus, error) {
	raw, err := s.rdb.HGetAll(ctx, s.workersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	out := make([]fleet.WorkerStatus, 0, len(raw))
	for _, v := range raw {
		var ws fleet.WorkerStatus
		if err := json.Unmarshal([]byte(v), &ws); err != nil {
			return nil, fmt.Errorf("decode worker status: %w", err)
		}
		out = append(out, ws)
	}
	return out, nil
}

func (s *Store) runOwnerGuard(ctx context.Context, jobID, workerID string, expiryMs int64, fields ...string) error {
	expiry := ""
	if expiryMs > 0 {
		expiry = fmt.Sprintf("%d", expiryMs)
	}
	argv := make([]any, 0, 3+len(fields))
	argv = append(argv, workerID, jobID, expiry)
	for _, f := range fields {
		argv = append(argv, f)
	}
	res, err := ownerGuardScript.Run(ctx, s.rdb,
		[]string{s.jobKey(jobID), s.claimedKey()}, argv...,
	).Text()
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	return verdictErr(res)
}

func verdictErr(verdict string) error {
	switch verdict {
	case "ok":
		return nil
	case "missing":
		return fleet.ErrJobNotFound
	default:
		return fleet.ErrLeaseNotOwned
	}
}
