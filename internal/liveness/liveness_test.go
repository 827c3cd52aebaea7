package liveness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harrierlabs/fleetscrape/internal/fleet"
	"github.com/harrierlabs/fleetscrape/internal/metrics"
	queueMemory "github.com/harrierlabs/fleetscrape/internal/queue/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) (*queueMemory.Store, *fakeClock) {
	t.Helper()
	metrics.Init()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	return queueMemory.NewStore(clock), clock
}

func TestEmitterBeatWritesWorkerRecord(t *testing.T) {
	t.Parallel()

	store, clock := newFixture(t)
	emitter := NewEmitter(store, clock, "w1", time.Second, zap.NewNop())
	emitter.SetCurrentJob("j1")
	emitter.SetAssignment("ident-a", "http://10.0.0.1:8000", "acct-1")

	emitter.beat(context.Background())

	workers, err := store.Workers(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, "w1", workers[0].ID)
	require.Equal(t, "j1", workers[0].CurrentJobID)
	require.Equal(t, "ident-a", workers[0].IdentityRef)
	require.Equal(t, "acct-1", workers[0].SessionAccount)
	require.Equal(t, clock.Now(), workers[0].LastHeartbeatAt)
}

func TestEmitterRunBeatsImmediately(t *testing.T) {
	t.Parallel()

	store, clock := newFixture(t)
	emitter := NewEmitter(store, clock, "w1", time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		emitter.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		workers, err := store.Workers(context.Background())
		return err == nil && len(workers) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emitter did not stop on cancel")
	}
}

func TestSweepRequeuesCrashedWorkersJob(t *testing.T) {
	t.Parallel()

	store, clock := newFixture(t)
	ctx := context.Background()
	require.NoError(t, store.Submit(ctx, fleet.Job{
		ID:          "j1",
		Target:      fleet.Target{Subject: "acme"},
		Status:      fleet.JobStatusPending,
		MaxAttempts: 3,
		CreatedAt:   clock.Now(),
	}))

	// A worker claims the job, then dies without heartbeating again.
	job, err := store.Claim(ctx, "dead-worker", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	sweeper := NewSweeper(store, store.Fail, clock, time.Second, zap.NewNop())

	// Lease still live: nothing to recover.
	recovered, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, recovered)

	clock.Advance(11 * time.Second)
	recovered, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, fleet.JobStatusPending, got.Status)
	require.Equal(t, 1, got.AttemptCount)
	require.Empty(t, got.LeaseOwner)

	// Another worker can pick it up.
	job, err = store.Claim(ctx, "w2", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "j1", job.ID)
}

func TestDoubleSweepIsNoOp(t *testing.T) {
	t.Parallel()

	store, clock := newFixture(t)
	ctx := context.Background()
	require.NoError(t, store.Submit(ctx, fleet.Job{
		ID:          "j1",
		Status:      fleet.JobStatusPending,
		MaxAttempts: 3,
		CreatedAt:   clock.Now(),
	}))
	_, err := store.Claim(ctx, "dead-worker", 10*time.Second)
	require.NoError(t, err)
	clock.Advance(11 * time.Second)

	expired, err := store.ExpiredLeases(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	sweeper := NewSweeper(store, store.Fail, clock, time.Second, zap.NewNop())
	recovered, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, recovered)

	// A second sweeper acting on the same stale snapshot hits the owner
	// guard and skips.
	for _, lease := range expired {
		err := store.Fail(ctx, lease.JobID, lease.LeaseOwner, true, "lease expired")
		require.ErrorIs(t, err, fleet.ErrLeaseNotOwned)
	}
	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, 1, got.AttemptCount)
}

func TestStaleAfter(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	ws := fleet.WorkerStatus{LastHeartbeatAt: now.Add(-20 * time.Second)}
	require.False(t, StaleAfter(ws, now, 30*time.Second))
	require.True(t, StaleAfter(ws, now, 10*time.Second))
}
