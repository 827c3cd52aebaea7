package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harrierlabs/fleetscrape/internal/fleet"
	"github.com/harrierlabs/fleetscrape/internal/metrics"
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

func newPool(t *testing.T, accounts ...string) (*Pool, *fakeClock, *[]string) {
	t.Helper()
	metrics.Init()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	sessions := make([]fleet.Session, 0, len(accounts))
	for _, acct := range accounts {
		sessions = append(sessions, fleet.Session{
			AccountRef: acct,
			AuthToken:  "token-" + acct,
			CSRFToken:  "csrf-" + acct,
		})
	}
	var notified []string
	notify := func(accountRef string) { notified = append(notified, accountRef) }
	return NewPool(sessions, clock, notify, zap.NewNop()), clock, &notified
}

func TestAcquireRoundRobins(t *testing.T) {
	t.Parallel()

	pool, _, _ := newPool(t, "a", "b", "c")
	var got []string
	for i := 0; i < 6; i++ {
		s, err := pool.Acquire("http://backend")
		require.NoError(t, err)
		got = append(got, s.AccountRef)
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestRateLimitedSessionSkippedDuringCooldown(t *testing.T) {
	t.Parallel()

	pool, clock, _ := newPool(t, "a", "b")
	pool.ReportRateLimited("a", 5*time.Minute)

	for i := 0; i < 3; i++ {
		s, err := pool.Acquire("http://backend")
		require.NoError(t, err)
		require.Equal(t, "b", s.AccountRef)
	}

	// Cooldown lapses; "a" rejoins the rotation.
	clock.Advance(5*time.Minute + time.Second)
	accounts := map[string]bool{}
	for i := 0; i < 2; i++ {
		s, err := pool.Acquire("http://backend")
		require.NoError(t, err)
		accounts[s.AccountRef] = true
	}
	require.True(t, accounts["a"])
	require.True(t, accounts["b"])
}

func TestExpiredSessionNeverReturns(t *testing.T) {
	t.Parallel()

	pool, clock, notified := newPool(t, "a", "b")
	pool.ReportInvalid("a")
	require.Equal(t, []string{"a"}, *notified)

	clock.Advance(24 * time.Hour)
	for i := 0; i < 4; i++ {
		s, err := pool.Acquire("http://backend")
		require.NoError(t, err)
		require.Equal(t, "b", s.AccountRef)
	}
}

func TestExpiredWinsOverRateLimit(t *testing.T) {
	t.Parallel()

	pool, clock, _ := newPool(t, "a")
	pool.ReportInvalid("a")
	// A later rate-limit report must not revive an expired credential.
	pool.ReportRateLimited("a", time.Minute)
	clock.Advance(time.Hour)

	_, err := pool.Acquire("http://backend")
	require.ErrorIs(t, err, fleet.ErrNoAvailableSession)
}

func TestAcquireExhaustedPool(t *testing.T) {
	t.Parallel()

	pool, _, _ := newPool(t, "a", "b")
	pool.ReportRateLimited("a", time.Minute)
	pool.ReportInvalid("b")

	_, err := pool.Acquire("http://backend")
	require.ErrorIs(t, err, fleet.ErrNoAvailableSession)
}

func TestAcquireEmptyPool(t *testing.T) {
	t.Parallel()

	pool, _, _ := newPool(t)
	_, err := pool.Acquire("http://backend")
	require.ErrorIs(t, err, fleet.ErrNoAvailableSession)
}
