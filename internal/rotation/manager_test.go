package rotation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
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

type fakeProbe struct {
	mu     sync.Mutex
	errs   map[string]error
	checks []string
}

func (p *fakeProbe) Check(_ context.Context, endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks = append(p.checks, endpoint)
	return p.errs[endpoint]
}

func handlesFor(endpoints ...string) []fleet.IdentityHandle {
	out := make([]fleet.IdentityHandle, 0, len(endpoints))
	for i, ep := range endpoints {
		out = append(out, fleet.IdentityHandle{
			ID:              string(rune('a' + i)),
			IdentityRef:     "ident-" + string(rune('a'+i)),
			BackendEndpoint: ep,
		})
	}
	return out
}

func newManager(t *testing.T, probe Probe, endpoints ...string) (*Manager, *fakeClock) {
	t.Helper()
	metrics.Init()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	m := New(handlesFor(endpoints...), probe, clock, Config{
		Probation:     time.Minute,
		ProbeInterval: time.Second,
	}, zap.NewNop())
	return m, clock
}

func TestAcquirePrefersLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	m, clock := newManager(t, &fakeProbe{}, "http://ep-a", "http://ep-b")

	first, err := m.Acquire("w1")
	require.NoError(t, err)
	clock.Advance(time.Second)

	second, err := m.Acquire("w1")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	clock.Advance(time.Second)
	third, err := m.Acquire("w1")
	require.NoError(t, err)
	require.Equal(t, first.ID, third.ID)
}

func TestDegradedHandleSkipped(t *testing.T) {
	t.Parallel()

	m, clock := newManager(t, &fakeProbe{}, "http://ep-a", "http://ep-b")
	first, err := m.Acquire("w1")
	require.NoError(t, err)

	m.ReportOutcome(first.ID, fleet.OutcomeUnreachable)
	clock.Advance(time.Second)

	for i := 0; i < 3; i++ {
		h, err := m.Acquire("w1")
		require.NoError(t, err)
		require.NotEqual(t, first.ID, h.ID)
	}
}

func TestAllDegradedReturnsError(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, &fakeProbe{}, "http://ep-a")
	h, err := m.Acquire("w1")
	require.NoError(t, err)
	m.ReportOutcome(h.ID, fleet.OutcomeBlocked)

	_, err = m.Acquire("w1")
	require.ErrorIs(t, err, fleet.ErrNoHealthyIdentity)
}

func TestOKOutcomeRestoresHealth(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, &fakeProbe{}, "http://ep-a")
	h, err := m.Acquire("w1")
	require.NoError(t, err)

	m.ReportOutcome(h.ID, fleet.OutcomeBlocked)
	_, err = m.Acquire("w1")
	require.ErrorIs(t, err, fleet.ErrNoHealthyIdentity)

	m.ReportOutcome(h.ID, fleet.OutcomeOK)
	got, err := m.Acquire("w1")
	require.NoError(t, err)
	require.Equal(t, h.ID, got.ID)
	require.Equal(t, fleet.IdentityHealthy, got.Health)
}

func TestProbeRestoresDegradedAfterProbation(t *testing.T) {
	t.Parallel()

	probe := &fakeProbe{errs: map[string]error{}}
	m, clock := newManager(t, probe, "http://ep-a")
	h, err := m.Acquire("w1")
	require.NoError(t, err)
	m.ReportOutcome(h.ID, fleet.OutcomeUnreachable)

	// Probation has not lapsed yet: no probe fires.
	m.ProbeOnce(context.Background())
	require.Empty(t, probe.checks)

	clock.Advance(2 * time.Minute)
	m.ProbeOnce(context.Background())
	require.Equal(t, []string{"http://ep-a"}, probe.checks)

	got, err := m.Acquire("w1")
	require.NoError(t, err)
	require.Equal(t, h.ID, got.ID)
}

func TestProbeFailureExtendsProbation(t *testing.T) {
	t.Parallel()

	probe := &fakeProbe{errs: map[string]error{"http://ep-a": errors.New("refused")}}
	m, clock := newManager(t, probe, "http://ep-a")
	h, err := m.Acquire("w1")
	require.NoError(t, err)
	m.ReportOutcome(h.ID, fleet.OutcomeUnreachable)

	clock.Advance(2 * time.Minute)
	m.ProbeOnce(context.Background())
	_, err = m.Acquire("w1")
	require.ErrorIs(t, err, fleet.ErrNoHealthyIdentity)

	// Probation restarted: the next sweep inside the window skips it.
	m.ProbeOnce(context.Background())
	require.Len(t, probe.checks, 1)
}

func TestExclusiveHandleSkippedForOtherWorkers(t *testing.T) {
	t.Parallel()

	metrics.Init()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	handles := []fleet.IdentityHandle{
		{ID: "a", IdentityRef: "ident-a", BackendEndpoint: "http://ep-a", AssignedWorker: "w1"},
		{ID: "b", IdentityRef: "ident-b", BackendEndpoint: "http://ep-b"},
	}
	m := New(handles, &fakeProbe{}, clock, Config{}, zap.NewNop())

	h, err := m.Acquire("w2")
	require.NoError(t, err)
	require.Equal(t, "b", h.ID)

	h, err = m.Acquire("w1")
	require.NoError(t, err)
	require.Equal(t, "a", h.ID)
}

func TestHTTPProbeClassifiesResponses(t *testing.T) {
	t.Parallel()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	probe := NewHTTPProbe(time.Second)
	require.NoError(t, probe.Check(context.Background(), up.URL))
	require.Error(t, probe.Check(context.Background(), down.URL))
	require.Error(t, probe.Check(context.Background(), "http://127.0.0.1:1"))
}
