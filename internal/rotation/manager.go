// Package rotation manages the pool of (network-identity, backend-endpoint)
// pairs a worker may scrape through. A blocked or unreachable pair is
// degraded and sits out a probation window; a background probe restores it
// once the backend answers again. Rotation bounds the blast radius of a
// block to one probation window.
package rotation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harrierlabs/fleetscrape/internal/fleet"
	"github.com/harrierlabs/fleetscrape/internal/metrics"
)

// Probe checks whether a backend endpoint is reachable.
type Probe interface {
	Check(ctx context.Context, backendEndpoint string) error
}

// Config controls degradation and probing behavior.
type Config struct {
	Probation     time.Duration
	ProbeInterval time.Duration
}

type entry struct {
	handle         fleet.IdentityHandle
	lastUsedAt     time.Time
	probationUntil time.Time
}

// Manager tracks identity handle health and hands out the least-recently
// used healthy handle.
type Manager struct {
	mu      sync.Mutex
	entries []*entry
	probe   Probe
	clock   fleet.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Manager over the configured handles. Handles start with
// unknown health and are eligible for acquisition until proven degraded.
func New(handles []fleet.IdentityHandle, probe Probe, clock fleet.Clock, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Probation <= 0 {
		cfg.Probation = time.Minute
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	entries := make([]*entry, 0, len(handles))
	for _, h := range handles {
		if h.Health == "" {
			h.Health = fleet.IdentityUnknown
		}
		entries = append(entries, &entry{handle: h})
	}
	m := &Manager{
		entries: entries,
		probe:   probe,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
	m.publishGauge()
	return m
}

// Acquire returns the least-recently-used non-degraded handle for the
// worker. Exclusive handles assigned to another worker are skipped.
func (m *Manager) Acquire(workerID string) (fleet.IdentityHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *entry
	for _, e := range m.entries {
		if e.handle.Health == fleet.IdentityDegraded {
			continue
		}
		if e.handle.AssignedWorker != "" && e.handle.AssignedWorker != workerID {
			continue
		}
		if best == nil || e.lastUsedAt.Before(best.lastUsedAt) {
			best = e
		}
	}
	if best == nil {
		return fleet.IdentityHandle{}, fleet.ErrNoHealthyIdentity
	}
	best.lastUsedAt = m.clock.Now()
	return best.handle, nil
}

// ReportOutcome feeds per-request results back. Blocked and unreachable
// degrade the handle and start its probation timer; ok restores it.
func (m *Manager) ReportOutcome(handleID string, outcome fleet.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findLocked(handleID)
	if e == nil {
		return
	}
	switch outcome {
	case fleet.OutcomeOK:
		e.handle.Health = fleet.IdentityHealthy
	case fleet.OutcomeBlocked, fleet.OutcomeUnreachable:
		e.handle.Health = fleet.IdentityDegraded
		e.probationUntil = m.clock.Now().Add(m.cfg.Probation)
		metrics.ObserveIdentityRotation(string(outcome))
		m.logger.Warn("identity degraded",
			zap.String("identity", e.handle.IdentityRef),
			zap.String("backend", e.handle.BackendEndpoint),
			zap.String("outcome", string(outcome)),
		)
	}
	m.publishGaugeLocked()
}

// Handles snapshots the pool for inspection.
func (m *Manager) Handles() []fleet.IdentityHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]fleet.IdentityHandle, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.handle)
	}
	return out
}

// RunProber re-checks degraded handles past probation until the context
// finishes. Probing is distinct from per-request outcome reporting: it is
// a lightweight reachability check, not a scrape.
func (m *Manager) RunProber(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce checks each degraded handle whose probation lapsed and restores
// the reachable ones.
func (m *Manager) ProbeOnce(ctx context.Context) {
	now := m.clock.Now()
	m.mu.Lock()
	var due []*entry
	for _, e := range m.entries {
		if e.handle.Health == fleet.IdentityDegraded && !now.Before(e.probationUntil) {
			due = append(due, e)
		}
	}
	m.mu.Unlock()

	for _, e := range due {
		err := m.probe.Check(ctx, e.handle.BackendEndpoint)
		m.mu.Lock()
		e.handle.LastCheckedAt = m.clock.Now()
		if err == nil {
			e.handle.Health = fleet.IdentityHealthy
			m.logger.Info("identity restored",
				zap.String("identity", e.handle.IdentityRef),
				zap.String("backend", e.handle.BackendEndpoint),
			)
		} else {
			e.probationUntil = m.clock.Now().Add(m.cfg.Probation)
		}
		m.publishGaugeLocked()
		m.mu.Unlock()
	}
}

func (m *Manager) findLocked(handleID string) *entry {
	for _, e := range m.entries {
		if e.handle.ID == handleID {
			return e
		}
	}
	return nil
}

func (m *Manager) publishGauge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishGaugeLocked()
}

func (m *Manager) publishGaugeLocked() {
	healthy := 0
	for _, e := range m.entries {
		if e.handle.Health != fleet.IdentityDegraded {
			healthy++
		}
	}
	metrics.SetHealthyIdentities(healthy)
}
