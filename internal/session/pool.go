// Package session manages the pool of upstream authentication sessions.
// Upstream rate limiting is per-account, not per-network-identity, so
// session rotation is tracked independently of identity rotation: a
// rate-limited session cools down for a window, an expired one is retired
// until an operator refreshes the credential file.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harrierlabs/fleetscrape/internal/fleet"
	"github.com/harrierlabs/fleetscrape/internal/metrics"
)

// Notifier surfaces permanently expired credentials to an operator channel.
type Notifier func(accountRef string)

// Pool hands out valid sessions round-robin across accounts.
type Pool struct {
	mu       sync.Mutex
	sessions []*fleet.Session
	cursor   int
	clock    fleet.Clock
	notify   Notifier
	logger   *zap.Logger
}

// NewPool constructs a Pool over the loaded sessions. A nil notifier falls
// back to logging only.
func NewPool(sessions []fleet.Session, clock fleet.Clock, notify Notifier, logger *zap.Logger) *Pool {
	entries := make([]*fleet.Session, 0, len(sessions))
	for i := range sessions {
		s := sessions[i]
		if s.Health == "" {
			s.Health = fleet.SessionValid
		}
		entries = append(entries, &s)
	}
	p := &Pool{
		sessions: entries,
		clock:    clock,
		notify:   notify,
		logger:   logger,
	}
	p.publishGaugeLocked()
	return p
}

// Acquire returns the next valid session not in cooldown, round-robin to
// spread load across accounts. ErrNoAvailableSession when the pool is
// exhausted; the calling attempt fails, the job waits for cooldowns. The
// pool holds one account set shared by every backend, so the backend hint
// does not affect selection.
func (p *Pool) Acquire(_ string) (fleet.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	n := len(p.sessions)
	for i := 0; i < n; i++ {
		s := p.sessions[(p.cursor+i)%n]
		if !p.usableLocked(s, now) {
			continue
		}
		p.cursor = (p.cursor + i + 1) % n
		s.LastUsedAt = now
		return *s, nil
	}
	return fleet.Session{}, fleet.ErrNoAvailableSession
}

// ReportRateLimited puts the session in cooldown.
func (p *Pool) ReportRateLimited(accountRef string, cooldown time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.findLocked(accountRef)
	if s == nil || s.Health == fleet.SessionExpired {
		return
	}
	until := p.clock.Now().Add(cooldown)
	s.Health = fleet.SessionRateLimited
	s.CooldownUntil = &until
	metrics.ObserveSessionRotation("rate_limited")
	p.logger.Warn("session rate limited",
		zap.String("account", accountRef),
		zap.Time("cooldown_until", until),
	)
	p.publishGaugeLocked()
}

// ReportInvalid retires the session permanently and notifies the operator
// channel. Expired sessions are never revived automatically.
func (p *Pool) ReportInvalid(accountRef string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.findLocked(accountRef)
	if s == nil {
		return
	}
	s.Health = fleet.SessionExpired
	s.CooldownUntil = nil
	metrics.ObserveSessionRotation("expired")
	p.logger.Error("session credential expired, operator refresh required",
		zap.String("account", accountRef),
	)
	if p.notify != nil {
		p.notify(accountRef)
	}
	p.publishGaugeLocked()
}

// Sessions snapshots the pool for inspection.
func (p *Pool) Sessions() []fleet.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]fleet.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, *s)
	}
	return out
}

func (p *Pool) usableLocked(s *fleet.Session, now time.Time) bool {
	switch s.Health {
	case fleet.SessionValid:
		return true
	case fleet.SessionRateLimited:
		if s.CooldownUntil != nil && now.Before(*s.CooldownUntil) {
			return false
		}
		// Cooldown lapsed; the session is usable again.
		s.Health = fleet.SessionValid
		s.CooldownUntil = nil
		return true
	default:
		return false
	}
}

func (p *Pool) findLocked(accountRef string) *fleet.Session {
	for _, s := range p.sessions {
		if s.AccountRef == accountRef {
			return s
		}
	}
	return nil
}

func (p *Pool) publishGaugeLocked() {
	available := 0
	now := p.clock.Now()
	for _, s := range p.sessions {
		if s.Health == fleet.SessionValid ||
			(s.Health == fleet.SessionRateLimited && s.CooldownUntil != nil && !now.Before(*s.CooldownUntil)) {
			available++
		}
	}
	metrics.SetAvailableSessions(available)
}
