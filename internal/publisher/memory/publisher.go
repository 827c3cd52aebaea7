// Package memory implements fleet.Publisher as an in-process recorder of
// completion events, used by worker tests and when no broker is configured.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Event is one recorded completion publish.
type Event struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher records every published completion event for inspection.
type Publisher struct {
	mu     sync.Mutex
	events []Event
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns its assigned ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("event-%d", len(p.events)+1)
	p.events = append(p.events, Event{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Events snapshots the recorded publishes in order.
func (p *Publisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Last returns the most recent event, if any.
func (p *Publisher) Last() (Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return Event{}, false
	}
	return p.events[len(p.events)-1], true
}
