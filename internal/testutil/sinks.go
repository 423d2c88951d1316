package testutil

import (
	"context"
	"sync"

	"parkd/internal/models"
	"parkd/internal/queue"
)

// AuditLog records engine events in memory.
type AuditLog struct {
	mu     sync.Mutex
	events []models.EngineEvent
}

func (a *AuditLog) Record(ctx context.Context, e models.EngineEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *AuditLog) Events() []models.EngineEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.EngineEvent(nil), a.events...)
}

func (a *AuditLog) OfKind(kind models.EventKind) []models.EngineEvent {
	var out []models.EngineEvent
	for _, e := range a.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Publisher records published queue events.
type Publisher struct {
	mu     sync.Mutex
	events []queue.Event
	Err    error
}

func (p *Publisher) Publish(ctx context.Context, e queue.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *Publisher) Events() []queue.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.Event(nil), p.events...)
}

func (p *Publisher) OfType(typ string) []queue.Event {
	var out []queue.Event
	for _, e := range p.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
