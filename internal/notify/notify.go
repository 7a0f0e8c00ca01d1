// Package notify publishes video lifecycle events so downstream consumers
// (search indexers, CMS hooks) can react without polling the API.
package notify

import (
	"context"
	"sync"
	"time"

	"vodworks/internal/models"
)

// StatusChange is emitted every time a video moves between pipeline states.
type StatusChange struct {
	VideoID    string             `json:"videoId"`
	OldStatus  models.VideoStatus `json:"oldStatus"`
	NewStatus  models.VideoStatus `json:"newStatus"`
	Error      string             `json:"error,omitempty"`
	OccurredAt time.Time          `json:"occurredAt"`
}

// Publisher delivers status change events. Implementations must be safe for
// concurrent use; delivery is best effort and must not block the pipeline.
type Publisher interface {
	PublishStatusChange(ctx context.Context, change StatusChange) error
	Close() error
}

// NoopPublisher discards all events.
type NoopPublisher struct{}

func (NoopPublisher) PublishStatusChange(context.Context, StatusChange) error { return nil }
func (NoopPublisher) Close() error                                            { return nil }

// MemoryPublisher records events in memory for tests and for the in-process
// events endpoint.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []StatusChange
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) PublishStatusChange(_ context.Context, change StatusChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, change)
	return nil
}

// Events returns a snapshot of everything published so far.
func (p *MemoryPublisher) Events() []StatusChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StatusChange, len(p.events))
	copy(out, p.events)
	return out
}

func (p *MemoryPublisher) Close() error { return nil }
