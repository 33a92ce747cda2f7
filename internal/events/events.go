// Package events publishes orchestrator lifecycle events.
//
// Events are published to subjects of the form:
//
//	<prefix>.<run_id>.<kind>
//
// for example phasegate.3f0c....phase.blocked. Publishing is best effort:
// the coordinator logs a failed publish and carries on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "phasegate"

// Kind names a lifecycle event.
type Kind string

const (
	RunStarted        Kind = "run.started"
	RunFinished       Kind = "run.finished"
	PhaseActivated    Kind = "phase.activated"
	PhaseCompleted    Kind = "phase.completed"
	PhaseBlocked      Kind = "phase.blocked"
	PhaseSuspended    Kind = "phase.suspended"
	PhaseCancelled    Kind = "phase.cancelled"
	ItemCompleted     Kind = "item.completed"
	ItemFailed        Kind = "item.failed"
	BudgetYellow      Kind = "budget.yellow"
	BudgetRed         Kind = "budget.red"
	CheckpointWritten Kind = "checkpoint.written"
)

// Event is one lifecycle notification.
type Event struct {
	ID           string         `json:"id"`
	RunID        string         `json:"runId"`
	Kind         Kind           `json:"kind"`
	PhaseID      string         `json:"phaseId,omitempty"`
	ItemID       string         `json:"itemId,omitempty"`
	CheckpointID string         `json:"checkpointId,omitempty"`
	Message      string         `json:"message,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// New creates an event with a fresh ID and the current time.
func New(runID string, kind Kind) Event {
	return Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) error { return nil }

// Memory records events in order. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends e.
func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Kinds returns the recorded event kinds in order.
func (m *Memory) Kinds() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Kind, len(m.events))
	for i, e := range m.events {
		out[i] = e.Kind
	}
	return out
}

// NATSPublisher publishes events as JSON on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher creates a publisher. An empty prefix uses
// DefaultSubjectPrefix.
func NewNATSPublisher(nc *nats.Conn, prefix string) (*NATSPublisher, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, e.RunID, e.Kind)
}

// Publish marshals e and publishes it.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Kind, err)
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Kind, err)
	}
	return nil
}
