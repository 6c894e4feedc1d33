package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart        EventType = "start"
	EventStop         EventType = "stop"
	EventResurrect    EventType = "resurrect"
	EventRecover      EventType = "recover"
	EventBackup       EventType = "backup"
	EventBackupFailed EventType = "backup_failed"
)

// Event represents a lifecycle or backup event exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Kind       string    `json:"kind"` // server, bridge or backup
	Instance   string    `json:"instance"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// NewEvent returns an event stamped with a fresh id and the current time.
func NewEvent(t EventType, kind, instance string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Kind:       kind,
		Instance:   instance,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks. Delivery failures are logged and never
// returned: history must not change the outcome of the operation it records.
// A nil *Recorder drops everything.
type Recorder struct {
	sinks []Sink
}

func NewRecorder(sinks ...Sink) *Recorder {
	r := &Recorder{}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

func (r *Recorder) Emit(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("History sink failed", "event", e.Type, "instance", e.Instance, "error", err)
		}
	}
}

// Close closes every sink that supports it.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
