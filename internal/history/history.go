// Package history exports service lifecycle events to analytics systems and
// bridges them into the persistent state store.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/comfyrun/comfyrun/internal/process"
	"github.com/comfyrun/comfyrun/internal/store"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Record     store.Record `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans service lifecycle events out to the state store and any
// number of sinks. Failures are logged and swallowed so persistence problems
// never take the supervisor down.
type Recorder struct {
	store   store.Store
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
}

func NewRecorder(st store.Store, sinks []Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, sinks: sinks, logger: logger, timeout: 5 * time.Second}
}

func (r *Recorder) ServiceStarted(st process.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	rec := store.FromStatus(st)
	if r.store != nil {
		if err := r.store.RecordStart(ctx, rec); err != nil {
			r.logger.Warn("record start failed", "service", st.Name, "err", err)
		}
	}
	r.send(ctx, Event{Type: EventStart, OccurredAt: time.Now().UTC(), Record: rec})
}

func (r *Recorder) ServiceStopped(st process.Status, exitErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	rec := store.FromStatus(st)
	if r.store != nil {
		stoppedAt := st.StoppedAt
		if stoppedAt.IsZero() {
			stoppedAt = time.Now().UTC()
		}
		if err := r.store.RecordStop(ctx, rec.Key(), stoppedAt, exitErr); err != nil {
			r.logger.Warn("record stop failed", "service", st.Name, "err", err)
		}
	}
	r.send(ctx, Event{Type: EventStop, OccurredAt: time.Now().UTC(), Record: rec})
}

func (r *Recorder) send(ctx context.Context, e Event) {
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history sink send failed", "event", string(e.Type), "service", e.Record.Name, "err", err)
		}
	}
}
