package audit

import (
	"context"
	"log/slog"
	"sync"
)

// LogPublisher writes events to the structured log. It is the fallback sink
// when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With("component", "audit")}
}

func (p *LogPublisher) Publish(ctx context.Context, event Event) {
	p.logger.InfoContext(ctx, "audit event",
		"action", event.Action,
		"tenant_id", event.TenantID,
		"request_id", event.RequestID,
		"part", event.Part,
		"record_count", event.RecordCount,
		"detail", event.Detail,
	)
}

// Recorder collects events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a snapshot of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
