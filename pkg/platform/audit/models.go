// Package audit captures key exchange lifecycle actions for compliance
// review. Events are transport-agnostic so sinks can fan out: a Kafka topic in
// deployment, an in-process worker in tests and single-node setups.
package audit

import (
	"context"
	"time"

	id "setu/pkg/domain"
)

// Event is emitted from domain logic to capture key actions.
type Event struct {
	Timestamp time.Time    `json:"timestamp"`
	TenantID  id.TenantID  `json:"tenant_id,omitempty"`
	RequestID id.RequestID `json:"request_id,omitempty"`
	Action    Action       `json:"action"`
	Detail    string       `json:"detail,omitempty"`
	// Part is set for per-part actions (0 otherwise).
	Part int `json:"part,omitempty"`
	// RecordCount is set for ingest/produce actions.
	RecordCount int `json:"record_count,omitempty"`
}

// Action names an auditable lifecycle step.
type Action string

const (
	ActionRequestReceived  Action = "request_received"
	ActionRequestSubmitted Action = "request_submitted"
	ActionPartWritten      Action = "part_written"
	ActionPartIngested     Action = "part_ingested"
	ActionRequestCompleted Action = "request_completed"
	ActionRequestFailed    Action = "request_failed"
	ActionResultsAccessed  Action = "results_accessed"
)

// Publisher delivers events to a sink. Implementations must be safe for
// concurrent use; delivery is best-effort and must never block the exchange
// pipeline on sink failures.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
