// Package tracker persists exchange progress on both sides: the consumer's
// batch tracker and the provider's request tracker. Rows are created once and
// then only mutated through Advance, which commits each call independently of
// any artifact write. Callers must make the artifact durable before advancing
// the cursor past it, so a crash between the two leaves the cursor behind the
// artifact and a retry re-derives identical output.
package tracker

import (
	"context"
	"encoding/json"
	"time"

	"setu/internal/exchange/models"
	id "setu/pkg/domain"
)

// NoIndex is the wire-contract sentinel for "no record consumed in this part
// yet". Storage implementations map it to a NULL cursor; the domain API keeps
// the sentinel because the skip rule and checkpoint arithmetic are defined in
// terms of it.
const NoIndex = -1

// Checkpoint is the consumer's resumption cursor.
type Checkpoint struct {
	Status    models.Status
	LastPart  int
	LastIndex int
}

// BatchRecord is one consumer-side tracked request.
type BatchRecord struct {
	RequestID         id.RequestID
	Status            models.Status
	LastPartProcessed int
	LastIndex         int
	LastRun           time.Time
	RequestPayload    json.RawMessage
}

// BatchAdvance is a partial update; nil fields keep their stored value.
// LastRun is always refreshed.
type BatchAdvance struct {
	Status    models.Status
	LastPart  *int
	LastIndex *int
}

// BatchStore is the consumer-side tracker.
type BatchStore interface {
	Create(ctx context.Context, rec *BatchRecord) error
	// Checkpoint returns the resumption cursor, defaulting to
	// (pending, 0, NoIndex) when no row exists yet.
	Checkpoint(ctx context.Context, requestID id.RequestID) (Checkpoint, error)
	Advance(ctx context.Context, requestID id.RequestID, adv BatchAdvance) error
	// ListActive returns rows still worth a poll: pending, processing, error.
	ListActive(ctx context.Context) ([]*BatchRecord, error)
}

// RequestRecord is one provider-side tracked request. Status and Error are
// always distinct fields; a failure reason never rides inside the status
// value. LastProcessedIndex is an absolute search offset, starting at 0; the
// NoIndex sentinel is a consumer-side notion and never appears here.
type RequestRecord struct {
	TenantID           id.TenantID
	RequestID          id.RequestID
	Status             models.Status
	Files              []string
	Error              string
	CreatedAt          time.Time
	LastProcessedIndex int
	RequestPayload     json.RawMessage
}

// RequestAdvance is a partial update; nil fields keep their stored value.
type RequestAdvance struct {
	Status             models.Status
	Files              []string
	Error              *string
	LastProcessedIndex *int
}

// RequestStore is the provider-side tracker, keyed by (tenant_id, request_id).
type RequestStore interface {
	Create(ctx context.Context, rec *RequestRecord) error
	// Get is tenant-scoped: a request is only visible to its owning tenant.
	Get(ctx context.Context, tenantID id.TenantID, requestID id.RequestID) (*RequestRecord, error)
	Advance(ctx context.Context, requestID id.RequestID, adv RequestAdvance) error
	// ListUnfinished returns rows the producer should pick up: anything not in
	// a terminal state.
	ListUnfinished(ctx context.Context) ([]*RequestRecord, error)
}

func intPtr(v int) *int { return &v }

// Int returns a pointer for advance fields.
func Int(v int) *int { return intPtr(v) }

// Str returns a pointer for advance fields.
func Str(v string) *string { return &v }
