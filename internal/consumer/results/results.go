// Package results persists ingested exchange results on the consumer side.
// Rows key on (masked_identifier, request_id); raw identifiers never reach
// storage, and the sensitive payload columns are stored as encryption
// envelopes.
package results

import (
	"context"
	"time"

	"setu/internal/crypto"
	id "setu/pkg/domain"
)

// VerifyRecord is one persisted verify outcome.
type VerifyRecord struct {
	MaskedIdentifier string
	RequestID        id.RequestID
	// CriteriaResults is an encrypted envelope over []models.CriterionResult.
	CriteriaResults *crypto.Envelope
	MatchScore      float64
	StoredAt        time.Time
}

// SearchRecord is one persisted search hit.
type SearchRecord struct {
	MaskedIdentifier string
	RequestID        id.RequestID
	// CitizenData is an encrypted envelope over the wire citizen record.
	CitizenData *crypto.Envelope
	StoredAt    time.Time
}

// Store is the consumer's result sink. Bulk inserts are idempotent: a retry
// after a crash between insert and checkpoint-advance re-inserts the same
// natural keys, and duplicates are ignored rather than failing the run.
type Store interface {
	BulkInsertVerify(ctx context.Context, records []*VerifyRecord) error
	BulkInsertSearch(ctx context.Context, records []*SearchRecord) error
	ListVerify(ctx context.Context, requestID id.RequestID) ([]*VerifyRecord, error)
	ListSearch(ctx context.Context, requestID id.RequestID) ([]*SearchRecord, error)
}
