package poller

import (
	"context"
	"fmt"

	id "setu/pkg/domain"
)

// Pending lists the tracked requests still worth a poll, adapting the batch
// tracker to the scheduler's source contract.
func (p *Poller) Pending(ctx context.Context) ([]id.RequestID, error) {
	records, err := p.trackers.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active requests: %w", err)
	}
	ids := make([]id.RequestID, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.RequestID)
	}
	return ids, nil
}

// Work satisfies the scheduler's worker contract.
func (p *Poller) Work(ctx context.Context, requestID id.RequestID) error {
	return p.Poll(ctx, requestID)
}
