package producer

import (
	"context"
	"fmt"
	"sync"

	"setu/internal/exchange/tracker"

	id "setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

// Jobs adapts the request tracker to the scheduler. Pending snapshots the
// unfinished records so Work can run from the same tick's view without a
// tenant-scoped lookup.
type Jobs struct {
	trackers tracker.RequestStore
	producer *Producer

	mu      sync.Mutex
	pending map[id.RequestID]*tracker.RequestRecord
}

func NewJobs(trackers tracker.RequestStore, producer *Producer) *Jobs {
	return &Jobs{
		trackers: trackers,
		producer: producer,
		pending:  make(map[id.RequestID]*tracker.RequestRecord),
	}
}

func (j *Jobs) Pending(ctx context.Context) ([]id.RequestID, error) {
	records, err := j.trackers.ListUnfinished(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unfinished requests: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	ids := make([]id.RequestID, 0, len(records))
	for _, record := range records {
		j.pending[record.RequestID] = record
		ids = append(ids, record.RequestID)
	}
	return ids, nil
}

func (j *Jobs) Work(ctx context.Context, requestID id.RequestID) error {
	j.mu.Lock()
	record, ok := j.pending[requestID]
	delete(j.pending, requestID)
	j.mu.Unlock()
	if !ok {
		return dErrors.New(dErrors.CodeInternal, "no snapshot for scheduled request")
	}
	return j.producer.Process(ctx, record)
}
