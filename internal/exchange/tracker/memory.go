package tracker

import (
	"context"
	"sync"

	"setu/internal/exchange/models"
	id "setu/pkg/domain"
	"setu/pkg/platform/sentinel"
	"setu/pkg/requestcontext"
)

// InMemoryBatchStore keeps consumer tracker rows in a map. Used in tests and
// single-process deployments without Postgres.
type InMemoryBatchStore struct {
	mu   sync.RWMutex
	rows map[id.RequestID]*BatchRecord
}

func NewInMemoryBatchStore() *InMemoryBatchStore {
	return &InMemoryBatchStore{rows: make(map[id.RequestID]*BatchRecord)}
}

func (s *InMemoryBatchStore) Create(ctx context.Context, rec *BatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows[rec.RequestID]; exists {
		return sentinel.ErrConflict
	}
	clone := *rec
	if clone.Status == "" {
		clone.Status = models.StatusPending
	}
	if clone.LastRun.IsZero() {
		clone.LastRun = requestcontext.Now(ctx)
	}
	s.rows[rec.RequestID] = &clone
	return nil
}

func (s *InMemoryBatchStore) Checkpoint(_ context.Context, requestID id.RequestID) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, exists := s.rows[requestID]
	if !exists {
		return Checkpoint{Status: models.StatusPending, LastPart: 0, LastIndex: NoIndex}, nil
	}
	return Checkpoint{Status: row.Status, LastPart: row.LastPartProcessed, LastIndex: row.LastIndex}, nil
}

func (s *InMemoryBatchStore) Advance(ctx context.Context, requestID id.RequestID, adv BatchAdvance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.rows[requestID]
	if !exists {
		return sentinel.ErrNotFound
	}
	if adv.Status != "" {
		row.Status = adv.Status
	}
	if adv.LastPart != nil {
		row.LastPartProcessed = *adv.LastPart
	}
	if adv.LastIndex != nil {
		row.LastIndex = *adv.LastIndex
	}
	row.LastRun = requestcontext.Now(ctx)
	return nil
}

func (s *InMemoryBatchStore) ListActive(_ context.Context) ([]*BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*BatchRecord
	for _, row := range s.rows {
		if !row.Status.IsTerminal() {
			clone := *row
			active = append(active, &clone)
		}
	}
	return active, nil
}

// InMemoryRequestStore keeps provider tracker rows in a map.
type InMemoryRequestStore struct {
	mu   sync.RWMutex
	rows map[id.RequestID]*RequestRecord
}

func NewInMemoryRequestStore() *InMemoryRequestStore {
	return &InMemoryRequestStore{rows: make(map[id.RequestID]*RequestRecord)}
}

func (s *InMemoryRequestStore) Create(ctx context.Context, rec *RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows[rec.RequestID]; exists {
		return sentinel.ErrConflict
	}
	clone := *rec
	clone.Files = append([]string(nil), rec.Files...)
	if clone.Status == "" {
		clone.Status = models.StatusPending
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = requestcontext.Now(ctx)
	}
	s.rows[rec.RequestID] = &clone
	return nil
}

func (s *InMemoryRequestStore) Get(_ context.Context, tenantID id.TenantID, requestID id.RequestID) (*RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, exists := s.rows[requestID]
	if !exists || row.TenantID != tenantID {
		return nil, sentinel.ErrNotFound
	}
	clone := *row
	clone.Files = append([]string(nil), row.Files...)
	return &clone, nil
}

func (s *InMemoryRequestStore) Advance(_ context.Context, requestID id.RequestID, adv RequestAdvance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.rows[requestID]
	if !exists {
		return sentinel.ErrNotFound
	}
	if adv.Status != "" {
		row.Status = adv.Status
	}
	if adv.Files != nil {
		row.Files = append([]string(nil), adv.Files...)
	}
	if adv.Error != nil {
		row.Error = *adv.Error
	}
	if adv.LastProcessedIndex != nil {
		row.LastProcessedIndex = *adv.LastProcessedIndex
	}
	return nil
}

func (s *InMemoryRequestStore) ListUnfinished(_ context.Context) ([]*RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var unfinished []*RequestRecord
	for _, row := range s.rows {
		if !row.Status.IsTerminal() {
			clone := *row
			clone.Files = append([]string(nil), row.Files...)
			unfinished = append(unfinished, &clone)
		}
	}
	return unfinished, nil
}
