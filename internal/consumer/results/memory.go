package results

import (
	"context"
	"sort"
	"sync"

	id "setu/pkg/domain"
)

type key struct {
	masked    string
	requestID id.RequestID
}

// InMemoryStore keeps result records in maps; inserts are idempotent by
// natural key, matching the Postgres ON CONFLICT behavior.
type InMemoryStore struct {
	mu     sync.RWMutex
	verify map[key]*VerifyRecord
	search map[key]*SearchRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		verify: make(map[key]*VerifyRecord),
		search: make(map[key]*SearchRecord),
	}
}

func (s *InMemoryStore) BulkInsertVerify(_ context.Context, records []*VerifyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range records {
		k := key{record.MaskedIdentifier, record.RequestID}
		if _, exists := s.verify[k]; exists {
			continue
		}
		clone := *record
		s.verify[k] = &clone
	}
	return nil
}

func (s *InMemoryStore) BulkInsertSearch(_ context.Context, records []*SearchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range records {
		k := key{record.MaskedIdentifier, record.RequestID}
		if _, exists := s.search[k]; exists {
			continue
		}
		clone := *record
		s.search[k] = &clone
	}
	return nil
}

func (s *InMemoryStore) ListVerify(_ context.Context, requestID id.RequestID) ([]*VerifyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*VerifyRecord
	for k, record := range s.verify {
		if k.requestID == requestID {
			clone := *record
			records = append(records, &clone)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].MaskedIdentifier < records[j].MaskedIdentifier
	})
	return records, nil
}

func (s *InMemoryStore) ListSearch(_ context.Context, requestID id.RequestID) ([]*SearchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*SearchRecord
	for k, record := range s.search {
		if k.requestID == requestID {
			clone := *record
			records = append(records, &clone)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].MaskedIdentifier < records[j].MaskedIdentifier
	})
	return records, nil
}
