package citizens

import (
	"context"
	"sort"
	"strings"
	"sync"

	"setu/internal/exchange/models"
	"setu/pkg/platform/sentinel"
)

// InMemoryStore holds citizen records in memory, sorted by identifier so the
// search offset is stable across calls.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Citizen
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*Citizen)}
}

// Seed loads records; used by tests and dev bootstrap.
func (s *InMemoryStore) Seed(records ...*Citizen) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		clone := *record
		s.records[record.Identifier] = &clone
	}
}

func (s *InMemoryStore) FindByIdentifier(_ context.Context, identifier string) (*Citizen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[identifier]
	if !exists {
		return nil, sentinel.ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *InMemoryStore) FindCandidate(_ context.Context, probe Probe) (*Citizen, error) {
	if probe.IsEmpty() {
		return nil, sentinel.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, record := range s.sorted() {
		if matchesProbe(record, probe) {
			clone := *record
			return &clone, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) Search(_ context.Context, criteria []models.Criterion, offset, limit int) ([]*Citizen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Citizen
	for _, record := range s.sorted() {
		if satisfies(record, criteria) {
			matched = append(matched, record)
		}
	}

	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	page := make([]*Citizen, 0, end-offset)
	for _, record := range matched[offset:end] {
		clone := *record
		page = append(page, &clone)
	}
	return page, nil
}

func (s *InMemoryStore) sorted() []*Citizen {
	records := make([]*Citizen, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Identifier < records[j].Identifier
	})
	return records
}

// satisfies checks the whole conjunction; the Postgres store pushes the same
// predicate into SQL.
func satisfies(c *Citizen, criteria []models.Criterion) bool {
	for _, criterion := range criteria {
		value, ok := c.Field(criterion.Field)
		if !ok || !models.CompareValues(value, criterion.Operator, criterion.Value) {
			return false
		}
	}
	return true
}

func matchesProbe(c *Citizen, probe Probe) bool {
	if probe.Name != "" && !strings.HasPrefix(strings.ToLower(c.Name), strings.ToLower(probe.Name)) {
		return false
	}
	if probe.Age != 0 {
		diff := c.Age - probe.Age
		if diff < 0 {
			diff = -diff
		}
		if diff > 2 {
			return false
		}
	}
	if probe.Gender != "" && !strings.EqualFold(c.Gender, probe.Gender) {
		return false
	}
	if probe.Caste != "" && !strings.EqualFold(c.Caste, probe.Caste) {
		return false
	}
	if probe.Location != "" && !strings.HasPrefix(strings.ToLower(c.Location), strings.ToLower(probe.Location)) {
		return false
	}
	return true
}
