//go:build integration

package tracker_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/suite"

	"setu/internal/exchange/models"
	"setu/internal/exchange/tracker"
	"setu/pkg/platform/sentinel"
	"setu/pkg/testutil/containers"

	id "setu/pkg/domain"
)

type PostgresTrackerSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	batches  *tracker.PostgresBatchStore
	requests *tracker.PostgresRequestStore
}

func TestPostgresTrackerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresTrackerSuite))
}

func (s *PostgresTrackerSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T(), tracker.BatchSchema, tracker.RequestSchema)
	s.batches = tracker.NewPostgresBatchStore(s.postgres.DB)
	s.requests = tracker.NewPostgresRequestStore(s.postgres.DB)
}

func (s *PostgresTrackerSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "batch_tracker", "request_tracker")
	s.Require().NoError(err)
}

func (s *PostgresTrackerSuite) TestBatchCheckpointRoundTrip() {
	ctx := context.Background()
	err := s.batches.Create(ctx, &tracker.BatchRecord{
		RequestID:      "req-1",
		Status:         models.StatusPending,
		LastIndex:      tracker.NoIndex,
		RequestPayload: json.RawMessage(`{}`),
	})
	s.Require().NoError(err)

	cp, err := s.batches.Checkpoint(ctx, "req-1")
	s.Require().NoError(err)
	s.Equal(models.StatusPending, cp.Status)
	s.Equal(0, cp.LastPart)
	s.Equal(tracker.NoIndex, cp.LastIndex)

	err = s.batches.Advance(ctx, "req-1", tracker.BatchAdvance{
		Status:    models.StatusProcessing,
		LastPart:  tracker.Int(2),
		LastIndex: tracker.Int(17),
	})
	s.Require().NoError(err)

	cp, err = s.batches.Checkpoint(ctx, "req-1")
	s.Require().NoError(err)
	s.Equal(models.StatusProcessing, cp.Status)
	s.Equal(2, cp.LastPart)
	s.Equal(17, cp.LastIndex)
}

// The NoIndex sentinel must survive a trip through the NULL cursor column.
func (s *PostgresTrackerSuite) TestBatchNoIndexRoundTrip() {
	ctx := context.Background()
	err := s.batches.Create(ctx, &tracker.BatchRecord{
		RequestID: "req-1",
		LastIndex: tracker.NoIndex,
	})
	s.Require().NoError(err)

	err = s.batches.Advance(ctx, "req-1", tracker.BatchAdvance{
		LastPart:  tracker.Int(3),
		LastIndex: tracker.Int(tracker.NoIndex),
	})
	s.Require().NoError(err)

	cp, err := s.batches.Checkpoint(ctx, "req-1")
	s.Require().NoError(err)
	s.Equal(3, cp.LastPart)
	s.Equal(tracker.NoIndex, cp.LastIndex)
}

func (s *PostgresTrackerSuite) TestBatchCreateConflict() {
	ctx := context.Background()
	rec := &tracker.BatchRecord{RequestID: "req-1", LastIndex: tracker.NoIndex}
	s.Require().NoError(s.batches.Create(ctx, rec))
	s.Require().ErrorIs(s.batches.Create(ctx, rec), sentinel.ErrConflict)
}

func (s *PostgresTrackerSuite) TestBatchListActive() {
	ctx := context.Background()
	for requestID, status := range map[id.RequestID]models.Status{
		"req-pending": models.StatusPending,
		"req-error":   models.StatusError,
		"req-done":    models.StatusCompleted,
		"req-failed":  models.StatusFailed,
	} {
		s.Require().NoError(s.batches.Create(ctx, &tracker.BatchRecord{
			RequestID: requestID,
			Status:    status,
			LastIndex: tracker.NoIndex,
		}))
	}

	active, err := s.batches.ListActive(ctx)
	s.Require().NoError(err)

	var ids []id.RequestID
	for _, rec := range active {
		ids = append(ids, rec.RequestID)
	}
	s.ElementsMatch([]id.RequestID{"req-pending", "req-error"}, ids)
}

func (s *PostgresTrackerSuite) TestRequestTenantScope() {
	ctx := context.Background()
	err := s.requests.Create(ctx, &tracker.RequestRecord{
		TenantID:           "tenant-a",
		RequestID:          "req-1",
		Status:             models.StatusPending,
		LastProcessedIndex: 0,
		RequestPayload:     json.RawMessage(`{}`),
	})
	s.Require().NoError(err)

	rec, err := s.requests.Get(ctx, "tenant-a", "req-1")
	s.Require().NoError(err)
	s.Equal(models.StatusPending, rec.Status)
	s.Equal(0, rec.LastProcessedIndex)

	_, err = s.requests.Get(ctx, "tenant-b", "req-1")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresTrackerSuite) TestRequestAdvance() {
	ctx := context.Background()
	err := s.requests.Create(ctx, &tracker.RequestRecord{
		TenantID:           "tenant-a",
		RequestID:          "req-1",
		LastProcessedIndex: 0,
	})
	s.Require().NoError(err)

	files := []string{"/results/req-1/1.json", "/results/req-1/2.json"}
	err = s.requests.Advance(ctx, "req-1", tracker.RequestAdvance{
		Status:             models.StatusCompleted,
		Files:              files,
		LastProcessedIndex: tracker.Int(42),
	})
	s.Require().NoError(err)

	rec, err := s.requests.Get(ctx, "tenant-a", "req-1")
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, rec.Status)
	s.Equal(files, rec.Files)
	s.Equal(42, rec.LastProcessedIndex)
	s.Empty(rec.Error)

	err = s.requests.Advance(ctx, "req-1", tracker.RequestAdvance{
		Status: models.StatusError,
		Error:  tracker.Str("decrypt part 2: bad envelope"),
	})
	s.Require().NoError(err)

	rec, err = s.requests.Get(ctx, "tenant-a", "req-1")
	s.Require().NoError(err)
	s.Equal(models.StatusError, rec.Status)
	s.Equal("decrypt part 2: bad envelope", rec.Error)
	s.Equal(files, rec.Files)
}

func (s *PostgresTrackerSuite) TestRequestListUnfinished() {
	ctx := context.Background()
	for requestID, status := range map[id.RequestID]models.Status{
		"req-pending": models.StatusPending,
		"req-error":   models.StatusError,
		"req-done":    models.StatusCompleted,
	} {
		s.Require().NoError(s.requests.Create(ctx, &tracker.RequestRecord{
			TenantID:           "tenant-a",
			RequestID:          requestID,
			Status:             status,
			LastProcessedIndex: 0,
		}))
	}

	unfinished, err := s.requests.ListUnfinished(ctx)
	s.Require().NoError(err)

	var ids []id.RequestID
	for _, rec := range unfinished {
		ids = append(ids, rec.RequestID)
	}
	s.ElementsMatch([]id.RequestID{"req-pending", "req-error"}, ids)
}

func (s *PostgresTrackerSuite) TestRequestAdvanceMissing() {
	err := s.requests.Advance(context.Background(), "missing", tracker.RequestAdvance{
		Status: models.StatusProcessing,
	})
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}
