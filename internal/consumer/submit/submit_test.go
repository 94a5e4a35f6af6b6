package submit

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setu/internal/exchange/models"
	"setu/internal/exchange/tracker"
	"setu/pkg/platform/audit"

	id "setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

type fakeSubmitter struct {
	requestID id.RequestID
	err       error
	calls     int
}

func (f *fakeSubmitter) Submit(context.Context, *models.ExchangeRequest) (id.RequestID, error) {
	f.calls++
	return f.requestID, f.err
}

func verifyRequest() *models.ExchangeRequest {
	return &models.ExchangeRequest{
		Header: models.Header{RequestType: models.RequestTypeVerify},
		Body:   models.RequestBody{Citizens: []models.CitizenQuery{{Identifier: "CIT-1"}}},
	}
}

func Test_Submit_TracksAcceptedRequest(t *testing.T) {
	provider := &fakeSubmitter{requestID: "req-1"}
	trackers := tracker.NewInMemoryBatchStore()
	recorder := audit.NewRecorder()
	service := New(provider, trackers, slog.New(slog.DiscardHandler), WithAuditPublisher(recorder))

	requestID, err := service.Submit(context.Background(), verifyRequest())
	require.NoError(t, err)
	assert.Equal(t, "req-1", requestID.String())

	checkpoint, err := trackers.Checkpoint(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, checkpoint.Status)
	assert.Equal(t, tracker.NoIndex, checkpoint.LastIndex)

	events := recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionRequestSubmitted, events[0].Action)
}

func Test_Submit_Validation(t *testing.T) {
	provider := &fakeSubmitter{requestID: "req-1"}
	service := New(provider, tracker.NewInMemoryBatchStore(), slog.New(slog.DiscardHandler))

	tests := []struct {
		name    string
		request *models.ExchangeRequest
	}{
		{"nil request", nil},
		{"unknown type", &models.ExchangeRequest{Header: models.Header{RequestType: "purge"}}},
		{"verify without citizens", &models.ExchangeRequest{Header: models.Header{RequestType: models.RequestTypeVerify}}},
		{"search without criteria", &models.ExchangeRequest{Header: models.Header{RequestType: models.RequestTypeSearch}}},
		{"criterion without field", &models.ExchangeRequest{
			Header: models.Header{RequestType: models.RequestTypeSearch},
			Body:   models.RequestBody{Criteria: []models.Criterion{{Operator: models.OpEqual, Value: "x"}}},
		}},
		{"unknown operator", &models.ExchangeRequest{
			Header: models.Header{RequestType: models.RequestTypeSearch},
			Body:   models.RequestBody{Criteria: []models.Criterion{{Field: "age", Operator: "!=", Value: 1}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Submit(context.Background(), tt.request)
			require.Error(t, err)
			assert.Equal(t, dErrors.CodeInvalidInput, dErrors.CodeOf(err))
		})
	}
	assert.Zero(t, provider.calls)
}

func Test_Submit_ProviderDown(t *testing.T) {
	provider := &fakeSubmitter{err: fmt.Errorf("connection refused")}
	trackers := tracker.NewInMemoryBatchStore()
	service := New(provider, trackers, slog.New(slog.DiscardHandler))

	_, err := service.Submit(context.Background(), verifyRequest())
	require.Error(t, err)

	active, err := trackers.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func Test_Submit_Resubmission(t *testing.T) {
	provider := &fakeSubmitter{requestID: "req-1"}
	trackers := tracker.NewInMemoryBatchStore()
	service := New(provider, trackers, slog.New(slog.DiscardHandler))

	_, err := service.Submit(context.Background(), verifyRequest())
	require.NoError(t, err)

	// Same provider-assigned id the second time; the tracker row survives.
	requestID, err := service.Submit(context.Background(), verifyRequest())
	require.NoError(t, err)
	assert.Equal(t, "req-1", requestID.String())
}
