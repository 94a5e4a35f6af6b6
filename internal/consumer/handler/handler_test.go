package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setu/internal/consumer/results"
	"setu/internal/consumer/submit"
	"setu/internal/crypto"
	"setu/internal/exchange/models"
	"setu/internal/exchange/tracker"
	"setu/internal/platform/metrics"

	id "setu/pkg/domain"
)

var (
	metricsOnce sync.Once
	testMetrics *metrics.Metrics
)

type acceptingProvider struct {
	calls int
}

func (p *acceptingProvider) Submit(_ context.Context, request *models.ExchangeRequest) (id.RequestID, error) {
	p.calls++
	if request.Header.RequestID.IsEmpty() {
		return "req-assigned", nil
	}
	return request.Header.RequestID, nil
}

type handlerFixture struct {
	router   chi.Router
	sink     *results.InMemoryStore
	trackers *tracker.InMemoryBatchStore
	enc      *crypto.Encryptor
	provider *acceptingProvider
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	metricsOnce.Do(func() { testMetrics = metrics.New("consumer-test") })

	ring, err := crypto.NewKeyRing(map[string][]byte{"k1": make([]byte, crypto.KeySize)}, "k1")
	require.NoError(t, err)
	enc := crypto.NewEncryptor(ring)

	logger := slog.New(slog.DiscardHandler)
	sink := results.NewInMemoryStore()
	trackers := tracker.NewInMemoryBatchStore()
	provider := &acceptingProvider{}

	router := chi.NewRouter()
	New(submit.New(provider, trackers, logger), sink, enc, testMetrics, logger).Register(router)

	return &handlerFixture{router: router, sink: sink, trackers: trackers, enc: enc, provider: provider}
}

func (f *handlerFixture) do(t *testing.T, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func Test_Submit(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/batch/submit", &models.ExchangeRequest{
		Header: models.Header{RequestType: models.RequestTypeVerify},
		Body:   models.RequestBody{Citizens: []models.CitizenQuery{{Identifier: "CIT-1"}}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp models.StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, id.RequestID("req-assigned"), resp.Header.RequestID)
	assert.Equal(t, models.StatusPending, resp.Body.Status)

	row, err := f.trackers.Checkpoint(context.Background(), "req-assigned")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, row.Status)
}

func Test_Submit_RejectsInvalid(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/batch/submit", &models.ExchangeRequest{
		Header: models.Header{RequestType: models.RequestTypeSearch},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, f.provider.calls)
}

func Test_Submit_RejectsMalformedBody(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/batch/submit", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func Test_VerifyResults(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	criteria := []models.CriterionResult{{Field: "age", Match: true}}
	env, err := f.enc.Encrypt(criteria)
	require.NoError(t, err)
	storedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, f.sink.BulkInsertVerify(ctx, []*results.VerifyRecord{
		{MaskedIdentifier: "abc123", RequestID: "req-1", CriteriaResults: env, MatchScore: 1.0, StoredAt: storedAt},
		{MaskedIdentifier: "def456", RequestID: "req-2", MatchScore: 0.5, StoredAt: storedAt},
	}))

	rec := f.do(t, http.MethodGet, "/results/verify/req-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RequestID string             `json:"request_id"`
		Results   []verifyResultView `json:"results"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "req-1", resp.RequestID)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "abc123", resp.Results[0].MaskedIdentifier)
	assert.Equal(t, 1.0, resp.Results[0].MatchScore)
	assert.Equal(t, criteria, resp.Results[0].CriteriaResults)
}

func Test_SearchResults(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	citizen := models.CitizenRecord{Identifier: "CIT-1", Name: "Ravi Kumar", Age: 34}
	env, err := f.enc.Encrypt(citizen)
	require.NoError(t, err)
	require.NoError(t, f.sink.BulkInsertSearch(ctx, []*results.SearchRecord{
		{MaskedIdentifier: "abc123", RequestID: "req-1", CitizenData: env, StoredAt: time.Now().UTC()},
	}))

	rec := f.do(t, http.MethodGet, "/results/search/req-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []searchResultView `json:"results"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, citizen, resp.Results[0].Citizen)
}

func Test_Results_Empty(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodGet, "/results/verify/unknown", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []verifyResultView `json:"results"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.Results)
}
