package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setu/internal/crypto"
	"setu/internal/exchange/models"
	"setu/internal/exchange/tracker"
	"setu/internal/identity"
	"setu/internal/identity/apikeys"
	"setu/internal/partstore"
	"setu/internal/platform/metrics"
)

const (
	tenantAKey = "key-alpha"
	tenantBKey = "key-beta"
)

var (
	metricsOnce sync.Once
	testMetrics *metrics.Metrics
)

type handlerFixture struct {
	router   chi.Router
	trackers *tracker.InMemoryRequestStore
	parts    *partstore.Store
	enc      *crypto.Encryptor
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	metricsOnce.Do(func() { testMetrics = metrics.New("provider-test") })

	ring, err := crypto.NewKeyRing(map[string][]byte{"k1": make([]byte, crypto.KeySize)}, "k1")
	require.NoError(t, err)
	enc := crypto.NewEncryptor(ring)

	parts, err := partstore.New(t.TempDir())
	require.NoError(t, err)

	keys := apikeys.NewInMemoryStore()
	require.NoError(t, keys.Seed("tenant-a", tenantAKey))
	require.NoError(t, keys.Seed("tenant-b", tenantBKey))

	trackers := tracker.NewInMemoryRequestStore()
	router := chi.NewRouter()
	New(trackers, parts, enc, keys, identity.NewJWTService("test-signing-key"), testMetrics,
		slog.New(slog.DiscardHandler)).Register(router)

	return &handlerFixture{router: router, trackers: trackers, parts: parts, enc: enc}
}

func (f *handlerFixture) do(t *testing.T, method, path, apiKey string, payload any) *httptest.ResponseRecorder {
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
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func Test_CreateRequest(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/request/create", tenantAKey, &models.ExchangeRequest{
		Header: models.Header{RequestType: models.RequestTypeVerify},
		Body:   models.RequestBody{Citizens: []models.CitizenQuery{{Identifier: "CIT-1"}}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Header.RequestID.IsEmpty())
	assert.Equal(t, models.StatusPending, resp.Body.Status)

	row, err := f.trackers.Get(context.Background(), "tenant-a", resp.Header.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, row.Status)
	// The cursor is a search offset, so new rows start at zero.
	assert.Equal(t, 0, row.LastProcessedIndex)
}

func Test_CreateRequest_RequiresCredentials(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/request/create", "", &models.ExchangeRequest{
		Header: models.Header{RequestType: models.RequestTypeVerify},
		Body:   models.RequestBody{Citizens: []models.CitizenQuery{{Identifier: "CIT-1"}}},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func Test_CreateRequest_RejectsInvalid(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/request/create", tenantAKey, &models.ExchangeRequest{
		Header: models.Header{RequestType: "purge"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func Test_CreateRequest_Duplicate(t *testing.T) {
	f := newHandlerFixture(t)
	request := &models.ExchangeRequest{
		Header: models.Header{RequestID: "req-dup", RequestType: models.RequestTypeVerify},
		Body:   models.RequestBody{Citizens: []models.CitizenQuery{{Identifier: "CIT-1"}}},
	}

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/request/create", tenantAKey, request).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/request/create", tenantAKey, request).Code)
}

func Test_RequestStatus(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.trackers.Create(context.Background(), &tracker.RequestRecord{
		TenantID:  "tenant-a",
		RequestID: "req-1",
		Status:    models.StatusCompleted,
		Files:     []string{"/results/req-1/1.json"},
	}))

	rec := f.do(t, http.MethodGet, "/request/status/req-1", tenantAKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, models.StatusCompleted, resp.Body.Status)
	assert.Equal(t, []string{"/results/req-1/1.json"}, resp.Body.Files)
}

func Test_RequestStatus_TenantIsolation(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.trackers.Create(context.Background(), &tracker.RequestRecord{
		TenantID:  "tenant-a",
		RequestID: "req-1",
		Status:    models.StatusPending,
	}))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/request/status/req-1", tenantBKey, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/request/status/missing", tenantAKey, nil).Code)
}

func Test_ResultPart(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.trackers.Create(context.Background(), &tracker.RequestRecord{
		TenantID:  "tenant-a",
		RequestID: "req-1",
		Status:    models.StatusCompleted,
		Files:     []string{"/results/req-1/1.json"},
	}))

	hasMore := false
	part := &models.Part{
		Header: models.Header{RequestID: "req-1", Part: 1, HasMoreParts: &hasMore},
		Body:   models.PartBody{Results: []models.VerifyResult{{Identifier: "CIT-1", MatchScore: 1.0}}},
	}
	env, err := f.enc.Encrypt(part)
	require.NoError(t, err)
	require.NoError(t, f.parts.Write("req-1", 1, env))

	rec := f.do(t, http.MethodGet, "/results/req-1/1.json", tenantAKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var served models.Part
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&served))
	require.Len(t, served.Body.Results, 1)
	assert.Equal(t, "CIT-1", served.Body.Results[0].Identifier)
	require.NotNil(t, served.Header.HasMoreParts)
	assert.False(t, *served.Header.HasMoreParts)
}

func Test_ResultPart_NotListed(t *testing.T) {
	f := newHandlerFixture(t)
	require.NoError(t, f.trackers.Create(context.Background(), &tracker.RequestRecord{
		TenantID:  "tenant-a",
		RequestID: "req-1",
		Status:    models.StatusProcessing,
	}))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/results/req-1/1.json", tenantAKey, nil).Code)
}

func Test_TokenFlow(t *testing.T) {
	f := newHandlerFixture(t)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", "tenant-a")
	form.Set("client_secret", tenantAKey)
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tokenResp))
	require.NotEmpty(t, tokenResp.AccessToken)
	assert.Equal(t, "Bearer", tokenResp.TokenType)

	// The bearer token authenticates exchange calls for its tenant.
	require.NoError(t, f.trackers.Create(context.Background(), &tracker.RequestRecord{
		TenantID:  "tenant-a",
		RequestID: "req-1",
		Status:    models.StatusPending,
	}))
	statusReq := httptest.NewRequest(http.MethodGet, "/request/status/req-1", nil)
	statusReq.Header.Set("Authorization", "Bearer "+tokenResp.AccessToken)
	statusRec := httptest.NewRecorder()
	f.router.ServeHTTP(statusRec, statusReq)
	assert.Equal(t, http.StatusOK, statusRec.Code)
}

func Test_Token_BadCredentials(t *testing.T) {
	f := newHandlerFixture(t)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", "tenant-a")
	form.Set("client_secret", "wrong")
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
