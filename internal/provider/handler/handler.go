// Package handler is the provider's HTTP surface: request intake, status
// queries, result part downloads, and the service token endpoint.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"setu/internal/crypto"
	"setu/internal/exchange/models"
	"setu/internal/exchange/tracker"
	"setu/internal/identity"
	"setu/internal/identity/apikeys"
	"setu/internal/partstore"
	"setu/internal/platform/metrics"
	"setu/internal/platform/middleware"
	"setu/pkg/platform/audit"
	"setu/pkg/platform/httputil"
	"setu/pkg/platform/sentinel"
	"setu/pkg/requestcontext"

	id "setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

// Handler serves the exchange API.
type Handler struct {
	logger    *slog.Logger
	trackers  tracker.RequestStore
	parts     *partstore.Store
	encryptor *crypto.Encryptor
	keys      apikeys.Store
	jwt       *identity.JWTService
	metrics   *metrics.Metrics
	auditor   audit.Publisher
}

type Option func(*Handler)

func WithAuditPublisher(publisher audit.Publisher) Option {
	return func(h *Handler) {
		h.auditor = publisher
	}
}

func New(
	trackers tracker.RequestStore,
	parts *partstore.Store,
	encryptor *crypto.Encryptor,
	keys apikeys.Store,
	jwt *identity.JWTService,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts ...Option,
) *Handler {
	h := &Handler{
		logger:    logger,
		trackers:  trackers,
		parts:     parts,
		encryptor: encryptor,
		keys:      keys,
		jwt:       jwt,
		metrics:   m,
		auditor:   audit.Nop{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register wires the exchange routes. The token endpoint sits outside the
// authenticated subtree because it is how callers obtain credentials.
func (h *Handler) Register(r chi.Router) {
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(h.logger))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Latency(h.metrics))

	r.Post("/token", h.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.Authenticate(h.keys, h.jwt, h.logger))
		r.Post("/request/create", h.handleCreateRequest)
		r.Get("/request/status/{requestID}", h.handleRequestStatus)
		r.Get("/results/{requestID}/{part}.json", h.handleResultPart)
	})
}

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := middleware.TenantFromContext(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var request models.ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.logger.WarnContext(ctx, "invalid create request body",
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := validateRequest(&request); err != nil {
		httputil.WriteError(w, err)
		return
	}

	requestID := request.Header.RequestID
	if requestID.IsEmpty() {
		requestID = id.NewRequestID()
		request.Header.RequestID = requestID
	}
	payload, err := json.Marshal(&request)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "marshal request payload"))
		return
	}

	record := &tracker.RequestRecord{
		TenantID:           tenantID,
		RequestID:          requestID,
		Status:             models.StatusPending,
		CreatedAt:          requestcontext.Now(ctx),
		LastProcessedIndex: 0,
		RequestPayload:     payload,
	}
	if err := h.trackers.Create(ctx, record); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeConflict, "request already exists"))
			return
		}
		h.logger.ErrorContext(ctx, "failed to track request",
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to accept request"))
		return
	}

	h.auditor.Publish(ctx, audit.Event{
		Timestamp: requestcontext.Now(ctx),
		TenantID:  tenantID,
		RequestID: requestID,
		Action:    audit.ActionRequestReceived,
		Detail:    string(request.Header.RequestType),
	})
	httputil.WriteJSON(w, http.StatusOK, models.StatusResponse{
		Header: models.Header{
			RequestID: requestID,
			TenantID:  tenantID,
			Timestamp: requestcontext.Now(ctx),
			Status:    models.StatusPending,
		},
		Body: models.StatusBody{Status: models.StatusPending},
	})
}

func (h *Handler) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	record, err := h.loadRecord(ctx, chi.URLParam(r, "requestID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, models.StatusResponse{
		Header: models.Header{
			RequestID: record.RequestID,
			TenantID:  record.TenantID,
			Timestamp: requestcontext.Now(ctx),
			Status:    record.Status,
		},
		Body: models.StatusBody{
			Status: record.Status,
			Files:  record.Files,
			Error:  record.Error,
		},
	})
}

func (h *Handler) handleResultPart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	record, err := h.loadRecord(ctx, chi.URLParam(r, "requestID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	partNum, err := models.PartNumber(chi.URLParam(r, "part") + ".json")
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid part number"))
		return
	}
	if !containsPart(record.Files, record.RequestID, partNum) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "part not found"))
		return
	}

	envelope, err := h.parts.Read(record.RequestID, partNum)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "part not found"))
			return
		}
		h.logger.ErrorContext(ctx, "failed to read part",
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to read part"))
		return
	}
	var part models.Part
	if err := h.encryptor.Decrypt(envelope, &part); err != nil {
		h.logger.ErrorContext(ctx, "failed to decrypt part",
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to read part"))
		return
	}

	h.auditor.Publish(ctx, audit.Event{
		Timestamp: requestcontext.Now(ctx),
		TenantID:  record.TenantID,
		RequestID: record.RequestID,
		Action:    audit.ActionResultsAccessed,
		Part:      partNum,
	})
	httputil.WriteJSON(w, http.StatusOK, &part)
}

// handleToken implements the client-credentials grant. The client id doubles
// as the tenant id and the secret is the tenant's registered API key.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid form body"))
		return
	}
	if grant := r.PostFormValue("grant_type"); grant != "client_credentials" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unsupported grant type %q", grant)))
		return
	}
	tenantID := id.TenantID(r.PostFormValue("client_id"))
	if err := h.keys.VerifySecret(ctx, tenantID, r.PostFormValue("client_secret")); err != nil {
		h.logger.WarnContext(ctx, "rejected client credentials",
			"tenant_id", tenantID.String(),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid client credentials"))
		return
	}

	token, err := h.jwt.GenerateToken(ctx, tenantID, []string{"exchange"})
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "issue token"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(identity.TokenTTL.Seconds()),
	})
}

func (h *Handler) loadRecord(ctx context.Context, rawID string) (*tracker.RequestRecord, error) {
	tenantID, err := middleware.TenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	record, err := h.trackers.Get(ctx, tenantID, id.RequestID(rawID))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "request not found")
		}
		h.logger.ErrorContext(ctx, "failed to load request",
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		return nil, dErrors.New(dErrors.CodeInternal, "failed to load request")
	}
	return record, nil
}

func validateRequest(request *models.ExchangeRequest) error {
	if !request.Header.RequestType.IsValid() {
		return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown request type %q", request.Header.RequestType))
	}
	switch request.Header.RequestType {
	case models.RequestTypeVerify:
		if len(request.Body.Citizens) == 0 {
			return dErrors.New(dErrors.CodeInvalidInput, "verify request needs at least one citizen")
		}
	case models.RequestTypeSearch:
		if len(request.Body.Criteria) == 0 {
			return dErrors.New(dErrors.CodeInvalidInput, "search request needs at least one criterion")
		}
	}
	for _, criterion := range request.Body.Criteria {
		if criterion.Field == "" {
			return dErrors.New(dErrors.CodeInvalidInput, "criterion field is required")
		}
		if !criterion.Operator.IsValid() {
			return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown operator %q", criterion.Operator))
		}
	}
	return nil
}

func containsPart(files []string, requestID id.RequestID, part int) bool {
	want := models.PartPath(requestID, part)
	for _, file := range files {
		if file == want {
			return true
		}
	}
	return false
}
