// Package handler is the consumer's HTTP surface: batch submission and access
// to ingested results. Result payloads are stored encrypted; the read
// endpoints decrypt per request so nothing sensitive lands in the response
// path until a caller asks for it.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"setu/internal/consumer/results"
	"setu/internal/consumer/submit"
	"setu/internal/crypto"
	"setu/internal/exchange/models"
	"setu/internal/platform/metrics"
	"setu/internal/platform/middleware"
	"setu/pkg/platform/httputil"
	"setu/pkg/platform/sentinel"
	"setu/pkg/requestcontext"

	id "setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

type Handler struct {
	logger    *slog.Logger
	submitter *submit.Service
	sink      results.Store
	encryptor *crypto.Encryptor
	metrics   *metrics.Metrics
}

func New(
	submitter *submit.Service,
	sink results.Store,
	encryptor *crypto.Encryptor,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		logger:    logger,
		submitter: submitter,
		sink:      sink,
		encryptor: encryptor,
		metrics:   m,
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(h.logger))
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.ContentTypeJSON)
	r.Use(middleware.Latency(h.metrics))

	r.Post("/batch/submit", h.handleSubmit)
	r.Get("/results/verify/{requestID}", h.handleVerifyResults)
	r.Get("/results/search/{requestID}", h.handleSearchResults)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var request models.ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		h.logger.WarnContext(ctx, "invalid submit body",
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	requestID, err := h.submitter.Submit(ctx, &request)
	if err != nil {
		if dErrors.CodeOf(err) == dErrors.CodeInternal {
			h.logger.ErrorContext(ctx, "submit failed",
				"error", err.Error(),
				"request_id", requestcontext.RequestID(ctx),
			)
		}
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, models.StatusResponse{
		Header: models.Header{
			RequestID: requestID,
			Timestamp: requestcontext.Now(ctx),
			Status:    models.StatusPending,
		},
		Body: models.StatusBody{Status: models.StatusPending},
	})
}

// verifyResultView is the decrypted read shape for one verify outcome.
type verifyResultView struct {
	MaskedIdentifier string                   `json:"masked_identifier"`
	CriteriaResults  []models.CriterionResult `json:"criteria_results"`
	MatchScore       float64                  `json:"match_score"`
	StoredAt         time.Time                `json:"stored_at"`
}

func (h *Handler) handleVerifyResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := id.RequestID(chi.URLParam(r, "requestID"))

	records, err := h.sink.ListVerify(ctx, requestID)
	if err != nil {
		h.writeListError(w, r, err)
		return
	}

	views := make([]verifyResultView, 0, len(records))
	for _, record := range records {
		view := verifyResultView{
			MaskedIdentifier: record.MaskedIdentifier,
			MatchScore:       record.MatchScore,
			StoredAt:         record.StoredAt,
		}
		if record.CriteriaResults != nil {
			if err := h.encryptor.Decrypt(record.CriteriaResults, &view.CriteriaResults); err != nil {
				h.logger.ErrorContext(ctx, "failed to decrypt criteria results",
					"error", err.Error(),
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to read results"))
				return
			}
		}
		views = append(views, view)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"results":    views,
	})
}

// searchResultView is the decrypted read shape for one search hit.
type searchResultView struct {
	MaskedIdentifier string               `json:"masked_identifier"`
	Citizen          models.CitizenRecord `json:"citizen"`
	StoredAt         time.Time            `json:"stored_at"`
}

func (h *Handler) handleSearchResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := id.RequestID(chi.URLParam(r, "requestID"))

	records, err := h.sink.ListSearch(ctx, requestID)
	if err != nil {
		h.writeListError(w, r, err)
		return
	}

	views := make([]searchResultView, 0, len(records))
	for _, record := range records {
		view := searchResultView{
			MaskedIdentifier: record.MaskedIdentifier,
			StoredAt:         record.StoredAt,
		}
		if record.CitizenData != nil {
			if err := h.encryptor.Decrypt(record.CitizenData, &view.Citizen); err != nil {
				h.logger.ErrorContext(ctx, "failed to decrypt citizen data",
					"error", err.Error(),
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to read results"))
				return
			}
		}
		views = append(views, view)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"results":    views,
	})
}

func (h *Handler) writeListError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, sentinel.ErrNotFound) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no results for request"))
		return
	}
	h.logger.ErrorContext(r.Context(), "failed to list results",
		"error", err.Error(),
		"request_id", requestcontext.RequestID(r.Context()),
	)
	httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to read results"))
}
