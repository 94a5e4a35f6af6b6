// Package submit starts an exchange on behalf of a consumer caller: it pushes
// the request to the provider and registers a batch tracker row so the
// scheduler begins polling for results.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"setu/internal/exchange/models"
	"setu/internal/exchange/tracker"
	"setu/pkg/platform/audit"
	"setu/pkg/platform/sentinel"
	"setu/pkg/requestcontext"

	id "setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

// Submitter is the subset of the exchange client this service needs.
type Submitter interface {
	Submit(ctx context.Context, request *models.ExchangeRequest) (id.RequestID, error)
}

type Service struct {
	provider Submitter
	trackers tracker.BatchStore
	auditor  audit.Publisher
	logger   *slog.Logger
}

type Option func(*Service)

func WithAuditPublisher(publisher audit.Publisher) Option {
	return func(s *Service) {
		s.auditor = publisher
	}
}

func New(provider Submitter, trackers tracker.BatchStore, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		trackers: trackers,
		auditor:  audit.Nop{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates and forwards a request, then tracks it. The tracker row is
// created after the provider accepts: an untracked accepted request can be
// re-registered by id, but a tracked unaccepted one would poll forever.
func (s *Service) Submit(ctx context.Context, request *models.ExchangeRequest) (id.RequestID, error) {
	if err := validate(request); err != nil {
		return "", err
	}

	requestID, err := s.provider.Submit(ctx, request)
	if err != nil {
		return "", fmt.Errorf("submit to provider: %w", err)
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("marshal request payload: %w", err)
	}
	record := &tracker.BatchRecord{
		RequestID:         requestID,
		Status:            models.StatusPending,
		LastPartProcessed: 0,
		LastIndex:         tracker.NoIndex,
		LastRun:           requestcontext.Now(ctx),
		RequestPayload:    payload,
	}
	if err := s.trackers.Create(ctx, record); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			// Resubmission of a known request; the existing checkpoint wins.
			s.logger.Info("request already tracked", slog.String("request_id", requestID.String()))
			return requestID, nil
		}
		return "", fmt.Errorf("track request: %w", err)
	}

	s.auditor.Publish(ctx, audit.Event{
		Timestamp: requestcontext.Now(ctx),
		RequestID: requestID,
		Action:    audit.ActionRequestSubmitted,
		Detail:    string(request.Header.RequestType),
	})
	s.logger.Info("request submitted",
		slog.String("request_id", requestID.String()),
		slog.String("request_type", string(request.Header.RequestType)))
	return requestID, nil
}

func validate(request *models.ExchangeRequest) error {
	if request == nil {
		return dErrors.New(dErrors.CodeInvalidInput, "request is required")
	}
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
