// Package producer runs accepted exchange jobs on the provider side: it
// matches or searches the citizen directory, pages results into numbered
// encrypted part files, and advances the request tracker after every durable
// page so a crashed job resumes at the exact unconsumed offset.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"setu/internal/crypto"
	"setu/internal/exchange/models"
	"setu/internal/exchange/tracker"
	"setu/internal/match"
	"setu/internal/partstore"
	"setu/internal/provider/citizens"
	"setu/pkg/platform/audit"
	"setu/pkg/requestcontext"
)

var (
	partsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "setu_provider_parts_written_total",
		Help: "Total number of result part files written",
	})
	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "setu_provider_jobs_failed_total",
		Help: "Total number of exchange jobs that ended in failed status",
	})
	jobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "setu_provider_job_duration_seconds",
		Help:    "Duration of one producer job run",
		Buckets: prometheus.DefBuckets,
	})
)

// DefaultBatchSize is the page length for search jobs when config leaves it
// unset.
const DefaultBatchSize = 100

// Producer derives result parts for tracked requests.
type Producer struct {
	trackerStore tracker.RequestStore
	directory    citizens.Store
	matcher      *match.Engine
	parts        *partstore.Store
	encryptor    *crypto.Encryptor
	auditor      audit.Publisher
	logger       *slog.Logger
	batchSize    int
}

type Option func(*Producer)

func WithBatchSize(n int) Option {
	return func(p *Producer) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithAuditPublisher(publisher audit.Publisher) Option {
	return func(p *Producer) {
		p.auditor = publisher
	}
}

func New(
	trackerStore tracker.RequestStore,
	directory citizens.Store,
	parts *partstore.Store,
	encryptor *crypto.Encryptor,
	logger *slog.Logger,
	opts ...Option,
) *Producer {
	p := &Producer{
		trackerStore: trackerStore,
		directory:    directory,
		matcher:      match.NewEngine(directory),
		parts:        parts,
		encryptor:    encryptor,
		auditor:      audit.Nop{},
		logger:       logger.With("component", "producer"),
		batchSize:    DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one tracked request to completion or failure. Part files
// already written by an earlier attempt stay on disk; the consumer only
// trusts parts listed by a completed tracker row, so durable-but-unflagged
// state is harmless.
func (p *Producer) Process(ctx context.Context, rec *tracker.RequestRecord) error {
	start := time.Now()
	defer func() { jobDurationSeconds.Observe(time.Since(start).Seconds()) }()

	var request models.ExchangeRequest
	if err := json.Unmarshal(rec.RequestPayload, &request); err != nil {
		return p.fail(ctx, rec, fmt.Errorf("decode request payload: %w", err))
	}

	if err := p.trackerStore.Advance(ctx, rec.RequestID, tracker.RequestAdvance{Status: models.StatusProcessing}); err != nil {
		return fmt.Errorf("mark request processing: %w", err)
	}

	var err error
	switch request.Header.RequestType {
	case models.RequestTypeVerify:
		err = p.processVerify(ctx, rec, &request)
	case models.RequestTypeSearch:
		err = p.processSearch(ctx, rec, &request)
	default:
		err = fmt.Errorf("unknown request type %q", request.Header.RequestType)
	}
	if err != nil {
		return p.fail(ctx, rec, err)
	}

	p.auditor.Publish(ctx, audit.Event{
		Timestamp: requestcontext.Now(ctx),
		TenantID:  rec.TenantID,
		RequestID: rec.RequestID,
		Action:    audit.ActionRequestCompleted,
	})
	p.logger.InfoContext(ctx, "request processed",
		"request_id", rec.RequestID,
		"request_type", request.Header.RequestType,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// processVerify resolves every citizen query and writes the single part file.
// Verify results are bounded by the request size, so they never paginate.
func (p *Producer) processVerify(ctx context.Context, rec *tracker.RequestRecord, request *models.ExchangeRequest) error {
	results := make([]models.VerifyResult, 0, len(request.Body.Citizens))
	for _, query := range request.Body.Citizens {
		result, err := p.matcher.Verify(ctx, query, request.Body.Criteria)
		if err != nil {
			return fmt.Errorf("verify citizen: %w", err)
		}
		results = append(results, result)
	}

	part := models.Part{
		Header: p.partHeader(ctx, rec, models.RequestTypeVerify, 1, false),
		Body:   models.PartBody{Results: results},
	}
	if err := p.writePart(ctx, rec, 1, &part, len(results)); err != nil {
		return err
	}

	return p.trackerStore.Advance(ctx, rec.RequestID, tracker.RequestAdvance{
		Status: models.StatusCompleted,
		Files:  []string{models.PartPath(rec.RequestID, 1)},
	})
}

// processSearch streams matching records page by page. The absolute cursor in
// the tracker makes the part number a pure function of progress:
// part = 1 + cursor/batchSize.
func (p *Producer) processSearch(ctx context.Context, rec *tracker.RequestRecord, request *models.ExchangeRequest) error {
	cursor := rec.LastProcessedIndex
	if cursor < 0 {
		// The cursor is an absolute search offset and never goes negative;
		// clamp rather than feed a bad stored value into the directory.
		cursor = 0
	}
	files := append([]string(nil), rec.Files...)
	if cursor > 0 {
		p.logger.InfoContext(ctx, "resuming search job",
			"request_id", rec.RequestID,
			"last_processed_index", cursor,
			"existing_files", len(files),
		)
	}

	for {
		page, err := p.directory.Search(ctx, request.Body.Criteria, cursor, p.batchSize)
		if err != nil {
			return fmt.Errorf("search page at offset %d: %w", cursor, err)
		}
		if len(page) == 0 {
			break
		}

		partNum := 1 + cursor/p.batchSize
		records := make([]models.CitizenRecord, 0, len(page))
		for _, record := range page {
			records = append(records, record.Record())
		}

		// The true value of has_more_parts is only known once iteration
		// terminates; every page is written optimistic and the final one is
		// corrected below.
		part := models.Part{
			Header: p.partHeader(ctx, rec, models.RequestTypeSearch, partNum, true),
			Body:   models.PartBody{Citizens: records},
		}
		if err := p.writePart(ctx, rec, partNum, &part, len(records)); err != nil {
			return err
		}

		files = append(files, models.PartPath(rec.RequestID, partNum))
		cursor += len(page)

		// Persist progress after every page, not just at the end: a crash
		// loses at most one page of work.
		if err := p.trackerStore.Advance(ctx, rec.RequestID, tracker.RequestAdvance{
			Files:              files,
			LastProcessedIndex: tracker.Int(cursor),
		}); err != nil {
			return fmt.Errorf("checkpoint search page: %w", err)
		}
	}

	if len(files) > 0 {
		lastPart, err := models.PartNumber(files[len(files)-1])
		if err != nil {
			return err
		}
		if err := p.correctFinalPart(ctx, rec, lastPart); err != nil {
			return err
		}
	}

	return p.trackerStore.Advance(ctx, rec.RequestID, tracker.RequestAdvance{Status: models.StatusCompleted})
}

// correctFinalPart flips has_more_parts on the last written part. The flag
// rides inside the encrypted artifact, so this is a decrypt, mutate,
// re-encrypt of that one file.
func (p *Producer) correctFinalPart(ctx context.Context, rec *tracker.RequestRecord, partNum int) error {
	env, err := p.parts.Read(rec.RequestID, partNum)
	if err != nil {
		return fmt.Errorf("read final part %d: %w", partNum, err)
	}
	var part models.Part
	if err := p.encryptor.Decrypt(env, &part); err != nil {
		return fmt.Errorf("decrypt final part %d: %w", partNum, err)
	}

	hasMore := false
	part.Header.HasMoreParts = &hasMore

	sealed, err := p.encryptor.Encrypt(&part)
	if err != nil {
		return fmt.Errorf("re-encrypt final part %d: %w", partNum, err)
	}
	if err := p.parts.Write(rec.RequestID, partNum, sealed); err != nil {
		return fmt.Errorf("rewrite final part %d: %w", partNum, err)
	}
	return nil
}

func (p *Producer) writePart(ctx context.Context, rec *tracker.RequestRecord, partNum int, part *models.Part, recordCount int) error {
	env, err := p.encryptor.Encrypt(part)
	if err != nil {
		return fmt.Errorf("encrypt part %d: %w", partNum, err)
	}
	if err := p.parts.Write(rec.RequestID, partNum, env); err != nil {
		return fmt.Errorf("write part %d: %w", partNum, err)
	}

	partsWritten.Inc()
	p.auditor.Publish(ctx, audit.Event{
		Timestamp:   requestcontext.Now(ctx),
		TenantID:    rec.TenantID,
		RequestID:   rec.RequestID,
		Action:      audit.ActionPartWritten,
		Part:        partNum,
		RecordCount: recordCount,
	})
	p.logger.InfoContext(ctx, "part written",
		"request_id", rec.RequestID,
		"part", partNum,
		"records", recordCount,
	)
	return nil
}

func (p *Producer) partHeader(ctx context.Context, rec *tracker.RequestRecord, requestType models.RequestType, partNum int, hasMore bool) models.Header {
	return models.Header{
		RequestID:    rec.RequestID,
		RequestType:  requestType,
		TenantID:     rec.TenantID,
		Timestamp:    requestcontext.Now(ctx),
		Status:       models.StatusCompleted,
		Part:         partNum,
		HasMoreParts: &hasMore,
	}
}

// fail records the captured message on the tracker row. Status and error stay
// separate fields; partial part files are left on disk.
func (p *Producer) fail(ctx context.Context, rec *tracker.RequestRecord, cause error) error {
	jobsFailed.Inc()
	p.auditor.Publish(ctx, audit.Event{
		Timestamp: requestcontext.Now(ctx),
		TenantID:  rec.TenantID,
		RequestID: rec.RequestID,
		Action:    audit.ActionRequestFailed,
		Detail:    cause.Error(),
	})
	p.logger.ErrorContext(ctx, "request processing failed",
		"request_id", rec.RequestID,
		"error", cause,
	)

	if err := p.trackerStore.Advance(ctx, rec.RequestID, tracker.RequestAdvance{
		Status: models.StatusFailed,
		Error:  tracker.Str(cause.Error()),
	}); err != nil {
		p.logger.ErrorContext(ctx, "record failure status", "request_id", rec.RequestID, "error", err)
	}
	return cause
}
