// Package poller drives the consumer side of an exchange: it polls the
// provider for a request's status and, once completed, ingests each part
// exactly once. Progress is checkpointed per part through the batch tracker,
// so a crash mid-ingest resumes at the first unconsumed record instead of
// re-reading from the start.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"setu/internal/consumer/results"
	"setu/internal/crypto"
	"setu/internal/exchange/models"
	"setu/internal/exchange/tracker"
	"setu/internal/mask"
	"setu/pkg/platform/audit"
	"setu/pkg/requestcontext"

	id "setu/pkg/domain"
)

var (
	partsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "setu_consumer_parts_ingested_total",
		Help: "Number of result parts fully ingested.",
	})
	recordsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "setu_consumer_records_ingested_total",
		Help: "Number of result records persisted.",
	})
	pollsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "setu_consumer_polls_failed_total",
		Help: "Number of poll runs that ended in an error checkpoint.",
	})
	pollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "setu_consumer_poll_duration_seconds",
		Help:    "Duration of one poll run.",
		Buckets: prometheus.DefBuckets,
	})
)

// Provider is the subset of the exchange client the poller needs.
type Provider interface {
	Status(ctx context.Context, requestID id.RequestID) (*models.StatusBody, error)
	FetchPart(ctx context.Context, requestID id.RequestID, part int) (*models.Part, error)
}

// Transactor runs fn with a transaction in its context. Stores that join the
// context transaction make the rows and the checkpoint that claims them
// commit or roll back as one unit.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// noTx runs fn directly, for stores with no transaction support.
type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Poller ingests completed exchange results.
type Poller struct {
	provider  Provider
	trackers  tracker.BatchStore
	sink      results.Store
	encryptor *crypto.Encryptor
	auditor   audit.Publisher
	txn       Transactor
	logger    *slog.Logger
}

type Option func(*Poller)

func WithAuditPublisher(publisher audit.Publisher) Option {
	return func(p *Poller) {
		p.auditor = publisher
	}
}

func WithTransactor(txn Transactor) Option {
	return func(p *Poller) {
		p.txn = txn
	}
}

func New(
	provider Provider,
	trackers tracker.BatchStore,
	sink results.Store,
	encryptor *crypto.Encryptor,
	logger *slog.Logger,
	opts ...Option,
) *Poller {
	p := &Poller{
		provider:  provider,
		trackers:  trackers,
		sink:      sink,
		encryptor: encryptor,
		auditor:   audit.Nop{},
		txn:       noTx{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll runs one cycle for a tracked request. It is safe to call repeatedly:
// already-ingested parts are skipped by the checkpoint and inserts are
// idempotent on (masked_identifier, request_id).
func (p *Poller) Poll(ctx context.Context, requestID id.RequestID) error {
	timer := prometheus.NewTimer(pollDuration)
	defer timer.ObserveDuration()

	checkpoint, err := p.trackers.Checkpoint(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	status, err := p.provider.Status(ctx, requestID)
	if err != nil {
		return fmt.Errorf("query provider status: %w", err)
	}

	switch {
	case status.Status == models.StatusFailed:
		p.logger.Warn("provider reported request failed",
			slog.String("request_id", requestID.String()),
			slog.String("error", status.Error))
		if err := p.trackers.Advance(ctx, requestID, tracker.BatchAdvance{Status: models.StatusFailed}); err != nil {
			return fmt.Errorf("record provider failure: %w", err)
		}
		p.auditor.Publish(ctx, audit.Event{
			Timestamp: requestcontext.Now(ctx),
			RequestID: requestID,
			Action:    audit.ActionRequestFailed,
			Detail:    status.Error,
		})
		return nil
	case status.Status != models.StatusCompleted:
		// Still running on the provider side. Keep the row active and wait
		// for the next tick.
		return p.trackers.Advance(ctx, requestID, tracker.BatchAdvance{Status: models.StatusProcessing})
	}

	for _, part := range sortedParts(status.Files) {
		if skipPart(part, checkpoint) {
			continue
		}
		if err := p.ingestPart(ctx, requestID, part, checkpoint); err != nil {
			return err
		}
	}

	if err := p.trackers.Advance(ctx, requestID, tracker.BatchAdvance{Status: models.StatusCompleted}); err != nil {
		return fmt.Errorf("mark request completed: %w", err)
	}
	p.auditor.Publish(ctx, audit.Event{
		Timestamp: requestcontext.Now(ctx),
		RequestID: requestID,
		Action:    audit.ActionRequestCompleted,
	})
	p.logger.Info("request fully ingested", slog.String("request_id", requestID.String()))
	return nil
}

// skipPart applies the resumption rule. A part strictly before the cursor is
// done. The cursor part itself is done only when its index has been reset to
// NoIndex, which happens when the previous run consumed every record in it;
// LastPart 0 with NoIndex is the virgin checkpoint, where nothing is skipped.
func skipPart(part int, checkpoint tracker.Checkpoint) bool {
	if part < checkpoint.LastPart {
		return true
	}
	return part == checkpoint.LastPart &&
		checkpoint.LastIndex == tracker.NoIndex &&
		checkpoint.LastPart != 0
}

func (p *Poller) ingestPart(ctx context.Context, requestID id.RequestID, part int, checkpoint tracker.Checkpoint) error {
	payload, err := p.provider.FetchPart(ctx, requestID, part)
	if err != nil {
		return fmt.Errorf("fetch part %d: %w", part, err)
	}

	startIdx := 0
	if part == checkpoint.LastPart && checkpoint.LastIndex != tracker.NoIndex {
		startIdx = checkpoint.LastIndex + 1
		p.logger.Info("resuming part mid-way",
			slog.String("request_id", requestID.String()),
			slog.Int("part", part),
			slog.Int("start_index", startIdx))
	}

	total := len(payload.Body.Results) + len(payload.Body.Citizens)
	if startIdx >= total {
		// Every record in this part was already consumed; reset the index so
		// the skip rule treats the part as done.
		return p.trackers.Advance(ctx, requestID, tracker.BatchAdvance{
			Status:    models.StatusProcessing,
			LastPart:  tracker.Int(part),
			LastIndex: tracker.Int(tracker.NoIndex),
		})
	}

	var ingestErr error
	var count int
	if len(payload.Body.Results) > 0 {
		count, ingestErr = p.ingestVerify(ctx, requestID, part, payload.Body.Results, startIdx)
	} else {
		count, ingestErr = p.ingestSearch(ctx, requestID, part, payload.Body.Citizens, startIdx)
	}
	recordsIngested.Add(float64(count))
	if ingestErr != nil {
		pollsFailed.Inc()
		return ingestErr
	}
	partsIngested.Inc()
	p.auditor.Publish(ctx, audit.Event{
		Timestamp:   requestcontext.Now(ctx),
		RequestID:   requestID,
		Action:      audit.ActionPartIngested,
		Part:        part,
		RecordCount: count,
	})
	return nil
}

// ingestVerify transforms and persists verify results from startIdx on. When
// a record fails to transform, the prefix that did transform is persisted
// first and the checkpoint is parked at the last durable index under the
// error status, so the retry re-attempts the failing record and nothing
// before it.
func (p *Poller) ingestVerify(ctx context.Context, requestID id.RequestID, part int, records []models.VerifyResult, startIdx int) (int, error) {
	batch := make([]*results.VerifyRecord, 0, len(records)-startIdx)
	for i := startIdx; i < len(records); i++ {
		record := records[i]
		envelope, err := p.encryptor.Encrypt(record.CriteriaResults)
		if err != nil {
			return p.flushPartial(ctx, requestID, part, i, len(batch), func(ctx context.Context) error {
				return p.sink.BulkInsertVerify(ctx, batch)
			}, fmt.Errorf("encrypt criteria results at part %d index %d: %w", part, i, err))
		}
		batch = append(batch, &results.VerifyRecord{
			MaskedIdentifier: maskedIdentifier(record.Identifier, record.Name),
			RequestID:        requestID,
			CriteriaResults:  envelope,
			MatchScore:       record.MatchScore,
			StoredAt:         requestcontext.Now(ctx),
		})
	}
	err := p.commitPart(ctx, requestID, part, len(records)-1, func(ctx context.Context) error {
		return p.sink.BulkInsertVerify(ctx, batch)
	})
	if err != nil {
		return 0, fmt.Errorf("persist verify results for part %d: %w", part, err)
	}
	return len(batch), nil
}

func (p *Poller) ingestSearch(ctx context.Context, requestID id.RequestID, part int, records []models.CitizenRecord, startIdx int) (int, error) {
	batch := make([]*results.SearchRecord, 0, len(records)-startIdx)
	for i := startIdx; i < len(records); i++ {
		record := records[i]
		envelope, err := p.encryptor.Encrypt(record)
		if err != nil {
			return p.flushPartial(ctx, requestID, part, i, len(batch), func(ctx context.Context) error {
				return p.sink.BulkInsertSearch(ctx, batch)
			}, fmt.Errorf("encrypt citizen data at part %d index %d: %w", part, i, err))
		}
		batch = append(batch, &results.SearchRecord{
			MaskedIdentifier: maskedIdentifier(record.Identifier, record.Name),
			RequestID:        requestID,
			CitizenData:      envelope,
			StoredAt:         requestcontext.Now(ctx),
		})
	}
	err := p.commitPart(ctx, requestID, part, len(records)-1, func(ctx context.Context) error {
		return p.sink.BulkInsertSearch(ctx, batch)
	})
	if err != nil {
		return 0, fmt.Errorf("persist search results for part %d: %w", part, err)
	}
	return len(batch), nil
}

// commitPart persists a part's batch and advances the checkpoint past it in
// one transaction.
func (p *Poller) commitPart(ctx context.Context, requestID id.RequestID, part, lastIndex int, insert func(ctx context.Context) error) error {
	return p.txn.InTx(ctx, func(ctx context.Context) error {
		if err := insert(ctx); err != nil {
			return err
		}
		return p.trackers.Advance(ctx, requestID, tracker.BatchAdvance{
			Status:    models.StatusProcessing,
			LastPart:  tracker.Int(part),
			LastIndex: tracker.Int(lastIndex),
		})
	})
}

// flushPartial persists the already-transformed prefix and parks the
// checkpoint at the last index it covers, so the failing record is the first
// one a retry re-attempts. The cursor only moves when rows actually became
// durable; otherwise only the status changes and the stored cursor stands,
// which still resumes at or before the failing record.
func (p *Poller) flushPartial(ctx context.Context, requestID id.RequestID, part, failedIdx, flushed int, insert func(ctx context.Context) error, cause error) (int, error) {
	count := 0
	if flushed > 0 {
		err := p.txn.InTx(ctx, func(ctx context.Context) error {
			if err := insert(ctx); err != nil {
				return err
			}
			return p.trackers.Advance(ctx, requestID, tracker.BatchAdvance{
				Status:    models.StatusError,
				LastPart:  tracker.Int(part),
				LastIndex: tracker.Int(failedIdx - 1),
			})
		})
		if err == nil {
			return flushed, cause
		}
		p.logger.Error("flush of partial batch failed",
			slog.String("request_id", requestID.String()),
			slog.Int("part", part),
			slog.Any("error", err))
	}
	if err := p.trackers.Advance(ctx, requestID, tracker.BatchAdvance{Status: models.StatusError}); err != nil {
		p.logger.Error("error checkpoint write failed",
			slog.String("request_id", requestID.String()),
			slog.Any("error", err))
	}
	return count, cause
}

// maskedIdentifier hashes the identifier when present and falls back to the
// name for probabilistic verify results, which echo query fields without an
// identifier.
func maskedIdentifier(identifier, name string) string {
	if identifier != "" {
		return mask.Identifier(identifier)
	}
	return mask.Identifier(name)
}

func sortedParts(files []string) []int {
	parts := make([]int, 0, len(files))
	for _, file := range files {
		part, err := models.PartNumber(file)
		if err != nil {
			continue
		}
		parts = append(parts, part)
	}
	sort.Ints(parts)
	return parts
}
