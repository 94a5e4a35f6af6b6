// Package scheduler drives the background exchange work on both sides: it
// periodically scans a tracker for unfinished requests and dispatches each to
// a worker. Runs for the same request never overlap, so a slow job simply
// skips ticks instead of stacking up.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	id "setu/pkg/domain"
)

var (
	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "setu_scheduler_ticks_total",
		Help: "Scheduler scan ticks by worker name.",
	}, []string{"worker"})
	jobsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "setu_scheduler_jobs_skipped_total",
		Help: "Jobs skipped because a previous run was still in flight.",
	}, []string{"worker"})
)

// DefaultParallelism bounds concurrent jobs per tick.
const DefaultParallelism = 4

// Source lists the requests that still need work.
type Source interface {
	Pending(ctx context.Context) ([]id.RequestID, error)
}

// Worker runs one job. Errors are logged and retried on a later tick; the
// worker owns its own checkpointing.
type Worker interface {
	Work(ctx context.Context, requestID id.RequestID) error
}

// Locker serializes a job across processes. TryLock returns false when
// another process already holds the key; the release func must be called
// exactly once on success.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool)
}

type Scheduler struct {
	name        string
	source      Source
	worker      Worker
	interval    time.Duration
	parallelism int
	locker      Locker
	logger      *slog.Logger

	mu       sync.Mutex
	inFlight map[id.RequestID]struct{}
}

type Option func(*Scheduler)

func WithParallelism(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithLocker extends the in-process overlap guard across replicas.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) {
		s.locker = l
	}
}

func New(name string, source Source, worker Worker, interval time.Duration, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		name:        name,
		source:      source,
		worker:      worker,
		interval:    interval,
		parallelism: DefaultParallelism,
		logger:      logger,
		inFlight:    make(map[id.RequestID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until the context is cancelled. The first scan happens
// immediately so a restart resumes interrupted work without waiting out an
// interval.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Tick runs one scan synchronously; exposed for tests.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	ticksTotal.WithLabelValues(s.name).Inc()

	pending, err := s.source.Pending(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler scan failed",
			"worker", s.name,
			"error", err.Error(),
		)
		return
	}
	if len(pending) == 0 {
		return
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.parallelism)
	for _, requestID := range pending {
		if !s.acquire(requestID) {
			jobsSkipped.WithLabelValues(s.name).Inc()
			continue
		}
		releaseLock := func() {}
		if s.locker != nil {
			var held bool
			releaseLock, held = s.locker.TryLock(ctx, s.name+":"+requestID.String())
			if !held {
				s.release(requestID)
				jobsSkipped.WithLabelValues(s.name).Inc()
				continue
			}
		}
		group.Go(func() error {
			defer s.release(requestID)
			defer releaseLock()
			if err := s.worker.Work(ctx, requestID); err != nil {
				s.logger.ErrorContext(ctx, "job failed",
					"worker", s.name,
					"job_request_id", requestID.String(),
					"error", err.Error(),
				)
			}
			return nil
		})
	}
	_ = group.Wait()
}

func (s *Scheduler) acquire(requestID id.RequestID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[requestID]; busy {
		return false
	}
	s.inFlight[requestID] = struct{}{}
	return true
}

func (s *Scheduler) release(requestID id.RequestID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, requestID)
}
