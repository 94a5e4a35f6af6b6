package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "setu/pkg/domain"
)

type staticSource []id.RequestID

func (s staticSource) Pending(context.Context) ([]id.RequestID, error) {
	return s, nil
}

type countingWorker struct {
	mu    sync.Mutex
	runs  map[id.RequestID]int
	block chan struct{}
}

func newCountingWorker() *countingWorker {
	return &countingWorker{runs: make(map[id.RequestID]int)}
}

func (w *countingWorker) Work(_ context.Context, requestID id.RequestID) error {
	w.mu.Lock()
	w.runs[requestID]++
	w.mu.Unlock()
	if w.block != nil {
		<-w.block
	}
	return nil
}

func (w *countingWorker) count(requestID id.RequestID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs[requestID]
}

func Test_Tick_DispatchesAllPending(t *testing.T) {
	worker := newCountingWorker()
	s := New("test", staticSource{"req-1", "req-2", "req-3"}, worker, time.Hour, slog.New(slog.DiscardHandler))

	s.Tick(context.Background())

	for _, requestID := range []id.RequestID{"req-1", "req-2", "req-3"} {
		assert.Equal(t, 1, worker.count(requestID))
	}
}

func Test_Tick_DoesNotOverlapRuns(t *testing.T) {
	worker := newCountingWorker()
	worker.block = make(chan struct{})
	s := New("test", staticSource{"req-1"}, worker, time.Hour, slog.New(slog.DiscardHandler))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Tick(context.Background())
	}()

	require.Eventually(t, func() bool { return worker.count("req-1") == 1 }, time.Second, time.Millisecond)

	// A second tick while the first run is still in flight skips the request.
	done := make(chan struct{})
	go func() {
		s.Tick(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second tick blocked on in-flight job")
	}
	assert.Equal(t, 1, worker.count("req-1"))

	close(worker.block)
	wg.Wait()

	// Once released, the next tick runs it again.
	worker.block = nil
	s.Tick(context.Background())
	assert.Equal(t, 2, worker.count("req-1"))
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
	released []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) TryLock(_ context.Context, key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false
	}
	l.acquired = append(l.acquired, key)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.released = append(l.released, key)
	}, true
}

func Test_Tick_SkipsLockedJobs(t *testing.T) {
	worker := newCountingWorker()
	locker := newFakeLocker()
	locker.held["test:req-2"] = true
	s := New("test", staticSource{"req-1", "req-2"}, worker, time.Hour,
		slog.New(slog.DiscardHandler), WithLocker(locker))

	s.Tick(context.Background())

	assert.Equal(t, 1, worker.count("req-1"))
	assert.Zero(t, worker.count("req-2"))
	assert.Equal(t, []string{"test:req-1"}, locker.acquired)
	assert.Equal(t, []string{"test:req-1"}, locker.released)
}

func Test_Run_StopsOnCancel(t *testing.T) {
	worker := newCountingWorker()
	s := New("test", staticSource{}, worker, time.Millisecond, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
