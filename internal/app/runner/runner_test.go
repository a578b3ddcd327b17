package runner

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgilog/bloodloss/internal/app/estimator"
	"github.com/surgilog/bloodloss/internal/domain"
	"github.com/surgilog/bloodloss/internal/infra/notifier"
	"github.com/surgilog/bloodloss/internal/infra/sqlite"
	"github.com/surgilog/bloodloss/internal/logger"
)

// ─── Test Doubles ───────────────────────────────────────────────────────────

// recordingStore wraps a real store and records every applied transition.
type recordingStore struct {
	domain.TaskStore
	mu          sync.Mutex
	transitions map[string][]domain.TaskStatus
}

func (s *recordingStore) UpdateStatus(ctx context.Context, id string, upd domain.StatusUpdate) error {
	err := s.TaskStore.UpdateStatus(ctx, id, upd)
	if err == nil {
		s.mu.Lock()
		s.transitions[id] = append(s.transitions[id], upd.Status)
		s.mu.Unlock()
	}
	return err
}

func (s *recordingStore) history(id string) []domain.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TaskStatus(nil), s.transitions[id]...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	results []domain.Result
}

func (f *fakeNotifier) Notify(_ context.Context, res domain.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, res)
}

func (f *fakeNotifier) sent() []domain.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Result(nil), f.results...)
}

// gatedStore lets a test hold or fail CreateTask.
type gatedStore struct {
	*recordingStore
	create func() error
}

func (s *gatedStore) CreateTask(ctx context.Context, sub domain.Submission) (*domain.CalculationTask, error) {
	if err := s.create(); err != nil {
		return nil, err
	}
	return s.recordingStore.CreateTask(ctx, sub)
}

type panickingNotifier struct{}

func (panickingNotifier) Notify(context.Context, domain.Result) { panic("delivery exploded") }

type estimatorFunc func(domain.Inputs) (int, error)

func (f estimatorFunc) Estimate(in domain.Inputs) (int, error) { return f(in) }

type halfRand struct{}

func (halfRand) Float64() float64 { return 0.5 }

func noSleep(context.Context, time.Duration) error { return nil }

func newStore(t *testing.T) *recordingStore {
	t.Helper()
	logger.SetOutput(io.Discard)
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &recordingStore{TaskStore: db, transitions: map[string][]domain.TaskStatus{}}
}

func ptr[T any](v T) *T { return &v }

func scenarioRequest() domain.SubmitRequest {
	return domain.SubmitRequest{
		BloodLossCalcID: ptr(int64(1)),
		OperationID:     ptr(int64(1)),
		PatientHeight:   ptr(170.0),
		PatientWeight:   ptr(70),
		HbBefore:        ptr(130),
		HbAfter:         ptr(100),
		SurgeryDuration: ptr(2.0),
		BloodLossCoeff:  ptr(0.1),
		AvgBloodLoss:    ptr(500),
	}
}

func shutdown(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestSubmit_ScenarioCompletes(t *testing.T) {
	store := newStore(t)
	n := &fakeNotifier{}
	var delays []time.Duration
	r := New(store, estimator.New(halfRand{}), n, DefaultConfig(),
		WithRand(func() float64 { return 0.5 }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}))

	task, err := r.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.NotEmpty(t, task.ID)

	shutdown(t, r)

	got, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, got.Status)
	require.NotNil(t, got.TotalBloodLoss)
	assert.GreaterOrEqual(t, *got.TotalBloodLoss, 50)
	assert.LessOrEqual(t, *got.TotalBloodLoss, 1500)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.ErrorMessage)

	assert.Equal(t, []domain.TaskStatus{domain.TaskProcessing, domain.TaskCompleted}, store.history(task.ID))
	assert.Equal(t, []time.Duration{7500 * time.Millisecond}, delays)

	sent := n.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, task.ID, sent[0].TaskID)
	assert.Equal(t, int64(1), sent[0].BloodLossCalcID)
	assert.Equal(t, *got.TotalBloodLoss, sent[0].TotalBloodLoss)
}

func TestSubmit_MissingFieldCreatesNoTask(t *testing.T) {
	store := newStore(t)
	r := New(store, estimator.New(halfRand{}), &fakeNotifier{}, DefaultConfig(), WithSleep(noSleep))
	defer shutdown(t, r)

	req := scenarioRequest()
	req.AvgBloodLoss = nil
	_, err := r.Submit(context.Background(), req)

	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "avg_blood_loss", ve.Field)
	assert.Equal(t, "Missing required field: avg_blood_loss", err.Error())

	tasks, err := store.ListTasks(context.Background(), domain.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSubmit_EstimatorErrorFailsTask(t *testing.T) {
	store := newStore(t)
	n := &fakeNotifier{}
	est := estimatorFunc(func(domain.Inputs) (int, error) {
		return 0, &domain.ComputationError{Err: errors.New("division by zero")}
	})
	r := New(store, est, n, DefaultConfig(), WithSleep(noSleep))

	task, err := r.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)
	shutdown(t, r)

	got, _ := store.GetTask(context.Background(), task.ID)
	assert.Equal(t, domain.TaskFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "division by zero")
	assert.Nil(t, got.TotalBloodLoss)
	assert.Empty(t, n.sent(), "failed tasks are not delivered")
}

func TestSubmit_PanicFailsTask(t *testing.T) {
	store := newStore(t)
	est := estimatorFunc(func(domain.Inputs) (int, error) { panic("bad state") })
	r := New(store, est, &fakeNotifier{}, DefaultConfig(), WithSleep(noSleep))

	task, err := r.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)
	shutdown(t, r)

	got, _ := store.GetTask(context.Background(), task.ID)
	assert.Equal(t, domain.TaskFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "bad state")
}

func TestSubmit_NotifierFailureKeepsTaskCompleted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := notifier.DefaultConfig()
	cfg.BaseURL = srv.URL
	n := notifier.New(cfg, notifier.WithSleep(noSleep))

	store := newStore(t)
	r := New(store, estimator.New(halfRand{}), n, DefaultConfig(), WithSleep(noSleep))

	task, err := r.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)
	shutdown(t, r)

	got, _ := store.GetTask(context.Background(), task.ID)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, int32(4), calls.Load())
}

func TestSubmit_ManyTasksRunIndependently(t *testing.T) {
	store := newStore(t)
	n := &fakeNotifier{}
	r := New(store, estimator.New(halfRand{}), n, DefaultConfig(), WithSleep(noSleep))

	var ids []string
	for i := 0; i < 20; i++ {
		req := scenarioRequest()
		req.BloodLossCalcID = ptr(int64(i))
		task, err := r.Submit(context.Background(), req)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	shutdown(t, r)

	for _, id := range ids {
		got, err := store.GetTask(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskCompleted, got.Status)
		assert.Equal(t, []domain.TaskStatus{domain.TaskProcessing, domain.TaskCompleted}, store.history(id))
	}
	assert.Len(t, n.sent(), 20)
}

func TestSubmit_PanicAfterCompletionKeepsTaskCompleted(t *testing.T) {
	store := newStore(t)
	r := New(store, estimator.New(halfRand{}), panickingNotifier{}, DefaultConfig(), WithSleep(noSleep))

	task, err := r.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)
	shutdown(t, r)

	got, _ := store.GetTask(context.Background(), task.ID)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, []domain.TaskStatus{domain.TaskProcessing, domain.TaskCompleted}, store.history(task.ID))
}

func TestSubmit_CreateFailureDoesNotBlockShutdown(t *testing.T) {
	store := &gatedStore{recordingStore: newStore(t), create: func() error { return errors.New("disk full") }}
	r := New(store, estimator.New(halfRand{}), &fakeNotifier{}, DefaultConfig(), WithSleep(noSleep))

	_, err := r.Submit(context.Background(), scenarioRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	shutdown(t, r)
}

func TestSubmit_InsertsDoNotSerialize(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	store := &gatedStore{recordingStore: newStore(t), create: func() error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	}}
	r := New(store, estimator.New(halfRand{}), &fakeNotifier{}, DefaultConfig(), WithSleep(noSleep))

	firstDone := make(chan error, 1)
	go func() {
		_, err := r.Submit(context.Background(), scenarioRequest())
		firstDone <- err
	}()
	<-entered

	secondDone := make(chan error, 1)
	go func() {
		_, err := r.Submit(context.Background(), scenarioRequest())
		secondDone <- err
	}()
	select {
	case err := <-secondDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second submission waited on the first insert")
	}

	close(release)
	require.NoError(t, <-firstDone)
	shutdown(t, r)
}

// ─── Concurrency Cap ────────────────────────────────────────────────────────

func TestRunner_MaxConcurrentHoldsTasksPending(t *testing.T) {
	store := newStore(t)
	entered := make(chan string, 2)
	proceed := make(chan struct{})

	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	r := New(store, estimator.New(halfRand{}), &fakeNotifier{}, cfg,
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			entered <- "sleep"
			select {
			case <-proceed:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))

	a, err := r.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)
	b, err := r.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)

	<-entered
	select {
	case <-entered:
		t.Fatal("second task started while the first held the only slot")
	case <-time.After(100 * time.Millisecond):
	}

	var pending, processing int
	for _, id := range []string{a.ID, b.ID} {
		got, _ := store.GetTask(context.Background(), id)
		switch got.Status {
		case domain.TaskPending:
			pending++
		case domain.TaskProcessing:
			processing++
		}
	}
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, processing)

	close(proceed)
	shutdown(t, r)

	for _, id := range []string{a.ID, b.ID} {
		got, _ := store.GetTask(context.Background(), id)
		assert.Equal(t, domain.TaskCompleted, got.Status)
	}
}

// ─── Shutdown ───────────────────────────────────────────────────────────────

func TestShutdown_RejectsNewTasks(t *testing.T) {
	r := New(newStore(t), estimator.New(halfRand{}), &fakeNotifier{}, DefaultConfig(), WithSleep(noSleep))
	shutdown(t, r)

	_, err := r.Submit(context.Background(), scenarioRequest())
	assert.ErrorIs(t, err, domain.ErrRunnerClosed)
}

func TestShutdown_DeadlineInterruptsRunningTasks(t *testing.T) {
	store := newStore(t)
	started := make(chan struct{})
	r := New(store, estimator.New(halfRand{}), &fakeNotifier{}, DefaultConfig(),
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}))

	task, err := r.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Shutdown(ctx), context.Canceled)

	got, _ := store.GetTask(context.Background(), task.ID)
	assert.Equal(t, domain.TaskFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "interrupted by shutdown", *got.ErrorMessage)
}

func TestShutdown_DeadlineFailsTasksWaitingForSlot(t *testing.T) {
	store := newStore(t)
	started := make(chan struct{}, 2)
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	r := New(store, estimator.New(halfRand{}), &fakeNotifier{}, cfg,
		WithSleep(func(ctx context.Context, _ time.Duration) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}))

	a, err := r.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)
	b, err := r.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Shutdown(ctx), context.Canceled)

	for _, id := range []string{a.ID, b.ID} {
		got, _ := store.GetTask(context.Background(), id)
		assert.Equal(t, domain.TaskFailed, got.Status, "task %s", id)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "interrupted by shutdown", *got.ErrorMessage)
		assert.Equal(t, []domain.TaskStatus{domain.TaskProcessing, domain.TaskFailed}, store.history(id))
	}
}
