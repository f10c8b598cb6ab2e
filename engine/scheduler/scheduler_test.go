package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/engine/models"
	"argus/engine/registry"
)

// fakeTaskStore keeps tasks in memory.
type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

func newFakeTaskStore(tasks ...*models.Task) *fakeTaskStore {
	f := &fakeTaskStore{tasks: make(map[string]*models.Task)}
	for _, task := range tasks {
		f.tasks[task.ID] = task
	}
	return f
}

func (f *fakeTaskStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[id]; ok {
		clone := *task
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeTaskStore) SetTaskStatus(_ context.Context, id string, status models.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[id]; ok {
		task.Status = status
	}
	return nil
}

func (f *fakeTaskStore) status(id string) models.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id].Status
}

const schedDoc = `
engines:
  fast:
    base_url: https://fast.example
    weight: 0.9
    qps: 20
    categories:
      general: 1.0
`

func schedRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	snap, err := registry.Parse([]byte(schedDoc))
	require.NoError(t, err)
	return registry.FromSnapshot(snap)
}

func newTestScheduler(t *testing.T, tasks *fakeTaskStore) *Scheduler {
	t.Helper()
	s := New(Config{DefaultMinInterval: 5 * time.Millisecond}, tasks, nil, schedRegistry(t), nil)
	t.Cleanup(s.Stop)
	return s
}

func task(id string, status models.TaskStatus) *models.Task {
	return &models.Task{ID: id, Hypothesis: "h", Status: status, CreatedAt: time.Now()}
}

func TestSubmitRejectsUnknownAndFailedTasks(t *testing.T) {
	ctx := context.Background()
	tasks := newFakeTaskStore(task("t_failed", models.TaskFailed))
	s := newTestScheduler(t, tasks)

	_, err := s.Submit(ctx, models.JobSearchQueue, map[string]any{"query": "x"}, PriorityMedium, "t_missing", nil)
	assert.ErrorIs(t, err, models.ErrTaskNotFound)

	_, err = s.Submit(ctx, models.JobSearchQueue, map[string]any{"query": "x"}, PriorityMedium, "t_failed", nil)
	assert.ErrorIs(t, err, models.ErrTaskFailed)
}

func TestDuplicateSuppressionReturnsExistingJobID(t *testing.T) {
	ctx := context.Background()
	tasks := newFakeTaskStore(task("t_1", models.TaskCreated))
	s := newTestScheduler(t, tasks)
	// Workers not started: jobs stay queued, so the duplicate window holds.

	first, err := s.Submit(ctx, models.JobSearchQueue, map[string]any{"query": "same query"}, PriorityMedium, "t_1", nil)
	require.NoError(t, err)
	assert.True(t, first.Accepted)

	second, err := s.Submit(ctx, models.JobSearchQueue, map[string]any{"query": "same query"}, PriorityMedium, "t_1", nil)
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, "duplicate suppressed", second.Reason)

	// A different query is accepted.
	third, err := s.Submit(ctx, models.JobSearchQueue, map[string]any{"query": "other query"}, PriorityMedium, "t_1", nil)
	require.NoError(t, err)
	assert.True(t, third.Accepted)
}

func TestTargetDedupNormalizesLocators(t *testing.T) {
	ctx := context.Background()
	tasks := newFakeTaskStore(task("t_1", models.TaskCreated))
	s := newTestScheduler(t, tasks)

	first, err := s.Submit(ctx, models.JobTargetQueue,
		map[string]any{"target": map[string]any{"kind": "doi", "doi": "10.1000/ABC.123"}},
		PriorityMedium, "t_1", nil)
	require.NoError(t, err)
	assert.True(t, first.Accepted)

	// Same DOI with trailing punctuation and different case is a duplicate.
	second, err := s.Submit(ctx, models.JobTargetQueue,
		map[string]any{"target": map[string]any{"kind": "doi", "doi": "10.1000/abc.123."}},
		PriorityMedium, "t_1", nil)
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.Equal(t, first.JobID, second.JobID)
}

func TestSubmissionMovesTaskToExploring(t *testing.T) {
	ctx := context.Background()
	tasks := newFakeTaskStore(task("t_1", models.TaskPaused))
	s := newTestScheduler(t, tasks)

	res, err := s.Submit(ctx, models.JobSearchQueue, map[string]any{"query": "q"}, PriorityMedium, "t_1", nil)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, models.TaskExploring, tasks.status("t_1"))
}

func TestCauseIDInheritedFromContext(t *testing.T) {
	tasks := newFakeTaskStore(task("t_1", models.TaskCreated))
	s := newTestScheduler(t, tasks)

	done := make(chan *models.Job, 3)
	s.Register(models.JobVerifyNLI, func(_ context.Context, job *models.Job, _ map[string]any) error {
		done <- job
		return nil
	})
	s.Start()

	ctx, traceID := NewTrace(context.Background())
	res, err := s.Submit(ctx, models.JobVerifyNLI, map[string]any{"n": 1.0}, PriorityMedium, "t_1", nil)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	select {
	case job := <-done:
		require.NotNil(t, job.CauseID)
		assert.Equal(t, traceID, *job.CauseID)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}

	// Outside any trace the cause id is null.
	res, err = s.Submit(context.Background(), models.JobVerifyNLI, map[string]any{"n": 2.0}, PriorityMedium, "t_1", nil)
	require.NoError(t, err)
	select {
	case job := <-done:
		assert.Nil(t, job.CauseID)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}

	// An explicit cause id overrides the context.
	explicit := "tr_override"
	res, err = s.Submit(ctx, models.JobVerifyNLI, map[string]any{"n": 3.0}, PriorityMedium, "t_1", &explicit)
	require.NoError(t, err)
	select {
	case job := <-done:
		require.NotNil(t, job.CauseID)
		assert.Equal(t, explicit, *job.CauseID)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestSlotOrderingByPriorityThenQueueTime(t *testing.T) {
	ctx := context.Background()
	tasks := newFakeTaskStore(task("t_1", models.TaskCreated))
	s := newTestScheduler(t, tasks)

	var mu sync.Mutex
	var order []string
	s.Register(models.JobVerifyNLI, func(_ context.Context, job *models.Job, input map[string]any) error {
		mu.Lock()
		order = append(order, input["name"].(string))
		mu.Unlock()
		return nil
	})

	// Queue before starting workers so ordering is fully determined.
	submit := func(name string, priority int) {
		_, err := s.Submit(ctx, models.JobVerifyNLI, map[string]any{"name": name}, priority, "t_1", nil)
		require.NoError(t, err)
	}
	submit("low-early", PriorityLow)
	time.Sleep(2 * time.Millisecond)
	submit("medium", PriorityMedium)
	time.Sleep(2 * time.Millisecond)
	submit("high", PriorityHigh)
	time.Sleep(2 * time.Millisecond)
	submit("low-late", PriorityLow)

	s.Start()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "medium", "low-early", "low-late"}, order)
}

func TestEngineQPSGateEnforcesMinInterval(t *testing.T) {
	ctx := context.Background()
	tasks := newFakeTaskStore(task("t_1", models.TaskCreated))

	snap, err := registry.Parse([]byte(`
engines:
  gated:
    base_url: https://gated.example
    weight: 0.9
    qps: 20
    categories:
      general: 1.0
`))
	require.NoError(t, err)
	s := New(Config{DefaultMinInterval: time.Millisecond}, tasks, nil, registry.FromSnapshot(snap), nil)
	t.Cleanup(s.Stop)

	var mu sync.Mutex
	var starts []time.Time
	s.Register(models.JobSearchQueue, func(_ context.Context, _ *models.Job, _ map[string]any) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil
	})
	s.Start()

	for i := 0; i < 3; i++ {
		_, err := s.Submit(ctx, models.JobSearchQueue,
			map[string]any{"query": string(rune('a' + i)), "engine": "gated"},
			PriorityMedium, "t_1", nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) == 3
	}, 3*time.Second, 5*time.Millisecond)

	// qps=20 => min interval 50ms. Allow scheduling slack below the bound.
	minInterval := 50 * time.Millisecond
	epsilon := 10 * time.Millisecond
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, minInterval-epsilon, "gap %d was %v", i, gap)
	}
}

func TestFailedHandlerMarksJobFailedWithoutRetry(t *testing.T) {
	ctx := context.Background()
	tasks := newFakeTaskStore(task("t_1", models.TaskCreated))
	s := newTestScheduler(t, tasks)

	var mu sync.Mutex
	runs := 0
	s.Register(models.JobVerifyNLI, func(_ context.Context, _ *models.Job, _ map[string]any) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return assert.AnError
	})
	s.Start()

	_, err := s.Submit(ctx, models.JobVerifyNLI, map[string]any{"n": 1.0}, PriorityMedium, "t_1", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return s.SnapshotMetrics().Failed == 1
	}, 2*time.Second, 5*time.Millisecond)

	// No automatic retry: a retry is a new job.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs)
}

func TestCancelParksJobsAndResumeRequeues(t *testing.T) {
	ctx := context.Background()
	tasks := newFakeTaskStore(task("t_1", models.TaskExploring))
	s := newTestScheduler(t, tasks)

	var mu sync.Mutex
	ran := 0
	s.Register(models.JobVerifyNLI, func(_ context.Context, _ *models.Job, _ map[string]any) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})

	s.CancelTask(ctx, "t_1")
	assert.Equal(t, models.TaskPaused, tasks.status("t_1"))

	_, err := s.Submit(ctx, models.JobVerifyNLI, map[string]any{"n": 1.0}, PriorityMedium, "t_1", nil)
	require.NoError(t, err)
	s.Start()

	// The cancel flag parks the job before it starts.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, ran)
	mu.Unlock()

	s.ResumeTask(ctx, "t_1")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.TaskExploring, tasks.status("t_1"))
}

func TestDedupWindowClosesAfterCompletion(t *testing.T) {
	ctx := context.Background()
	tasks := newFakeTaskStore(task("t_1", models.TaskCreated))
	s := newTestScheduler(t, tasks)

	s.Register(models.JobSearchQueue, func(_ context.Context, _ *models.Job, _ map[string]any) error {
		return nil
	})
	s.Start()

	first, err := s.Submit(ctx, models.JobSearchQueue, map[string]any{"query": "q"}, PriorityMedium, "t_1", nil)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	require.Eventually(t, func() bool {
		return s.SnapshotMetrics().Completed == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Once the prior job finished, an identical submission is a new job.
	again, err := s.Submit(ctx, models.JobSearchQueue, map[string]any{"query": "q"}, PriorityMedium, "t_1", nil)
	require.NoError(t, err)
	assert.True(t, again.Accepted)
	assert.NotEqual(t, first.JobID, again.JobID)
}
