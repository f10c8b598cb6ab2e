// Package scheduler runs the unified async job queue: named slots with
// strict per-slot ordering, per-engine QPS gating, duplicate suppression and
// causal traces.
package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"argus/engine/models"
	"argus/engine/registry"
)

// Slot names. Each slot runs at most one job at a time by default.
const (
	SlotNetwork = "network_client"
	SlotLLM     = "llm"
	SlotNLI     = "nli"
)

// Priorities accepted by Submit.
const (
	PriorityHigh   = 10
	PriorityMedium = 50
	PriorityLow    = 90
)

var slotForKind = map[models.JobKind]string{
	models.JobSearchQueue:   SlotNetwork,
	models.JobTargetQueue:   SlotNetwork,
	models.JobVerifyNLI:     SlotNLI,
	models.JobCitationGraph: SlotNetwork,
}

// TaskStore is the task status seam the scheduler needs.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	SetTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
}

// JobStore persists job records for audit; dedup state is kept in memory.
type JobStore interface {
	InsertJob(ctx context.Context, job *models.Job) error
	MarkJobRunning(ctx context.Context, id string, at time.Time) error
	MarkJobFinished(ctx context.Context, id string, state models.JobState, at time.Time, errMsg string) error
}

// Handler executes one job kind. The input is the decoded input_json map.
// Returning an EngineFailure classifies the failure for the breaker.
type Handler func(ctx context.Context, job *models.Job, input map[string]any) error

// EngineFailure classifies a failed external request so the circuit breaker
// can distinguish CAPTCHA and timeout signals.
type EngineFailure struct {
	Engine    string
	IsCaptcha bool
	IsTimeout bool
	Err       error
}

func (e *EngineFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine %s: %v", e.Engine, e.Err)
	}
	return fmt.Sprintf("engine %s: request failed", e.Engine)
}

func (e *EngineFailure) Unwrap() error { return e.Err }

// BreakerSink receives engine request outcomes.
type BreakerSink interface {
	RecordSuccess(ctx context.Context, engine string, latencyMs float64)
	RecordFailure(ctx context.Context, engine string, isCaptcha, isTimeout bool)
}

// Clock abstraction for testability.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// SubmitResult reports the outcome of a Submit call. A suppressed duplicate
// is not an error: Accepted is false and JobID names the existing job.
type SubmitResult struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"job_id"`
	Reason   string `json:"reason,omitempty"`
}

// EventFunc observes scheduler lifecycle events.
type EventFunc func(eventType string, fields map[string]any)

// Config tunes the scheduler.
type Config struct {
	// SlotConcurrency overrides the per-slot worker count (default 1).
	SlotConcurrency map[string]int
	// DefaultMinInterval gates engines absent from the registry.
	DefaultMinInterval time.Duration
}

// Scheduler is the unified in-process job queue.
type Scheduler struct {
	cfg      Config
	tasks    TaskStore
	jobs     JobStore
	reg      *registry.Registry
	breakers BreakerSink
	clock    Clock
	onEvent  EventFunc

	mu        sync.Mutex
	slots     map[string]*slot
	handlers  map[models.JobKind]Handler
	active    map[string]*models.Job // dedup key -> queued/running job
	keyByJob  map[string]string      // job id -> dedup key
	cancelled map[string]bool        // task id -> cancel flag
	parked    map[string][]*models.Job

	lastRequestMu sync.Mutex
	lastRequest   map[string]time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	metrics Metrics
}

// Metrics is a snapshot of scheduler counters.
type Metrics struct {
	Submitted  int64 `json:"submitted"`
	Suppressed int64 `json:"suppressed"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Queued     int   `json:"queued"`
}

type slot struct {
	name    string
	queue   jobHeap
	cond    *sync.Cond
	workers int
}

// New builds a scheduler. reg and breakers may be nil in tests; handlers are
// registered before Start.
func New(cfg Config, tasks TaskStore, jobs JobStore, reg *registry.Registry, breakers BreakerSink) *Scheduler {
	if cfg.DefaultMinInterval <= 0 {
		cfg.DefaultMinInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:         cfg,
		tasks:       tasks,
		jobs:        jobs,
		reg:         reg,
		breakers:    breakers,
		clock:       realClock{},
		slots:       make(map[string]*slot),
		handlers:    make(map[models.JobKind]Handler),
		active:      make(map[string]*models.Job),
		keyByJob:    make(map[string]string),
		cancelled:   make(map[string]bool),
		parked:      make(map[string][]*models.Job),
		lastRequest: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, name := range []string{SlotNetwork, SlotLLM, SlotNLI} {
		s.ensureSlot(name)
	}
	return s
}

// WithClock swaps the time source. For tests; call before Start.
func (s *Scheduler) WithClock(c Clock) *Scheduler {
	if c != nil {
		s.clock = c
	}
	return s
}

// OnEvent registers a lifecycle observer.
func (s *Scheduler) OnEvent(fn EventFunc) { s.onEvent = fn }

func (s *Scheduler) publish(eventType string, fields map[string]any) {
	if s.onEvent != nil {
		s.onEvent(eventType, fields)
	}
}

// Register binds a handler to a job kind. Must be called before jobs of that
// kind execute; re-registration replaces the handler.
func (s *Scheduler) Register(kind models.JobKind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Scheduler) ensureSlot(name string) *slot {
	if sl, ok := s.slots[name]; ok {
		return sl
	}
	workers := 1
	if n, ok := s.cfg.SlotConcurrency[name]; ok && n > 0 {
		workers = n
	}
	sl := &slot{name: name, workers: workers}
	sl.cond = sync.NewCond(&s.mu)
	s.slots[name] = sl
	return sl
}

// Start launches slot workers. Idempotent per scheduler instance.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		for i := 0; i < sl.workers; i++ {
			s.wg.Add(1)
			go s.worker(sl)
		}
	}
}

// Stop cancels workers and waits for in-flight jobs to finish their current
// step. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		for _, sl := range s.slots {
			sl.cond.Broadcast()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
}

// Submit enqueues a job. Rejections: unknown task (error), failed task
// (error), duplicate (suppressed: Accepted=false, existing job id). The cause
// id is inherited from the context's innermost trace unless causeID is
// non-nil.
func (s *Scheduler) Submit(ctx context.Context, kind models.JobKind, input map[string]any, priority int, taskID string, causeID *string) (SubmitResult, error) {
	if taskID == "" {
		return SubmitResult{}, errors.New("task_id is required")
	}
	if priority != PriorityHigh && priority != PriorityMedium && priority != PriorityLow {
		priority = PriorityMedium
	}
	slotName, ok := slotForKind[kind]
	if !ok {
		return SubmitResult{}, fmt.Errorf("unknown job kind %q", kind)
	}

	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return SubmitResult{}, err
	}
	if task == nil {
		return SubmitResult{}, models.ErrTaskNotFound
	}
	if task.Status == models.TaskFailed {
		return SubmitResult{}, models.ErrTaskFailed
	}

	key := dedupKey(taskID, kind, input)

	s.mu.Lock()
	if existing, ok := s.active[key]; ok {
		s.metrics.Suppressed++
		s.mu.Unlock()
		return SubmitResult{Accepted: false, JobID: existing.ID, Reason: "duplicate suppressed"}, nil
	}

	if causeID == nil {
		causeID = CauseID(ctx)
	}
	raw, _ := json.Marshal(input)
	job := &models.Job{
		ID:        jobID(kind),
		TaskID:    taskID,
		Kind:      kind,
		Priority:  priority,
		Slot:      slotName,
		State:     models.JobQueued,
		InputJSON: string(raw),
		QueuedAt:  s.clock.Now(),
		CauseID:   causeID,
	}
	s.active[key] = job
	s.keyByJob[job.ID] = key
	sl := s.ensureSlot(slotName)
	heap.Push(&sl.queue, job)
	s.metrics.Submitted++
	sl.cond.Signal()
	s.mu.Unlock()

	if s.jobs != nil {
		if err := s.jobs.InsertJob(ctx, job); err != nil {
			s.publish("job_persist_failed", map[string]any{"job_id": job.ID, "error": err.Error()})
		}
	}

	// First queued work moves created/paused tasks back to exploring.
	if task.Status == models.TaskCreated || task.Status == models.TaskPaused {
		_ = s.tasks.SetTaskStatus(ctx, taskID, models.TaskExploring)
	}

	s.publish("job_queued", map[string]any{"job_id": job.ID, "kind": string(kind), "task_id": taskID, "priority": priority})
	return SubmitResult{Accepted: true, JobID: job.ID}, nil
}

func jobID(kind models.JobKind) string {
	switch kind {
	case models.JobSearchQueue:
		return models.NewID("s")
	case models.JobTargetQueue:
		return models.NewID("tg")
	case models.JobVerifyNLI:
		return models.NewID("v")
	case models.JobCitationGraph:
		return models.NewID("cg")
	}
	return models.NewID("j")
}

// CancelTask sets the per-task cancel flag and moves the task to paused.
// Queued jobs are parked; a running job runs to completion.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) {
	s.mu.Lock()
	s.cancelled[taskID] = true
	s.mu.Unlock()
	_ = s.tasks.SetTaskStatus(ctx, taskID, models.TaskPaused)
	s.publish("task_cancelled", map[string]any{"task_id": taskID})
}

// ResumeTask clears the cancel flag and requeues any parked jobs.
func (s *Scheduler) ResumeTask(ctx context.Context, taskID string) {
	s.mu.Lock()
	delete(s.cancelled, taskID)
	jobs := s.parked[taskID]
	delete(s.parked, taskID)
	for _, job := range jobs {
		sl := s.ensureSlot(job.Slot)
		heap.Push(&sl.queue, job)
		sl.cond.Signal()
	}
	s.mu.Unlock()
	if len(jobs) > 0 {
		_ = s.tasks.SetTaskStatus(ctx, taskID, models.TaskExploring)
	}
	s.publish("task_resumed", map[string]any{"task_id": taskID, "requeued": len(jobs)})
}

// SnapshotMetrics returns a copy of current counters.
func (s *Scheduler) SnapshotMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	for _, sl := range s.slots {
		m.Queued += sl.queue.Len()
	}
	return m
}

func (s *Scheduler) worker(sl *slot) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for sl.queue.Len() == 0 && s.ctx.Err() == nil {
			sl.cond.Wait()
		}
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		job := heap.Pop(&sl.queue).(*models.Job)
		if s.cancelled[job.TaskID] {
			s.parked[job.TaskID] = append(s.parked[job.TaskID], job)
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		s.run(job)
	}
}

func (s *Scheduler) run(job *models.Job) {
	ctx := s.ctx
	if job.CauseID != nil {
		ctx = WithTrace(ctx, *job.CauseID)
	}

	var input map[string]any
	_ = json.Unmarshal([]byte(job.InputJSON), &input)

	// Per-engine QPS gate applies to search jobs before the request starts.
	// Jobs that select an engine at execution time call WaitForEngine from
	// their handler once the engine is known.
	if job.Kind == models.JobSearchQueue {
		if engine, _ := input["engine"].(string); engine != "" {
			if !s.WaitForEngine(ctx, engine) {
				s.finish(ctx, job, models.JobFailed, "cancelled while waiting for engine interval")
				return
			}
		}
	}

	now := s.clock.Now()
	job.State = models.JobRunning
	job.StartedAt = &now
	if s.jobs != nil {
		_ = s.jobs.MarkJobRunning(ctx, job.ID, now)
	}
	s.publish("job_started", map[string]any{"job_id": job.ID, "kind": string(job.Kind)})

	s.mu.Lock()
	handler := s.handlers[job.Kind]
	s.mu.Unlock()

	if handler == nil {
		s.finish(ctx, job, models.JobFailed, "no handler registered for kind "+string(job.Kind))
		return
	}

	err := handler(ctx, job, input)
	if err == nil {
		s.finish(ctx, job, models.JobDone, "")
		return
	}

	var ef *EngineFailure
	if errors.As(err, &ef) && s.breakers != nil && ef.Engine != "" {
		s.breakers.RecordFailure(ctx, ef.Engine, ef.IsCaptcha, ef.IsTimeout)
	}
	// Transient failures do not retry automatically: a retry is a new job.
	s.finish(ctx, job, models.JobFailed, err.Error())
}

func (s *Scheduler) finish(ctx context.Context, job *models.Job, state models.JobState, errMsg string) {
	now := s.clock.Now()
	job.State = state
	job.FinishedAt = &now
	job.Error = errMsg
	if s.jobs != nil {
		_ = s.jobs.MarkJobFinished(ctx, job.ID, state, now, errMsg)
	}
	s.mu.Lock()
	if key, ok := s.keyByJob[job.ID]; ok {
		delete(s.active, key)
		delete(s.keyByJob, job.ID)
	}
	if state == models.JobDone {
		s.metrics.Completed++
	} else {
		s.metrics.Failed++
	}
	s.mu.Unlock()
	s.publish("job_finished", map[string]any{"job_id": job.ID, "state": string(state), "error": errMsg})
}

// WaitForEngine blocks until the engine's minimum interval has elapsed since
// the previous request, then advances the barrier. The barrier is strictly
// monotonic: no two requests to the same engine start within min_interval.
func (s *Scheduler) WaitForEngine(ctx context.Context, engine string) bool {
	interval := s.cfg.DefaultMinInterval
	if s.reg != nil && engine != "" {
		if ec := s.reg.Get(engine); ec != nil {
			interval = ec.MinInterval()
		}
	}
	key := engine
	if key == "" {
		key = "<slot>"
	}
	for {
		s.lastRequestMu.Lock()
		now := s.clock.Now()
		last, ok := s.lastRequest[key]
		if !ok || now.Sub(last) >= interval {
			s.lastRequest[key] = now
			s.lastRequestMu.Unlock()
			return true
		}
		wait := interval - now.Sub(last)
		s.lastRequestMu.Unlock()
		if !s.clock.Sleep(ctx, wait) {
			return false
		}
	}
}

// dedupKey builds the duplicate-suppression key for (task, kind, input).
// target_queue inputs normalize on the DOI or URL with trailing punctuation
// stripped; search_queue on the query text; everything else on the canonical
// JSON encoding of the input.
func dedupKey(taskID string, kind models.JobKind, input map[string]any) string {
	switch kind {
	case models.JobSearchQueue:
		if q, ok := input["query"].(string); ok {
			return string(kind) + "|" + taskID + "|q:" + strings.TrimSpace(q)
		}
	case models.JobTargetQueue:
		if target, ok := input["target"].(map[string]any); ok {
			if doi, ok := target["doi"].(string); ok && doi != "" {
				return string(kind) + "|" + taskID + "|doi:" + normalizeLocator(doi)
			}
			if u, ok := target["url"].(string); ok && u != "" {
				return string(kind) + "|" + taskID + "|url:" + normalizeLocator(u)
			}
		}
	}
	return string(kind) + "|" + taskID + "|" + canonicalJSON(input)
}

// normalizeLocator lower-cases and strips trailing punctuation that commonly
// leaks into scraped DOIs and URLs.
func normalizeLocator(s string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(s), ".,;:)]}"))
}

func canonicalJSON(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}

// jobHeap orders by (priority asc, queued_at asc).
type jobHeap []*models.Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(*models.Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
