// Package engine composes the search-and-verify core behind a single
// facade: engine registry, circuit breakers, policy, scheduler, claim
// pipeline and the evidence graph store.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"argus/engine/breaker"
	"argus/engine/claims"
	"argus/engine/extract"
	"argus/engine/fetch"
	telemEvents "argus/engine/internal/telemetry/events"
	"argus/engine/internal/telemetry/logging"
	intmetrics "argus/engine/internal/telemetry/metrics"
	"argus/engine/llm"
	"argus/engine/models"
	"argus/engine/policy"
	"argus/engine/registry"
	"argus/engine/scheduler"
	"argus/engine/search"
	"argus/engine/store"
	"argus/engine/tools"
	"argus/engine/vector"
)

// Snapshot is a unified view of engine state.
type Snapshot struct {
	StartedAt time.Time         `json:"started_at"`
	Uptime    time.Duration     `json:"uptime"`
	Scheduler scheduler.Metrics `json:"scheduler"`
	Breakers  []breaker.Metrics `json:"breakers,omitempty"`
	Engines   []string          `json:"engines,omitempty"`
}

// TelemetryEvent is a reduced, stable event representation for external
// observers.
type TelemetryEvent struct {
	Time     time.Time         `json:"time"`
	Category string            `json:"category"`
	Type     string            `json:"type"`
	Severity string            `json:"severity,omitempty"`
	CauseID  string            `json:"cause_id,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

// EventObserver receives TelemetryEvent notifications.
type EventObserver func(ev TelemetryEvent)

// Strategies injects the external collaborators: the search backend, the
// page fetcher, and the model endpoints. Nil fields take the in-process
// defaults (colly fetcher) or disable the corresponding path.
type Strategies struct {
	SearchProvider search.Provider
	Fetcher        fetch.Fetcher
	Generator      llm.Generator
	Judge          llm.Judge
	Embedder       llm.Embedder
}

// Engine composes all subsystems behind a single facade. Process-wide
// singletons (registry, breaker manager, scheduler, policy engine) are owned
// here and torn down by Stop.
type Engine struct {
	cfg       Config
	log       logging.Logger
	store     *store.Store
	registry  *registry.Registry
	breakers  *breaker.Manager
	policy    *policy.Engine
	sched     *scheduler.Scheduler
	provider  search.Provider
	fetcher   fetch.Fetcher
	extractor *extract.Extractor
	judge     llm.Judge
	decompose *claims.Decomposer
	vectors   *vector.Index
	toolsSvc  *tools.Service

	metricsProvider intmetrics.Provider
	eventBus        telemEvents.Bus

	eventObserversMu sync.RWMutex
	eventObservers   []EventObserver

	started   atomic.Bool
	startedAt time.Time
	stopOnce  sync.Once
}

// New constructs an engine with default strategies.
func New(cfg Config) (*Engine, error) {
	return NewWithStrategies(cfg, Strategies{})
}

// NewWithStrategies constructs an engine with injected collaborators.
func NewWithStrategies(cfg Config, strategies Strategies) (*Engine, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("DBPath is required")
	}
	if cfg.EnginesPath == "" {
		return nil, errors.New("EnginesPath is required")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Load(cfg.EnginesPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		log:       logging.New(slog.Default()),
		store:     st,
		registry:  reg,
		extractor: extract.New(),
		startedAt: time.Now(),
	}

	e.metricsProvider = selectMetricsProvider(cfg)
	e.eventBus = telemEvents.NewBus(e.metricsProvider)

	e.breakers = breaker.NewManager(cfg.Breaker, st)
	e.breakers.OnStateChange(func(engine string, from, to breaker.State) {
		e.publishEvent(telemEvents.Event{
			Category: telemEvents.CategoryBreaker,
			Type:     "state_change",
			Severity: "info",
			Labels:   map[string]string{"engine": engine},
			Fields:   map[string]any{"from": string(from), "to": string(to)},
		})
	})

	e.policy = policy.New(reg, e.breakers, st)
	if cfg.LastmileThreshold > 0 {
		e.policy.LastmileThreshold = cfg.LastmileThreshold
	}

	e.sched = scheduler.New(scheduler.Config{DefaultMinInterval: cfg.DefaultMinInterval}, st, st, reg, e.breakers)
	e.sched.OnEvent(func(eventType string, fields map[string]any) {
		e.publishEvent(telemEvents.Event{
			Category: telemEvents.CategoryScheduler,
			Type:     eventType,
			Severity: "info",
			Fields:   fields,
		})
	})

	reg.OnReload(func(path string, err error) {
		ev := telemEvents.Event{
			Category: telemEvents.CategoryRegistry,
			Type:     "reloaded",
			Severity: "info",
			Fields:   map[string]any{"path": path},
		}
		if err != nil {
			ev.Type = "reload_failed"
			ev.Severity = "warn"
			ev.Fields["error"] = err.Error()
		}
		e.publishEvent(ev)
	})

	// Collaborators: injected or defaulted.
	e.provider = strategies.SearchProvider
	if e.provider == nil {
		e.provider = unconfiguredProvider{}
	}
	e.fetcher = strategies.Fetcher
	if e.fetcher == nil {
		f, err := fetch.NewCollyFetcher(fetch.Policy{UserAgent: cfg.UserAgent, Timeout: cfg.FetchTimeout})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		e.fetcher = f
	}
	gen := strategies.Generator
	if gen == nil && cfg.LLMBaseURL != "" {
		gen = llm.NewClient(cfg.LLMBaseURL, cfg.LLMTimeout)
	}
	e.decompose = claims.NewDecomposer(gen, cfg.LLMModel)
	e.judge = strategies.Judge
	if strategies.Embedder != nil {
		e.vectors = vector.NewIndex(st, strategies.Embedder)
	}

	e.toolsSvc = tools.New(st, e.sched, e.policy, e.breakers, e.vectors, e.decompose).WithLogger(e.log)

	e.registerHandlers()
	e.started.Store(true)
	return e, nil
}

// selectMetricsProvider returns a metrics provider based on Config.
func selectMetricsProvider(cfg Config) intmetrics.Provider {
	if !cfg.MetricsEnabled {
		return nil
	}
	switch cfg.MetricsBackend {
	case "", "prom", "prometheus":
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return intmetrics.NewOTelProvider(intmetrics.OTelProviderOptions{ServiceName: "argus"})
	case "noop":
		return intmetrics.NewNoopProvider()
	default:
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	}
}

// MetricsHandler returns the HTTP handler for metrics exposition
// (Prometheus backend only); nil when unavailable.
func (e *Engine) MetricsHandler() http.Handler {
	if e == nil || e.metricsProvider == nil {
		return nil
	}
	if hp, ok := e.metricsProvider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// Start launches slot workers and the registry watcher.
func (e *Engine) Start() error {
	if !e.started.Load() {
		return errors.New("engine not initialized")
	}
	e.sched.Start()
	if e.cfg.RegistryPollInterval > 0 {
		if err := e.registry.Watch(e.cfg.RegistryPollInterval); err != nil {
			return err
		}
	}
	return nil
}

// Stop tears the engine down. Idempotent.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.sched.Stop()
		_ = e.registry.Close()
		_ = e.provider.Close()
		_ = e.fetcher.Close()
		err = e.store.Close()
	})
	return err
}

// Tools exposes the command-style RPC surface.
func (e *Engine) Tools() *tools.Service { return e.toolsSvc }

// Store exposes the evidence graph store.
func (e *Engine) Store() *store.Store { return e.store }

// Scheduler exposes the job scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Policy exposes the policy engine.
func (e *Engine) Policy() *policy.Engine { return e.policy }

// Breakers exposes the circuit breaker manager.
func (e *Engine) Breakers() *breaker.Manager { return e.breakers }

// Registry exposes the engine registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// SubmitHypothesis creates a task, decomposes the hypothesis into claims and
// persists them. The returned decomposition reports the method used.
func (e *Engine) SubmitHypothesis(ctx context.Context, hypothesis string) (*models.Task, claims.DecompositionResult, error) {
	task, err := e.store.CreateTask(ctx, hypothesis)
	if err != nil {
		return nil, claims.DecompositionResult{}, err
	}
	ctx, _ = scheduler.NewTrace(ctx)
	result := e.decompose.Decompose(ctx, hypothesis)
	for i := range result.Claims {
		ac := result.Claims[i]
		claim := &models.Claim{
			ID:               ac.ID,
			TaskID:           task.ID,
			ClaimText:        ac.Text,
			ClaimType:        ac.ClaimType,
			ExpectedPolarity: ac.ExpectedPolarity,
			Granularity:      ac.Granularity,
			ConfidenceScore:  ac.Confidence,
		}
		if ac.ParentClaimID != "" {
			claim.ParentClaimID = &ac.ParentClaimID
		}
		if err := e.store.InsertClaim(ctx, claim); err != nil {
			return nil, result, err
		}
	}
	e.log.InfoCtx(ctx, "hypothesis submitted",
		"task_id", task.ID, "claims", len(result.Claims), "method", result.Method)
	return task, result, nil
}

// Snapshot returns a unified state view.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{StartedAt: e.startedAt, Uptime: time.Since(e.startedAt)}
	snap.Scheduler = e.sched.SnapshotMetrics()
	snap.Breakers = e.breakers.AllMetrics(ctx)
	snap.Engines = e.registry.Snapshot().Names()
	return snap
}

// RegisterEventObserver adds an observer invoked synchronously for each
// internal telemetry event. Safe for concurrent use. No-op if nil.
func (e *Engine) RegisterEventObserver(obs EventObserver) {
	if e == nil || obs == nil {
		return
	}
	e.eventObserversMu.Lock()
	e.eventObservers = append(e.eventObservers, obs)
	e.eventObserversMu.Unlock()
}

func (e *Engine) publishEvent(ev telemEvents.Event) {
	if e.eventBus != nil {
		_ = e.eventBus.Publish(ev)
	}
	e.eventObserversMu.RLock()
	if len(e.eventObservers) == 0 {
		e.eventObserversMu.RUnlock()
		return
	}
	observers := append([]EventObserver(nil), e.eventObservers...)
	e.eventObserversMu.RUnlock()
	pub := TelemetryEvent{Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity, CauseID: ev.CauseID, Labels: ev.Labels, Fields: ev.Fields}
	for _, o := range observers { // synchronous; observers must be fast
		func() { defer func() { _ = recover() }(); o(pub) }()
	}
}

// unconfiguredProvider stands in when no search backend is injected.
type unconfiguredProvider struct{}

func (unconfiguredProvider) Search(_ context.Context, engine, query string) search.Response {
	return search.Response{Engine: engine, Query: query, Err: errors.New("no search provider configured")}
}

func (unconfiguredProvider) Close() error { return nil }
