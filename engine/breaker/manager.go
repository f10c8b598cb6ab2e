package breaker

import (
	"context"
	"sync"
	"time"

	"argus/engine/models"
)

// HealthStore is the persistence seam for engine health rows. The evidence
// graph store satisfies it; tests use an in-memory fake.
type HealthStore interface {
	UpsertEngineHealth(ctx context.Context, h models.EngineHealth) error
	GetEngineHealth(ctx context.Context, engine string) (*models.EngineHealth, error)
	ListEngineHealth(ctx context.Context) ([]models.EngineHealth, error)
}

// Manager owns one breaker per engine, loading persisted state lazily on
// first access and writing through after every record.
type Manager struct {
	cfg   Config
	store HealthStore
	clock Clock

	mu       sync.Mutex
	breakers map[string]*Breaker
	onChange StateChangeFunc
}

// NewManager builds a manager. store may be nil (no persistence; tests).
func NewManager(cfg Config, store HealthStore) *Manager {
	return &Manager{cfg: cfg.normalized(), store: store, clock: realClock{}, breakers: make(map[string]*Breaker)}
}

// WithClock swaps the time source for all breakers created afterwards.
func (m *Manager) WithClock(c Clock) *Manager {
	if c != nil {
		m.clock = c
	}
	return m
}

// OnStateChange registers an observer applied to every breaker.
func (m *Manager) OnStateChange(fn StateChangeFunc) {
	m.mu.Lock()
	m.onChange = fn
	for _, b := range m.breakers {
		b.OnStateChange(fn)
	}
	m.mu.Unlock()
}

// Get returns the breaker for an engine, creating and loading it on first
// access. A breaker with no prior record starts CLOSED with perfect metrics.
func (m *Manager) Get(ctx context.Context, engine string) *Breaker {
	m.mu.Lock()
	b, ok := m.breakers[engine]
	if !ok {
		b = New(engine, m.cfg).WithClock(m.clock)
		if m.onChange != nil {
			b.OnStateChange(m.onChange)
		}
		if m.store != nil {
			if h, err := m.store.GetEngineHealth(ctx, engine); err == nil && h != nil {
				b.restore(*h)
			}
		}
		m.breakers[engine] = b
	}
	m.mu.Unlock()
	return b
}

// RecordSuccess records a success and persists the updated health row.
func (m *Manager) RecordSuccess(ctx context.Context, engine string, latencyMs float64) {
	b := m.Get(ctx, engine)
	b.RecordSuccess(latencyMs)
	m.persist(ctx, b)
}

// RecordFailure records a failure and persists the updated health row.
func (m *Manager) RecordFailure(ctx context.Context, engine string, isCaptcha, isTimeout bool) {
	b := m.Get(ctx, engine)
	b.RecordFailure(isCaptcha, isTimeout)
	m.persist(ctx, b)
}

// Available reports the availability of one engine.
func (m *Manager) Available(ctx context.Context, engine string) bool {
	return m.Get(ctx, engine).Available()
}

// AvailableEngines filters the requested engines down to the available ones.
// With a nil request it consults the persisted table for all known engines.
func (m *Manager) AvailableEngines(ctx context.Context, requested []string) []string {
	if requested == nil && m.store != nil {
		rows, err := m.store.ListEngineHealth(ctx)
		if err != nil {
			return nil
		}
		var out []string
		for _, h := range rows {
			if m.Get(ctx, h.Engine).Available() {
				out = append(out, h.Engine)
			}
		}
		return out
	}
	var out []string
	for _, e := range requested {
		if m.Get(ctx, e).Available() {
			out = append(out, e)
		}
	}
	return out
}

// ForceOpen opens one engine's circuit manually and persists.
func (m *Manager) ForceOpen(ctx context.Context, engine string, cooldown time.Duration) {
	b := m.Get(ctx, engine)
	b.ForceOpen(cooldown)
	m.persist(ctx, b)
}

// ForceClose closes one engine's circuit manually and persists.
func (m *Manager) ForceClose(ctx context.Context, engine string) {
	b := m.Get(ctx, engine)
	b.ForceClose()
	m.persist(ctx, b)
}

// ResetAll force-closes every tracked breaker.
func (m *Manager) ResetAll(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		all = append(all, b)
	}
	m.mu.Unlock()
	for _, b := range all {
		b.ForceClose()
		m.persist(ctx, b)
	}
}

// AllMetrics returns metrics for every engine with a persisted row plus any
// engine tracked in memory only.
func (m *Manager) AllMetrics(ctx context.Context) []Metrics {
	seen := make(map[string]struct{})
	var out []Metrics
	if m.store != nil {
		if rows, err := m.store.ListEngineHealth(ctx); err == nil {
			for _, h := range rows {
				seen[h.Engine] = struct{}{}
				out = append(out, m.Get(ctx, h.Engine).Metrics())
			}
		}
	}
	m.mu.Lock()
	rest := make([]*Breaker, 0)
	for name, b := range m.breakers {
		if _, ok := seen[name]; !ok {
			rest = append(rest, b)
		}
	}
	m.mu.Unlock()
	for _, b := range rest {
		out = append(out, b.Metrics())
	}
	return out
}

func (m *Manager) persist(ctx context.Context, b *Breaker) {
	if m.store == nil {
		return
	}
	_ = m.store.UpsertEngineHealth(ctx, b.health())
}
