package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/engine/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{FailureThreshold: 2, CooldownMin: time.Minute, CooldownMax: 60 * time.Minute}
}

func TestBreakerCycle(t *testing.T) {
	clock := newFakeClock()
	b := New("duckduckgo", testConfig()).WithClock(clock)

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Available())

	b.RecordFailure(false, false)
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure(false, false)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Available())

	// Cooldown elapses: lazy transition to half-open on the next read.
	clock.Advance(61 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.Available())

	// Probe success closes the circuit.
	b.RecordSuccess(200)
	assert.Equal(t, StateClosed, b.State())
	m := b.Metrics()
	assert.Nil(t, m.CooldownUntil)
	assert.Zero(t, m.ConsecutiveFailures)
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("mojeek", testConfig()).WithClock(clock)

	b.RecordFailure(false, false)
	b.RecordFailure(false, false)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(2 * time.Minute)
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure(false, false)
	assert.Equal(t, StateOpen, b.State())
	m := b.Metrics()
	require.NotNil(t, m.CooldownUntil)
	assert.True(t, m.CooldownUntil.After(clock.Now()))
}

func TestCooldownGrowsExponentiallyAndClamps(t *testing.T) {
	min := time.Minute
	max := 8 * time.Minute
	assert.Equal(t, min, cooldownFor(0, min, max))
	assert.Equal(t, min, cooldownFor(1, min, max))
	assert.Equal(t, 2*time.Minute, cooldownFor(2, min, max))
	assert.Equal(t, 4*time.Minute, cooldownFor(3, min, max))
	assert.Equal(t, 8*time.Minute, cooldownFor(4, min, max))
	// Never exceeds max regardless of failure count.
	assert.Equal(t, max, cooldownFor(50, min, max))
}

func TestEMAMetrics(t *testing.T) {
	b := New("x", testConfig()).WithClock(newFakeClock())

	m := b.Metrics()
	assert.Equal(t, 1.0, m.SuccessRate1h)
	assert.Equal(t, 0.0, m.CaptchaRate)

	b.RecordFailure(true, false)
	m = b.Metrics()
	assert.InDelta(t, 0.9, m.SuccessRate1h, 1e-9)
	assert.InDelta(t, 0.1, m.CaptchaRate, 1e-9)

	b.RecordSuccess(500)
	m = b.Metrics()
	assert.InDelta(t, 0.91, m.SuccessRate1h, 1e-9)
	assert.InDelta(t, 950, m.LatencyEMAMs, 1e-9)
}

func TestForceOpenForceClose(t *testing.T) {
	clock := newFakeClock()
	b := New("x", testConfig()).WithClock(clock)

	b.ForceOpen(5 * time.Minute)
	assert.Equal(t, StateOpen, b.State())
	m := b.Metrics()
	require.NotNil(t, m.CooldownUntil)

	// Idempotent.
	b.ForceOpen(5 * time.Minute)
	assert.Equal(t, StateOpen, b.State())

	b.ForceClose()
	m = b.Metrics()
	assert.Equal(t, StateClosed, m.State)
	assert.Zero(t, m.ConsecutiveFailures)
	assert.Nil(t, m.CooldownUntil)

	b.ForceClose()
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenSuccessDecrementsFailureWindow(t *testing.T) {
	clock := newFakeClock()
	b := New("x", testConfig()).WithClock(clock)

	b.RecordFailure(false, false)
	b.RecordFailure(false, false)
	require.Equal(t, 2, b.Metrics().TotalFailuresInWindow)

	clock.Advance(2 * time.Minute)
	require.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess(100)
	assert.Equal(t, 1, b.Metrics().TotalFailuresInWindow)
}

// fakeHealthStore records upserts in memory.
type fakeHealthStore struct {
	mu   sync.Mutex
	rows map[string]models.EngineHealth
}

func newFakeHealthStore() *fakeHealthStore {
	return &fakeHealthStore{rows: make(map[string]models.EngineHealth)}
}

func (f *fakeHealthStore) UpsertEngineHealth(_ context.Context, h models.EngineHealth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[h.Engine] = h
	return nil
}

func (f *fakeHealthStore) GetEngineHealth(_ context.Context, engine string) (*models.EngineHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.rows[engine]; ok {
		row := h
		return &row, nil
	}
	return nil, nil
}

func (f *fakeHealthStore) ListEngineHealth(_ context.Context) ([]models.EngineHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.EngineHealth, 0, len(f.rows))
	for _, h := range f.rows {
		out = append(out, h)
	}
	return out, nil
}

func TestManagerWritesThroughAndRestores(t *testing.T) {
	ctx := context.Background()
	fs := newFakeHealthStore()
	clock := newFakeClock()

	m := NewManager(testConfig(), fs).WithClock(clock)
	m.RecordFailure(ctx, "alpha", false, false)
	m.RecordFailure(ctx, "alpha", false, false)

	row, err := fs.GetEngineHealth(ctx, "alpha")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "open", row.Status)
	require.NotNil(t, row.CooldownUntil, "cooldown_until present iff OPEN")

	// A fresh manager restores persisted state lazily.
	m2 := NewManager(testConfig(), fs).WithClock(clock)
	assert.False(t, m2.Available(ctx, "alpha"))

	// No prior record starts closed with perfect metrics.
	b := m2.Get(ctx, "brand-new")
	metrics := b.Metrics()
	assert.Equal(t, StateClosed, metrics.State)
	assert.Equal(t, 1.0, metrics.SuccessRate1h)
}

func TestManagerAvailableEngines(t *testing.T) {
	ctx := context.Background()
	fs := newFakeHealthStore()
	m := NewManager(testConfig(), fs).WithClock(newFakeClock())

	m.RecordSuccess(ctx, "good", 100)
	m.RecordFailure(ctx, "bad", false, false)
	m.RecordFailure(ctx, "bad", false, false)

	avail := m.AvailableEngines(ctx, []string{"good", "bad"})
	assert.Equal(t, []string{"good"}, avail)
}

func TestRestoreClearsCooldownWhenNotOpen(t *testing.T) {
	ctx := context.Background()
	fs := newFakeHealthStore()
	until := time.Now().Add(time.Hour)
	require.NoError(t, fs.UpsertEngineHealth(ctx, models.EngineHealth{
		Engine: "x", Status: "closed", SuccessRate1h: 0.8, CooldownUntil: &until,
	}))

	m := NewManager(testConfig(), fs)
	metrics := m.Get(ctx, "x").Metrics()
	assert.Equal(t, StateClosed, metrics.State)
	assert.Nil(t, metrics.CooldownUntil)
}

func TestStateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	b := New("x", testConfig()).WithClock(clock)

	var transitions []string
	b.OnStateChange(func(_ string, from, to State) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	b.RecordFailure(false, false)
	b.RecordFailure(false, false)
	clock.Advance(2 * time.Minute)
	_ = b.State()
	b.RecordSuccess(50)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}
