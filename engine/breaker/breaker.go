package breaker

import (
	"sync"
	"time"

	"argus/engine/models"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const emaAlpha = 0.1

// Config tunes one engine breaker.
type Config struct {
	FailureThreshold int
	CooldownMin      time.Duration
	CooldownMax      time.Duration
}

// DefaultConfig mirrors the production defaults: trip after 2 consecutive
// failures, cool down between 1 and 60 minutes.
func DefaultConfig() Config {
	return Config{FailureThreshold: 2, CooldownMin: time.Minute, CooldownMax: 60 * time.Minute}
}

func (c Config) normalized() Config {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 2
	}
	if c.CooldownMin <= 0 {
		c.CooldownMin = time.Minute
	}
	if c.CooldownMax < c.CooldownMin {
		c.CooldownMax = c.CooldownMin
	}
	return c
}

// Metrics is the exported view of one breaker's health.
type Metrics struct {
	Engine                string     `json:"engine"`
	State                 State      `json:"state"`
	SuccessRate1h         float64    `json:"success_rate_1h"`
	SuccessRate24h        float64    `json:"success_rate_24h"`
	LatencyEMAMs          float64    `json:"latency_ema_ms"`
	CaptchaRate           float64    `json:"captcha_rate"`
	ConsecutiveFailures   int        `json:"consecutive_failures"`
	TotalFailuresInWindow int        `json:"total_failures_in_window"`
	CooldownUntil         *time.Time `json:"cooldown_until,omitempty"`
	LastUsedAt            *time.Time `json:"last_used_at,omitempty"`
	Available             bool       `json:"is_available"`
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(engine string, from, to State)

// Breaker is a per-engine circuit breaker with EMA health metrics and
// exponential cooldown. It never returns errors to callers: availability is
// read via Available() before the caller decides to skip or probe.
type Breaker struct {
	engine string
	cfg    Config
	clock  Clock

	mu                    sync.Mutex
	state                 State
	consecutiveFailures   int
	totalFailuresInWindow int
	cooldownUntil         *time.Time
	lastUsedAt            *time.Time

	successRate1h  float64
	successRate24h float64
	latencyEMA     float64
	captchaRate    float64

	onChange StateChangeFunc
}

// New builds a breaker starting CLOSED with perfect metrics.
func New(engine string, cfg Config) *Breaker {
	return &Breaker{
		engine:         engine,
		cfg:            cfg.normalized(),
		clock:          realClock{},
		state:          StateClosed,
		successRate1h:  1.0,
		successRate24h: 1.0,
		latencyEMA:     1000.0,
	}
}

// WithClock swaps the time source. For tests.
func (b *Breaker) WithClock(c Clock) *Breaker {
	if c != nil {
		b.clock = c
	}
	return b
}

// OnStateChange registers a transition observer. Callback errors must not
// affect the breaker; observers run outside the lock.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// State returns the current state, applying the lazy OPEN -> HALF_OPEN
// transition when the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	s, fire := b.stateLocked()
	b.mu.Unlock()
	fire()
	return s
}

// stateLocked advances OPEN -> HALF_OPEN when due and returns the current
// state plus a deferred notifier (no-op when nothing changed).
func (b *Breaker) stateLocked() (State, func()) {
	if b.state == StateOpen && b.cooldownUntil != nil && !b.clock.Now().Before(*b.cooldownUntil) {
		b.state = StateHalfOpen
		return b.state, b.notifier(StateOpen, StateHalfOpen)
	}
	return b.state, func() {}
}

func (b *Breaker) notifier(from, to State) func() {
	fn := b.onChange
	if fn == nil || from == to {
		return func() {}
	}
	engine := b.engine
	return func() { fn(engine, from, to) }
}

// Available reports whether the engine may be used (CLOSED or HALF_OPEN).
func (b *Breaker) Available() bool {
	s := b.State()
	return s == StateClosed || s == StateHalfOpen
}

// RecordSuccess folds a successful request into the EMA metrics and applies
// HALF_OPEN -> CLOSED on a probe success.
func (b *Breaker) RecordSuccess(latencyMs float64) {
	b.mu.Lock()
	_, fire := b.stateLocked()

	b.successRate1h = emaAlpha*1.0 + (1-emaAlpha)*b.successRate1h
	b.successRate24h = emaAlpha/4*1.0 + (1-emaAlpha/4)*b.successRate24h
	if latencyMs > 0 {
		b.latencyEMA = emaAlpha*latencyMs + (1-emaAlpha)*b.latencyEMA
	}
	b.consecutiveFailures = 0
	now := b.clock.Now()
	b.lastUsedAt = &now

	var fire2 func()
	if b.state == StateHalfOpen {
		from := b.state
		b.state = StateClosed
		b.cooldownUntil = nil
		if b.totalFailuresInWindow > 0 {
			b.totalFailuresInWindow--
		}
		fire2 = b.notifier(from, StateClosed)
	} else {
		fire2 = func() {}
	}
	b.mu.Unlock()
	fire()
	fire2()
}

// RecordFailure folds a failed request into the EMA metrics and applies the
// CLOSED -> OPEN and HALF_OPEN -> OPEN transitions. A CAPTCHA failure also
// raises the captcha rate this step.
func (b *Breaker) RecordFailure(isCaptcha, isTimeout bool) {
	_ = isTimeout // recorded by callers in job output; no distinct EMA here
	b.mu.Lock()
	_, fire := b.stateLocked()

	b.successRate1h = (1 - emaAlpha) * b.successRate1h
	b.successRate24h = (1 - emaAlpha/4) * b.successRate24h
	if isCaptcha {
		b.captchaRate = emaAlpha*1.0 + (1-emaAlpha)*b.captchaRate
	} else {
		b.captchaRate = (1 - emaAlpha) * b.captchaRate
	}
	b.consecutiveFailures++
	b.totalFailuresInWindow++
	now := b.clock.Now()
	b.lastUsedAt = &now

	var fire2 func()
	switch {
	case b.state == StateHalfOpen:
		fire2 = b.openLocked()
	case b.state == StateClosed && b.consecutiveFailures >= b.cfg.FailureThreshold:
		fire2 = b.openLocked()
	default:
		fire2 = func() {}
	}
	b.mu.Unlock()
	fire()
	fire2()
}

func (b *Breaker) openLocked() func() {
	from := b.state
	b.state = StateOpen
	// The first trip (failures == threshold) cools down for CooldownMin; each
	// further failure in the window doubles it.
	failures := b.totalFailuresInWindow - b.cfg.FailureThreshold + 1
	until := b.clock.Now().Add(cooldownFor(failures, b.cfg.CooldownMin, b.cfg.CooldownMax))
	b.cooldownUntil = &until
	return b.notifier(from, StateOpen)
}

// ForceOpen opens the circuit manually. Zero cooldown uses the configured
// maximum. Idempotent.
func (b *Breaker) ForceOpen(cooldown time.Duration) {
	if cooldown <= 0 {
		cooldown = b.cfg.CooldownMax
	}
	b.mu.Lock()
	from := b.state
	b.state = StateOpen
	until := b.clock.Now().Add(cooldown)
	b.cooldownUntil = &until
	fire := b.notifier(from, StateOpen)
	b.mu.Unlock()
	fire()
}

// ForceClose closes the circuit manually, zeroing the consecutive failure
// count and clearing the cooldown. Idempotent.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.cooldownUntil = nil
	fire := b.notifier(from, StateClosed)
	b.mu.Unlock()
	fire()
}

// Metrics returns a snapshot of the breaker's health.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	s, fire := b.stateLocked()
	m := Metrics{
		Engine:                b.engine,
		State:                 s,
		SuccessRate1h:         b.successRate1h,
		SuccessRate24h:        b.successRate24h,
		LatencyEMAMs:          b.latencyEMA,
		CaptchaRate:           b.captchaRate,
		ConsecutiveFailures:   b.consecutiveFailures,
		TotalFailuresInWindow: b.totalFailuresInWindow,
		Available:             s == StateClosed || s == StateHalfOpen,
	}
	if b.cooldownUntil != nil {
		t := *b.cooldownUntil
		m.CooldownUntil = &t
	}
	if b.lastUsedAt != nil {
		t := *b.lastUsedAt
		m.LastUsedAt = &t
	}
	b.mu.Unlock()
	fire()
	return m
}

// health converts the breaker state to its persisted row form.
func (b *Breaker) health() models.EngineHealth {
	m := b.Metrics()
	return models.EngineHealth{
		Engine:              m.Engine,
		Status:              string(m.State),
		SuccessRate1h:       m.SuccessRate1h,
		SuccessRate24h:      m.SuccessRate24h,
		CaptchaRate:         m.CaptchaRate,
		MedianLatencyMs:     m.LatencyEMAMs,
		ConsecutiveFailures: m.ConsecutiveFailures,
		CooldownUntil:       m.CooldownUntil,
		LastUsedAt:          m.LastUsedAt,
	}
}

// restore seeds the breaker from a persisted row. Unknown status falls back
// to CLOSED.
func (b *Breaker) restore(h models.EngineHealth) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch State(h.Status) {
	case StateOpen:
		b.state = StateOpen
	case StateHalfOpen:
		b.state = StateHalfOpen
	default:
		b.state = StateClosed
	}
	if h.SuccessRate1h > 0 {
		b.successRate1h = h.SuccessRate1h
	}
	if h.SuccessRate24h > 0 {
		b.successRate24h = h.SuccessRate24h
	}
	if h.MedianLatencyMs > 0 {
		b.latencyEMA = h.MedianLatencyMs
	}
	b.captchaRate = h.CaptchaRate
	b.consecutiveFailures = h.ConsecutiveFailures
	b.cooldownUntil = h.CooldownUntil
	b.lastUsedAt = h.LastUsedAt
	// Invariant: cooldown_until is present iff OPEN.
	if b.state != StateOpen {
		b.cooldownUntil = nil
	} else if b.cooldownUntil == nil {
		until := b.clock.Now().Add(b.cfg.CooldownMin)
		b.cooldownUntil = &until
	}
}
