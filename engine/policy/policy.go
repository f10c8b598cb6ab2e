// Package policy computes dynamic engine weights from recent health, detects
// query categories, and decides lastmile-slot activation.
package policy

import (
	"context"
	"strings"
	"time"

	"argus/engine/breaker"
	"argus/engine/registry"
)

const (
	weightFloor = 0.1
	weightCeil  = 1.0

	// Metrics fresher than decayStart keep full influence; past decayFull the
	// dynamic signal is fully discounted back to the base weight.
	decayStart = time.Hour
	decayFull  = 48 * time.Hour
)

// Clock abstraction for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// DailyCounter reports how many requests an engine has issued today. The
// evidence graph store satisfies it.
type DailyCounter interface {
	EngineRequestsToday(ctx context.Context, engine string) (int, error)
}

// Engine derives scheduling decisions from engine health.
type Engine struct {
	registry *registry.Registry
	breakers *breaker.Manager
	daily    DailyCounter
	clock    Clock

	// LastmileThreshold is the harvest rate (useful fragments / pages
	// fetched) at which the lastmile slot activates. Inclusive.
	LastmileThreshold float64
}

// New builds a policy engine. daily may be nil (no cap enforcement).
func New(reg *registry.Registry, brk *breaker.Manager, daily DailyCounter) *Engine {
	return &Engine{registry: reg, breakers: brk, daily: daily, clock: realClock{}, LastmileThreshold: 0.9}
}

// WithClock swaps the time source. For tests.
func (p *Engine) WithClock(c Clock) *Engine {
	if c != nil {
		p.clock = c
	}
	return p
}

// HealthInput is the metric set feeding a dynamic weight computation.
type HealthInput struct {
	SuccessRate1h   float64
	SuccessRate24h  float64
	CaptchaRate     float64
	MedianLatencyMs float64
	LastUsedAt      *time.Time
}

// DynamicWeight computes the effective engine weight from its base weight and
// recent health, with linear time decay pulling stale metrics back toward the
// base. The companion confidence is high for fresh metrics and very low for
// stale or never-used engines. Result is clamped to [0.1, 1.0].
func (p *Engine) DynamicWeight(base float64, h HealthInput) (weight, confidence float64) {
	decay := p.timeDecay(h.LastUsedAt)

	successFactor := 0.6*h.SuccessRate1h + 0.4*h.SuccessRate24h
	latencyFactor := 1.0 / (1.0 + h.MedianLatencyMs/1000.0)

	w := base*successFactor*latencyFactor*(1.0-h.CaptchaRate)*(1.0-decay) + decay*base
	if w < weightFloor {
		w = weightFloor
	}
	if w > weightCeil {
		w = weightCeil
	}
	return w, 1.0 - decay*0.95
}

// timeDecay is 0 for metrics used within the last hour, 1 for metrics 48h
// stale or never recorded, linear in between.
func (p *Engine) timeDecay(lastUsed *time.Time) float64 {
	if lastUsed == nil {
		return 1.0
	}
	age := p.clock.Now().Sub(*lastUsed)
	if age <= decayStart {
		return 0.0
	}
	if age >= decayFull {
		return 1.0
	}
	return float64(age-decayStart) / float64(decayFull-decayStart)
}

// WeightFor is the common path: resolves an engine's base weight from the
// registry and its health from the breaker, then computes the dynamic weight.
// Unknown engines yield the floor weight at zero confidence.
func (p *Engine) WeightFor(ctx context.Context, engine string) (weight, confidence float64) {
	ec := p.registry.Get(engine)
	if ec == nil {
		return weightFloor, 0
	}
	m := p.breakers.Get(ctx, engine).Metrics()
	return p.DynamicWeight(ec.Weight, HealthInput{
		SuccessRate1h:   m.SuccessRate1h,
		SuccessRate24h:  m.SuccessRate24h,
		CaptchaRate:     m.CaptchaRate,
		MedianLatencyMs: m.LatencyEMAMs,
		LastUsedAt:      m.LastUsedAt,
	})
}

var categoryCues = []struct {
	category string
	cues     []string
}{
	{"academic", []string{"paper", "study", "research", "journal", "doi", "arxiv", "peer-reviewed", "論文", "研究", "学術"}},
	{"news", []string{"news", "breaking", "announced", "report", "latest", "today", "ニュース", "速報", "発表"}},
	{"government", []string{"law", "regulation", "policy", "ministry", "agency", "statute", "official", "法律", "規制", "省庁", "政府"}},
	{"technical", []string{"api", "documentation", "github", "error", "code", "install", "library", "protocol", "仕様", "実装"}},
}

// DetectCategory classifies a raw query by keyword heuristics. The result is
// advisory; schedulers fall back to all available engines when no category
// engine qualifies.
func (p *Engine) DetectCategory(query string) string {
	q := strings.ToLower(query)
	for _, entry := range categoryCues {
		for _, cue := range entry.cues {
			if strings.Contains(q, cue) {
				return entry.category
			}
		}
	}
	return "general"
}

// RankedEngine pairs an engine name with its computed dynamic weight.
type RankedEngine struct {
	Name       string
	Weight     float64
	Confidence float64
}

// RankForCategory returns the available engines for a category ordered by
// dynamic weight descending. Engines the breaker reports unavailable are
// dropped.
func (p *Engine) RankForCategory(ctx context.Context, category string) []RankedEngine {
	cfgs := p.registry.ForCategory(category)
	if len(cfgs) == 0 {
		snap := p.registry.Snapshot()
		for _, name := range snap.Names() {
			cfgs = append(cfgs, snap.Get(name))
		}
	}
	var out []RankedEngine
	for _, ec := range cfgs {
		if !p.breakers.Available(ctx, ec.Name) {
			continue
		}
		w, c := p.WeightFor(ctx, ec.Name)
		out = append(out, RankedEngine{Name: ec.Name, Weight: w, Confidence: c})
	}
	// Insertion sort: the candidate set is small and stability matters.
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1].Weight < out[j].Weight {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}

// LastmileDecision explains a lastmile activation check.
type LastmileDecision struct {
	Activate    bool    `json:"activate"`
	Engine      string  `json:"engine,omitempty"`
	HarvestRate float64 `json:"harvest_rate"`
	Threshold   float64 `json:"threshold"`
	Reason      string  `json:"reason"`
}

// ShouldUseLastmile reports whether the harvest rate has reached the
// activation threshold. The boundary is inclusive.
func (p *Engine) ShouldUseLastmile(harvestRate float64) bool {
	return harvestRate >= p.LastmileThreshold
}

// PickLastmileEngine selects the first lastmile engine that is available via
// its breaker (CLOSED or HALF_OPEN) and under its daily cap. When the harvest
// rate is below the threshold, or no engine qualifies, the decision carries no
// engine and the caller proceeds without lastmile.
func (p *Engine) PickLastmileEngine(ctx context.Context, harvestRate float64) LastmileDecision {
	d := LastmileDecision{HarvestRate: harvestRate, Threshold: p.LastmileThreshold}
	if !p.ShouldUseLastmile(harvestRate) {
		d.Reason = "harvest rate below threshold"
		return d
	}
	for _, name := range p.registry.Lastmile() {
		b := p.breakers.Get(ctx, name)
		st := b.State()
		if st != breaker.StateClosed && st != breaker.StateHalfOpen {
			continue
		}
		if !p.underDailyCap(ctx, name) {
			continue
		}
		d.Activate = true
		d.Engine = name
		d.Reason = "harvest rate at or above threshold"
		return d
	}
	d.Reason = "no lastmile engine available"
	return d
}

func (p *Engine) underDailyCap(ctx context.Context, engine string) bool {
	ec := p.registry.Get(engine)
	if ec == nil {
		return false
	}
	if ec.DailyLimit <= 0 || p.daily == nil {
		return true
	}
	n, err := p.daily.EngineRequestsToday(ctx, engine)
	if err != nil {
		return false
	}
	return n < ec.DailyLimit
}
