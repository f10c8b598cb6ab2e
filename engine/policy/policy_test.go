package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/engine/breaker"
	"argus/engine/registry"
)

const policyDoc = `
engines:
  cheap:
    base_url: https://cheap.example
    weight: 0.8
    qps: 1.0
    categories:
      general: 0.9
  slow:
    base_url: https://slow.example
    weight: 0.5
    qps: 0.5
    categories:
      general: 0.5
      academic: 0.8
  lastmile-big:
    base_url: https://big.example
    weight: 1.0
    qps: 0.1
    daily_limit: 50
    is_lastmile: true
    categories:
      general: 1.0
  lastmile-alt:
    base_url: https://alt.example
    weight: 0.9
    qps: 0.2
    is_lastmile: true
    categories:
      general: 0.9
`

type fakeDaily struct{ counts map[string]int }

func (f *fakeDaily) EngineRequestsToday(_ context.Context, engine string) (int, error) {
	return f.counts[engine], nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestPolicy(t *testing.T, daily *fakeDaily) (*Engine, *breaker.Manager) {
	t.Helper()
	snap, err := registry.Parse([]byte(policyDoc))
	require.NoError(t, err)
	reg := registry.FromSnapshot(snap)
	brk := breaker.NewManager(breaker.Config{FailureThreshold: 2, CooldownMin: time.Minute, CooldownMax: time.Hour}, nil)
	if daily == nil {
		daily = &fakeDaily{counts: map[string]int{}}
	}
	return New(reg, brk, daily), brk
}

func TestDynamicWeightStaysInRange(t *testing.T) {
	p, _ := newTestPolicy(t, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.WithClock(fixedClock{now})
	recent := now.Add(-30 * time.Minute)

	cases := []struct {
		name  string
		input HealthInput
	}{
		{"ideal", HealthInput{SuccessRate1h: 1, SuccessRate24h: 1, MedianLatencyMs: 500, LastUsedAt: &recent}},
		{"worst", HealthInput{SuccessRate1h: 0, SuccessRate24h: 0, CaptchaRate: 1, MedianLatencyMs: 10000, LastUsedAt: &recent}},
		{"never used", HealthInput{SuccessRate1h: 0.3, SuccessRate24h: 0.4, CaptchaRate: 0.5, MedianLatencyMs: 3000}},
		{"overweight base", HealthInput{SuccessRate1h: 1, SuccessRate24h: 1, MedianLatencyMs: 100, LastUsedAt: &recent}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, base := range []float64{0.0, 0.1, 0.7, 1.0, 2.0} {
				w, _ := p.DynamicWeight(base, tc.input)
				assert.GreaterOrEqual(t, w, 0.1)
				assert.LessOrEqual(t, w, 1.0)
			}
		})
	}
}

func TestDynamicWeightDegradesWithBadMetrics(t *testing.T) {
	p, _ := newTestPolicy(t, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.WithClock(fixedClock{now})
	recent := now.Add(-30 * time.Minute)

	ideal, confIdeal := p.DynamicWeight(0.7, HealthInput{
		SuccessRate1h: 1, SuccessRate24h: 1, MedianLatencyMs: 500, LastUsedAt: &recent,
	})
	degraded, _ := p.DynamicWeight(0.7, HealthInput{
		SuccessRate1h: 0.5, SuccessRate24h: 0.6, CaptchaRate: 0.3, MedianLatencyMs: 2000, LastUsedAt: &recent,
	})
	assert.Less(t, degraded, ideal)
	assert.Greater(t, confIdeal, 0.9)
}

func TestTimeDecayPullsStaleMetricsTowardBase(t *testing.T) {
	p, _ := newTestPolicy(t, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.WithClock(fixedClock{now})

	bad := HealthInput{SuccessRate1h: 0.3, SuccessRate24h: 0.4, CaptchaRate: 0.5, MedianLatencyMs: 3000}

	ages := []struct {
		name    string
		age     time.Duration
		never   bool
		minConf float64
		maxConf float64
	}{
		{"recent", time.Hour, false, 0.8, 1.01},
		{"12h", 12 * time.Hour, false, 0.5, 0.8},
		{"24h", 24 * time.Hour, false, 0.3, 0.6},
		{"48h", 48 * time.Hour, false, 0.0, 0.3},
		{"never", 0, true, 0.0, 0.3},
	}

	prevWeight := -1.0
	for _, tc := range ages {
		input := bad
		if !tc.never {
			used := now.Add(-tc.age)
			input.LastUsedAt = &used
		}
		w, conf := p.DynamicWeight(0.7, input)
		assert.GreaterOrEqual(t, conf, tc.minConf, tc.name)
		assert.LessOrEqual(t, conf, tc.maxConf, tc.name)
		// Staler metrics pull the weight back toward the base weight.
		assert.GreaterOrEqual(t, w, prevWeight, tc.name)
		prevWeight = w
	}
	// Fully stale equals the base weight.
	w, _ := p.DynamicWeight(0.7, bad)
	assert.InDelta(t, 0.7, w, 1e-9)
}

func TestDetectCategory(t *testing.T) {
	p, _ := newTestPolicy(t, nil)
	cases := map[string]string{
		"transformer architecture research paper": "academic",
		"breaking news about the election":        "news",
		"new data privacy regulation in the EU":   "government",
		"github api documentation":                "technical",
		"best ramen in tokyo":                     "general",
	}
	for query, want := range cases {
		assert.Equal(t, want, p.DetectCategory(query), query)
	}
}

func TestRankForCategoryDropsUnavailableEngines(t *testing.T) {
	ctx := context.Background()
	p, brk := newTestPolicy(t, nil)

	ranked := p.RankForCategory(ctx, "general")
	require.NotEmpty(t, ranked)

	// Trip the breaker on the top engine; it must disappear from the ranking.
	top := ranked[0].Name
	brk.RecordFailure(ctx, top, false, false)
	brk.RecordFailure(ctx, top, false, false)

	reranked := p.RankForCategory(ctx, "general")
	for _, r := range reranked {
		assert.NotEqual(t, top, r.Name)
	}
}

func TestLastmileBoundaryIsInclusive(t *testing.T) {
	p, _ := newTestPolicy(t, nil)
	assert.False(t, p.ShouldUseLastmile(0.89))
	assert.True(t, p.ShouldUseLastmile(0.9))
	assert.True(t, p.ShouldUseLastmile(1.0))
	assert.False(t, p.ShouldUseLastmile(0.0))
}

func TestPickLastmileEngine(t *testing.T) {
	ctx := context.Background()
	daily := &fakeDaily{counts: map[string]int{}}
	p, _ := newTestPolicy(t, daily)

	d := p.PickLastmileEngine(ctx, 0.95)
	assert.True(t, d.Activate)
	assert.Equal(t, "lastmile-big", d.Engine)

	// Below threshold: no engine, caller proceeds without lastmile.
	d = p.PickLastmileEngine(ctx, 0.5)
	assert.False(t, d.Activate)
	assert.Empty(t, d.Engine)
}

func TestPickLastmileSkipsOverCapAndOpenEngines(t *testing.T) {
	ctx := context.Background()
	daily := &fakeDaily{counts: map[string]int{"lastmile-big": 50}}
	p, brk := newTestPolicy(t, daily)

	// Big is at its daily cap: the alternate takes over.
	d := p.PickLastmileEngine(ctx, 0.9)
	assert.True(t, d.Activate)
	assert.Equal(t, "lastmile-alt", d.Engine)

	// Trip the alternate too: nothing qualifies.
	brk.RecordFailure(ctx, "lastmile-alt", false, false)
	brk.RecordFailure(ctx, "lastmile-alt", false, false)
	d = p.PickLastmileEngine(ctx, 0.9)
	assert.False(t, d.Activate)
	assert.Empty(t, d.Engine)
}
