package metrics

// Minimal metrics provider abstraction shared by internal subsystems. The
// backend is selected via engine.Config (MetricsBackend); embedders never
// construct providers directly.

import "context"

// Provider is the minimal metrics provider contract used internally.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	Health(ctx context.Context) error
}

type Counter interface{ Inc(delta float64, labels ...string) }
type Gauge interface {
	Set(v float64, labels ...string)
	Add(delta float64, labels ...string)
}
type Histogram interface{ Observe(v float64, labels ...string) }

type CommonOpts struct {
	Namespace, Subsystem, Name, Help string
	Labels                           []string
}
type CounterOpts struct{ CommonOpts }
type GaugeOpts struct{ CommonOpts }
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

// noop provider ----------------------------------------------------------

type noopProvider struct{}
type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}

func NewNoopProvider() Provider                            { return &noopProvider{} }
func (p *noopProvider) NewCounter(CounterOpts) Counter     { return noopCounter{} }
func (p *noopProvider) NewGauge(GaugeOpts) Gauge           { return noopGauge{} }
func (p *noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }
func (p *noopProvider) Health(context.Context) error       { return nil }
func (noopCounter) Inc(float64, ...string)                 {}
func (noopGauge) Set(float64, ...string)                   {}
func (noopGauge) Add(float64, ...string)                   {}
func (noopHistogram) Observe(float64, ...string)           {}
