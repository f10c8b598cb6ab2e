package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var metricNameRE = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// PrometheusProvider implements Provider backed by a Prometheus registry.
type PrometheusProvider struct {
	reg        *prom.Registry
	mu         sync.RWMutex
	counters   map[string]*prom.CounterVec
	gauges     map[string]*prom.GaugeVec
	histograms map[string]*prom.HistogramVec

	handler http.Handler
}

// PrometheusProviderOptions configures the provider.
type PrometheusProviderOptions struct {
	Registry *prom.Registry // optional custom registry
}

// NewPrometheusProvider creates a new provider.
func NewPrometheusProvider(opts PrometheusProviderOptions) *PrometheusProvider {
	reg := opts.Registry
	if reg == nil {
		reg = prom.NewRegistry()
	}
	return &PrometheusProvider{
		reg:        reg,
		counters:   make(map[string]*prom.CounterVec),
		gauges:     make(map[string]*prom.GaugeVec),
		histograms: make(map[string]*prom.HistogramVec),
		handler:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

// MetricsHandler returns an HTTP handler exposing the registry.
func (p *PrometheusProvider) MetricsHandler() http.Handler { return p.handler }

func buildFQName(c CommonOpts) (string, error) {
	if c.Name == "" {
		return "", errors.New("metric name required")
	}
	fq := c.Name
	if c.Subsystem != "" {
		fq = c.Subsystem + "_" + fq
	}
	if c.Namespace != "" {
		fq = c.Namespace + "_" + fq
	}
	if !metricNameRE.MatchString(fq) {
		return "", fmt.Errorf("invalid metric name: %s", fq)
	}
	return fq, nil
}

func (p *PrometheusProvider) NewCounter(opts CounterOpts) Counter {
	fq, err := buildFQName(opts.CommonOpts)
	if err != nil {
		return noopCounter{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.counters[fq]
	if !ok {
		vec = prom.NewCounterVec(prom.CounterOpts{Name: fq, Help: opts.Help}, opts.Labels)
		if err := p.reg.Register(vec); err != nil {
			var are prom.AlreadyRegisteredError
			if errors.As(err, &are) {
				vec = are.ExistingCollector.(*prom.CounterVec)
			} else {
				return noopCounter{}
			}
		}
		p.counters[fq] = vec
	}
	return promCounter{vec}
}

func (p *PrometheusProvider) NewGauge(opts GaugeOpts) Gauge {
	fq, err := buildFQName(opts.CommonOpts)
	if err != nil {
		return noopGauge{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.gauges[fq]
	if !ok {
		vec = prom.NewGaugeVec(prom.GaugeOpts{Name: fq, Help: opts.Help}, opts.Labels)
		if err := p.reg.Register(vec); err != nil {
			var are prom.AlreadyRegisteredError
			if errors.As(err, &are) {
				vec = are.ExistingCollector.(*prom.GaugeVec)
			} else {
				return noopGauge{}
			}
		}
		p.gauges[fq] = vec
	}
	return promGauge{vec}
}

func (p *PrometheusProvider) NewHistogram(opts HistogramOpts) Histogram {
	fq, err := buildFQName(opts.CommonOpts)
	if err != nil {
		return noopHistogram{}
	}
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.histograms[fq]
	if !ok {
		vec = prom.NewHistogramVec(prom.HistogramOpts{Name: fq, Help: opts.Help, Buckets: buckets}, opts.Labels)
		if err := p.reg.Register(vec); err != nil {
			var are prom.AlreadyRegisteredError
			if errors.As(err, &are) {
				vec = are.ExistingCollector.(*prom.HistogramVec)
			} else {
				return noopHistogram{}
			}
		}
		p.histograms[fq] = vec
	}
	return promHistogram{vec}
}

func (p *PrometheusProvider) Health(context.Context) error { return nil }

type promCounter struct{ cv *prom.CounterVec }

func (c promCounter) Inc(delta float64, labels ...string) {
	if m, err := c.cv.GetMetricWithLabelValues(labels...); err == nil {
		m.Add(delta)
	}
}

type promGauge struct{ gv *prom.GaugeVec }

func (g promGauge) Set(v float64, labels ...string) {
	if m, err := g.gv.GetMetricWithLabelValues(labels...); err == nil {
		m.Set(v)
	}
}

func (g promGauge) Add(delta float64, labels ...string) {
	if m, err := g.gv.GetMetricWithLabelValues(labels...); err == nil {
		m.Add(delta)
	}
}

type promHistogram struct{ hv *prom.HistogramVec }

func (h promHistogram) Observe(v float64, labels ...string) {
	if m, err := h.hv.GetMetricWithLabelValues(labels...); err == nil {
		m.Observe(v)
	}
}
