package engine

import (
	"time"

	"argus/engine/breaker"
)

// Config is the public configuration surface for the Engine facade.
type Config struct {
	// DBPath is the evidence graph database file.
	DBPath string
	// HTMLDir receives fetched page HTML.
	HTMLDir string
	// EnginesPath is the declarative engine configuration document (YAML).
	EnginesPath string
	// RegistryPollInterval is the mtime poll fallback for hot reload.
	RegistryPollInterval time.Duration

	// Breaker tunes the per-engine circuit breakers.
	Breaker breaker.Config

	// LastmileThreshold is the harvest rate at which the lastmile slot
	// activates (inclusive).
	LastmileThreshold float64

	// LLMBaseURL is the local completion endpoint; empty disables the LLM
	// path (rule-based decomposition only).
	LLMBaseURL string
	// LLMModel names the default generation model.
	LLMModel string
	// LLMTimeout bounds one completion request.
	LLMTimeout time.Duration

	// FetchTimeout bounds one page fetch by the default fetcher.
	FetchTimeout time.Duration
	// UserAgent identifies the default fetcher.
	UserAgent string

	// DefaultMinInterval gates engines absent from the registry.
	DefaultMinInterval time.Duration

	// RelevanceThreshold is the rerank score at or above which a fragment
	// counts as useful.
	RelevanceThreshold float64
	// VerifyThreshold is the NLI confidence at or above which a claim flips
	// to verified.
	VerifyThreshold float64

	// MetricsEnabled toggles the metrics provider wiring.
	MetricsEnabled bool
	// MetricsBackend selects the implementation when MetricsEnabled:
	//   "prom" (default) - built-in Prometheus registry
	//   "otel"           - OpenTelemetry bridge
	//   "noop"           - explicit no-op
	MetricsBackend string
}

// Defaults returns a Config with reasonable defaults. DBPath, HTMLDir and
// EnginesPath stay caller-supplied.
func Defaults() Config {
	return Config{
		RegistryPollInterval: 5 * time.Second,
		Breaker:              breaker.DefaultConfig(),
		LastmileThreshold:    0.9,
		LLMTimeout:           60 * time.Second,
		FetchTimeout:         30 * time.Second,
		UserAgent:            "argus/1.0 (+research agent)",
		DefaultMinInterval:   time.Second,
		RelevanceThreshold:   0.25,
		VerifyThreshold:      0.6,
		MetricsBackend:       "prom",
	}
}
