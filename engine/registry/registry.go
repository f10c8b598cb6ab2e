package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Operator names recognized by the query normalizer and declared by engine
// configuration documents.
const (
	OpSite      = "site"
	OpFiletype  = "filetype"
	OpIntitle   = "intitle"
	OpExact     = "exact"
	OpExclude   = "exclude"
	OpDateAfter = "date_after"
)

var knownOperators = map[string]struct{}{
	OpSite: {}, OpFiletype: {}, OpIntitle: {}, OpExact: {}, OpExclude: {}, OpDateAfter: {},
}

// EngineConfig is one engine record from the declarative document. Instances
// are immutable after load; consumers hold them by pointer into a snapshot.
type EngineConfig struct {
	Name            string             `yaml:"-"`
	BaseURL         string             `yaml:"base_url"`
	Weight          float64            `yaml:"weight"`
	QPS             float64            `yaml:"qps"`
	CategoryWeights map[string]float64 `yaml:"categories"`
	DailyLimit      int                `yaml:"daily_limit"`
	IsLastmile      bool               `yaml:"is_lastmile"`
	TimeoutMs       int                `yaml:"timeout_ms"`
	Headers         map[string]string  `yaml:"headers"`

	// Operators holds per-operator output templates; presence of a key means
	// the operator is supported. Template "{value}" is substituted.
	Operators map[string]string `yaml:"operators"`
}

// MinInterval is the minimum spacing between requests to this engine.
func (e *EngineConfig) MinInterval() time.Duration {
	if e.QPS <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / e.QPS)
}

// SupportsOperator reports whether the engine declares the operator.
func (e *EngineConfig) SupportsOperator(op string) bool {
	_, ok := e.Operators[op]
	return ok
}

// Defaults carries document-level settings shared by all engines.
type Defaults struct {
	TimeoutMs       int     `yaml:"timeout_ms"`
	LastmileHarvest float64 `yaml:"lastmile_harvest_threshold"`
}

type document struct {
	Defaults Defaults                 `yaml:"defaults"`
	Engines  map[string]*EngineConfig `yaml:"engines"`
}

// Snapshot is an immutable published view of the registry. Borrowers keep
// using the snapshot they hold even while a reload publishes a newer one.
type Snapshot struct {
	Defaults Defaults
	engines  map[string]*EngineConfig
	ordered  []string
	LoadedAt time.Time
}

// Get returns the engine config, or nil when the engine is not declared.
// An absent engine is "not available", never an error.
func (s *Snapshot) Get(name string) *EngineConfig {
	if s == nil {
		return nil
	}
	return s.engines[name]
}

// Names returns all engine names in stable (sorted) order.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// ForCategory returns engines carrying a non-zero weight for the category,
// sorted by that weight descending (name ascending as tiebreak).
func (s *Snapshot) ForCategory(category string) []*EngineConfig {
	if s == nil {
		return nil
	}
	var out []*EngineConfig
	for _, name := range s.ordered {
		ec := s.engines[name]
		if ec.CategoryWeights[category] > 0 {
			out = append(out, ec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		wi, wj := out[i].CategoryWeights[category], out[j].CategoryWeights[category]
		if wi != wj {
			return wi > wj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Lastmile returns the names of engines marked is_lastmile, sorted by base
// weight descending.
func (s *Snapshot) Lastmile() []string {
	if s == nil {
		return nil
	}
	var cfgs []*EngineConfig
	for _, name := range s.ordered {
		if ec := s.engines[name]; ec.IsLastmile {
			cfgs = append(cfgs, ec)
		}
	}
	sort.SliceStable(cfgs, func(i, j int) bool {
		if cfgs[i].Weight != cfgs[j].Weight {
			return cfgs[i].Weight > cfgs[j].Weight
		}
		return cfgs[i].Name < cfgs[j].Name
	})
	names := make([]string, len(cfgs))
	for i, ec := range cfgs {
		names[i] = ec.Name
	}
	return names
}

// ReloadFunc observes reload outcomes (nil err on success).
type ReloadFunc func(path string, err error)

// Registry loads engine configuration from a YAML document and publishes
// immutable snapshots via atomic pointer swap. A failed reload keeps the
// previous snapshot and reports the failure to observers.
type Registry struct {
	path     string
	snap     atomic.Pointer[Snapshot]
	mu       sync.Mutex
	onReload []ReloadFunc
	watcher  *watcher
	closed   atomic.Bool
}

// Load parses the document at path and returns a registry primed with the
// first snapshot. Hot reloading starts only when Watch is called.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	snap, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	r.snap.Store(snap)
	return r, nil
}

// FromSnapshot builds a registry around an in-memory snapshot. Used by tests
// and embedders that manage configuration themselves.
func FromSnapshot(s *Snapshot) *Registry {
	r := &Registry{}
	r.snap.Store(s)
	return r
}

// Parse decodes an engine document from raw YAML bytes.
func Parse(data []byte) (*Snapshot, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode engine document: %w", err)
	}
	return buildSnapshot(&doc)
}

func parseFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine document: %w", err)
	}
	return Parse(data)
}

func buildSnapshot(doc *document) (*Snapshot, error) {
	if len(doc.Engines) == 0 {
		return nil, errors.New("engine document declares no engines")
	}
	engines := make(map[string]*EngineConfig, len(doc.Engines))
	ordered := make([]string, 0, len(doc.Engines))
	for name, ec := range doc.Engines {
		if ec == nil {
			return nil, fmt.Errorf("engine %q: empty record", name)
		}
		ec.Name = name
		if err := validateEngine(ec); err != nil {
			return nil, fmt.Errorf("engine %q: %w", name, err)
		}
		engines[name] = ec
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)
	if doc.Defaults.LastmileHarvest == 0 {
		doc.Defaults.LastmileHarvest = 0.9
	}
	return &Snapshot{Defaults: doc.Defaults, engines: engines, ordered: ordered, LoadedAt: time.Now()}, nil
}

func validateEngine(ec *EngineConfig) error {
	if ec.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if ec.Weight < 0 || ec.Weight > 1 {
		return fmt.Errorf("weight %v outside [0,1]", ec.Weight)
	}
	if ec.QPS <= 0 {
		return fmt.Errorf("qps %v must be > 0", ec.QPS)
	}
	for cat, w := range ec.CategoryWeights {
		if w < 0 || w > 1 {
			return fmt.Errorf("category %q weight %v outside [0,1]", cat, w)
		}
	}
	for op := range ec.Operators {
		if _, ok := knownOperators[op]; !ok {
			return fmt.Errorf("unknown operator %q", op)
		}
	}
	if ec.DailyLimit < 0 {
		return fmt.Errorf("daily_limit %d must be >= 0", ec.DailyLimit)
	}
	return nil
}

// Snapshot returns the current published snapshot. Never nil after Load.
func (r *Registry) Snapshot() *Snapshot { return r.snap.Load() }

// Get is a convenience passthrough to the current snapshot.
func (r *Registry) Get(name string) *EngineConfig { return r.Snapshot().Get(name) }

// ForCategory is a convenience passthrough to the current snapshot.
func (r *Registry) ForCategory(category string) []*EngineConfig {
	return r.Snapshot().ForCategory(category)
}

// Lastmile is a convenience passthrough to the current snapshot.
func (r *Registry) Lastmile() []string { return r.Snapshot().Lastmile() }

// OnReload registers an observer for reload outcomes.
func (r *Registry) OnReload(fn ReloadFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onReload = append(r.onReload, fn)
	r.mu.Unlock()
}

// Reload re-reads the document now. On error the prior snapshot stays
// published and the error is returned (and reported to observers).
func (r *Registry) Reload() error {
	if r.path == "" {
		return errors.New("registry has no backing document")
	}
	snap, err := parseFile(r.path)
	if err == nil {
		r.snap.Store(snap)
	}
	r.notify(err)
	return err
}

func (r *Registry) notify(err error) {
	r.mu.Lock()
	observers := append([]ReloadFunc(nil), r.onReload...)
	r.mu.Unlock()
	for _, fn := range observers {
		fn(r.path, err)
	}
}

// Watch starts hot reloading: fsnotify events plus an mtime poll fallback at
// the given interval (0 disables polling). Safe to call once.
func (r *Registry) Watch(pollInterval time.Duration) error {
	if r.path == "" {
		return errors.New("registry has no backing document")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		return nil
	}
	w, err := newWatcher(r.path, pollInterval, func() { _ = r.Reload() })
	if err != nil {
		return err
	}
	r.watcher = w
	return nil
}

// Close stops watching. Idempotent.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.mu.Unlock()
	if w != nil {
		return w.close()
	}
	return nil
}
