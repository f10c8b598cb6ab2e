package tools

import (
	"log/slog"

	"argus/engine/breaker"
	"argus/engine/claims"
	"argus/engine/internal/telemetry/logging"
	"argus/engine/policy"
	"argus/engine/scheduler"
	"argus/engine/store"
	"argus/engine/vector"
)

// Service wires the tool handlers to the core subsystems. One instance
// serves the whole process.
type Service struct {
	store     *store.Store
	sched     *scheduler.Scheduler
	policy    *policy.Engine
	breakers  *breaker.Manager
	vectors   *vector.Index
	decompose *claims.Decomposer
	log       logging.Logger
}

// New builds the tool service. vectors and decompose may be nil when the
// embedding or LLM endpoints are not configured; the affected tools then
// report transient_external.
func New(st *store.Store, sched *scheduler.Scheduler, pol *policy.Engine, brk *breaker.Manager, vectors *vector.Index, dec *claims.Decomposer) *Service {
	return &Service{
		store:     st,
		sched:     sched,
		policy:    pol,
		breakers:  brk,
		vectors:   vectors,
		decompose: dec,
		log:       logging.New(slog.Default()),
	}
}

// WithLogger swaps the logger.
func (s *Service) WithLogger(l logging.Logger) *Service {
	if l != nil {
		s.log = l
	}
	return s
}

var priorityByName = map[string]int{
	"high":   scheduler.PriorityHigh,
	"medium": scheduler.PriorityMedium,
	"low":    scheduler.PriorityLow,
}

func priorityValue(options map[string]any) int {
	name := argString(options, "priority")
	if p, ok := priorityByName[name]; ok {
		return p
	}
	return scheduler.PriorityMedium
}
