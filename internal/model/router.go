// Package model implements workload-based model selection and LLM cost
// estimation.
package model

import "taskflow-orchestrator/internal/contracts"

// Workload names the phase of the control loop issuing a model call.
type Workload string

const (
	WorkloadPlanner    Workload = "planner"
	WorkloadExecutor   Workload = "executor"
	WorkloadReflection Workload = "reflection"
	WorkloadSynthesis  Workload = "synthesis"
)

// Router maps a workload (or a step's explicit preference) to a model name.
type Router struct {
	CheapModel     string
	DefaultModel   string
	ExpensiveModel string
}

// NewRouter constructs a Router from the three configured model names.
func NewRouter(cheap, def, expensive string) *Router {
	return &Router{CheapModel: cheap, DefaultModel: def, ExpensiveModel: expensive}
}

// ForWorkload returns the model for a workload with no step-level override:
// planner uses the cheap model, reflection and synthesis use the expensive
// model, and everything else (executor) uses the default model.
func (r *Router) ForWorkload(w Workload) string {
	switch w {
	case WorkloadPlanner:
		return r.CheapModel
	case WorkloadReflection, WorkloadSynthesis:
		return r.ExpensiveModel
	default:
		return r.DefaultModel
	}
}

// ForStep returns the model for a workload, honoring a step contract's
// ModelPreference when it is set to something other than "default".
func (r *Router) ForStep(w Workload, pref contracts.ModelPreference) string {
	switch pref {
	case contracts.PreferenceCheap:
		return r.CheapModel
	case contracts.PreferenceExpensive:
		return r.ExpensiveModel
	case contracts.PreferenceDefault, "":
		return r.ForWorkload(w)
	default:
		return r.ForWorkload(w)
	}
}
