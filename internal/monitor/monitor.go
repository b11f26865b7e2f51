// Package monitor is the control loop's routing hub: a first-match-wins
// precedence table over a freshly-reloaded run, deciding whether to keep
// executing, reflect, or finish.
package monitor

import (
	"context"
	"time"

	"taskflow-orchestrator/internal/contracts"
	"taskflow-orchestrator/internal/runstate"
	"taskflow-orchestrator/internal/store"
)

// Decision is monitor's verdict for this tick: either a terminal finish
// (with status/reason) or a continue, optionally flagging reflection.
type Decision struct {
	ShouldFinish bool
	FinishStatus store.RunStatus
	FinishReason string
}

// Service evaluates a run's state against its constraints on every tick.
type Service struct {
	Repo store.Repository
}

// Evaluate reloads run fresh from the repository and applies the 9-step
// precedence table, mutating state's reflection fields exactly as the
// matched branch requires. It never mutates run's DAG.
func (s *Service) Evaluate(ctx context.Context, runID string, state *runstate.State) (Decision, error) {
	run, err := s.Repo.GetRun(ctx, runID)
	if err != nil {
		return Decision{ShouldFinish: true, FinishStatus: store.RunFailed, FinishReason: "run_missing"}, nil
	}

	statuses := make([]store.StepStatus, len(run.DAG.Nodes))
	for i, n := range run.DAG.Nodes {
		statuses[i] = n.Status
	}

	if run.CancelRequested {
		return Decision{ShouldFinish: true, FinishStatus: store.RunCanceled, FinishReason: "cancel_requested"}, nil
	}

	elapsed := int(time.Since(state.RunStartedMonotonic).Seconds())
	if elapsed >= run.Constraints.TimeoutS {
		state.ReflectionNeeded = true
		state.ReflectionReason = "Run timeout exceeded"
		state.FailureMode = contracts.ModeTimeout
		return Decision{ShouldFinish: true, FinishStatus: store.RunFailed, FinishReason: "timeout"}, nil
	}

	if run.Totals.USD >= run.Constraints.BudgetUSD {
		state.ReflectionNeeded = true
		state.ReflectionReason = "Budget cap exceeded"
		state.FailureMode = contracts.ModeBudgetRisk
		return Decision{ShouldFinish: true, FinishStatus: store.RunFailed, FinishReason: "budget_exceeded"}, nil
	}

	if len(statuses) > 0 && allCompletedOrSkipped(statuses) {
		return Decision{ShouldFinish: true, FinishStatus: store.RunCompleted, FinishReason: "all_steps_completed"}, nil
	}

	if !hasRunnableNodes(&run.DAG) {
		hasRunning := containsStatus(statuses, store.StepRunning)
		hasPending := containsStatus(statuses, store.StepPending)
		if hasPending && !hasRunning {
			state.ReflectionNeeded = true
			state.ReflectionReason = "No runnable steps due to unmet dependencies"
			if state.FailureMode == "" {
				state.FailureMode = contracts.ModeOther
			}
			return Decision{ShouldFinish: true, FinishStatus: store.RunFailed, FinishReason: "dependency_deadlock"}, nil
		}
	}

	pendingOrRunning := containsStatus(statuses, store.StepPending) || containsStatus(statuses, store.StepRunning)
	if !pendingOrRunning && containsStatus(statuses, store.StepFailed) {
		state.ReflectionNeeded = true
		state.ReflectionReason = "One or more steps failed"
		if state.FailureMode == "" {
			state.FailureMode = contracts.ModeOther
		}
		return Decision{ShouldFinish: true, FinishStatus: store.RunFailed, FinishReason: "steps_failed"}, nil
	}

	if state.StepCounter >= run.Constraints.MaxSteps {
		state.ReflectionNeeded = true
		state.ReflectionReason = "Max steps exceeded"
		state.FailureMode = contracts.ModeOther
		return Decision{ShouldFinish: true, FinishStatus: store.RunFailed, FinishReason: "max_steps_exceeded"}, nil
	}

	interval := run.Constraints.ReflectionIntervalSteps
	if interval <= 0 {
		interval = 2
	}
	if state.StepCounter > 0 && state.StepCounter%interval == 0 && state.ProgressMade {
		state.ReflectionNeeded = true
		state.ReflectionReason = "Periodic reflection boundary reached"
		if state.FailureMode == "" {
			state.FailureMode = contracts.ModeLowConfidence
		}
		state.ProgressMade = false
	}

	return Decision{}, nil
}

func allCompletedOrSkipped(statuses []store.StepStatus) bool {
	for _, s := range statuses {
		if s != store.StepCompleted && s != store.StepSkipped {
			return false
		}
	}
	return true
}

func containsStatus(statuses []store.StepStatus, target store.StepStatus) bool {
	for _, s := range statuses {
		if s == target {
			return true
		}
	}
	return false
}

func hasRunnableNodes(dag *store.DAG) bool {
	byID := make(map[string]store.Node, len(dag.Nodes))
	for _, n := range dag.Nodes {
		byID[n.ID] = n
	}
	for _, n := range dag.Nodes {
		if n.Status != store.StepPending {
			continue
		}
		runnable := true
		for _, dep := range n.DependsOn {
			depNode, ok := byID[dep]
			if !ok || depNode.Status != store.StepCompleted {
				runnable = false
				break
			}
		}
		if runnable {
			return true
		}
	}
	return false
}
