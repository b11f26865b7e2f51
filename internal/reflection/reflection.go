// Package reflection maps a run's failure mode to an action: replan,
// adjust parameters, or terminate.
package reflection

import (
	"context"
	"sort"

	"taskflow-orchestrator/internal/contracts"
	"taskflow-orchestrator/internal/planner"
	"taskflow-orchestrator/internal/runstate"
	"taskflow-orchestrator/internal/store"
	"taskflow-orchestrator/pkg/metrics"
)

// Service turns state.ReflectionNeeded into a diagnostic, a DAG mutation
// (on replan), and/or a terminal finish decision (on terminate).
type Service struct {
	Repo      store.Repository
	EmitEvent planner.EmitEventFunc
}

// Reflect runs exactly once per flagged tick: it maps state.FailureMode to
// an action, mutates run.DAG in place for a replan, persists the run,
// appends a diagnostic, emits the reflection event, and clears the
// reflection fields on state.
func (s *Service) Reflect(ctx context.Context, run *store.Run, state *runstate.State) error {
	reason := state.ReflectionReason
	failureMode := state.FailureMode

	action := actionFor(failureMode)
	metrics.ReflectionActionsTotal.WithLabelValues(string(action), string(failureMode)).Inc()

	switch action {
	case contracts.ActionReplanned:
		propagateSkips(&run.DAG)
		if err := s.Repo.UpdateRun(ctx, run); err != nil {
			return err
		}
		if err := s.EmitEvent(ctx, run.ID, "replanned", map[string]any{
			"reason":       reason,
			"failure_mode": failureMode,
		}); err != nil {
			return err
		}
	case contracts.ActionAdjustedParameters:
		state.ReflectionModelPreference = contracts.PreferenceExpensive
	case contracts.ActionTerminated:
		state.ShouldFinish = true
		if state.FinishStatus != store.RunCanceled && state.FinishStatus != store.RunFailed {
			state.FinishStatus = store.RunFailed
			state.FinishReason = "reflection_terminated"
		}
	}

	if err := s.Repo.AppendRunDiagnostic(ctx, run.ID, store.Diagnostic{
		Reason:      reason,
		FailureMode: failureMode,
		ActionTaken: action,
	}); err != nil {
		return err
	}

	if err := s.EmitEvent(ctx, run.ID, "reflection", map[string]any{
		"reason":       reason,
		"failure_mode": failureMode,
		"action_taken": action,
	}); err != nil {
		return err
	}

	state.ReflectionNeeded = false
	state.ReflectionReason = ""
	state.FailureMode = ""
	return nil
}

// actionFor: timeout and budget_risk terminate, schema_error replans,
// low_confidence adjusts parameters for one tick, and everything else
// (other) terminates.
func actionFor(mode contracts.ReflectionFailureMode) contracts.ReflectionAction {
	switch mode {
	case contracts.ModeTimeout, contracts.ModeBudgetRisk:
		return contracts.ActionTerminated
	case contracts.ModeSchemaError:
		return contracts.ActionReplanned
	case contracts.ModeLowConfidence:
		return contracts.ActionAdjustedParameters
	default:
		return contracts.ActionTerminated
	}
}

// propagateSkips computes the transitive descendants of every failed node by
// forward BFS over the DAG's edges and flips each pending descendant to
// skipped, recording the sorted set of upstream failed ids that caused it.
// Already-skipped descendants are left untouched; a later retry never
// un-skips them either.
func propagateSkips(dag *store.DAG) {
	byID := make(map[string]*store.Node, len(dag.Nodes))
	for i := range dag.Nodes {
		byID[dag.Nodes[i].ID] = &dag.Nodes[i]
	}

	adjacency := make(map[string][]string, len(dag.Edges))
	for _, e := range dag.Edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	var failedIDs []string
	for _, n := range dag.Nodes {
		if n.Status == store.StepFailed {
			failedIDs = append(failedIDs, n.ID)
		}
	}
	sort.Strings(failedIDs)
	if len(failedIDs) == 0 {
		return
	}

	visited := make(map[string]bool)
	queue := append([]string(nil), failedIDs...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, next)

			node, ok := byID[next]
			if !ok || node.Status != store.StepPending {
				continue
			}
			node.Status = store.StepSkipped
			node.LastError = &contracts.StepError{
				Code:    contracts.FailureExecutionError,
				Message: "Skipped due to upstream failure during replanning",
				Details: map[string]any{"upstream": failedIDs},
			}
		}
	}
}
