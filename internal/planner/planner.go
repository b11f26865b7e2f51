// Package planner instantiates a run's DAG from a workflow template and
// records the planning model call's cost against the run.
package planner

import (
	"context"
	"fmt"

	"taskflow-orchestrator/internal/model"
	"taskflow-orchestrator/internal/provider"
	"taskflow-orchestrator/internal/store"
)

// EmitEventFunc appends and publishes one event for a run, shared across
// planner/executor/reflection/orchestrator so every component emits
// through the same durable-then-broadcast path.
type EmitEventFunc func(ctx context.Context, runID, eventType string, payload map[string]any) error

// Service plans a run: selecting a template, making one model call to
// produce planner notes, and materializing the run's DAG.
type Service struct {
	Repo          store.Repository
	Provider      provider.Provider
	Router        *model.Router
	CostEstimator *model.CostEstimator
	CostLedgerApp string
	EmitEvent     EmitEventFunc
}

// Plan materializes run's DAG, idempotently: if the run already carries a
// non-empty DAG, it is returned unchanged without a model call or template
// lookup.
func (s *Service) Plan(ctx context.Context, run *store.Run, requestID string) (store.DAG, error) {
	if len(run.DAG.Nodes) > 0 {
		return run.DAG, nil
	}

	if err := s.EmitEvent(ctx, run.ID, "planning_started", map[string]any{
		"task":        run.Task,
		"template_id": run.TemplateID,
	}); err != nil {
		return store.DAG{}, err
	}

	template, err := s.selectTemplate(ctx, run.TemplateID)
	if err != nil {
		return store.DAG{}, err
	}

	plannerModel := s.Router.ForWorkload(model.WorkloadPlanner)
	planningPrompt := fmt.Sprintf(
		"Create explicit execution checkpoints for this task and preserve contract semantics.\nTask: %s\nTemplate: %s",
		run.Task, template.Name,
	)
	result, err := s.Provider.Generate(ctx, planningPrompt, plannerModel, 20, map[string]any{
		"phase":      "planner",
		"run_id":     run.ID,
		"request_id": requestID,
	})
	if err != nil {
		return store.DAG{}, fmt.Errorf("planner model call: %w", err)
	}

	cost := s.CostEstimator.Estimate(plannerModel, s.Router, result.PromptTokens, result.CompletionTokens)
	if err := s.Repo.AppendCostEntry(ctx, &store.CostEntry{
		RunID:            run.ID,
		App:              s.CostLedgerApp,
		Provider:         result.Provider,
		Model:            result.Model,
		PromptTokens:     cost.PromptTokens,
		CompletionTokens: cost.CompletionTokens,
		TotalTokens:      cost.TotalTokens,
		USD:              cost.USD,
		Metadata:         map[string]any{"phase": "planning", "request_id": requestID},
	}); err != nil {
		return store.DAG{}, err
	}
	if err := s.Repo.IncrementRunTotals(ctx, run.ID, int64(cost.PromptTokens), int64(cost.CompletionTokens), int64(cost.TotalTokens), cost.USD); err != nil {
		return store.DAG{}, err
	}

	dag := template.Graph.Clone()
	for i := range dag.Nodes {
		dag.Nodes[i].Status = store.StepPending
		dag.Nodes[i].LastOutput = nil
		dag.Nodes[i].LastError = nil
	}
	dag.PlannerNotes = result.Content

	run.DAG = dag
	if err := s.Repo.UpdateRun(ctx, run); err != nil {
		return store.DAG{}, err
	}

	if err := s.EmitEvent(ctx, run.ID, "planning_finished", map[string]any{
		"node_count": len(dag.Nodes),
		"edge_count": len(dag.Edges),
		"model":      result.Model,
	}); err != nil {
		return store.DAG{}, err
	}

	return dag, nil
}

// selectTemplate prefers run's explicit template id, falling back to the
// most-recently-updated template.
func (s *Service) selectTemplate(ctx context.Context, templateID string) (*store.Template, error) {
	if templateID != "" {
		if t, err := s.Repo.GetTemplate(ctx, templateID); err == nil {
			return t, nil
		}
	}
	t, err := s.Repo.LatestTemplate(ctx)
	if err != nil {
		return nil, fmt.Errorf("no workflow template available: %w", err)
	}
	return t, nil
}
