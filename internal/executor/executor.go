// Package executor runs one DAG node per control-loop tick: select the
// first runnable node, invoke the model under the node's contract, validate
// the output, account cost, and retry with backoff on failure.
package executor

import (
	"context"
	"fmt"
	"time"

	"taskflow-orchestrator/internal/contracts"
	"taskflow-orchestrator/internal/model"
	"taskflow-orchestrator/internal/planner"
	"taskflow-orchestrator/internal/provider"
	"taskflow-orchestrator/internal/runstate"
	"taskflow-orchestrator/internal/store"
	"taskflow-orchestrator/pkg/metrics"
)

// stepError is the executor's internal structured-failure carrier; it
// becomes the step/node error JSON on a failed attempt.
type stepError struct {
	code    contracts.FailureCode
	message string
	details map[string]any
}

func (e *stepError) Error() string { return e.message }

func newStepError(code contracts.FailureCode, message string, details map[string]any) *stepError {
	if details == nil {
		details = map[string]any{}
	}
	return &stepError{code: code, message: message, details: details}
}

// Service executes the next runnable DAG node of a run on each Tick call.
type Service struct {
	Repo          store.Repository
	Provider      provider.Provider
	Router        *model.Router
	CostEstimator *model.CostEstimator
	CostLedgerApp string
	EmitEvent     planner.EmitEventFunc
}

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func now() string { return time.Now().UTC().Format(timeLayout) }

// Tick selects the first pending node whose dependencies are all completed,
// runs one attempt against it, and persists the outcome. If no node is
// runnable, state.ProgressMade is set to false and Tick returns without
// making a model call.
func (s *Service) Tick(ctx context.Context, run *store.Run, state *runstate.State, requestID string) error {
	node := nextRunnableNode(&run.DAG)
	if node == nil {
		state.ProgressMade = false
		return nil
	}
	state.ProgressMade = true

	nodeID := node.ID
	contract, ok := run.DAG.Contracts[nodeID]
	if !ok {
		contract = contracts.DefaultStepContract()
	}

	existing, err := s.Repo.GetStep(ctx, run.ID, nodeID)
	var stepID string
	var attempts int
	if err == nil {
		stepID = existing.ID
		attempts = existing.Attempts + 1
	} else {
		attempts = 1
	}
	maxRetries := contract.MaxRetries
	startedAt := now()

	node.Status = store.StepRunning
	if err := s.Repo.UpdateRun(ctx, run); err != nil {
		return err
	}
	input := map[string]any{"task": run.Task, "node": node, "request_id": requestID}
	step := &store.Step{
		ID: stepID, RunID: run.ID, NodeID: nodeID, Status: store.StepRunning,
		Attempts: attempts, MaxRetries: maxRetries, StartedAt: startedAt, Input: input,
	}
	if err := s.Repo.UpsertStep(ctx, step); err != nil {
		return err
	}
	stepID = step.ID

	if err := s.EmitEvent(ctx, run.ID, "step_started", map[string]any{"node_id": nodeID, "attempt": attempts}); err != nil {
		return err
	}

	tickStart := time.Now()
	execErr := s.attempt(ctx, run, state, node, contract, step, requestID, startedAt)
	metrics.StepDurationSeconds.WithLabelValues(nodeID).Observe(time.Since(tickStart).Seconds())
	if execErr == nil {
		return nil
	}
	se, ok := execErr.(*stepError)
	if !ok {
		se = newStepError(contracts.FailureExecutionError, "Unhandled execution error", map[string]any{"raw_error": execErr.Error()})
	}
	return s.handleStepError(ctx, run, state, node, step, maxRetries, startedAt, se)
}

func (s *Service) attempt(ctx context.Context, run *store.Run, state *runstate.State, node *store.Node, contract contracts.StepContract, step *store.Step, requestID, startedAt string) error {
	allowedTools := contract.AllowedTools
	if len(allowedTools) == 0 {
		allowedTools = []string{"llm.generate"}
	}
	if !containsString(allowedTools, "llm.generate") {
		return newStepError(contracts.FailureToolNotAllowed, "Contract does not allow llm.generate", map[string]any{"allowed_tools": allowedTools})
	}

	// The reflection hint is one-shot: it overrides the contract for this
	// attempt only and is cleared on read.
	preference := contract.ModelPreference
	if state.ReflectionModelPreference != "" {
		preference = state.ReflectionModelPreference
		state.ReflectionModelPreference = ""
	}
	modelName := s.Router.ForStep(model.WorkloadExecutor, preference)
	timeoutS := contract.TimeoutS
	if timeoutS == 0 {
		timeoutS = 30
	}
	prompt := buildPrompt(run.Task, &run.DAG, node)

	outerCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second)
	defer cancel()

	callStart := time.Now()
	result, err := s.Provider.Generate(outerCtx, prompt, modelName, timeoutS, map[string]any{
		"phase": "execute_step", "run_id": run.ID, "node_id": node.ID, "request_id": requestID,
	})
	metrics.LLMCallDurationSeconds.WithLabelValues(s.Provider.Name(), modelName).Observe(time.Since(callStart).Seconds())
	if err != nil {
		if outerCtx.Err() != nil {
			return newStepError(contracts.FailureTimeout, "Step execution timed out", map[string]any{"timeout_s": timeoutS, "raw_error": err.Error()})
		}
		return newStepError(contracts.FailureExecutionError, "Unhandled execution error", map[string]any{"raw_error": err.Error()})
	}

	confidence := 0.7
	if preference == contracts.PreferenceExpensive {
		confidence = 0.85
	}
	output := contracts.StepOutput{
		Summary:    result.Content,
		Confidence: confidence,
		Artifacts:  map[string]any{"model": result.Model, "provider": result.Provider, "node_id": node.ID},
	}
	if err := contracts.ValidateOutput(node.ID, output); err != nil {
		return newStepError(contracts.FailureSchemaError, "Step output schema validation failed", map[string]any{"validation_error": err.Error()})
	}

	endedAt := now()
	cost := s.CostEstimator.Estimate(modelName, s.Router, result.PromptTokens, result.CompletionTokens)
	costRecord := &store.Cost{
		Provider: result.Provider, Model: modelName,
		PromptTokens: cost.PromptTokens, CompletionTokens: cost.CompletionTokens,
		TotalTokens: cost.TotalTokens, USD: cost.USD,
	}

	step.Status = store.StepCompleted
	step.EndedAt = endedAt
	step.Output = &output
	step.Error = nil
	step.Cost = costRecord
	if err := s.Repo.UpsertStep(ctx, step); err != nil {
		return err
	}
	if err := s.Repo.AppendCostEntry(ctx, &store.CostEntry{
		RunID: run.ID, StepID: step.ID, App: s.CostLedgerApp,
		Provider: result.Provider, Model: modelName,
		PromptTokens: cost.PromptTokens, CompletionTokens: cost.CompletionTokens, TotalTokens: cost.TotalTokens, USD: cost.USD,
		Metadata: map[string]any{"phase": "step_execution", "node_id": node.ID, "attempt": step.Attempts, "request_id": requestID},
	}); err != nil {
		return err
	}
	if err := s.Repo.IncrementRunTotals(ctx, run.ID, int64(cost.PromptTokens), int64(cost.CompletionTokens), int64(cost.TotalTokens), cost.USD); err != nil {
		return err
	}

	node.Status = store.StepCompleted
	node.LastOutput = &output
	node.LastError = nil
	if err := s.Repo.UpdateRun(ctx, run); err != nil {
		return err
	}
	state.StepCounter++
	metrics.StepsTotal.WithLabelValues("completed").Inc()
	metrics.LLMCostUSDTotal.WithLabelValues(result.Provider, modelName).Add(cost.USD)

	return s.EmitEvent(ctx, run.ID, "step_finished", map[string]any{"node_id": node.ID, "cost": costRecord})
}

func (s *Service) handleStepError(ctx context.Context, run *store.Run, state *runstate.State, node *store.Node, step *store.Step, maxRetries int, startedAt string, se *stepError) error {
	endedAt := now()
	structured := contracts.StepError{Code: se.code, Message: se.message, Details: se.details}
	state.StepCounter++

	if step.Attempts <= maxRetries {
		backoffS := backoffSeconds(step.Attempts)
		node.Status = store.StepPending
		node.LastError = &structured
		step.Status = store.StepPending
		step.EndedAt = endedAt
		step.Error = &structured
		step.Output = nil
		if err := s.Repo.UpsertStep(ctx, step); err != nil {
			return err
		}
		if err := s.Repo.UpdateRun(ctx, run); err != nil {
			return err
		}
		metrics.StepsTotal.WithLabelValues("retry_scheduled").Inc()
		metrics.StepRetriesTotal.WithLabelValues(string(se.code)).Inc()
		if err := s.EmitEvent(ctx, run.ID, "step_retry_scheduled", map[string]any{
			"node_id": node.ID, "attempt": step.Attempts, "max_retries": maxRetries,
			"backoff_s": backoffS, "error": structured,
		}); err != nil {
			return err
		}
		select {
		case <-time.After(time.Duration(backoffS) * time.Second):
		case <-ctx.Done():
		}
		return nil
	}

	node.Status = store.StepFailed
	node.LastError = &structured
	step.Status = store.StepFailed
	step.EndedAt = endedAt
	step.Error = &structured
	step.Output = nil
	if err := s.Repo.UpsertStep(ctx, step); err != nil {
		return err
	}
	if err := s.Repo.UpdateRun(ctx, run); err != nil {
		return err
	}
	state.ReflectionNeeded = true
	state.ReflectionReason = fmt.Sprintf("Step %s failed", node.ID)
	state.FailureMode = mapFailureMode(se.code)
	metrics.StepsTotal.WithLabelValues("failed").Inc()
	return s.EmitEvent(ctx, run.ID, "step_failed", map[string]any{"node_id": node.ID, "error": structured})
}

// backoffSeconds is min(2^(attempts-1), 8).
func backoffSeconds(attempts int) int {
	b := 1 << uint(attempts-1)
	if b > 8 {
		b = 8
	}
	return b
}

func mapFailureMode(code contracts.FailureCode) contracts.ReflectionFailureMode {
	switch code {
	case contracts.FailureTimeout:
		return contracts.ModeTimeout
	case contracts.FailureSchemaError:
		return contracts.ModeSchemaError
	default:
		return contracts.ModeOther
	}
}

// nextRunnableNode returns the first pending node, in declaration order,
// whose dependencies are all completed.
func nextRunnableNode(dag *store.DAG) *store.Node {
	byID := make(map[string]*store.Node, len(dag.Nodes))
	for i := range dag.Nodes {
		byID[dag.Nodes[i].ID] = &dag.Nodes[i]
	}
	for i := range dag.Nodes {
		n := &dag.Nodes[i]
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
			return n
		}
	}
	return nil
}

// buildPrompt includes every DAG node's last output, not just the target
// node's direct dependencies.
func buildPrompt(task string, dag *store.DAG, node *store.Node) string {
	prompt := fmt.Sprintf("Task: %s\nNode: %s\nDescription: %s\nCompleted upstream outputs: [", task, node.ID, node.Description)
	first := true
	for _, n := range dag.Nodes {
		if n.LastOutput == nil {
			continue
		}
		if !first {
			prompt += ", "
		}
		first = false
		prompt += fmt.Sprintf("{node_id: %s, output: %+v}", n.ID, *n.LastOutput)
	}
	prompt += "]"
	return prompt
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
