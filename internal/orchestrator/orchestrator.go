// Package orchestrator drives the five-state control loop (plan -> execute
// -> monitor -> reflect -> finish) for one run: a plain switch over a
// current-state string, with one background worker goroutine per active run.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskflow-orchestrator/internal/broker"
	"taskflow-orchestrator/internal/contracts"
	"taskflow-orchestrator/internal/executor"
	"taskflow-orchestrator/internal/monitor"
	"taskflow-orchestrator/internal/planner"
	"taskflow-orchestrator/internal/reflection"
	"taskflow-orchestrator/internal/runstate"
	"taskflow-orchestrator/internal/store"
	"taskflow-orchestrator/pkg/log"
	"taskflow-orchestrator/pkg/metrics"
)

// NewEmitEventFunc builds the single append-then-publish closure shared by
// planner, executor, reflection, and the orchestrator itself, so every
// component emits through the same durable-then-broadcast path: append to
// the event table first, publish to live subscribers second.
func NewEmitEventFunc(repo store.Repository, brk *broker.Broker) planner.EmitEventFunc {
	return func(ctx context.Context, runID, eventType string, payload map[string]any) error {
		event := &store.Event{RunID: runID, EventType: eventType, Payload: payload}
		if err := repo.AppendEvent(ctx, event); err != nil {
			return err
		}
		brk.Publish(event)
		return nil
	}
}

// runWorker tracks one active background goroutine driving a run.
type runWorker struct {
	done chan struct{}
}

// Orchestrator is the process-wide control-loop driver: one instance lives
// for the lifetime of the service, holding a worker registry that enforces
// at-most-one active goroutine per run id.
type Orchestrator struct {
	Repo       store.Repository
	Broker     *broker.Broker
	Planner    *planner.Service
	Executor   *executor.Service
	Monitor    *monitor.Service
	Reflection *reflection.Service
	Logger     *log.Logger
	Defaults   store.Constraints
	EmitEvent  planner.EmitEventFunc

	mu       sync.Mutex
	workers  map[string]*runWorker
	stopping bool
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New constructs an Orchestrator. The returned instance owns a background
// root context used to drive every run worker; call Shutdown to stop
// accepting new runs and wait for in-flight ones.
func New(repo store.Repository, brk *broker.Broker, plannerSvc *planner.Service, executorSvc *executor.Service, monitorSvc *monitor.Service, reflectionSvc *reflection.Service, logger *log.Logger, defaults store.Constraints) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		Repo:       repo,
		Broker:     brk,
		Planner:    plannerSvc,
		Executor:   executorSvc,
		Monitor:    monitorSvc,
		Reflection: reflectionSvc,
		Logger:     logger,
		Defaults:   defaults,
		EmitEvent:  NewEmitEventFunc(repo, brk),
		workers:    make(map[string]*runWorker),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// timeLayout is fixed-width microsecond UTC so stored timestamps sort
// lexicographically in (created_at, id) order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func nowRFC3339() string { return time.Now().UTC().Format(timeLayout) }

func isTerminalStatus(status store.RunStatus) bool {
	switch status {
	case store.RunCompleted, store.RunFailed, store.RunCanceled:
		return true
	default:
		return false
	}
}

// StartRun ensures a single background worker is driving runID. If one is
// already active, this is a no-op.
func (o *Orchestrator) StartRun(runID string) {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return
	}
	if w, ok := o.workers[runID]; ok {
		select {
		case <-w.done:
			// Previous worker finished; fall through and start a new one.
		default:
			o.mu.Unlock()
			return
		}
	}
	w := &runWorker{done: make(chan struct{})}
	o.workers[runID] = w
	o.wg.Add(1)
	o.mu.Unlock()

	metrics.RunActiveGauge.Inc()
	go func() {
		defer o.wg.Done()
		defer close(w.done)
		defer metrics.RunActiveGauge.Dec()
		o.runLoop(o.rootCtx, runID)
		o.mu.Lock()
		if cur, ok := o.workers[runID]; ok && cur == w {
			delete(o.workers, runID)
		}
		o.mu.Unlock()
	}()
}

// ResumeIncompleteRuns starts a worker for every run left in created/running
// at process start.
func (o *Orchestrator) ResumeIncompleteRuns(ctx context.Context) error {
	runs, err := o.Repo.IncompleteRuns(ctx)
	if err != nil {
		return err
	}
	for _, r := range runs {
		o.StartRun(r.ID)
	}
	return nil
}

// RequestCancel flags runID for cooperative cancellation; the next monitor
// tick of its worker observes the flag and transitions to finish=canceled.
func (o *Orchestrator) RequestCancel(ctx context.Context, runID string) error {
	return o.Repo.RequestCancel(ctx, runID)
}

// RetryRun resets either a single named step (by its own id) or every
// failed step in the run, clears cancel_requested, re-enters running, and
// restarts the worker. It returns false (no error) when stepID is
// non-empty but does not resolve to a step belonging to runID.
func (o *Orchestrator) RetryRun(ctx context.Context, runID, stepID string) (bool, error) {
	run, err := o.Repo.GetRun(ctx, runID)
	if err != nil {
		return false, nil
	}

	if stepID != "" {
		steps, err := o.Repo.ListSteps(ctx, runID)
		if err != nil {
			return false, err
		}
		var target *store.Step
		for _, s := range steps {
			if s.ID == stepID {
				target = s
				break
			}
		}
		if target == nil {
			return false, nil
		}
		if err := o.Repo.ResetStep(ctx, runID, target.NodeID); err != nil {
			return false, err
		}
		resetNode(&run.DAG, target.NodeID)
	} else {
		if err := o.Repo.ResetFailedSteps(ctx, runID); err != nil {
			return false, err
		}
		resetFailedNodes(&run.DAG)
	}

	run.Status = store.RunRunning
	run.EndedAt = ""
	run.CancelRequested = false
	if err := o.Repo.UpdateRun(ctx, run); err != nil {
		return false, err
	}
	if err := o.EmitEvent(ctx, runID, "run_retry_requested", map[string]any{"step_id": stepID}); err != nil {
		return false, err
	}
	o.StartRun(runID)
	return true, nil
}

// Shutdown stops accepting new run workers and waits for in-flight ones to
// return, up to ctx's deadline; past it, it cancels the root context, which
// stops the remaining workers at their next tick boundary, and waits for them.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.rootCancel()
		<-done
	}
}

// runLoop drives one run from its current status to a terminal one. An
// unhandled panic is recorded as a diagnostic and the run finishes failed.
func (o *Orchestrator) runLoop(ctx context.Context, runID string) {
	run, err := o.Repo.GetRun(ctx, runID)
	if err != nil {
		return
	}
	if isTerminalStatus(run.Status) {
		return
	}

	requestID := "system-" + uuid.New().String()
	startedAt := run.StartedAt
	if startedAt == "" {
		startedAt = nowRFC3339()
	}
	applyConstraintDefaults(&run.Constraints, o.Defaults)
	run.Status = store.RunRunning
	run.StartedAt = startedAt
	if err := o.Repo.UpdateRun(ctx, run); err != nil {
		o.Logger.Error("persist run_started failed", "run_id", runID, "error", err)
		return
	}
	if err := o.EmitEvent(ctx, runID, "run_started", map[string]any{"request_id": requestID, "started_at": startedAt}); err != nil {
		o.Logger.Error("emit run_started failed", "run_id", runID, "error", err)
	}

	state := &runstate.State{
		RunID:               runID,
		Task:                run.Task,
		RunStartedMonotonic: time.Now(),
		CurrentState:        runstate.NodePlan,
	}

	defer func() {
		if r := recover(); r != nil {
			o.handleOrchestratorException(ctx, runID, fmt.Errorf("panic: %v", r))
		}
	}()

	for state.CurrentState != runstate.NodeFinish {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := o.tick(ctx, runID, state, requestID); err != nil {
			o.handleOrchestratorException(ctx, runID, err)
			return
		}
	}
	o.finish(ctx, runID, state)
}

// tick advances state by exactly one control-loop node:
// plan/execute/reflect always route to monitor; monitor routes to execute,
// reflect, or finish by precedence on state's flags.
func (o *Orchestrator) tick(ctx context.Context, runID string, state *runstate.State, requestID string) error {
	switch state.CurrentState {
	case runstate.NodePlan:
		run, err := o.Repo.GetRun(ctx, runID)
		if err != nil {
			state.ShouldFinish = true
			state.FinishStatus = store.RunFailed
			state.FinishReason = "run_missing"
			state.CurrentState = runstate.NodeMonitor
			return nil
		}
		if _, err := o.Planner.Plan(ctx, run, requestID); err != nil {
			return err
		}
		state.CurrentState = runstate.NodeMonitor

	case runstate.NodeExecute:
		run, err := o.Repo.GetRun(ctx, runID)
		if err != nil {
			state.ShouldFinish = true
			state.FinishStatus = store.RunFailed
			state.FinishReason = "run_missing"
			state.CurrentState = runstate.NodeMonitor
			return nil
		}
		if err := o.Executor.Tick(ctx, run, state, requestID); err != nil {
			return err
		}
		state.CurrentState = runstate.NodeMonitor

	case runstate.NodeMonitor:
		decision, err := o.Monitor.Evaluate(ctx, runID, state)
		if err != nil {
			return err
		}
		// Monitor only ever asserts should_finish; a non-match leaves a
		// prior termination (set by reflection) intact.
		if decision.ShouldFinish {
			state.ShouldFinish = true
			state.FinishStatus = decision.FinishStatus
			state.FinishReason = decision.FinishReason
		}
		switch {
		case state.ShouldFinish:
			state.CurrentState = runstate.NodeFinish
		case state.ReflectionNeeded:
			state.CurrentState = runstate.NodeReflect
		default:
			state.CurrentState = runstate.NodeExecute
		}

	case runstate.NodeReflect:
		run, err := o.Repo.GetRun(ctx, runID)
		if err != nil {
			state.ShouldFinish = true
			state.FinishStatus = store.RunFailed
			state.FinishReason = "run_missing"
			state.CurrentState = runstate.NodeFinish
			return nil
		}
		if err := o.Reflection.Reflect(ctx, run, state); err != nil {
			return err
		}
		state.CurrentState = runstate.NodeMonitor
	}
	return nil
}

// finish writes the run's terminal status. A canceled finish also marks
// every still-open node and step canceled.
func (o *Orchestrator) finish(ctx context.Context, runID string, state *runstate.State) {
	run, err := o.Repo.GetRun(ctx, runID)
	if err != nil {
		return
	}
	status := state.FinishStatus
	if status == "" {
		status = store.RunFailed
	}
	reason := state.FinishReason
	if reason == "" {
		reason = "unknown"
	}

	if status == store.RunCanceled {
		cancelErr := contracts.StepError{Code: contracts.FailureCanceled, Message: "Canceled by human override"}
		for i := range run.DAG.Nodes {
			n := &run.DAG.Nodes[i]
			if n.Status == store.StepPending || n.Status == store.StepRunning {
				n.Status = store.StepCanceled
				errCopy := cancelErr
				n.LastError = &errCopy
			}
		}
		if err := o.Repo.MarkOpenStepsCanceled(ctx, runID, cancelErr); err != nil {
			o.Logger.Error("mark open steps canceled failed", "run_id", runID, "error", err)
		}
	}

	run.Status = status
	run.EndedAt = nowRFC3339()
	run.CancelRequested = false
	if err := o.Repo.UpdateRun(ctx, run); err != nil {
		o.Logger.Error("persist run_finished failed", "run_id", runID, "error", err)
		return
	}
	metrics.RunsTotal.WithLabelValues(string(status), reason).Inc()
	metrics.RunDurationSeconds.WithLabelValues(string(status)).Observe(time.Since(state.RunStartedMonotonic).Seconds())
	if err := o.EmitEvent(ctx, runID, "run_finished", map[string]any{"status": status, "reason": reason}); err != nil {
		o.Logger.Error("emit run_finished failed", "run_id", runID, "error", err)
	}
}

// handleOrchestratorException records a best-effort diagnostic and forces
// the run to a failed terminal state.
func (o *Orchestrator) handleOrchestratorException(ctx context.Context, runID string, cause error) {
	o.Logger.Error("run failed with unhandled error", "run_id", runID, "error", cause)
	_ = o.Repo.AppendRunDiagnostic(ctx, runID, store.Diagnostic{
		Reason:      fmt.Sprintf("Unhandled orchestrator error: %v", cause),
		FailureMode: contracts.ModeOther,
		ActionTaken: contracts.ActionTerminated,
	})
	if run, err := o.Repo.GetRun(ctx, runID); err == nil {
		run.Status = store.RunFailed
		run.EndedAt = nowRFC3339()
		_ = o.Repo.UpdateRun(ctx, run)
	}
	metrics.RunsTotal.WithLabelValues(string(store.RunFailed), "orchestrator_exception").Inc()
	_ = o.EmitEvent(ctx, runID, "run_finished", map[string]any{"status": store.RunFailed, "reason": "orchestrator_exception"})
}

// applyConstraintDefaults fills any zero-valued constraint with the
// orchestrator's configured default.
func applyConstraintDefaults(c *store.Constraints, defaults store.Constraints) {
	if c.BudgetUSD == 0 {
		c.BudgetUSD = defaults.BudgetUSD
	}
	if c.TimeoutS == 0 {
		c.TimeoutS = defaults.TimeoutS
	}
	if c.MaxSteps == 0 {
		c.MaxSteps = defaults.MaxSteps
	}
	if c.ReflectionIntervalSteps == 0 {
		c.ReflectionIntervalSteps = defaults.ReflectionIntervalSteps
	}
}

// resetNode unconditionally resets one node to pending, clearing its error
// and output, regardless of its current status — an explicit single-step
// retry applies no matter what state that node is in.
func resetNode(dag *store.DAG, nodeID string) {
	for i := range dag.Nodes {
		if dag.Nodes[i].ID == nodeID {
			dag.Nodes[i].Status = store.StepPending
			dag.Nodes[i].LastError = nil
			dag.Nodes[i].LastOutput = nil
			return
		}
	}
}

// resetFailedNodes resets every currently-failed node to pending; it never
// un-skips a previously-skipped node — a skip is a planning decision from a
// prior reflection pass, not a failure.
func resetFailedNodes(dag *store.DAG) {
	for i := range dag.Nodes {
		if dag.Nodes[i].Status == store.StepFailed {
			dag.Nodes[i].Status = store.StepPending
			dag.Nodes[i].LastError = nil
			dag.Nodes[i].LastOutput = nil
		}
	}
}
