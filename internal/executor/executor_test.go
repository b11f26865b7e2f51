package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow-orchestrator/internal/contracts"
	"taskflow-orchestrator/internal/model"
	"taskflow-orchestrator/internal/provider"
	"taskflow-orchestrator/internal/runstate"
	"taskflow-orchestrator/internal/store"
	"taskflow-orchestrator/internal/store/memory"
)

func testSvc(repo store.Repository, p provider.Provider) *Service {
	router := model.NewRouter("cheap-model", "default-model", "expensive-model")
	estimator := &model.CostEstimator{
		Cheap:     model.Rates{PromptPer1k: 0.0001, CompletionPer1k: 0.0002},
		Default:   model.Rates{PromptPer1k: 0.0005, CompletionPer1k: 0.001},
		Expensive: model.Rates{PromptPer1k: 0.002, CompletionPer1k: 0.004},
	}
	return &Service{
		Repo: repo, Provider: p, Router: router, CostEstimator: estimator, CostLedgerApp: "taskflow-api",
		EmitEvent: func(ctx context.Context, runID, eventType string, payload map[string]any) error {
			return repo.AppendEvent(ctx, &store.Event{RunID: runID, EventType: eventType, Payload: payload})
		},
	}
}

func linearDAG() store.DAG {
	return store.DAG{
		Nodes: []store.Node{
			{ID: "a", Status: store.StepPending, DependsOn: []string{}},
			{ID: "b", Status: store.StepPending, DependsOn: []string{"a"}},
		},
		Contracts: map[string]contracts.StepContract{
			"a": contracts.DefaultStepContract(),
			"b": contracts.DefaultStepContract(),
		},
	}
}

func TestTick_RunsFirstRunnableNode(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	run := &store.Run{Task: "t", DAG: linearDAG()}
	require.NoError(t, repo.CreateRun(ctx, run))

	svc := testSvc(repo, provider.NewMockProvider())
	state := &runstate.State{RunID: run.ID, Task: run.Task}
	require.NoError(t, svc.Tick(ctx, run, state, "req-1"))

	assert.True(t, state.ProgressMade)
	assert.Equal(t, store.StepCompleted, run.DAG.Nodes[0].Status)
	assert.Equal(t, store.StepPending, run.DAG.Nodes[1].Status, "b must not run before a completes")
	assert.Equal(t, 1, state.StepCounter)

	step, err := repo.GetStep(ctx, run.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, store.StepCompleted, step.Status)
	require.NotNil(t, step.Cost)
}

func TestTick_NoRunnableNode_SetsProgressFalse(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	dag := linearDAG()
	dag.Nodes[0].Status = store.StepCompleted
	dag.Nodes[1].Status = store.StepCompleted
	run := &store.Run{Task: "t", DAG: dag}
	require.NoError(t, repo.CreateRun(ctx, run))

	svc := testSvc(repo, provider.NewMockProvider())
	state := &runstate.State{RunID: run.ID}
	require.NoError(t, svc.Tick(ctx, run, state, "req-1"))
	assert.False(t, state.ProgressMade)
}

func TestTick_ToolNotAllowed_FailsImmediately(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	dag := linearDAG()
	c := dag.Contracts["a"]
	c.AllowedTools = []string{"some.other.tool"}
	c.MaxRetries = 0
	dag.Contracts["a"] = c
	run := &store.Run{Task: "t", DAG: dag}
	require.NoError(t, repo.CreateRun(ctx, run))

	svc := testSvc(repo, provider.NewMockProvider())
	state := &runstate.State{RunID: run.ID}
	require.NoError(t, svc.Tick(ctx, run, state, "req-1"))

	assert.Equal(t, store.StepFailed, run.DAG.Nodes[0].Status)
	require.NotNil(t, run.DAG.Nodes[0].LastError)
	assert.Equal(t, contracts.FailureToolNotAllowed, run.DAG.Nodes[0].LastError.Code)
	assert.True(t, state.ReflectionNeeded)
}

type failingProvider struct{ calls int }

func (f *failingProvider) Name() string { return "failing" }
func (f *failingProvider) Generate(ctx context.Context, prompt, model string, timeoutS int, metadata map[string]any) (provider.Result, error) {
	f.calls++
	return provider.Result{}, assertErr
}

var assertErr = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestTick_RetriesThenFails(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	dag := linearDAG()
	c := dag.Contracts["a"]
	c.MaxRetries = 1
	dag.Contracts["a"] = c
	run := &store.Run{Task: "t", DAG: dag}
	require.NoError(t, repo.CreateRun(ctx, run))

	fp := &failingProvider{}
	svc := testSvc(repo, fp)
	state := &runstate.State{RunID: run.ID}

	require.NoError(t, svc.Tick(ctx, run, state, "req-1"))
	assert.Equal(t, store.StepPending, run.DAG.Nodes[0].Status, "first failure (attempt 1 <= max_retries 1) retries")
	assert.False(t, state.ReflectionNeeded)

	require.NoError(t, svc.Tick(ctx, run, state, "req-1"))
	assert.Equal(t, store.StepFailed, run.DAG.Nodes[0].Status, "second failure (attempt 2 > max_retries 1) terminates")
	assert.True(t, state.ReflectionNeeded)
	assert.Equal(t, contracts.ModeOther, state.FailureMode)
}

func TestTick_PromptIncludesAllCompletedOutputs(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	dag := linearDAG()
	dag.Nodes = append(dag.Nodes, store.Node{ID: "c", Status: store.StepPending, DependsOn: []string{"b"}})
	dag.Contracts["c"] = contracts.DefaultStepContract()
	run := &store.Run{Task: "t", DAG: dag}
	require.NoError(t, repo.CreateRun(ctx, run))

	svc := testSvc(repo, provider.NewMockProvider())
	state := &runstate.State{RunID: run.ID}
	require.NoError(t, svc.Tick(ctx, run, state, "req-1")) // completes a
	require.NoError(t, svc.Tick(ctx, run, state, "req-1")) // completes b

	assert.NotNil(t, run.DAG.Nodes[0].LastOutput)
	assert.NotNil(t, run.DAG.Nodes[1].LastOutput)

	prompt := buildPrompt(run.Task, &run.DAG, &run.DAG.Nodes[2])
	assert.Contains(t, prompt, "node_id: a")
	assert.Contains(t, prompt, "node_id: b")
}

func TestBackoffSeconds_CapsAtEight(t *testing.T) {
	assert.Equal(t, 1, backoffSeconds(1))
	assert.Equal(t, 2, backoffSeconds(2))
	assert.Equal(t, 4, backoffSeconds(3))
	assert.Equal(t, 8, backoffSeconds(4))
	assert.Equal(t, 8, backoffSeconds(10))
}
