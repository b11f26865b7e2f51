package reflection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow-orchestrator/internal/contracts"
	"taskflow-orchestrator/internal/runstate"
	"taskflow-orchestrator/internal/store"
	"taskflow-orchestrator/internal/store/memory"
)

func testService(repo store.Repository) *Service {
	return &Service{
		Repo: repo,
		EmitEvent: func(ctx context.Context, runID, eventType string, payload map[string]any) error {
			return repo.AppendEvent(ctx, &store.Event{RunID: runID, EventType: eventType, Payload: payload})
		},
	}
}

func freshState(runID string) *runstate.State {
	return &runstate.State{RunID: runID, RunStartedMonotonic: time.Now()}
}

func TestReflect_SchemaErrorReplansAndSkipsDescendants(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	run := &store.Run{
		DAG: store.DAG{
			Nodes: []store.Node{
				{ID: "a", Status: store.StepFailed},
				{ID: "b", Status: store.StepPending, DependsOn: []string{"a"}},
				{ID: "c", Status: store.StepPending, DependsOn: []string{"b"}},
			},
			Edges: []store.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}},
		},
	}
	require.NoError(t, repo.CreateRun(ctx, run))

	svc := testService(repo)
	state := freshState(run.ID)
	state.ReflectionNeeded = true
	state.ReflectionReason = "Step a failed"
	state.FailureMode = contracts.ModeSchemaError

	require.NoError(t, svc.Reflect(ctx, run, state))

	assert.Equal(t, store.StepSkipped, run.DAG.Nodes[1].Status)
	assert.Equal(t, store.StepSkipped, run.DAG.Nodes[2].Status)
	require.NotNil(t, run.DAG.Nodes[1].LastError)
	assert.Equal(t, []string{"a"}, run.DAG.Nodes[1].LastError.Details["upstream"])
	assert.False(t, state.ReflectionNeeded)
	assert.False(t, state.ShouldFinish)

	stored, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored.Diagnostics, 1)
	assert.Equal(t, contracts.ActionReplanned, stored.Diagnostics[0].ActionTaken)

	events, err := repo.ListEvents(ctx, run.ID, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "replanned", events[0].EventType)
	assert.Equal(t, "reflection", events[1].EventType)
}

func TestReflect_TimeoutTerminates(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	run := &store.Run{DAG: store.DAG{Nodes: []store.Node{{ID: "a", Status: store.StepPending}}}}
	require.NoError(t, repo.CreateRun(ctx, run))

	svc := testService(repo)
	state := freshState(run.ID)
	state.ReflectionNeeded = true
	state.ReflectionReason = "Run timeout exceeded"
	state.FailureMode = contracts.ModeTimeout
	state.FinishStatus = store.RunFailed
	state.FinishReason = "timeout"

	require.NoError(t, svc.Reflect(ctx, run, state))
	assert.True(t, state.ShouldFinish)
	assert.Equal(t, store.RunFailed, state.FinishStatus)
	assert.Equal(t, "timeout", state.FinishReason)
}

func TestReflect_LowConfidenceAdjustsParametersForNextTickOnly(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	run := &store.Run{DAG: store.DAG{Nodes: []store.Node{{ID: "a", Status: store.StepCompleted}}}}
	require.NoError(t, repo.CreateRun(ctx, run))

	svc := testService(repo)
	state := freshState(run.ID)
	state.ReflectionNeeded = true
	state.ReflectionReason = "Periodic reflection boundary reached"
	state.FailureMode = contracts.ModeLowConfidence

	require.NoError(t, svc.Reflect(ctx, run, state))
	assert.False(t, state.ShouldFinish)
	assert.Equal(t, contracts.PreferenceExpensive, state.ReflectionModelPreference)
}

func TestReflect_OtherTerminatesWithoutClobberingCanceled(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	run := &store.Run{DAG: store.DAG{}}
	require.NoError(t, repo.CreateRun(ctx, run))

	svc := testService(repo)
	state := freshState(run.ID)
	state.ReflectionNeeded = true
	state.FailureMode = contracts.ModeOther
	state.FinishStatus = store.RunCanceled
	state.FinishReason = "cancel_requested"

	require.NoError(t, svc.Reflect(ctx, run, state))
	assert.True(t, state.ShouldFinish)
	assert.Equal(t, store.RunCanceled, state.FinishStatus)
	assert.Equal(t, "cancel_requested", state.FinishReason)
}
