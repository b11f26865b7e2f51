package model

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"taskflow-orchestrator/internal/contracts"
)

func testRouter() *Router {
	return NewRouter("gpt-cheap", "gpt-default", "gpt-expensive")
}

func TestRouter_ForWorkload(t *testing.T) {
	r := testRouter()
	assert.Equal(t, "gpt-cheap", r.ForWorkload(WorkloadPlanner))
	assert.Equal(t, "gpt-expensive", r.ForWorkload(WorkloadReflection))
	assert.Equal(t, "gpt-expensive", r.ForWorkload(WorkloadSynthesis))
	assert.Equal(t, "gpt-default", r.ForWorkload(WorkloadExecutor))
}

func TestRouter_ForStep_OverrideWins(t *testing.T) {
	r := testRouter()
	assert.Equal(t, "gpt-expensive", r.ForStep(WorkloadExecutor, contracts.PreferenceExpensive))
	assert.Equal(t, "gpt-cheap", r.ForStep(WorkloadExecutor, contracts.PreferenceCheap))
	assert.Equal(t, "gpt-default", r.ForStep(WorkloadExecutor, contracts.PreferenceDefault))
	assert.Equal(t, "gpt-cheap", r.ForStep(WorkloadPlanner, ""))
}

func testEstimator() *CostEstimator {
	return &CostEstimator{
		Cheap:     Rates{PromptPer1k: 0.0001, CompletionPer1k: 0.0002},
		Default:   Rates{PromptPer1k: 0.0005, CompletionPer1k: 0.001},
		Expensive: Rates{PromptPer1k: 0.002, CompletionPer1k: 0.004},
	}
}

func TestCostEstimator_DefaultModel(t *testing.T) {
	r := testRouter()
	est := testEstimator().Estimate("gpt-default", r, 1000, 500)
	assert.Equal(t, 1500, est.TotalTokens)
	assert.InDelta(t, 0.0005+0.0005, est.USD, 1e-12)
}

func TestCostEstimator_CheapModel(t *testing.T) {
	r := testRouter()
	est := testEstimator().Estimate("gpt-cheap", r, 2000, 1000)
	assert.InDelta(t, 0.0002+0.0002, est.USD, 1e-12)
}

func TestCostEstimator_ZeroTokens(t *testing.T) {
	r := testRouter()
	est := testEstimator().Estimate("gpt-default", r, 0, 0)
	assert.Equal(t, 0.0, est.USD)
	assert.Equal(t, 0, est.TotalTokens)
}

func TestCostEstimator_RoundsToEightDecimals(t *testing.T) {
	r := testRouter()
	est := testEstimator().Estimate("gpt-cheap", r, 3, 7)
	// 3/1000*0.0001 + 7/1000*0.0002 = 0.0000003 + 0.0000014 = 0.0000017
	assert.InDelta(t, 0.0000017, est.USD, 1e-12)
}
