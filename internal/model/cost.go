package model

import "math"

// Rates is the per-1000-token price for a model, in USD.
type Rates struct {
	PromptPer1k     float64
	CompletionPer1k float64
}

// CostEstimator computes a model call's USD cost from its three named rate
// tiers.
type CostEstimator struct {
	Cheap     Rates
	Default   Rates
	Expensive Rates
}

// Estimate is one model call's token/usd accounting.
type Estimate struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	USD              float64
}

// ratesFor routes the cheap/expensive model names to their named tier;
// anything else (including unknown models) uses the default tier.
func (c *CostEstimator) ratesFor(model, cheapModel, expensiveModel string) Rates {
	switch model {
	case cheapModel:
		return c.Cheap
	case expensiveModel:
		return c.Expensive
	default:
		return c.Default
	}
}

// Estimate computes token counts' USD cost for model, selecting the rate
// tier by comparing model against the router's configured cheap/expensive
// model names. The result is rounded to 8 decimal places.
func (c *CostEstimator) Estimate(model string, router *Router, promptTokens, completionTokens int) Estimate {
	rates := c.ratesFor(model, router.CheapModel, router.ExpensiveModel)
	usd := (float64(promptTokens)/1000.0)*rates.PromptPer1k + (float64(completionTokens)/1000.0)*rates.CompletionPer1k
	usd = math.Round(usd*1e8) / 1e8
	return Estimate{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		USD:              usd,
	}
}
