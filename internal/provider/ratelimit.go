package provider

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"taskflow-orchestrator/pkg/metrics"
)

// RateLimited wraps a Provider with a per-model golang.org/x/time/rate
// limiter: wait-before-call at the provider boundary, token metrics
// recorded on the decorator rather than on every adapter.
type RateLimited struct {
	inner Provider
	rps   float64
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimited wraps inner so every Generate call first waits for a token
// from a per-model limiter configured at rps requests/sec with the given
// burst.
func NewRateLimited(inner Provider, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{inner: inner, rps: rps, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (r *RateLimited) Name() string { return r.inner.Name() }

func (r *RateLimited) limiterFor(model string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[model]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.rps), r.burst)
		r.limiters[model] = l
	}
	return l
}

func (r *RateLimited) Generate(ctx context.Context, prompt, model string, timeoutS int, metadata map[string]any) (Result, error) {
	if r.rps > 0 {
		if err := r.limiterFor(model).Wait(ctx); err != nil {
			return Result{}, err
		}
	}
	res, err := r.inner.Generate(ctx, prompt, model, timeoutS, metadata)
	if err != nil {
		return res, err
	}
	metrics.LLMTokensTotal.WithLabelValues(res.Provider, res.Model, "prompt").Add(float64(res.PromptTokens))
	metrics.LLMTokensTotal.WithLabelValues(res.Provider, res.Model, "completion").Add(float64(res.CompletionTokens))
	return res, nil
}
