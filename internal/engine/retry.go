package engine

import (
	"context"
	"time"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// retryBudget returns how many re-attempts a step gets after its initial
// attempt: the step's own on_error.retry when set, otherwise the engine's
// global maximum.
func retryBudget(policy *schema.ErrorPolicy, globalMax int) int {
	if policy != nil && policy.Retry != nil {
		return *policy.Retry
	}
	return globalMax
}

// retryDelay converts the policy's delay (seconds) to a duration.
func retryDelay(policy *schema.ErrorPolicy) time.Duration {
	if policy == nil || policy.Delay <= 0 {
		return 0
	}
	return time.Duration(policy.Delay * float64(time.Second))
}

// waitForRetry sleeps the retry delay or returns early if the context is
// cancelled during the wait.
func waitForRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
