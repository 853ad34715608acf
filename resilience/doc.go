// Package resilience provides the retry and circuit breaker primitives used
// by step execution and by the step result cache.
//
//	out, err := resilience.Retry(ctx, cfg, func(attempt int) (Outputs, error) {
//	    return runner.Run(ctx, inv.WithAttempt(attempt))
//	})
//
// A Breaker keeps an unhealthy dependency from being called on every request:
//
//	err := breaker.Execute(func() error { return remote.Set(ctx, key, v) })
package resilience
