// Package cache stores step results keyed by step fingerprint so that a step
// whose executable, arguments, environment and input contents are unchanged
// can be satisfied without running it again.
//
// Two backends are provided: an in-process cache built on go-cache and a
// Redis cache for sharing results between runners. Remote backends are
// wrapped in a circuit breaker so an unavailable cache degrades to misses.
package cache
