// Package circuitbreaker provides named circuit breakers for broker-facing
// calls so a known-down dependency is not hammered by retries.
//
// Use NewManager to create and manage per-service breakers, then run calls
// through Manager.Execute so failures are tracked consistently across
// callers.
package circuitbreaker
