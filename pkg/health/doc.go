// Package health provides generic HTTP and TCP reachability checkers
// used outside the request path: the agent's "test-connection" CLI
// command probes the configured ingestion endpoint before starting the
// sampler/shipper loops, and the server can use the same Checker
// interface to probe a downstream dependency at startup.
//
// Checker is deliberately small (Check(ctx) Result, Type() CheckType)
// so callers don't need to know which concrete checker they hold.
// Status layers a consecutive-failure/success counter with a
// configurable Retries threshold on top of a raw Checker, matching the
// hysteresis the teacher used to avoid flapping on a single transient
// failure.
package health
