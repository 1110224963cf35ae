// Package sampler emits candidate events on its out channel; it never
// reads from it. The deduplicator sits inline before handoff so a
// suppressed candidate never reaches the channel at all, rather than
// being filtered downstream.
package sampler
