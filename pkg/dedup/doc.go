// Package dedup's suppression map is bounded by an LRU list so a
// pathological fleet sampling thousands of distinct processes cannot
// grow the agent's memory without bound; eviction never causes an event
// to be incorrectly suppressed, only to become eligible for re-emission
// sooner than window would otherwise allow.
package dedup
