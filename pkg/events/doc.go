// Package events implements the in-memory pub/sub broker used to
// notify interested subscribers (CLI --watch, admin dashboards, the
// metrics collector) of ingestion-pipeline state changes without
// coupling them to the request path that produced them.
//
// Publish never blocks on a slow subscriber: each subscriber gets its
// own buffered channel, and a full channel drops the event for that
// subscriber rather than stalling the publisher. Event types:
//
//	event.accepted            an event was durably stored
//	event.rejected            an event failed validation, auth, or throttling
//	tenant.throttled          a tenant hit its rate-limit ceiling
//	identity.unresolved       an endpoint principal could not be mapped to a user
//	transport.state_changed   an agent's transport multiplexer changed state
//	queue.degraded            an agent's durable queue crossed its soft cap
package events
