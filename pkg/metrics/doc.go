// Package metrics exposes Prometheus collectors for both the server
// (ingestion, rate limiting, attribution, tenant store) and the agent
// (queue depth, dedup suppression, transport state, shipper batches),
// under the same /metrics endpoint shape via Handler().
//
// # Metrics
//
// Server-side:
//
//	pulsebeam_events_accepted_total{channel}
//	pulsebeam_events_rejected_total{reason}
//	pulsebeam_events_duplicate_total
//	pulsebeam_ingest_request_duration_seconds{channel}
//	pulsebeam_tenants_throttled_total{bucket}
//	pulsebeam_ratelimit_buckets_resident
//	pulsebeam_attribution_duration_seconds
//	pulsebeam_unresolved_identities_total
//	pulsebeam_tenants_total
//	pulsebeam_users_total
//
// Agent-side (same registry shape, exported by the agent's own /metrics):
//
//	pulsebeam_agent_queue_depth
//	pulsebeam_agent_queue_dead_letter_total
//	pulsebeam_agent_dedup_suppressed_total
//	pulsebeam_agent_transport_state
//	pulsebeam_agent_shipper_batches_total{channel, outcome}
//
// Collector polls the tenant store, rate limiter, and durable queue on
// a fixed interval to keep the cross-cutting gauges (tenants, users,
// queue depth, resident buckets) current without the hot path paying
// for a gauge update on every request; counters and histograms are
// still updated inline at the point of occurrence.
//
// health.go additionally tracks named-component liveness (tenant_store,
// ratelimit) behind /health, /ready, and /live, in the same
// hysteresis-free boolean style the teacher used.
package metrics
