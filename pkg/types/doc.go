/*
Package types defines the core data structures shared across pulsebeam's
agent and server binaries: Tenant, User, EndpointIdentity, Event, and the
agent-local PendingEvent.

All types are JSON-serializable (bbolt stores them as JSON, exactly as
the original storage layer this module descends from) and designed
around the tenant-isolation discipline enforced by pkg/tenant: every
Event and every stored record carries a TenantID, and nothing in this
package infers one from anything but the caller's credential.
*/
package types
