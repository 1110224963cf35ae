package types

import "time"

// RateLimitClass names a tenant's token-bucket tier (pkg/ratelimit).
type RateLimitClass string

const (
	RateLimitClassDefault RateLimitClass = "default"
)

// Tenant is a customer organization: the unit of data isolation.
type Tenant struct {
	ID           string
	DisplayName  string
	ContactEmail string
	APIKey       string // opaque, UUID-shaped; unique across all tenants
	RateClass    RateLimitClass
	CreatedAt    time.Time
	Deleted      bool
}

// User is a licensed person within a Tenant.
type User struct {
	ID           string
	TenantID     string
	Email        string // case-folded, unique within tenant
	DisplayName  string
	LicenseTags  []string   // e.g. "Photoshop"
	LastActivity *time.Time // nullable; monotonic non-decreasing once set
	CreatedAt    time.Time
}

// EndpointIdentity links an observed OS-level principal to a User.
type EndpointIdentity struct {
	TenantID    string
	UserID      string // empty when unresolved (see UnresolvedIdentity)
	Identifier  string // e.g. "ACME\\alice"
	MachineHint string
}

// UnresolvedIdentity records a principal seen on the wire that could not
// be mapped to a User. Surfaced in the "unclaimed" admin list (spec §4.8).
type UnresolvedIdentity struct {
	TenantID   string
	Identifier string
	FirstSeen  time.Time
	LastSeen   time.Time
	SeenCount  int64
}

// EventKind enumerates the observation types an agent can emit.
type EventKind string

const (
	EventKindApplicationLaunch EventKind = "application-launch"
	EventKindApplicationUsage  EventKind = "application-usage"
	EventKindWindowFocus       EventKind = "window-focus"
	EventKindWebVisit          EventKind = "web-visit"
	EventKindNetworkConnection EventKind = "network-connection"
	EventKindAgentLifecycle    EventKind = "agent-lifecycle"
)

// ValidEventKind reports whether kind is one of the enumerated values.
func ValidEventKind(kind EventKind) bool {
	switch kind {
	case EventKindApplicationLaunch, EventKindApplicationUsage, EventKindWindowFocus,
		EventKindWebVisit, EventKindNetworkConnection, EventKindAgentLifecycle:
		return true
	default:
		return false
	}
}

// AttributesUsage reports whether an accepted event of this kind, whose
// principal maps to no EndpointIdentity, is recorded as an unresolved
// identity. lastActivity and the usage tally do not consult it.
func (k EventKind) AttributesUsage() bool {
	switch k {
	case EventKindApplicationLaunch, EventKindApplicationUsage, EventKindWindowFocus, EventKindWebVisit:
		return true
	default:
		return false
	}
}

// SourceChannel names the transport an event arrived over.
type SourceChannel string

const (
	SourceChannelStream SourceChannel = "stream"
	SourceChannelHTTP   SourceChannel = "http"
)

// Field caps enforced by ingest schema validation (spec §4.6).
const (
	MaxSubjectBytes   = 2 * 1024
	MaxTitleBytes     = 4 * 1024
	MaxPrincipalBytes = 512
)

// Event is an observation shipped from an agent and, once accepted,
// stored under the server-resolved tenant.
type Event struct {
	TenantID          string // derived from the api-key, never from the body
	EventKind         EventKind
	Subject           string // process name or URL
	Title             string // window title, optional
	Principal         string // endpoint principal, optional
	Machine           string // machine name, optional
	ClientID          string // client-generated UUID, unique per (tenant, clientID)
	ClientTimestamp   time.Time
	ServerReceiveTime time.Time
	SourceChannel     SourceChannel
}

// PendingEvent is an Event plus agent-local delivery bookkeeping. It
// lives only in the endpoint's durable queue until acknowledged.
type PendingEvent struct {
	ID         uint64 // queue-assigned, monotonically increasing
	Event      Event
	RetryCount int
	LastError  string
	EnqueuedAt time.Time
}
