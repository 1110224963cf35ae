// Package tenant implements the C9 Tenant Isolation Guard: a tenant-scoped
// data-access layer where every storage operation takes tenant-id as a
// mandatory first parameter, and the discipline test in
// tenantscope_test.go enumerates every Store method and asserts it
// rejects an empty tenant-id.
package tenant

import (
	"errors"
	"time"

	"github.com/cuemby/pulsebeam/pkg/types"
)

// ErrTenantIDRequired is returned by every Store method when tenantID is
// empty. The credential layer is the only legitimate source of a
// tenant-id (spec §4.9); a caller that reaches this error has a bug.
var ErrTenantIDRequired = errors.New("tenant: tenant-id is required")

// ErrNotFound is returned when a lookup by id finds nothing in scope.
var ErrNotFound = errors.New("tenant: not found")

// ErrDuplicate is returned by CreateEvent when (tenantID, clientID)
// already exists; callers should treat this as "already accepted", not
// as a failure (spec §3 idempotency invariant).
var ErrDuplicate = errors.New("tenant: duplicate event")

// Store is the tenant-scoped data-access interface. Every method takes
// tenantID as its first parameter; there is no overload that omits it,
// and no method accepts a tenant-id sourced from a request body.
type Store interface {
	// Tenant/account CRUD. NewTenant issues the id and api-key;
	// CreateTenant stores the tenant under the id it is given.
	CreateTenant(tenantID string, t *types.Tenant) error
	GetTenant(tenantID string) (*types.Tenant, error)
	GetTenantByAPIKey(apiKey string) (*types.Tenant, error)
	RotateAPIKey(tenantID string, newKey string) error
	DeleteTenant(tenantID string) error // soft-delete: marks Deleted and drops the api-key index; owned records stay stored

	// User CRUD, scoped to tenantID.
	CreateUser(tenantID string, u *types.User) error
	GetUser(tenantID string, userID string) (*types.User, error)
	GetUserByEmail(tenantID string, email string) (*types.User, error)
	ListUsers(tenantID string) ([]*types.User, error)
	UpdateUser(tenantID string, u *types.User) error
	DeleteUser(tenantID string, userID string) error

	// AdvanceLastActivity atomically sets user.lastActivity = max(current, ts).
	// The comparison and the write form one atomic step (BoltStore does
	// both inside one serialized bbolt transaction), so concurrent
	// attribution cannot cause a last-writer-wins rewind (spec §5).
	AdvanceLastActivity(tenantID string, userID string, ts time.Time) error

	// IncrementUsage bumps the per-user-per-application usage counter.
	IncrementUsage(tenantID string, userID string, application string) error

	// RecordActivity advances lastActivity and, when application is
	// non-empty, increments that application's usage tally, as a single
	// atomic operation. Attribution calls this instead of
	// AdvanceLastActivity+IncrementUsage so a crash between the two
	// mutations is not observable (spec §4.8 point 4).
	RecordActivity(tenantID string, userID string, application string, at time.Time) error

	// EndpointIdentity CRUD.
	PutEndpointIdentity(tenantID string, identity *types.EndpointIdentity) error
	ResolveIdentity(tenantID string, identifier string) (*types.EndpointIdentity, error)

	// RecordUnresolvedIdentity upserts an UnresolvedIdentity sighting.
	RecordUnresolvedIdentity(tenantID string, identifier string, seenAt time.Time) error
	ListUnclaimedIdentities(tenantID string) ([]*types.UnresolvedIdentity, error)

	// CreateEvent durably stores a normalized, accepted Event. Returns
	// ErrDuplicate if (tenantID, event.ClientID) already exists, in
	// which case the caller must treat the call as accepted (idempotent).
	CreateEvent(tenantID string, e *types.Event) error
	EventExists(tenantID string, clientID string) (bool, error)
	ListEvents(tenantID string, limit int) ([]*types.Event, error)

	Close() error
}
