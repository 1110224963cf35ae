package tenant

import (
	"testing"
	"time"

	"github.com/cuemby/pulsebeam/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestTenantScopeDiscipline is the C9 discipline test: every Store
// method that accepts a tenantID must reject an empty one with
// ErrTenantIDRequired, never falling through to a scan across all
// tenants. GetTenantByAPIKey is exempt: it is the one call that
// produces a tenantID rather than consuming one.
func TestTenantScopeDiscipline(t *testing.T) {
	s := newTestStore(t)

	require.ErrorIs(t, s.CreateTenant("", &types.Tenant{}), ErrTenantIDRequired)
	_, err := s.GetTenant("")
	require.ErrorIs(t, err, ErrTenantIDRequired)
	require.ErrorIs(t, s.RotateAPIKey("", "key"), ErrTenantIDRequired)
	require.ErrorIs(t, s.DeleteTenant(""), ErrTenantIDRequired)

	require.ErrorIs(t, s.CreateUser("", &types.User{}), ErrTenantIDRequired)
	_, err = s.GetUser("", "u1")
	require.ErrorIs(t, err, ErrTenantIDRequired)
	_, err = s.GetUserByEmail("", "a@example.com")
	require.ErrorIs(t, err, ErrTenantIDRequired)
	_, err = s.ListUsers("")
	require.ErrorIs(t, err, ErrTenantIDRequired)
	require.ErrorIs(t, s.UpdateUser("", &types.User{}), ErrTenantIDRequired)
	require.ErrorIs(t, s.DeleteUser("", "u1"), ErrTenantIDRequired)

	require.ErrorIs(t, s.AdvanceLastActivity("", "u1", time.Now()), ErrTenantIDRequired)
	require.ErrorIs(t, s.IncrementUsage("", "u1", "Photoshop"), ErrTenantIDRequired)
	require.ErrorIs(t, s.RecordActivity("", "u1", "Photoshop", time.Now()), ErrTenantIDRequired)

	require.ErrorIs(t, s.PutEndpointIdentity("", &types.EndpointIdentity{}), ErrTenantIDRequired)
	_, err = s.ResolveIdentity("", "ACME\\alice")
	require.ErrorIs(t, err, ErrTenantIDRequired)

	require.ErrorIs(t, s.RecordUnresolvedIdentity("", "ACME\\bob", time.Now()), ErrTenantIDRequired)
	_, err = s.ListUnclaimedIdentities("")
	require.ErrorIs(t, err, ErrTenantIDRequired)

	require.ErrorIs(t, s.CreateEvent("", &types.Event{ClientID: "c1"}), ErrTenantIDRequired)
	_, err = s.EventExists("", "c1")
	require.ErrorIs(t, err, ErrTenantIDRequired)
	_, err = s.ListEvents("", 0)
	require.ErrorIs(t, err, ErrTenantIDRequired)
}

// TestTenantIsolation is the positive complement: records created under
// one tenant must never be visible through another tenant's calls, even
// when ids collide.
func TestTenantIsolation(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateTenant("tenant-a", &types.Tenant{ID: "tenant-a", APIKey: "key-a"}))
	require.NoError(t, s.CreateTenant("tenant-b", &types.Tenant{ID: "tenant-b", APIKey: "key-b"}))

	require.NoError(t, s.CreateUser("tenant-a", &types.User{ID: "u1", Email: "alice@example.com"}))
	require.NoError(t, s.CreateUser("tenant-b", &types.User{ID: "u1", Email: "bob@example.com"}))

	ua, err := s.GetUser("tenant-a", "u1")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", ua.Email)

	ub, err := s.GetUser("tenant-b", "u1")
	require.NoError(t, err)
	require.Equal(t, "bob@example.com", ub.Email)

	listA, err := s.ListUsers("tenant-a")
	require.NoError(t, err)
	require.Len(t, listA, 1)
	require.Equal(t, "alice@example.com", listA[0].Email)

	ta, err := s.GetTenantByAPIKey("key-a")
	require.NoError(t, err)
	require.Equal(t, "tenant-a", ta.ID)
}

func TestAdvanceLastActivityIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateTenant("t1", &types.Tenant{ID: "t1"}))
	require.NoError(t, s.CreateUser("t1", &types.User{ID: "u1"}))

	later := time.Now()
	earlier := later.Add(-time.Hour)

	require.NoError(t, s.AdvanceLastActivity("t1", "u1", later))
	require.NoError(t, s.AdvanceLastActivity("t1", "u1", earlier))

	u, err := s.GetUser("t1", "u1")
	require.NoError(t, err)
	require.NotNil(t, u.LastActivity)
	require.WithinDuration(t, later, *u.LastActivity, time.Millisecond)
}

func TestRecordActivityAdvancesAndIncrementsTogether(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateTenant("t1", &types.Tenant{ID: "t1"}))
	require.NoError(t, s.CreateUser("t1", &types.User{ID: "u1"}))

	ts := time.Now()
	require.NoError(t, s.RecordActivity("t1", "u1", "Photoshop", ts))

	u, err := s.GetUser("t1", "u1")
	require.NoError(t, err)
	require.NotNil(t, u.LastActivity)
	require.WithinDuration(t, ts, *u.LastActivity, time.Millisecond)

	count, err := s.UsageCount("t1", "u1", "Photoshop")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestRecordActivityWithoutApplicationOnlyAdvances(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateTenant("t1", &types.Tenant{ID: "t1"}))
	require.NoError(t, s.CreateUser("t1", &types.User{ID: "u1"}))

	ts := time.Now()
	require.NoError(t, s.RecordActivity("t1", "u1", "", ts))

	u, err := s.GetUser("t1", "u1")
	require.NoError(t, err)
	require.WithinDuration(t, ts, *u.LastActivity, time.Millisecond)

	count, err := s.UsageCount("t1", "u1", "Photoshop")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCreateEventDuplicateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateTenant("t1", &types.Tenant{ID: "t1"}))

	e := &types.Event{ClientID: "evt-1", EventKind: types.EventKindWindowFocus}
	require.NoError(t, s.CreateEvent("t1", e))
	require.ErrorIs(t, s.CreateEvent("t1", e), ErrDuplicate)

	exists, err := s.EventExists("t1", "evt-1")
	require.NoError(t, err)
	require.True(t, exists)
}
