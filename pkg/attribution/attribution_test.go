package attribution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/pulsebeam/pkg/tenant"
	"github.com/cuemby/pulsebeam/pkg/types"
)

func newTestStore(t *testing.T) tenant.Store {
	t.Helper()
	s, err := tenant.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAttributeAdvancesLastActivity(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTenant("t1", &types.Tenant{ID: "t1"}))
	require.NoError(t, store.CreateUser("t1", &types.User{ID: "u1"}))
	require.NoError(t, store.PutEndpointIdentity("t1", &types.EndpointIdentity{
		UserID: "u1", Identifier: `ACME\alice`,
	}))

	w := New(store)
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e := &types.Event{
		EventKind:         types.EventKindApplicationUsage,
		Subject:           "Photoshop",
		Principal:         `ACME\alice`,
		ClientTimestamp:   ts,
		ServerReceiveTime: ts.Add(time.Second),
	}

	require.NoError(t, w.Attribute("t1", e))

	u, err := store.GetUser("t1", "u1")
	require.NoError(t, err)
	require.NotNil(t, u.LastActivity)
	require.WithinDuration(t, ts, *u.LastActivity, time.Millisecond)
}

func TestAttributeApplicationLaunchIncrementsUsageLikeUsage(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTenant("t1", &types.Tenant{ID: "t1"}))
	require.NoError(t, store.CreateUser("t1", &types.User{ID: "u1"}))
	require.NoError(t, store.PutEndpointIdentity("t1", &types.EndpointIdentity{
		UserID: "u1", Identifier: `ACME\alice`,
	}))

	w := New(store)
	ts := time.Now()
	e := &types.Event{
		EventKind:         types.EventKindApplicationLaunch,
		Subject:           "Figma",
		Principal:         `ACME\alice`,
		ClientTimestamp:   ts,
		ServerReceiveTime: ts,
	}
	require.NoError(t, w.Attribute("t1", e))

	bs := store.(*tenant.BoltStore)
	count, err := bs.UsageCount("t1", "u1", "Figma")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestAttributeUnresolvedIdentityRecordsSighting(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTenant("t1", &types.Tenant{ID: "t1"}))

	w := New(store)
	e := &types.Event{
		EventKind:         types.EventKindWindowFocus,
		Principal:         `ACME\bob`,
		ClientTimestamp:   time.Now(),
		ServerReceiveTime: time.Now(),
	}

	require.NoError(t, w.Attribute("t1", e))

	unclaimed, err := store.ListUnclaimedIdentities("t1")
	require.NoError(t, err)
	require.Len(t, unclaimed, 1)
	require.Equal(t, `ACME\bob`, unclaimed[0].Identifier)
}

func TestAttributeClampsClockSkewBeyondOneHour(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTenant("t1", &types.Tenant{ID: "t1"}))
	require.NoError(t, store.CreateUser("t1", &types.User{ID: "u1"}))
	require.NoError(t, store.PutEndpointIdentity("t1", &types.EndpointIdentity{
		UserID: "u1", Identifier: `ACME\alice`,
	}))

	w := New(store)
	receiveTime := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	badClientTime := receiveTime.Add(-3 * time.Hour)

	e := &types.Event{
		EventKind:         types.EventKindWindowFocus,
		Principal:         `ACME\alice`,
		ClientTimestamp:   badClientTime,
		ServerReceiveTime: receiveTime,
	}
	require.NoError(t, w.Attribute("t1", e))

	u, err := store.GetUser("t1", "u1")
	require.NoError(t, err)
	require.WithinDuration(t, receiveTime, *u.LastActivity, time.Millisecond)
}

func TestAttributeDoesNotRewindLastActivity(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTenant("t1", &types.Tenant{ID: "t1"}))
	require.NoError(t, store.CreateUser("t1", &types.User{ID: "u1"}))
	require.NoError(t, store.PutEndpointIdentity("t1", &types.EndpointIdentity{
		UserID: "u1", Identifier: `ACME\alice`,
	}))

	w := New(store)
	later := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Minute)

	require.NoError(t, w.Attribute("t1", &types.Event{
		EventKind: types.EventKindWindowFocus, Principal: `ACME\alice`,
		ClientTimestamp: later, ServerReceiveTime: later,
	}))
	require.NoError(t, w.Attribute("t1", &types.Event{
		EventKind: types.EventKindWindowFocus, Principal: `ACME\alice`,
		ClientTimestamp: earlier, ServerReceiveTime: earlier,
	}))

	u, err := store.GetUser("t1", "u1")
	require.NoError(t, err)
	require.WithinDuration(t, later, *u.LastActivity, time.Millisecond)
}
