package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/pulsebeam/pkg/types"
)

func TestAllowSuppressesWithinWindow(t *testing.T) {
	d := NewWithConfig(time.Minute, 10)
	now := time.Now()

	require.True(t, d.Allow(types.EventKindWindowFocus, "Photoshop", "Untitled", `ACME\alice`, now))
	require.False(t, d.Allow(types.EventKindWindowFocus, "Photoshop", "Untitled", `ACME\alice`, now.Add(10*time.Second)))
}

func TestAllowReadmitsAfterWindow(t *testing.T) {
	d := NewWithConfig(time.Minute, 10)
	now := time.Now()

	require.True(t, d.Allow(types.EventKindWindowFocus, "Photoshop", "Untitled", `ACME\alice`, now))
	require.True(t, d.Allow(types.EventKindWindowFocus, "Photoshop", "Untitled", `ACME\alice`, now.Add(2*time.Minute)))
}

func TestAllowDistinguishesTuples(t *testing.T) {
	d := NewWithConfig(time.Minute, 10)
	now := time.Now()

	require.True(t, d.Allow(types.EventKindWindowFocus, "Photoshop", "Untitled", `ACME\alice`, now))
	require.True(t, d.Allow(types.EventKindWindowFocus, "Illustrator", "Untitled", `ACME\alice`, now))
	require.True(t, d.Allow(types.EventKindWebVisit, "Photoshop", "Untitled", `ACME\alice`, now))
}

func TestAllowEvictsLeastRecentlyUsedPastBound(t *testing.T) {
	d := NewWithConfig(time.Minute, 2)
	now := time.Now()

	require.True(t, d.Allow(types.EventKindWindowFocus, "a", "", "", now))
	require.True(t, d.Allow(types.EventKindWindowFocus, "b", "", "", now))
	require.True(t, d.Allow(types.EventKindWindowFocus, "c", "", "", now))

	require.Equal(t, 2, d.Len())
	// "a" was evicted, so it is allowed again immediately despite being
	// within the suppression window.
	require.True(t, d.Allow(types.EventKindWindowFocus, "a", "", "", now.Add(time.Second)))
}

func TestFingerprintNormalizesTitleCaseAndWhitespace(t *testing.T) {
	fp1 := Fingerprint(types.EventKindWindowFocus, "Photoshop", "  Untitled-1  ", `ACME\alice`)
	fp2 := Fingerprint(types.EventKindWindowFocus, "Photoshop", "untitled-1", `ACME\alice`)
	require.Equal(t, fp1, fp2)
}
