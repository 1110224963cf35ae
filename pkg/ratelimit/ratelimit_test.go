package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestAllowConsumesCapacity(t *testing.T) {
	l := NewWithRate(3, rate.Limit(1))

	require.True(t, l.Allow("tenant-a", ClassIngest))
	require.True(t, l.Allow("tenant-a", ClassIngest))
	require.True(t, l.Allow("tenant-a", ClassIngest))
	require.False(t, l.Allow("tenant-a", ClassIngest))
}

func TestBucketsAreIndependentPerTenant(t *testing.T) {
	l := NewWithRate(1, rate.Limit(1))

	require.True(t, l.Allow("tenant-a", ClassIngest))
	require.False(t, l.Allow("tenant-a", ClassIngest))
	require.True(t, l.Allow("tenant-b", ClassIngest))
}

func TestBucketsAreIndependentPerClass(t *testing.T) {
	l := NewWithRate(1, rate.Limit(1))

	require.True(t, l.Allow("tenant-a", ClassIngest))
	require.False(t, l.Allow("tenant-a", ClassIngest))
	require.True(t, l.Allow("tenant-a", ClassInteractive))
}

func TestAllowNChargesWholeBatch(t *testing.T) {
	l := NewWithRate(10, rate.Limit(1))

	require.True(t, l.AllowN("tenant-a", ClassIngest, 10))
	require.False(t, l.AllowN("tenant-a", ClassIngest, 1))
}

func TestResidentCountsDistinctBuckets(t *testing.T) {
	l := NewWithRate(10, rate.Limit(1))

	l.Allow("tenant-a", ClassIngest)
	l.Allow("tenant-a", ClassInteractive)
	l.Allow("tenant-b", ClassIngest)

	require.Equal(t, 3, l.Resident())
}
