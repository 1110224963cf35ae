package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStateStringNames(t *testing.T) {
	require.Equal(t, "disconnected", Disconnected.String())
	require.Equal(t, "connecting", Connecting.String())
	require.Equal(t, "streaming", Streaming.String())
	require.Equal(t, "http_only", HTTPOnly.String())
}

func TestNewDefaultsState(t *testing.T) {
	m := New(Config{APIURL: "http://example.invalid", APIKey: "k", ClientID: "c"})
	require.Equal(t, Disconnected, m.State())
}

func TestBackoffDelayNeverExceedsCap(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		d := backoffDelay(time.Second, 30*time.Second, attempt)
		require.LessOrEqual(t, d, 30*time.Second)
		require.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestBackoffDelayFirstAttemptBoundedByBase(t *testing.T) {
	// At attempt 0 the un-jittered delay is exactly base, so the
	// jittered result can never exceed it.
	lowCeil := backoffDelay(time.Second, 30*time.Second, 0)
	require.LessOrEqual(t, lowCeil, time.Second+1)
}

func TestShouldProbeStreamOnlyWhenHTTPOnly(t *testing.T) {
	m := New(Config{APIURL: "http://example.invalid", StreamReconnectProbe: time.Minute})
	require.False(t, m.ShouldProbeStream(2*time.Minute))
}

func TestStreamURLRewritesScheme(t *testing.T) {
	require.Equal(t, "ws://example.invalid/stream", New(Config{APIURL: "http://example.invalid"}).streamURL())
	require.Equal(t, "wss://example.invalid/stream", New(Config{APIURL: "https://example.invalid"}).streamURL())
}
