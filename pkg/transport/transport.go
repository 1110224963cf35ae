// Package transport implements the C4 Transport Multiplexer: the
// endpoint agent's choice between a long-lived stream channel and a
// one-shot HTTP fallback, with the reconnect state machine from spec
// §4.4.
package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuemby/pulsebeam/pkg/log"
	"github.com/cuemby/pulsebeam/pkg/metrics"
)

// State is one of the four transport states from spec §4.4.
type State int

const (
	Disconnected State = iota
	Connecting
	Streaming
	HTTPOnly
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case HTTPOnly:
		return "http_only"
	default:
		return "unknown"
	}
}

// Defaults per spec §4.4.
const (
	DefaultMaxConsecutiveFailures = 10
	DefaultBackoffBase            = time.Second
	DefaultBackoffCap             = 30 * time.Second
	DefaultHeartbeatWindow        = 60 * time.Second
	DefaultStreamReconnectProbe   = 5 * time.Minute
	DefaultTeardownDeadline       = 2 * time.Second

	ConnectTimeout = 20 * time.Second
	RequestTimeout = 10 * time.Second
	StreamSendTimeout = 5 * time.Second
)

// Config holds the endpoint connection details and tunables.
type Config struct {
	APIURL   string
	APIKey   string
	ClientID string

	MaxConsecutiveFailures int
	BackoffBase            time.Duration
	BackoffCap             time.Duration
	HeartbeatWindow        time.Duration
	StreamReconnectProbe   time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.HeartbeatWindow == 0 {
		c.HeartbeatWindow = DefaultHeartbeatWindow
	}
	if c.StreamReconnectProbe == 0 {
		c.StreamReconnectProbe = DefaultStreamReconnectProbe
	}
}

// Multiplexer owns the current transport state and the live connection,
// if any. One supervisor goroutine drives state transitions through
// Connect; the shipper calls SendStream/SendHTTP, neither of which waits
// for a connection: SendStream fails at once when no stream is live.
type Multiplexer struct {
	cfg    Config
	client *http.Client

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	consecutiveFailures int
}

// New constructs a Multiplexer in the Disconnected state.
func New(cfg Config) *Multiplexer {
	cfg.setDefaults()
	return &Multiplexer{
		cfg:   cfg,
		client: &http.Client{Timeout: RequestTimeout},
		state: Disconnected,
	}
}

func (m *Multiplexer) setState(s State) {
	m.mu.Lock()
	old := m.state
	m.state = s
	m.mu.Unlock()
	if old != s {
		log.WithAgent(m.cfg.ClientID).Info().Str("from", old.String()).Str("to", s.String()).Msg("transport state change")
		metrics.TransportState.Set(float64(s))
	}
}

// State returns the current transport state.
func (m *Multiplexer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// backoffDelay returns a capped-exponential, fully-jittered delay for
// the given consecutive-failure count, per spec §4.4.
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	exp := float64(base) * math.Pow(2, float64(attempt))
	if exp > float64(ceiling) {
		exp = float64(ceiling)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(exp)+1))
	if err != nil {
		return time.Duration(exp)
	}
	return time.Duration(n.Int64())
}

// Connect attempts to establish the stream channel. On success the
// multiplexer enters Streaming; after MaxConsecutiveFailures it enters
// HTTPOnly instead of continuing to retry the stream synchronously.
func (m *Multiplexer) Connect(ctx context.Context) error {
	m.setState(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	url := m.streamURL()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		m.mu.Lock()
		m.consecutiveFailures++
		failures := m.consecutiveFailures
		m.mu.Unlock()

		if failures >= m.cfg.MaxConsecutiveFailures {
			m.setState(HTTPOnly)
		} else {
			m.setState(Disconnected)
		}
		return fmt.Errorf("transport: dial failed: %w", err)
	}

	if err := conn.WriteJSON(map[string]string{"apiKey": m.cfg.APIKey, "clientId": m.cfg.ClientID}); err != nil {
		conn.Close()
		m.setState(Disconnected)
		return fmt.Errorf("transport: handshake write failed: %w", err)
	}
	var ack map[string]string
	if err := conn.ReadJSON(&ack); err != nil || ack["status"] != "session-ok" {
		conn.Close()
		m.setState(Disconnected)
		return fmt.Errorf("transport: handshake rejected: %v", ack)
	}

	m.mu.Lock()
	m.conn = conn
	m.consecutiveFailures = 0
	m.mu.Unlock()
	m.setState(Streaming)
	return nil
}

// streamURL rewrites the configured http(s) API URL to the ws(s) scheme
// the websocket dialer requires; SendHTTP uses cfg.APIURL unmodified
// since it only ever needs the http(s) form.
func (m *Multiplexer) streamURL() string {
	url := m.cfg.APIURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/stream"
}

// HandleStreamError closes the live stream and transitions back to
// Connecting; SendStream calls it on a write or read error. The
// multiplexer sends no heartbeats and does not watch for missed ones:
// Config.HeartbeatWindow is defaulted but not read anywhere else.
func (m *Multiplexer) HandleStreamError() {
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
	m.setState(Connecting)
}

// ShouldProbeStream reports whether an HTTP_ONLY multiplexer is due to
// re-probe the stream channel, per the StreamReconnectProbe timer.
func (m *Multiplexer) ShouldProbeStream(sinceEnteredHTTPOnly time.Duration) bool {
	return m.State() == HTTPOnly && sinceEnteredHTTPOnly >= m.cfg.StreamReconnectProbe
}

// NextBackoff returns the delay the caller should wait before the next
// Connect attempt.
func (m *Multiplexer) NextBackoff() time.Duration {
	m.mu.Lock()
	attempt := m.consecutiveFailures
	m.mu.Unlock()
	return backoffDelay(m.cfg.BackoffBase, m.cfg.BackoffCap, attempt)
}

// SendStream writes a single JSON frame on the live stream connection
// and waits for its ack. Returns an error if not currently Streaming.
func (m *Multiplexer) SendStream(frame interface{}) ([]byte, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("transport: not streaming")
	}
	conn.SetWriteDeadline(time.Now().Add(StreamSendTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		m.HandleStreamError()
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		m.HandleStreamError()
		return nil, err
	}
	return data, nil
}

// SendHTTP posts a single JSON body to path and returns the response
// body, used by the HTTP fallback channel.
func (m *Multiplexer) SendHTTP(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.cfg.APIURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pulsebeam-Api-Key", m.cfg.APIKey)

	return m.client.Do(req)
}

// Teardown closes whichever channel is live, within the bounded
// teardown deadline from spec §5.
func (m *Multiplexer) Teardown() {
	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		if m.conn != nil {
			m.conn.Close()
			m.conn = nil
		}
		m.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(DefaultTeardownDeadline):
		log.Error("transport: teardown exceeded deadline")
	}
	m.setState(Disconnected)
}
