package ingest

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuemby/pulsebeam/pkg/log"
	"github.com/cuemby/pulsebeam/pkg/types"
)

// heartbeatWindow bounds how long the server waits between client
// heartbeats before considering the stream dead, per spec §4.4/§6
// ("heartbeat, >= every 30s").
const heartbeatWindow = 60 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handshake is the first message a stream client must send.
type handshake struct {
	APIKey   string `json:"apiKey"`
	ClientID string `json:"clientId"`
}

// streamMessage is the envelope for all subsequent frames in either
// direction, per spec §6 message kinds: event, batch, heartbeat.
type streamMessage struct {
	Kind  string           `json:"kind"`
	Event *EventIn         `json:"event,omitempty"`
	Batch []*EventIn       `json:"batch,omitempty"`
	Ack   *eventAck        `json:"ack,omitempty"`
	Outcome *BatchOutcome  `json:"outcome,omitempty"`
}

type eventAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ServeStream upgrades the HTTP connection to a WebSocket and runs the
// stream-channel protocol for a single agent connection until it closes.
func (e *Endpoint) ServeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("stream upgrade failed: " + err.Error())
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(heartbeatWindow))

	var hs handshake
	if err := conn.ReadJSON(&hs); err != nil {
		_ = conn.WriteJSON(map[string]string{"error": "handshake required"})
		return
	}

	tenantID, rej := e.Authenticate(hs.APIKey)
	if rej != nil {
		_ = conn.WriteJSON(map[string]string{"error": string(rej.Reason)})
		return
	}

	agentLog := log.WithAgent(hs.ClientID)
	agentLog.Info().Str("tenant_id", tenantID).Msg("stream session opened")
	if err := conn.WriteJSON(map[string]string{"status": "session-ok"}); err != nil {
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(heartbeatWindow))
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			agentLog.Info().Err(err).Msg("stream session closed")
			return
		}

		switch msg.Kind {
		case "heartbeat":
			if err := conn.WriteJSON(streamMessage{Kind: "heartbeat"}); err != nil {
				return
			}
		case "event":
			if msg.Event == nil {
				continue
			}
			rej := e.Ingest(tenantID, types.SourceChannelStream, msg.Event)
			ack := eventAck{OK: rej == nil}
			if rej != nil {
				ack.Error = string(rej.Reason)
			}
			if err := conn.WriteJSON(streamMessage{Kind: "event", Ack: &ack}); err != nil {
				return
			}
		case "batch":
			outcome := e.IngestBatch(tenantID, types.SourceChannelStream, msg.Batch)
			if err := conn.WriteJSON(streamMessage{Kind: "batch", Outcome: &outcome}); err != nil {
				return
			}
		default:
			agentLog.Warn().Str("kind", msg.Kind).Msg("unrecognized stream message kind")
		}
	}
}
