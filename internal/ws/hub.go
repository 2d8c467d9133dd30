// Package ws is the WebSocket transport: one envelope-dispatch connection
// per client, multiplexing chat, streaming and room operations over a
// single socket.
package ws

import (
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/BlackBearCC/mbti-gateway/internal/auth"
	"github.com/BlackBearCC/mbti-gateway/internal/logging"
	"github.com/BlackBearCC/mbti-gateway/internal/provider"
	"github.com/BlackBearCC/mbti-gateway/internal/ratelimit"
	"github.com/BlackBearCC/mbti-gateway/internal/room"
	"github.com/BlackBearCC/mbti-gateway/internal/session"
)

// maxMessageBytes bounds a single inbound envelope.
const maxMessageBytes = 256 * 1024

// Hub wires connections to the gateway's services.
type Hub struct {
	verifier   *auth.Verifier
	limiter    *ratelimit.Limiter
	gateway    *provider.Gateway
	rooms      *room.Broadcaster
	supervisor *session.Supervisor

	streamEnabled     bool
	authFailureLimit  int
	heartbeatInterval time.Duration
	originPatterns    []string
}

// Options configures a Hub.
type Options struct {
	Verifier   *auth.Verifier
	Limiter    *ratelimit.Limiter
	Gateway    *provider.Gateway
	Rooms      *room.Broadcaster
	Supervisor *session.Supervisor

	StreamEnabled bool
	// AuthFailureLimit closes the connection after this many failed auth
	// envelopes. Defaults to 3.
	AuthFailureLimit int
	// HeartbeatInterval spaces the transport-level pings that keep
	// intermediaries from timing out quiet connections. Defaults to 30s.
	HeartbeatInterval time.Duration
	OriginPatterns    []string
}

// NewHub creates a Hub.
func NewHub(opts Options) *Hub {
	limit := opts.AuthFailureLimit
	if limit <= 0 {
		limit = 3
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Hub{
		verifier:          opts.Verifier,
		limiter:           opts.Limiter,
		gateway:           opts.Gateway,
		rooms:             opts.Rooms,
		supervisor:        opts.Supervisor,
		streamEnabled:     opts.StreamEnabled,
		authFailureLimit:  limit,
		heartbeatInterval: heartbeat,
		originPatterns:    opts.OriginPatterns,
	}
}

// HandleWebSocket upgrades the request and runs the connection until it
// closes. A bearer token in the request pre-authenticates the session; the
// in-band auth envelope is the alternative.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		logging.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	sock.SetReadLimit(maxMessageBytes)

	conn := newConn(h, sock)
	if token := auth.FromRequest(r); token != "" {
		if identity, err := h.verifier.Verify(token); err == nil {
			conn.sess.Authenticate(identity)
		}
	}

	h.supervisor.Add(conn)
	defer h.supervisor.Remove(conn.ID())

	conn.run()
}
