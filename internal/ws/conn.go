package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/BlackBearCC/mbti-gateway/internal/logging"
	"github.com/BlackBearCC/mbti-gateway/internal/relay"
	"github.com/BlackBearCC/mbti-gateway/internal/session"
	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// writeTimeout bounds a single frame write to a client.
const writeTimeout = 5 * time.Second

// errConnClosed is returned by Send once the connection is going away.
var errConnClosed = errors.New("ws: connection closed")

// Conn is one live client connection. The read loop serializes all inbound
// operations for the session; the write pump serializes outbound frames, so
// per-reqId emission order is delivery order.
type Conn struct {
	id   string
	hub  *Hub
	sock *websocket.Conn

	sess  *session.Session
	relay *relay.Relay

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newConn(h *Hub, sock *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := session.NewID()
	return &Conn{
		id:     id,
		hub:    h,
		sock:   sock,
		sess:   session.New(id),
		relay:  relay.New(),
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID implements session.Connection and room.Member.
func (c *Conn) ID() string { return c.id }

// LastActive implements session.Connection.
func (c *Conn) LastActive() time.Time { return c.sess.LastActive() }

// Shutdown implements session.Connection: forced close by the supervisor.
func (c *Conn) Shutdown(reason string) {
	c.closeOnce.Do(func() {
		_ = c.sock.Close(websocket.StatusPolicyViolation, reason)
	})
	c.cancel()
}

// Send implements relay.Sink. It blocks until the frame is queued so frame
// order is preserved; it fails once the connection is closing.
func (c *Conn) Send(frame *types.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	}
}

// Deliver implements room.Member. Broadcast delivery never blocks a room on
// one slow consumer; the frame is dropped instead.
func (c *Conn) Deliver(frame *types.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Warn().Str("conn", c.id).Msg("dropping broadcast for slow client")
	}
}

// run drives the connection until the transport closes. Cleanup runs on
// every exit path: in-flight streams are cancelled, room subscriptions are
// released before returning so no broadcast targets the dead connection.
func (c *Conn) run() {
	defer func() {
		c.cancel()
		c.relay.CancelAll()
		c.hub.rooms.LeaveAll(c.id)
		_ = c.sock.Close(websocket.StatusNormalClosure, "")
	}()

	go c.writePump()
	c.readPump()
}

func (c *Conn) readPump() {
	for {
		typ, data, err := c.sock.Read(c.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			// Binary frames are not part of the protocol; transport-level
			// garbage terminates the connection.
			c.Shutdown("binary frames not supported")
			return
		}
		c.sess.Touch()
		c.dispatch(data)
	}
}

func (c *Conn) writePump() {
	heartbeat := time.NewTicker(c.hub.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.sock.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		case <-heartbeat.C:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.sock.Ping(ctx)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

// sendError emits an error frame correlated to the request when possible.
func (c *Conn) sendError(reqID string, op types.Op, code, detail string) {
	_ = c.Send(&types.Frame{
		ReqID:  reqID,
		Op:     op,
		Event:  types.EventError,
		Code:   code,
		Detail: detail,
	})
}
