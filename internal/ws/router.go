package ws

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/BlackBearCC/mbti-gateway/internal/auth"
	"github.com/BlackBearCC/mbti-gateway/internal/logging"
	"github.com/BlackBearCC/mbti-gateway/internal/provider"
	"github.com/BlackBearCC/mbti-gateway/internal/session"
	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// dispatch decodes one inbound envelope and routes it. Checks run in order:
// operation validity, auth class, then rate limit. The switch over the
// operation set is exhaustive; a new Op constant without a case here is a
// routing bug, not a silent drop.
func (c *Conn) dispatch(data []byte) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// reqId is unrecoverable from a malformed envelope.
		c.sendError("", "", types.CodeInvalidRequest, "invalid JSON")
		return
	}

	op, known := types.ParseOp(env.Op)
	if !known {
		c.sendError(env.ReqID, op, types.CodeUnknownOp, "unsupported op")
		return
	}

	if op.RequiresAuth() && c.sess.State() != session.Authenticated {
		c.sendError(env.ReqID, op, types.CodeUnauthorized, "authentication required")
		return
	}

	if class := op.Class(); class != "" {
		res := c.hub.limiter.Allow(c.ctx, c.sess.Identity().Subject, class)
		if !res.Allowed {
			_ = c.Send(&types.Frame{
				ReqID:      env.ReqID,
				Op:         op,
				Event:      types.EventError,
				Code:       types.CodeRateLimited,
				Detail:     "rate limit exceeded",
				RetryAfter: int(res.RetryAfter.Seconds()) + 1,
			})
			return
		}
	}

	switch op {
	case types.OpPing:
		_ = c.Send(&types.Frame{ReqID: env.ReqID, Op: op, Event: types.EventPong})
	case types.OpAuth:
		c.handleAuth(env)
	case types.OpAIChat:
		c.handleChat(env)
	case types.OpAIStream:
		c.handleStream(env)
	case types.OpRoomJoin:
		c.handleRoomJoin(env)
	case types.OpRoomLeave:
		c.handleRoomLeave(env)
	case types.OpRoomTyping:
		c.handleRoomTyping(env)
	}
}

func (c *Conn) handleAuth(env types.Envelope) {
	var payload types.AuthPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.sendError(env.ReqID, types.OpAuth, types.CodeInvalidRequest, "invalid auth payload")
			return
		}
	}

	identity, err := c.hub.verifier.Verify(payload.Token)
	if err != nil {
		failures := c.sess.RecordAuthFailure()
		c.sendError(env.ReqID, types.OpAuth, types.CodeUnauthorized, authDetail(err))
		if failures >= c.hub.authFailureLimit {
			logging.Info().Str("conn", c.id).Int("failures", failures).Msg("closing connection after repeated auth failures")
			c.Shutdown("too many auth failures")
		}
		return
	}

	c.sess.Authenticate(identity)
	_ = c.Send(&types.Frame{ReqID: env.ReqID, Op: types.OpAuth, Event: types.EventResult})
}

func authDetail(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissing):
		return "missing token"
	case errors.Is(err, auth.ErrExpired):
		return "expired token"
	default:
		return "invalid token"
	}
}

// handleChat runs the provider call off the read loop so a slow upstream
// never blocks unrelated frames on this connection. The session is not
// mutated past this point, so the handoff is safe.
func (c *Conn) handleChat(env types.Envelope) {
	payload, ok := c.chatPayload(env, types.OpAIChat)
	if !ok {
		return
	}

	go func() {
		result, err := c.hub.gateway.Chat(c.ctx, payload)
		if err != nil {
			c.sendChatError(env.ReqID, types.OpAIChat, err)
			return
		}
		_ = c.Send(&types.Frame{
			ReqID: env.ReqID,
			Op:    types.OpAIChat,
			Event: types.EventResult,
			Text:  result.Text,
			Model: result.Model,
			Usage: result.Usage,
		})
	}()
}

func (c *Conn) handleStream(env types.Envelope) {
	if !c.hub.streamEnabled {
		c.sendError(env.ReqID, types.OpAIStream, types.CodeStreamDisabled, "stream disabled")
		return
	}
	payload, ok := c.chatPayload(env, types.OpAIStream)
	if !ok {
		return
	}

	c.relay.Start(c.ctx, c, types.OpAIStream, env.ReqID, func(ctx context.Context) (*provider.CompletionStream, error) {
		return c.hub.gateway.StreamChat(ctx, payload)
	})
}

func (c *Conn) chatPayload(env types.Envelope, op types.Op) (*types.ChatPayload, bool) {
	var payload types.ChatPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		c.sendError(env.ReqID, op, types.CodeInvalidRequest, "invalid chat payload")
		return nil, false
	}
	if len(payload.Messages) == 0 {
		c.sendError(env.ReqID, op, types.CodeInvalidRequest, "messages required")
		return nil, false
	}
	return &payload, true
}

func (c *Conn) sendChatError(reqID string, op types.Op, err error) {
	code, detail := types.CodeUpstreamError, "upstream model call failed"
	if errors.Is(err, provider.ErrUnknownAlias) {
		code, detail = types.CodeUnknownAlias, "model alias could not be resolved"
	}
	c.sendError(reqID, op, code, detail)
}

func (c *Conn) handleRoomJoin(env types.Envelope) {
	roomID, ok := c.roomID(env, types.OpRoomJoin)
	if !ok {
		return
	}

	if c.sess.JoinRoom(roomID) {
		if err := c.hub.rooms.Join(c, roomID); err != nil {
			c.sess.LeaveRoom(roomID)
			logging.Error().Err(err).Str("room", roomID).Msg("room join failed")
			c.sendError(env.ReqID, types.OpRoomJoin, types.CodeInternalError, "room join failed")
			return
		}
	}
	_ = c.Send(&types.Frame{ReqID: env.ReqID, Op: types.OpRoomJoin, Event: types.EventResult, RoomID: roomID})
}

func (c *Conn) handleRoomLeave(env types.Envelope) {
	roomID, ok := c.roomID(env, types.OpRoomLeave)
	if !ok {
		return
	}

	if c.sess.LeaveRoom(roomID) {
		c.hub.rooms.Leave(c, roomID)
	}
	_ = c.Send(&types.Frame{ReqID: env.ReqID, Op: types.OpRoomLeave, Event: types.EventResult, RoomID: roomID})
}

// handleRoomTyping broadcasts to peers and acknowledges the sender. The
// sender never receives its own broadcast copy.
func (c *Conn) handleRoomTyping(env types.Envelope) {
	var payload types.RoomPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.sendError(env.ReqID, types.OpRoomTyping, types.CodeInvalidRequest, "invalid room payload")
			return
		}
	}

	if payload.RoomID != "" {
		update := &types.Frame{
			Op:     types.OpRoomTyping,
			Event:  types.EventUpdate,
			RoomID: payload.RoomID,
			UserID: payload.UserID,
		}
		if err := c.hub.rooms.Publish(c.ctx, payload.RoomID, update, c.id); err != nil {
			logging.Warn().Err(err).Str("room", payload.RoomID).Msg("typing broadcast failed")
		}
	}
	_ = c.Send(&types.Frame{ReqID: env.ReqID, Op: types.OpRoomTyping, Event: types.EventAck, RoomID: payload.RoomID})
}

func (c *Conn) roomID(env types.Envelope, op types.Op) (string, bool) {
	var payload types.RoomPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			c.sendError(env.ReqID, op, types.CodeInvalidRequest, "invalid room payload")
			return "", false
		}
	}
	if payload.RoomID == "" {
		c.sendError(env.ReqID, op, types.CodeInvalidRequest, "roomId required")
		return "", false
	}
	return payload.RoomID, true
}
