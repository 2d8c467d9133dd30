// Package types defines the wire-level types shared by the gateway's
// transports: the envelope protocol, the closed operation set, and the
// chat request/response shapes.
package types

import (
	"encoding/json"
	"time"
)

// Op is a gateway operation name. The set is closed: the router dispatches
// with an exhaustive switch, so adding an operation is a compile-time change.
type Op string

const (
	OpPing       Op = "ping"
	OpAuth       Op = "auth"
	OpAIChat     Op = "ai.chat"
	OpAIStream   Op = "ai.stream"
	OpRoomJoin   Op = "room.join"
	OpRoomLeave  Op = "room.leave"
	OpRoomTyping Op = "room.typing"
)

// ParseOp maps a wire string to an Op. The second return is false for
// operations the gateway does not speak.
func ParseOp(s string) (Op, bool) {
	switch Op(s) {
	case OpPing, OpAuth, OpAIChat, OpAIStream, OpRoomJoin, OpRoomLeave, OpRoomTyping:
		return Op(s), true
	}
	return Op(s), false
}

// Class returns the rate-limit class for the operation. Operations outside
// quota enforcement return an empty class.
func (o Op) Class() string {
	switch o {
	case OpAIChat:
		return "ws:chat"
	case OpAIStream:
		return "ws:stream"
	}
	return ""
}

// RequiresAuth reports whether the operation needs an authenticated session.
// Only ping and auth itself are allowed pre-auth.
func (o Op) RequiresAuth() bool {
	switch o {
	case OpPing, OpAuth:
		return false
	}
	return true
}

// Event is the outbound frame kind.
type Event string

const (
	EventResult Event = "result"
	EventStart  Event = "start"
	EventChunk  Event = "chunk"
	EventFinal  Event = "final"
	EventDone   Event = "done"
	EventUpdate Event = "update"
	EventAck    Event = "ack"
	EventError  Event = "error"
	EventPong   Event = "pong"
)

// Envelope is a single inbound request unit. ReqID is caller-supplied and
// opaque; it is echoed verbatim on every reply so the caller can demultiplex
// concurrent in-flight operations over one connection.
type Envelope struct {
	ReqID string          `json:"reqId"`
	Op    string          `json:"op"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame is a single outbound unit. Payload fields are populated per event;
// ReqID and Op always mirror the triggering envelope when one exists.
type Frame struct {
	ReqID string `json:"reqId,omitempty"`
	Op    Op     `json:"op,omitempty"`
	Event Event  `json:"event"`

	Text   string `json:"text,omitempty"`
	Model  string `json:"model,omitempty"`
	Usage  Usage  `json:"usage,omitempty"`
	RoomID string `json:"roomId,omitempty"`
	UserID string `json:"userId,omitempty"`

	// Code and Detail are set on error frames only.
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
	// RetryAfter (seconds) is set on rate-limit errors.
	RetryAfter int `json:"retryAfter,omitempty"`
}

// Error codes carried on error frames and HTTP error replies.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnknownOp      = "UNKNOWN_OP"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeUpstreamError  = "UPSTREAM_ERROR"
	CodeUnknownAlias   = "UNKNOWN_ALIAS"
	CodeStreamDisabled = "STREAM_DISABLED"
	CodeInternalError  = "INTERNAL_ERROR"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage carries provider token accounting when available.
type Usage map[string]int

// ChatPayload is the data section of ai.chat / ai.stream envelopes, and the
// body of the HTTP chat endpoints.
type ChatPayload struct {
	Messages    []Message      `json:"messages"`
	ModelAlias  string         `json:"modelAlias,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   *int           `json:"maxTokens,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Persona hints. The first system message doubles as SystemPrompt when
	// the explicit field is absent.
	CharacterName string `json:"characterName,omitempty"`
	SystemPrompt  string `json:"systemPrompt,omitempty"`

	// Opaque identifiers passed through to providers as metadata; the
	// gateway never resolves them.
	UserID      string `json:"userId,omitempty"`
	RoomID      string `json:"roomId,omitempty"`
	CharacterID string `json:"characterId,omitempty"`
}

// RoomPayload is the data section of room.* envelopes.
type RoomPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

// AuthPayload is the data section of in-band auth envelopes.
type AuthPayload struct {
	Token string `json:"token"`
}

// ChatResult is the completed output of a non-streaming chat call.
type ChatResult struct {
	Text    string    `json:"text"`
	Model   string    `json:"model"`
	Usage   Usage     `json:"usage,omitempty"`
	Created time.Time `json:"created"`
}

// ModelAlias maps a client-visible alias to provider-level parameters.
// Clients only ever see the alias; the provider identity stays server-side.
type ModelAlias struct {
	Provider    string         `json:"provider"`
	Model       string         `json:"model,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
