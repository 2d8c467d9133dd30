package provider

import (
	"context"
	"time"

	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// defaultSystemPrompt is used when the caller supplies neither a system
// message nor an explicit systemPrompt.
const defaultSystemPrompt = "Stay helpful, concise and consistent."

// Gateway is the single entry point for upstream model calls. It resolves
// aliases, applies per-call timeouts and builds provider-agnostic requests,
// so transports never see provider identity.
type Gateway struct {
	registry      *Registry
	callTimeout   time.Duration
	streamTimeout time.Duration
	defaultTokens int
}

// NewGateway builds a Gateway over the registry. callTimeout bounds
// non-streaming calls; streamTimeout bounds the total lifetime of a stream.
func NewGateway(registry *Registry, callTimeout, streamTimeout time.Duration, defaultTokens int) *Gateway {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	if streamTimeout <= 0 {
		streamTimeout = 5 * time.Minute
	}
	if defaultTokens <= 0 {
		defaultTokens = 1024
	}
	return &Gateway{
		registry:      registry,
		callTimeout:   callTimeout,
		streamTimeout: streamTimeout,
		defaultTokens: defaultTokens,
	}
}

// Chat performs a synchronous completion.
func (g *Gateway) Chat(ctx context.Context, payload *types.ChatPayload) (*types.ChatResult, error) {
	res, req, err := g.prepare(payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	resp, err := res.Provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return &types.ChatResult{
		Text:    resp.Text,
		Model:   resp.Model,
		Usage:   resp.Usage,
		Created: time.Now().UTC(),
	}, nil
}

// StreamChat opens a streaming completion. Closing the returned stream
// releases the upstream connection and the stream deadline.
func (g *Gateway) StreamChat(ctx context.Context, payload *types.ChatPayload) (*CompletionStream, error) {
	res, req, err := g.prepare(payload)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, g.streamTimeout)
	stream, err := res.Provider.Stream(sctx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	return NewCompletionStream(stream.Recv, func() {
		stream.Close()
		cancel()
	}), nil
}

// prepare resolves the alias and builds the provider request. Caller
// overrides win over alias defaults; alias metadata merges under caller
// metadata.
func (g *Gateway) prepare(payload *types.ChatPayload) (*Resolved, *CompletionRequest, error) {
	res, err := g.registry.Resolve(payload.ModelAlias)
	if err != nil {
		return nil, nil, err
	}

	maxTokens := g.defaultTokens
	if res.MaxTokens > 0 {
		maxTokens = res.MaxTokens
	}
	if payload.MaxTokens != nil && *payload.MaxTokens > 0 {
		maxTokens = *payload.MaxTokens
	}

	temperature := res.Temperature
	if payload.Temperature != nil {
		temperature = payload.Temperature
	}

	metadata := make(map[string]any, len(res.Metadata)+len(payload.Metadata)+3)
	for k, v := range res.Metadata {
		metadata[k] = v
	}
	for k, v := range payload.Metadata {
		metadata[k] = v
	}
	if payload.UserID != "" {
		metadata["userId"] = payload.UserID
	}
	if payload.RoomID != "" {
		metadata["roomId"] = payload.RoomID
	}
	if payload.CharacterID != "" {
		metadata["characterId"] = payload.CharacterID
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	return res, &CompletionRequest{
		Model:       res.Model,
		Messages:    buildPrompt(payload),
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Metadata:    metadata,
	}, nil
}

// buildPrompt normalizes the caller's message list. The first system message
// becomes the system prompt unless an explicit systemPrompt was supplied;
// remaining messages keep their order and roles.
func buildPrompt(payload *types.ChatPayload) []types.Message {
	systemPrompt := payload.SystemPrompt
	history := make([]types.Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		role := normalizeRole(m.Role)
		if role == "system" && systemPrompt == "" {
			systemPrompt = m.Content
			continue
		}
		history = append(history, types.Message{Role: role, Content: m.Content})
	}
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	out := make([]types.Message, 0, len(history)+1)
	out = append(out, types.Message{Role: "system", Content: systemPrompt})
	return append(out, history...)
}

func normalizeRole(role string) string {
	switch role {
	case "assistant", "Assistant", "ASSISTANT":
		return "assistant"
	case "system", "System", "SYSTEM":
		return "system"
	default:
		return "user"
	}
}
