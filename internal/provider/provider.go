// Package provider abstracts outbound calls to upstream AI model providers.
//
// Clients only ever reference a model alias; alias resolution, credential
// injection and per-provider payload shape live behind the Provider
// interface, so adding a provider requires no router or relay changes.
package provider

import (
	"context"
	"errors"

	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// ErrUpstream is the uniform error for provider-side failures (timeout,
// non-2xx, malformed response). Raw provider errors are logged server-side
// and never surfaced to clients.
var ErrUpstream = errors.New("upstream model call failed")

// ErrUnknownAlias is returned when an alias cannot be resolved and no
// default alias is configured.
var ErrUnknownAlias = errors.New("unknown model alias")

// CompletionRequest is the provider-agnostic request shape.
type CompletionRequest struct {
	Model       string
	Messages    []types.Message
	MaxTokens   int
	Temperature *float64
	Metadata    map[string]any
}

// CompletionResponse is a complete, non-streaming result.
type CompletionResponse struct {
	Text  string
	Model string
	Usage types.Usage
}

// Provider is the uniform upstream interface.
type Provider interface {
	// ID returns the provider identifier (e.g. "openai", "doubao").
	ID() string

	// Complete returns a single-shot completion.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Stream returns a lazy ordered sequence of text increments.
	Stream(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// CompletionStream yields ordered text increments. Recv returns io.EOF after
// the provider's end marker; Close releases the underlying connection and is
// safe to call more than once.
type CompletionStream struct {
	recv    func() (string, error)
	closeFn func()
	closed  bool
}

// NewCompletionStream wraps receive and close functions.
func NewCompletionStream(recv func() (string, error), closeFn func()) *CompletionStream {
	return &CompletionStream{recv: recv, closeFn: closeFn}
}

// Recv receives the next text increment.
func (s *CompletionStream) Recv() (string, error) {
	return s.recv()
}

// Close releases the stream.
func (s *CompletionStream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.closeFn != nil {
		s.closeFn()
	}
}
