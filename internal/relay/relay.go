// Package relay turns a provider's incremental output into ordered envelope
// frames delivered to exactly one requester.
//
// Frame protocol per reqId: exactly one start, zero or more chunk frames,
// exactly one final carrying the assembled text, exactly one done. A
// provider failure mid-stream substitutes a single error frame for the
// pending final/done pair; cancellation suppresses all subsequent frames
// without recalling ones already sent.
package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/BlackBearCC/mbti-gateway/internal/logging"
	"github.com/BlackBearCC/mbti-gateway/internal/provider"
	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// Sink receives outbound frames for one connection. Send calls from one
// relay goroutine are emitted in call order; the connection's write pump
// provides the serialization.
type Sink interface {
	Send(frame *types.Frame) error
}

// streamState is one in-flight streaming operation.
type streamState struct {
	reqID  string
	cancel context.CancelFunc
}

// Relay tracks the in-flight streams of a single connection so that closing
// the connection cancels every pending provider call.
type Relay struct {
	mu      sync.Mutex
	streams map[string]*streamState
}

// New creates an empty Relay.
func New() *Relay {
	return &Relay{streams: make(map[string]*streamState)}
}

// Start emits the start frame and hands the stream off to a goroutine; it
// returns as soon as start is queued so one slow stream never blocks the
// caller's frame loop. open is invoked on the relay goroutine.
func (r *Relay) Start(ctx context.Context, sink Sink, op types.Op, reqID string, open func(context.Context) (*provider.CompletionStream, error)) {
	sctx, cancel := context.WithCancel(ctx)
	state := &streamState{reqID: reqID, cancel: cancel}

	r.mu.Lock()
	// A reused reqId replaces the previous stream; the old one is cancelled
	// so its frames cannot interleave with the new sequence.
	if prev, ok := r.streams[reqID]; ok {
		prev.cancel()
	}
	r.streams[reqID] = state
	r.mu.Unlock()

	if err := sink.Send(&types.Frame{ReqID: reqID, Op: op, Event: types.EventStart}); err != nil {
		cancel()
		r.remove(state)
		return
	}

	go r.run(sctx, sink, op, reqID, state, open)
}

// Cancel stops one in-flight stream. Already-sent frames stand.
func (r *Relay) Cancel(reqID string) {
	r.mu.Lock()
	state, ok := r.streams[reqID]
	r.mu.Unlock()
	if ok {
		state.cancel()
	}
}

// CancelAll stops every in-flight stream. Called on disconnect.
func (r *Relay) CancelAll() {
	r.mu.Lock()
	states := make([]*streamState, 0, len(r.streams))
	for _, s := range r.streams {
		states = append(states, s)
	}
	r.mu.Unlock()

	for _, s := range states {
		s.cancel()
	}
}

// Active returns the number of in-flight streams.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// remove deregisters one stream generation. A superseded generation must not
// delete its replacement under the same reqId, so the map entry is compared
// against the caller's own state before deletion.
func (r *Relay) remove(state *streamState) {
	r.mu.Lock()
	if r.streams[state.reqID] == state {
		delete(r.streams, state.reqID)
	}
	r.mu.Unlock()
}

func (r *Relay) run(ctx context.Context, sink Sink, op types.Op, reqID string, state *streamState, open func(context.Context) (*provider.CompletionStream, error)) {
	defer r.remove(state)

	stream, err := open(ctx)
	if err != nil {
		r.fail(ctx, sink, op, reqID, err)
		return
	}
	defer stream.Close()

	var assembled strings.Builder
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		text, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.fail(ctx, sink, op, reqID, err)
			return
		}
		// Cancellation may land while Recv is in flight; text received after
		// it must not turn into a frame.
		if ctx.Err() != nil {
			return
		}
		if text == "" {
			continue
		}

		assembled.WriteString(text)
		if err := sink.Send(&types.Frame{ReqID: reqID, Op: op, Event: types.EventChunk, Text: text}); err != nil {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := sink.Send(&types.Frame{ReqID: reqID, Op: op, Event: types.EventFinal, Text: assembled.String()}); err != nil {
		return
	}
	_ = sink.Send(&types.Frame{ReqID: reqID, Op: op, Event: types.EventDone})
}

// fail substitutes an error frame for the pending final/done pair, unless
// the stream was cancelled, in which case nothing more is emitted.
func (r *Relay) fail(ctx context.Context, sink Sink, op types.Op, reqID string, err error) {
	if ctx.Err() != nil {
		return
	}
	logging.Error().Err(err).Str("reqId", reqID).Msg("stream relay failed")

	frame := &types.Frame{
		ReqID:  reqID,
		Op:     op,
		Event:  types.EventError,
		Code:   types.CodeUpstreamError,
		Detail: "upstream model call failed",
	}
	if errors.Is(err, provider.ErrUnknownAlias) {
		frame.Code = types.CodeUnknownAlias
		frame.Detail = "model alias could not be resolved"
	}
	_ = sink.Send(frame)
}
