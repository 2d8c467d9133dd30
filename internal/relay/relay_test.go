package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/BlackBearCC/mbti-gateway/internal/provider"
	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// captureSink records frames and signals terminal ones.
type captureSink struct {
	mu     sync.Mutex
	frames []*types.Frame
	done   chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{done: make(chan struct{}, 8)}
}

func (s *captureSink) Send(frame *types.Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	if frame.Event == types.EventDone || frame.Event == types.EventError {
		s.done <- struct{}{}
	}
	return nil
}

func (s *captureSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal frame")
	}
}

func (s *captureSink) events() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Event, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Event
	}
	return out
}

func chunkStream(chunks ...string) func(context.Context) (*provider.CompletionStream, error) {
	return func(context.Context) (*provider.CompletionStream, error) {
		i := 0
		return provider.NewCompletionStream(func() (string, error) {
			if i >= len(chunks) {
				return "", io.EOF
			}
			c := chunks[i]
			i++
			return c, nil
		}, func() {}), nil
	}
}

func TestRelay_FrameOrder(t *testing.T) {
	r := New()
	sink := newCaptureSink()

	r.Start(context.Background(), sink, types.OpAIStream, "req-1", chunkStream("a", "b", "c"))
	sink.wait(t)

	want := []types.Event{types.EventStart, types.EventChunk, types.EventChunk, types.EventChunk, types.EventFinal, types.EventDone}
	got := sink.events()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	// The final frame carries the assembled text; every frame echoes reqId.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, f := range sink.frames {
		if f.ReqID != "req-1" {
			t.Errorf("frame %s has reqId %q", f.Event, f.ReqID)
		}
	}
	if final := sink.frames[len(sink.frames)-2]; final.Text != "abc" {
		t.Errorf("final text = %q, want abc", final.Text)
	}
}

func TestRelay_EmptyChunksSkipped(t *testing.T) {
	r := New()
	sink := newCaptureSink()

	r.Start(context.Background(), sink, types.OpAIStream, "req-1", chunkStream("a", "", "b"))
	sink.wait(t)

	chunks := 0
	sink.mu.Lock()
	for _, f := range sink.frames {
		if f.Event == types.EventChunk {
			chunks++
		}
	}
	sink.mu.Unlock()
	if chunks != 2 {
		t.Errorf("chunk frames = %d, want 2 (empty skipped)", chunks)
	}
}

func TestRelay_OpenFailureEmitsError(t *testing.T) {
	r := New()
	sink := newCaptureSink()

	r.Start(context.Background(), sink, types.OpAIStream, "req-1", func(context.Context) (*provider.CompletionStream, error) {
		return nil, provider.ErrUpstream
	})
	sink.wait(t)

	got := sink.events()
	if len(got) != 2 || got[0] != types.EventStart || got[1] != types.EventError {
		t.Fatalf("events = %v, want [start error]", got)
	}
	sink.mu.Lock()
	errFrame := sink.frames[1]
	sink.mu.Unlock()
	if errFrame.Code != types.CodeUpstreamError {
		t.Errorf("Code = %q, want UPSTREAM_ERROR", errFrame.Code)
	}
}

func TestRelay_MidStreamFailureSubstitutesError(t *testing.T) {
	r := New()
	sink := newCaptureSink()

	r.Start(context.Background(), sink, types.OpAIStream, "req-1", func(context.Context) (*provider.CompletionStream, error) {
		i := 0
		return provider.NewCompletionStream(func() (string, error) {
			if i == 0 {
				i++
				return "partial", nil
			}
			return "", errors.New("connection reset")
		}, func() {}), nil
	})
	sink.wait(t)

	got := sink.events()
	want := []types.Event{types.EventStart, types.EventChunk, types.EventError}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestRelay_UnknownAliasCode(t *testing.T) {
	r := New()
	sink := newCaptureSink()

	r.Start(context.Background(), sink, types.OpAIStream, "req-1", func(context.Context) (*provider.CompletionStream, error) {
		return nil, provider.ErrUnknownAlias
	})
	sink.wait(t)

	sink.mu.Lock()
	errFrame := sink.frames[len(sink.frames)-1]
	sink.mu.Unlock()
	if errFrame.Code != types.CodeUnknownAlias {
		t.Errorf("Code = %q, want UNKNOWN_ALIAS", errFrame.Code)
	}
}

func TestRelay_CancelSuppressesFrames(t *testing.T) {
	r := New()
	sink := newCaptureSink()

	started := make(chan struct{})
	release := make(chan struct{})
	r.Start(context.Background(), sink, types.OpAIStream, "req-1", func(ctx context.Context) (*provider.CompletionStream, error) {
		return provider.NewCompletionStream(func() (string, error) {
			close(started)
			<-release
			return "", io.EOF
		}, func() {}), nil
	})

	<-started
	r.Cancel("req-1")
	close(release)

	// Give the relay goroutine time to observe the cancel and exit.
	deadline := time.After(2 * time.Second)
	for r.Active() != 0 {
		select {
		case <-deadline:
			t.Fatal("stream never drained")
		case <-time.After(10 * time.Millisecond):
		}
	}

	for _, e := range sink.events() {
		if e == types.EventFinal || e == types.EventDone || e == types.EventError {
			t.Errorf("terminal frame %s emitted after cancel", e)
		}
	}
}

func TestRelay_ReusedReqIDKeepsReplacementTracked(t *testing.T) {
	r := New()
	sink := newCaptureSink()

	gen1Entered := make(chan struct{})
	gen1Release := make(chan struct{})
	r.Start(context.Background(), sink, types.OpAIStream, "req-1", func(ctx context.Context) (*provider.CompletionStream, error) {
		return provider.NewCompletionStream(func() (string, error) {
			close(gen1Entered)
			<-gen1Release
			return "", io.EOF
		}, func() {}), nil
	})
	<-gen1Entered

	// Reusing the reqId cancels the first generation and installs a second.
	gen2Release := make(chan struct{})
	r.Start(context.Background(), sink, types.OpAIStream, "req-1", func(ctx context.Context) (*provider.CompletionStream, error) {
		return provider.NewCompletionStream(func() (string, error) {
			<-gen2Release
			return "", io.EOF
		}, func() {}), nil
	})

	// Let the superseded generation drain; its teardown must not evict the
	// replacement from the registry.
	close(gen1Release)
	deadline := time.After(2 * time.Second)
	for r.Active() != 1 {
		select {
		case <-deadline:
			t.Fatalf("Active = %d, want 1 (replacement still in flight)", r.Active())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The replacement stays reachable through Cancel.
	r.Cancel("req-1")
	close(gen2Release)
	deadline = time.After(2 * time.Second)
	for r.Active() != 0 {
		select {
		case <-deadline:
			t.Fatal("cancelled replacement never drained")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRelay_NoChunkAfterCancelDuringRecv(t *testing.T) {
	r := New()
	sink := newCaptureSink()

	entered := make(chan struct{})
	release := make(chan struct{})
	r.Start(context.Background(), sink, types.OpAIStream, "req-1", func(ctx context.Context) (*provider.CompletionStream, error) {
		i := 0
		return provider.NewCompletionStream(func() (string, error) {
			if i > 0 {
				return "", io.EOF
			}
			i++
			close(entered)
			<-release
			// Text that arrives after the cancel landed mid-Recv.
			return "late", nil
		}, func() {}), nil
	})

	<-entered
	r.Cancel("req-1")
	close(release)

	deadline := time.After(2 * time.Second)
	for r.Active() != 0 {
		select {
		case <-deadline:
			t.Fatal("stream never drained")
		case <-time.After(10 * time.Millisecond):
		}
	}

	for _, e := range sink.events() {
		if e != types.EventStart {
			t.Errorf("frame %s emitted after cancel", e)
		}
	}
}

func TestRelay_CancelAll(t *testing.T) {
	r := New()
	sink := newCaptureSink()

	block := make(chan struct{})
	for _, reqID := range []string{"a", "b"} {
		r.Start(context.Background(), sink, types.OpAIStream, reqID, func(ctx context.Context) (*provider.CompletionStream, error) {
			return provider.NewCompletionStream(func() (string, error) {
				<-block
				return "", io.EOF
			}, func() {}), nil
		})
	}
	if r.Active() != 2 {
		t.Fatalf("Active = %d, want 2", r.Active())
	}

	r.CancelAll()
	close(block)

	deadline := time.After(2 * time.Second)
	for r.Active() != 0 {
		select {
		case <-deadline:
			t.Fatal("streams never drained")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
