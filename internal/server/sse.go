package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/BlackBearCC/mbti-gateway/internal/logging"
	"github.com/BlackBearCC/mbti-gateway/internal/provider"
)

// streamDone is the SSE terminator sentinel.
const streamDone = "[DONE]"

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// begin sets the SSE headers and flushes them so the client sees the stream
// open before the first chunk arrives.
func (s *sseWriter) begin() {
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

// writeData writes one data line and flushes it.
func (s *sseWriter) writeData(payload string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	// ResponseController flushes through middleware wrappers; the plain
	// Flusher is the fallback.
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

// relay copies provider chunks to the client until the stream ends. Errors
// after the stream opened are reported as a data line; the [DONE] sentinel
// always terminates the stream.
func (s *sseWriter) relay(ctx context.Context, stream *provider.CompletionStream) {
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
			logging.Error().Err(err).Msg("sse relay failed")
			if data, merr := json.Marshal(map[string]string{"error": "upstream model call failed"}); merr == nil {
				_ = s.writeData(string(data))
			}
			break
		}
		if text == "" {
			continue
		}
		if err := s.writeData(text); err != nil {
			return
		}
	}
	_ = s.writeData(streamDone)
}
