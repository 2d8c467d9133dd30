package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/BlackBearCC/mbti-gateway/internal/logging"
	"github.com/BlackBearCC/mbti-gateway/internal/provider"
	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// chat handles POST /service/chat: one synchronous completion.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeChatPayload(w, r)
	if !ok {
		return
	}
	if !s.checkLimit(w, r, "http:chat") {
		return
	}

	result, err := s.gateway.Chat(r.Context(), payload)
	if err != nil {
		code := chatErrorCode(err)
		logging.Error().Err(err).Str("alias", payload.ModelAlias).Msg("chat completion failed")
		writeError(w, errorStatus(code), code, chatErrorMessage(code))
		return
	}
	writeData(w, result)
}

// streamChat handles POST /service/streamchat: the completion is relayed as
// SSE data lines terminated by a [DONE] sentinel.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.StreamEnabled {
		writeError(w, http.StatusBadRequest, types.CodeStreamDisabled, "stream disabled")
		return
	}
	payload, ok := decodeChatPayload(w, r)
	if !ok {
		return
	}
	if !s.checkLimit(w, r, "http:stream") {
		return
	}

	stream, err := s.gateway.StreamChat(r.Context(), payload)
	if err != nil {
		code := chatErrorCode(err)
		logging.Error().Err(err).Str("alias", payload.ModelAlias).Msg("stream open failed")
		writeError(w, errorStatus(code), code, chatErrorMessage(code))
		return
	}
	defer stream.Close()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeInternalError, err.Error())
		return
	}
	sse.begin()
	sse.relay(r.Context(), stream)
}

func decodeChatPayload(w http.ResponseWriter, r *http.Request) (*types.ChatPayload, bool) {
	var payload types.ChatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "invalid request body")
		return nil, false
	}
	if len(payload.Messages) == 0 {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "messages required")
		return nil, false
	}
	return &payload, true
}

func chatErrorCode(err error) string {
	if errors.Is(err, provider.ErrUnknownAlias) {
		return types.CodeUnknownAlias
	}
	return types.CodeUpstreamError
}

func chatErrorMessage(code string) string {
	if code == types.CodeUnknownAlias {
		return "model alias could not be resolved"
	}
	return "upstream model call failed"
}
