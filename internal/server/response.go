package server

import (
	"encoding/json"
	"net/http"

	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// ErrorResponse is the API error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable code alongside the message.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// DataResponse is the API success envelope.
type DataResponse struct {
	Code int `json:"code"`
	Data any `json:"data"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeData writes a success envelope.
func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, DataResponse{Code: http.StatusOK, Data: data})
}

// writeError writes an error envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeErrorWithDetails writes an error envelope with extra details.
func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// errorStatus maps a protocol error code to its HTTP status.
func errorStatus(code string) int {
	switch code {
	case types.CodeInvalidRequest, types.CodeUnknownAlias, types.CodeStreamDisabled:
		return http.StatusBadRequest
	case types.CodeUnauthorized:
		return http.StatusUnauthorized
	case types.CodeRateLimited:
		return http.StatusTooManyRequests
	case types.CodeUpstreamError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
