package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"speculator/internal/types"
)

// ErrorResponse is the envelope for all error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the structured error body returned to clients.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// JSON writes a JSON response with the given status.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written; nothing more can be done.
		_ = err
	}
}

// Error writes an error response. AppErrors map to their HTTP status with a
// structured body; any other error becomes an opaque 500 so internal details
// never leak to clients.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := RequestIDFromContext(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		JSON(w, r, appErr.HTTPStatus(), ErrorResponse{Error: ErrorDetail{
			Code:      string(appErr.Code),
			Message:   appErr.Message,
			RequestID: requestID,
		}})
		return
	}

	JSON(w, r, http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: requestID,
	}})
}
