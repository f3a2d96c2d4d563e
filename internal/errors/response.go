package errors

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the standardized error envelope returned to clients:
// {"error": <code>, "message": ..., "details": {...}}.
type ErrorResponse struct {
	Error   Code           `json:"error"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteJSON writes the error response as JSON with the code's HTTP status.
func (e ErrorResponse) WriteJSON(w http.ResponseWriter) {
	status := e.Error.HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// WriteError writes an error envelope in one call.
func WriteError(w http.ResponseWriter, code Code, message string, details map[string]any) {
	ErrorResponse{Error: code, Message: message, Details: details}.WriteJSON(w)
}

// WriteDomainError maps any error onto the envelope. Domain errors keep their
// code, message, and details; anything else degrades to internal_error with a
// generic message.
func WriteDomainError(w http.ResponseWriter, err error) {
	if appErr := AsError(err); appErr != nil {
		WriteError(w, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	WriteError(w, CodeInternalError, "internal error", nil)
}
