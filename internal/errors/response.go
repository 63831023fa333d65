package errors

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the envelope every non-2xx JSON body uses. Clients branch
// on Error.Code, never on the message text.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the code, a human-readable message, and optional
// context such as the purchaseId that was rejected.
type ErrorDetail struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"` // whether retrying the same request can succeed
	Details   map[string]any `json:"details,omitempty"`
}

// NewErrorResponse builds an envelope; retryability is derived from the code
// so handlers cannot disagree about it.
func NewErrorResponse(code ErrorCode, message string, details map[string]any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: code.IsRetryable(),
			Details:   details,
		},
	}
}

// WriteJSON writes the envelope with the HTTP status the code maps to.
func (e ErrorResponse) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Error.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(e)
}

// WriteError builds and writes an error envelope in one call.
func WriteError(w http.ResponseWriter, code ErrorCode, message string, details map[string]any) {
	NewErrorResponse(code, message, details).WriteJSON(w)
}

// WriteSimpleError writes an error with no detail fields.
func WriteSimpleError(w http.ResponseWriter, code ErrorCode, message string) {
	WriteError(w, code, message, nil)
}

// WriteErrorWithDetail writes an error carrying a single detail field.
func WriteErrorWithDetail(w http.ResponseWriter, code ErrorCode, message string, key string, value any) {
	WriteError(w, code, message, map[string]any{key: value})
}
