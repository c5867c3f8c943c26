// Package response writes the API's JSON bodies and maps domain errors onto
// HTTP statuses.
package response

import (
	"encoding/json"
	"net/http"
)

const contentTypeJSON = "application/json; charset=utf-8"

// JSON writes v with the given status. A nil v writes headers only.
//
// HTML escaping is off: message content routinely carries <@mentions> and
// ampersands that clients render verbatim.
func JSON(w http.ResponseWriter, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// Error writes the standard error envelope.
func Error(w http.ResponseWriter, status int, code, message, requestID string) {
	writeError(w, status, ErrorDetail{Code: code, Message: message, RequestID: requestID})
}

// ErrorWithDetails is Error with a details object.
func ErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any, requestID string) {
	writeError(w, status, ErrorDetail{Code: code, Message: message, Details: details, RequestID: requestID})
}

func writeError(w http.ResponseWriter, status int, detail ErrorDetail) {
	JSON(w, status, ErrorResponse{Error: detail})
}
