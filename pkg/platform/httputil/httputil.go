// Package httputil holds the small HTTP response helpers shared by the
// provider and consumer handlers.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "setu/pkg/domain-errors"
)

// WriteJSON encodes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorBody is the wire shape for all error responses.
type ErrorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteError maps a domain error to its HTTP status and writes the JSON body.
// Non-domain errors collapse to a 500 with a generic message.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	WriteJSON(w, dErrors.HTTPStatus(code), ErrorBody{
		Error:       string(code),
		Description: dErrors.MessageOf(err),
	})
}
