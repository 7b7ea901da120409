// Package api implements the HTTP API server for PiWardrive.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/piwardrive/piwardrive/internal/errs"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the stable error kind and a human-readable message.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WriteError writes a standard error response.
func WriteError(w http.ResponseWriter, status int, kind, message string) {
	WriteJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Kind:    kind,
			Message: message,
		},
	})
}

// writeKindError maps a domain error onto the HTTP envelope. The status
// comes from the error kind's single canonical mapping.
func writeKindError(w http.ResponseWriter, err error) {
	if err == nil {
		WriteError(w, http.StatusInternalServerError, string(errs.KindInternal), "internal server error")
		return
	}
	kind := errs.KindOf(err)
	WriteError(w, errs.HTTPStatus(kind), string(kind), err.Error())
}

func writeInvalidArgument(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnprocessableEntity, string(errs.KindValidation), message)
}
