// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
//
// Every response uses one envelope: {"status", "message", "data"} on
// success, {"status", "message", "errors"} on failure. Handlers hand any
// error to WriteAppError, which maps the apperr taxonomy to a status code;
// unclassified errors become a generic 500 without leaking internals.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/taskforge/taskforge/pkg/apperr"
)

// SuccessResponse is the envelope for successful responses
type SuccessResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse is the envelope for failed responses
type ErrorResponse struct {
	Status  string             `json:"status"`
	Message string             `json:"message"`
	Errors  []apperr.FieldError `json:"errors,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 response with data
func WriteSuccess(w http.ResponseWriter, data interface{}, message string) error {
	return WriteJSON(w, http.StatusOK, SuccessResponse{
		Status:  "success",
		Message: message,
		Data:    data,
	})
}

// WriteCreated writes a 201 response with data
func WriteCreated(w http.ResponseWriter, data interface{}, message string) error {
	return WriteJSON(w, http.StatusCreated, SuccessResponse{
		Status:  "success",
		Message: message,
		Data:    data,
	})
}

// WriteErrorMessage writes an error envelope with a custom status and message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{
		Status:  "fail",
		Message: message,
	})
}

// statusForKind maps the error taxonomy to HTTP status codes.
// Unauthenticated, TokenExpired and TokenInvalid all render 401 but keep
// distinguishable messages so clients can decide between refresh and
// re-login.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnauthenticated, apperr.KindTokenExpired, apperr.KindTokenInvalid:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// WriteAppError renders any error through the taxonomy
func WriteAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusForKind(kind)

	message := err.Error()
	if kind == apperr.KindInternal {
		// Never leak internal detail to the client.
		message = "something went wrong"
	}

	WriteJSON(w, status, ErrorResponse{
		Status:  "fail",
		Message: message,
		Errors:  apperr.FieldsOf(err),
	})
}
