package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/plughost/pkg/plugins"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
	Plugin   string `json:"plugin,omitempty"`
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteInternalError writes an internal server error response (500)
func WriteInternalError(w http.ResponseWriter, err error) {
	WriteErrorMessage(w, http.StatusInternalServerError, err.Error())
}

// WriteNoContent writes a successful response with no content (204)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

var categoryStatus = map[string]int{
	"SourceError":       http.StatusBadGateway,
	"IntegrityError":    http.StatusUnprocessableEntity,
	"ValidationError":   http.StatusUnprocessableEntity,
	"BindingError":      http.StatusUnprocessableEntity,
	"ResourceExceeded":  http.StatusInsufficientStorage,
	"ExecutionFailed":   http.StatusBadGateway,
	"CapabilityDenied":  http.StatusForbidden,
	"TimeoutError":      http.StatusGatewayTimeout,
	"CircuitOpen":       http.StatusServiceUnavailable,
	"DependencyCycle":   http.StatusConflict,
	"DependencyMissing": http.StatusConflict,
	"NotFound":          http.StatusNotFound,
	"Conflict":          http.StatusConflict,
}

// StatusFor maps a plugin host error to an HTTP status code.
func StatusFor(err error) int {
	if status, ok := categoryStatus[plugins.Category(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WritePluginError writes err with the status its category maps to.
func WritePluginError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error(), Category: plugins.Category(err)}
	var pe *plugins.Error
	if errors.As(err, &pe) {
		resp.Plugin = pe.Plugin
	}
	WriteJSON(w, StatusFor(err), resp)
}
