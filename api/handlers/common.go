// Package handlers exposes the runtime over HTTP: the WebSocket session
// endpoint plus the REST surface for permissions, stored workflows and
// health.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/BaSui01/agentrun/types"
)

// Response is the uniform REST envelope.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo is the serialized error body.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a success envelope.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError maps a runtime error onto the envelope and an HTTP status.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := string(types.CodeOf(err))
	switch types.CodeOf(err) {
	case types.ErrNotFound:
		status = http.StatusNotFound
	case types.ErrAlreadyDecided, types.ErrDuplicateName:
		status = http.StatusConflict
	case types.ErrInvalidInput, types.ErrInvalidDescriptor:
		status = http.StatusBadRequest
	case "":
		code = "INTERNAL"
	}
	WriteJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: err.Error()},
		Timestamp: time.Now(),
	})
}

// DecodeJSONBody decodes a request body into out.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, out any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		WriteJSON(w, http.StatusBadRequest, Response{
			Success:   false,
			Error:     &ErrorInfo{Code: "BAD_REQUEST", Message: "malformed JSON body"},
			Timestamp: time.Now(),
		})
		return false
	}
	return true
}
