package server

import (
	"encoding/json"
	"net/http"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/fault"
)

// Error is the body of every failed request.
type Error struct {
	Success bool   `json:"success"`
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

const (
	codeBadRequest  = "bad_request"
	codeNotFound    = "not_found"
	codeConflict    = "conflict"
	codeUnavailable = "unavailable"
	codeCommand     = "command_failed"
	codeIntegrity   = "integrity_failure"
	codeHealthCheck = "health_check_failed"
	codeInternal    = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // client may have gone away
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, codeBadRequest, message)
}

// statusFor maps an error kind to its HTTP status and code.
func statusFor(err error) (int, string) {
	switch fault.KindOf(err) {
	case fault.Conflict:
		return http.StatusConflict, codeConflict
	case fault.NotFound:
		return http.StatusNotFound, codeNotFound
	case fault.Invalid:
		return http.StatusBadRequest, codeBadRequest
	case fault.Preflight:
		return http.StatusServiceUnavailable, codeUnavailable
	case fault.ExternalCommand:
		return http.StatusBadGateway, codeCommand
	case fault.Integrity:
		return http.StatusInternalServerError, codeIntegrity
	case fault.HealthCheck:
		return http.StatusInternalServerError, codeHealthCheck
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func writeFault(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeError(w, status, code, err.Error())
}
