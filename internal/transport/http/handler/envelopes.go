package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/pkg/validate"
)

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Message string `json:"message,omitempty"`
}

// ErrorEnvelope carries a human-readable message and, for typed failures, its code.
type ErrorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorEnvelope{Error: msg})
}

var codeStatus = map[domain.Code]int{
	domain.CodeEmailAlreadyExists:       http.StatusConflict,
	domain.CodeTOTPAlreadyEnabled:       http.StatusConflict,
	domain.CodeOTPRateLimited:           http.StatusTooManyRequests,
	domain.CodeOTPMaxAttemptsExceeded:   http.StatusTooManyRequests,
	domain.CodeTOTPRateLimited:          http.StatusTooManyRequests,
	domain.CodeOTPNotFound:              http.StatusUnauthorized,
	domain.CodeOTPExpired:               http.StatusUnauthorized,
	domain.CodeVerificationFailed:       http.StatusUnauthorized,
	domain.CodeTOTPVerificationFailed:   http.StatusUnauthorized,
	domain.CodeServiceAccountAuthFailed: http.StatusUnauthorized,
	domain.CodeUserNotFound:             http.StatusNotFound,
	domain.CodeAuthMethodDisabled:       http.StatusForbidden,
	domain.CodeEmailSendFailed:          http.StatusBadGateway,
	domain.CodeSMSSendFailed:            http.StatusBadGateway,
	domain.CodeSignupFailed:             http.StatusInternalServerError,
}

// writeDomainError maps a service error onto a status and envelope. Coded errors
// expose their fixed message only; 5xx responses never carry internal detail.
func writeDomainError(w http.ResponseWriter, err error) {
	if de, ok := domain.AsCoded(err); ok {
		status, known := codeStatus[de.Code]
		if !known {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, ErrorEnvelope{Error: de.Message, Code: string(de.Code)})
		return
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "conflict")
	case errors.Is(err, domain.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decode reads a JSON body into dst and runs its validate tags. It writes the 400
// response itself and reports whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
