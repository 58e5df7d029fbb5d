package handler

import (
	"net/http"

	"github.com/go-signup-mfa/internal/application/mfa"
	"github.com/go-signup-mfa/internal/transport/http/middleware"
)

// MFAHandler lets a signed-in user manage their authenticator app.
type MFAHandler struct {
	svc mfa.Service
}

func NewMFAHandler(svc mfa.Service) *MFAHandler { return &MFAHandler{svc: svc} }

func (h *MFAHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}
	st, err := h.svc.TOTPStatus(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *MFAHandler) Setup(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}
	p, err := h.svc.ProvisionTOTP(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *MFAHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}
	var req mfa.CodeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.ConfirmTOTP(r.Context(), userID, req.Code); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "authenticator enabled"})
}

func (h *MFAHandler) Disable(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUser(w, r)
	if !ok {
		return
	}
	var req mfa.CodeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.DisableTOTP(r.Context(), userID, req.Code); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "authenticator removed"})
}

func sessionUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return claims.Subject, true
}
