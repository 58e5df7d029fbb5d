package handler

import (
	"net/http"

	"github.com/go-signup-mfa/internal/application/signin"
	"github.com/go-signup-mfa/internal/transport/http/middleware"
)

// SignInHandler serves sign-in for existing accounts.
type SignInHandler struct {
	svc signin.Service
}

func NewSignInHandler(svc signin.Service) *SignInHandler {
	return &SignInHandler{svc: svc}
}

func (h *SignInHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req signin.StartRequest
	if !decode(w, r, &req) {
		return
	}
	ch, err := h.svc.Start(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ch)
}

func (h *SignInHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req signin.VerifyEmailRequest
	if !decode(w, r, &req) {
		return
	}
	req.IP = middleware.ClientIP(r)
	out, err := h.svc.VerifyEmail(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *SignInHandler) SendSMS(w http.ResponseWriter, r *http.Request) {
	who, ok := signInPrincipal(w, r)
	if !ok {
		return
	}
	ch, err := h.svc.SendSMS(r.Context(), who)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ch)
}

func (h *SignInHandler) Complete(w http.ResponseWriter, r *http.Request) {
	who, ok := signInPrincipal(w, r)
	if !ok {
		return
	}
	var req signin.CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	req.IP = middleware.ClientIP(r)
	tokens, err := h.svc.Complete(r.Context(), who, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func signInPrincipal(w http.ResponseWriter, r *http.Request) (signin.Principal, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return signin.Principal{}, false
	}
	return signin.Principal{UserID: claims.Subject, Email: claims.Email}, true
}
