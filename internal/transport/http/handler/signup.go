package handler

import (
	"context"
	"net/http"

	"github.com/go-signup-mfa/internal/application/signup"
	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/transport/http/middleware"
)

type availabilityChecker interface {
	IsAvailable(ctx context.Context, email string) (bool, error)
}

// SignupHandler serves the email-first signup flow.
type SignupHandler struct {
	svc          signup.Service
	availability availabilityChecker
}

func NewSignupHandler(svc signup.Service, availability availabilityChecker) *SignupHandler {
	return &SignupHandler{svc: svc, availability: availability}
}

func (h *SignupHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req signup.InitiateRequest
	if !decode(w, r, &req) {
		return
	}
	ch, err := h.svc.Initiate(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ch)
}

func (h *SignupHandler) Resend(w http.ResponseWriter, r *http.Request) {
	var req signup.ResendRequest
	if !decode(w, r, &req) {
		return
	}
	ch, err := h.svc.Resend(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ch)
}

func (h *SignupHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req signup.VerifyEmailRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.svc.VerifyEmail(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *SignupHandler) Availability(w http.ResponseWriter, r *http.Request) {
	email := domain.NormalizeEmail(r.URL.Query().Get("email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "email required")
		return
	}
	ok, err := h.availability.IsAvailable(r.Context(), email)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"email": email, "available": ok})
}

func (h *SignupHandler) SetupTOTP(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	p, err := h.svc.StartTOTP(r.Context(), who)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *SignupHandler) SendSMS(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	var req signup.StartSMSRequest
	if !decode(w, r, &req) {
		return
	}
	ch, err := h.svc.StartSMS(r.Context(), who, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ch)
}

func (h *SignupHandler) Complete(w http.ResponseWriter, r *http.Request) {
	who, ok := identity(w, r)
	if !ok {
		return
	}
	var req signup.CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	req.IP = middleware.ClientIP(r)
	out, err := h.svc.Complete(r.Context(), who, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func identity(w http.ResponseWriter, r *http.Request) (signup.Identity, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return signup.Identity{}, false
	}
	return signup.Identity{UserID: claims.Subject, Email: claims.Email, Name: claims.Name}, true
}
