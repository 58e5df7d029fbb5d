package handler

import (
	"net/http"

	"github.com/go-signup-mfa/internal/application/serviceaccount"
	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/transport/http/middleware"
)

type ServiceAccountHandler struct {
	svc serviceaccount.Service
}

func NewServiceAccountHandler(svc serviceaccount.Service) *ServiceAccountHandler {
	return &ServiceAccountHandler{svc: svc}
}

// Token is the client-credentials exchange.
func (h *ServiceAccountHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req serviceaccount.TokenRequest
	if !decode(w, r, &req) {
		return
	}
	tok, err := h.svc.IssueToken(r.Context(), req, middleware.ClientIP(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *ServiceAccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req domain.CreateServiceAccountRequest
	if !decode(w, r, &req) {
		return
	}
	creds, err := h.svc.Create(r.Context(), req, string(p.Kind)+":"+p.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, creds)
}
