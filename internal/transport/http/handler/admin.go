package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/pkg/id"
)

type reservationAdmin interface {
	Get(ctx context.Context, email string) (*domain.EmailReservation, error)
	Release(ctx context.Context, email, userID string) error
}

type userReader interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
}

// AdminHandler exposes support tooling behind the admin guard.
type AdminHandler struct {
	reservations reservationAdmin
	users        userReader
}

func NewAdminHandler(reservations reservationAdmin, users userReader) *AdminHandler {
	return &AdminHandler{reservations: reservations, users: users}
}

func (h *AdminHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.reservations.Get(r.Context(), domain.NormalizeEmail(chi.URLParam(r, "email")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteReservation frees a stuck PENDING reservation. Confirmed ones belong to an
// account and are refused.
func (h *AdminHandler) DeleteReservation(w http.ResponseWriter, r *http.Request) {
	email := domain.NormalizeEmail(chi.URLParam(r, "email"))
	res, err := h.reservations.Get(r.Context(), email)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if res.Status == domain.ReservationConfirmed {
		writeError(w, http.StatusConflict, "reservation is confirmed")
		return
	}
	if err := h.reservations.Release(r.Context(), email, res.UserID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !id.Valid(userID) {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	u, err := h.users.Get(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
