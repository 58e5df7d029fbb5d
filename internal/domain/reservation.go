package domain

import (
	"strings"
	"time"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
)

// Signup provenance tags stored on reservations.
const (
	SignupTypeEmailOTP = "email_otp"
)

// EmailReservation claims an email address before the owning account exists.
// PK: email (normalized). ExpiresAt is a Unix timestamp used as DynamoDB TTL and is
// removed once the reservation is confirmed.
type EmailReservation struct {
	Email       string            `json:"email" dynamodbav:"email"`
	UserID      string            `json:"user_id" dynamodbav:"user_id"`
	Status      ReservationStatus `json:"status" dynamodbav:"status"`
	SignupType  string            `json:"signup_type" dynamodbav:"signup_type"`
	SessionID   string            `json:"session_id" dynamodbav:"session_id"`
	DisplayName string            `json:"display_name,omitempty" dynamodbav:"display_name,omitempty"`
	CreatedAt   time.Time         `json:"created" dynamodbav:"created_at"`
	ExpiresAt   int64             `json:"expires_at,omitempty" dynamodbav:"expires_at,omitempty"`
	ConfirmedAt *time.Time        `json:"confirmed_at,omitempty" dynamodbav:"confirmed_at,omitempty"`
}

// IsExpired reports whether a PENDING reservation is past its expiry.
// Confirmed reservations never expire.
func (r *EmailReservation) IsExpired(now time.Time) bool {
	if r.Status == ReservationConfirmed {
		return false
	}
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}

func (r *EmailReservation) IsValid(now time.Time) bool {
	return r.Status == ReservationConfirmed || !r.IsExpired(now)
}

// NormalizeEmail is the canonical key form for reservations and user lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
