package domain

import "errors"

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
)

// Code identifies a typed failure surfaced to API callers.
type Code string

const (
	CodeEmailAlreadyExists       Code = "EMAIL_ALREADY_EXISTS"
	CodeOTPNotFound              Code = "OTP_NOT_FOUND"
	CodeOTPExpired               Code = "OTP_EXPIRED"
	CodeOTPRateLimited           Code = "OTP_RATE_LIMITED"
	CodeOTPMaxAttemptsExceeded   Code = "OTP_MAX_ATTEMPTS_EXCEEDED"
	CodeVerificationFailed       Code = "VERIFICATION_FAILED"
	CodeTOTPVerificationFailed   Code = "TOTP_VERIFICATION_FAILED"
	CodeTOTPAlreadyEnabled       Code = "TOTP_ALREADY_ENABLED"
	CodeTOTPRateLimited          Code = "TOTP_RATE_LIMITED"
	CodeSignupFailed             Code = "SIGNUP_FAILED"
	CodeUserNotFound             Code = "USER_NOT_FOUND"
	CodeEmailSendFailed          Code = "EMAIL_SEND_FAILED"
	CodeSMSSendFailed            Code = "SMS_SEND_FAILED"
	CodeAuthMethodDisabled       Code = "AUTH_METHOD_DISABLED"
	CodeServiceAccountAuthFailed Code = "SERVICE_ACCOUNT_AUTH_FAILED"
)

// Error is a coded domain failure. The exported values below are compared with errors.Is,
// so wrap them with fmt.Errorf("...: %w", ...) rather than constructing new ones.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	ErrEmailAlreadyExists       = &Error{Code: CodeEmailAlreadyExists, Message: "email already exists"}
	ErrOTPNotFound              = &Error{Code: CodeOTPNotFound, Message: "verification code not found"}
	ErrOTPExpired               = &Error{Code: CodeOTPExpired, Message: "verification code expired"}
	ErrOTPRateLimited           = &Error{Code: CodeOTPRateLimited, Message: "too many codes requested, try again later"}
	ErrOTPMaxAttemptsExceeded   = &Error{Code: CodeOTPMaxAttemptsExceeded, Message: "too many failed attempts, request a new code"}
	ErrVerificationFailed       = &Error{Code: CodeVerificationFailed, Message: "verification failed"}
	ErrTOTPVerificationFailed   = &Error{Code: CodeTOTPVerificationFailed, Message: "authenticator code is invalid"}
	ErrTOTPAlreadyEnabled       = &Error{Code: CodeTOTPAlreadyEnabled, Message: "authenticator app already enabled"}
	ErrTOTPRateLimited          = &Error{Code: CodeTOTPRateLimited, Message: "too many authenticator attempts, try again later"}
	ErrSignupFailed             = &Error{Code: CodeSignupFailed, Message: "signup failed"}
	ErrUserNotFound             = &Error{Code: CodeUserNotFound, Message: "user not found"}
	ErrEmailSendFailed          = &Error{Code: CodeEmailSendFailed, Message: "could not send email"}
	ErrSMSSendFailed            = &Error{Code: CodeSMSSendFailed, Message: "could not send sms"}
	ErrAuthMethodDisabled       = &Error{Code: CodeAuthMethodDisabled, Message: "authentication method is disabled"}
	ErrServiceAccountAuthFailed = &Error{Code: CodeServiceAccountAuthFailed, Message: "invalid client credentials"}
)

// CodeOf returns the code of the first *Error in err's chain, or "" when there is none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// AsCoded reports whether err already carries a domain code.
func AsCoded(err error) (*Error, bool) {
	var de *Error
	ok := errors.As(err, &de)
	return de, ok
}
