package domain

import "time"

// OTP purposes namespace codes issued to the same recipient.
const (
	PurposeEmailSignup = "email_signup"
	PurposeSMSSignup   = "sms_signup"
	PurposeEmailAuth   = "email_auth"
	PurposeSMSAuth     = "sms_auth"
)

// OneTimeCode is a hashed, expiring passcode.
// PK: recipient, SK: purpose. TTL is a Unix timestamp used as DynamoDB TTL; it trails
// ExpiresAt so an expired code can still be observed and reported as expired.
type OneTimeCode struct {
	Recipient string            `json:"recipient" dynamodbav:"recipient"`
	Purpose   string            `json:"purpose" dynamodbav:"purpose"`
	CodeHash  string            `json:"-" dynamodbav:"code_hash"`
	SessionID string            `json:"session_id" dynamodbav:"session_id"`
	Attempts  int               `json:"attempts" dynamodbav:"attempts"`
	Metadata  map[string]string `json:"metadata,omitempty" dynamodbav:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created" dynamodbav:"created_at"`
	ExpiresAt int64             `json:"expires_at" dynamodbav:"expires_at"`
	TTL       int64             `json:"-" dynamodbav:"ttl"`
}

func (c *OneTimeCode) IsExpired(now time.Time) bool {
	return now.Unix() >= c.ExpiresAt
}

// OTPResult is the outcome of a verification attempt.
type OTPResult string

const (
	OTPValid    OTPResult = "VALID"
	OTPExpired  OTPResult = "EXPIRED"
	OTPInvalid  OTPResult = "INVALID"
	OTPLocked   OTPResult = "LOCKED"
	OTPNotFound OTPResult = "NOT_FOUND"
)

// Err maps a non-valid result to its coded error. VALID maps to nil.
func (r OTPResult) Err() error {
	switch r {
	case OTPValid:
		return nil
	case OTPExpired:
		return ErrOTPExpired
	case OTPLocked:
		return ErrOTPMaxAttemptsExceeded
	case OTPNotFound:
		return ErrOTPNotFound
	default:
		return ErrVerificationFailed
	}
}
