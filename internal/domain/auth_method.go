package domain

import "time"

type AuthMethodType string

const (
	AuthMethodEmailOTP AuthMethodType = "EMAIL_OTP"
	AuthMethodTOTP     AuthMethodType = "TOTP"
	AuthMethodSMS      AuthMethodType = "SMS"
	AuthMethodPasskey  AuthMethodType = "PASSKEY"
)

// Metadata keys used on authentication methods.
const (
	MetaEmail            = "email"
	MetaIsVerified       = "isVerified"
	MetaVerificationTime = "verificationTime"
	MetaPhone            = "phone"
	MetaSecret           = "secret" // sealed, never plaintext
)

// AuthenticationMethod is a child record of a user.
// PK: user_id, SK: method_id.
type AuthenticationMethod struct {
	UserID     string            `json:"user_id" dynamodbav:"user_id"`
	MethodID   string            `json:"id" dynamodbav:"method_id"`
	Type       AuthMethodType    `json:"type" dynamodbav:"type"`
	Metadata   map[string]string `json:"-" dynamodbav:"metadata"`
	Verified   bool              `json:"verified" dynamodbav:"verified"`
	IsActive   bool              `json:"is_active" dynamodbav:"is_active"`
	VerifiedAt *time.Time        `json:"verified_at,omitempty" dynamodbav:"verified_at,omitempty"`
	LastUsedAt *time.Time        `json:"last_used_at,omitempty" dynamodbav:"last_used_at,omitempty"`
	CreatedAt  time.Time         `json:"created" dynamodbav:"created_at"`
	UpdatedAt  time.Time         `json:"updated" dynamodbav:"updated_at"`
}

// Authentication method references carried in session tokens.
const (
	AMRPassword    = "password"
	AMRSMSOTP      = "sms_otp"
	AMRPasskeys    = "passkeys"
	AMRTOTP        = "totp"
	AMREmailOTP    = "email_otp"
	AMRBackupCodes = "backup_codes"
)
