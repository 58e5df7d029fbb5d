package domain

import "time"

const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

const (
	TierFree  = "free"
	TierTrial = "trial"
)

// User is created exactly once, inside the account creation transaction, with the id
// that was minted when the email was reserved.
type User struct {
	UserID           string     `json:"id" dynamodbav:"user_id"`
	Name             string     `json:"name" dynamodbav:"name"`
	Email            string     `json:"email" dynamodbav:"email"`
	Role             string     `json:"role" dynamodbav:"role"`
	SubscriptionTier string     `json:"subscription_tier" dynamodbav:"subscription_tier"`
	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty" dynamodbav:"trial_ends_at,omitempty"`
	DemoMode         bool       `json:"demo_mode" dynamodbav:"demo_mode"`
	EmailVerified    bool       `json:"email_verified" dynamodbav:"email_verified"`
	Enable           bool       `json:"enable" dynamodbav:"enable"`
	CreatedAt        time.Time  `json:"created" dynamodbav:"created_at"`
	UpdatedAt        time.Time  `json:"updated" dynamodbav:"updated_at"`
}
