package dynamo

// DynamoDB attribute names used in key maps, conditions and update expressions.
const (
	fieldUserID           = "user_id"
	fieldEmail            = "email"
	fieldStatus           = "status"
	fieldEnable           = "enable"
	fieldUpdatedAt        = "updated_at"
	fieldExpiresAt        = "expires_at"
	fieldConfirmedAt      = "confirmed_at"
	fieldSessionID        = "session_id"
	fieldRefreshToken     = "refresh_token"
	fieldRefreshExpiresAt = "refresh_expires_at"
	fieldRecipient        = "recipient"
	fieldPurpose          = "purpose"
	fieldCodeHash         = "code_hash"
	fieldAttempts         = "attempts"
	fieldMethodID         = "method_id"
	fieldClientID         = "client_id"
	fieldLastUsedAt       = "last_used_at"
	fieldLastUsedFrom     = "last_used_from"
)
