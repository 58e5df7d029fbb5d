package config

import (
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort   string
	AppEnv    string
	LogLevel  string
	LogFormat string

	AWSRegion      string
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string
	DynamoTables   DynamoTables
	SNSRegion      string
	KMSKeyID       string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTIssuer         string
	JWTAudience       string
	JWTExpiry         time.Duration // access token lifetime
	IdentityExpiry    time.Duration
	SignInExpiry      time.Duration // between the email code and the second factor
	RefreshExpiry     time.Duration
	ServiceTokenMax   time.Duration
	AccessCookieName  string

	SMTPHost     string
	SMTPPort     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	Signup Signup
	OTP    OTP

	TOTPIssuer        string
	TOTPMaxFailures   int           // failed authenticator codes before lockout
	TOTPLockout       time.Duration // window the failure count lives for
	TrialDays         int
	WorkerConcurrency int
	AllowedOrigins    []string // CORS allowed origins
	// TrustedProxies are the peers whose forwarding headers are believed. Empty means
	// the client IP is always the socket peer.
	TrustedProxies []netip.Prefix
}

// DynamoDB table name for each entity.
type DynamoTables struct {
	Users             string
	Sessions          string
	EmailReservations string
	OneTimeCodes      string
	AuthMethods       string
	ServiceAccounts   string
}

// Signup groups the account-creation knobs.
type Signup struct {
	EmailEnabled   bool
	ReservationTTL time.Duration
	AdminEmails    []string
}

// OTP groups one-time-passcode limits.
type OTP struct {
	MaxAttempts int
	Cooldown    time.Duration
	DailyLimit  int
	EmailExpiry time.Duration
	SMSExpiry   time.Duration
	AdminBypass bool
	RolloverTZ  *time.Location
}

// Load reads all configuration from environment variables.
func Load() *Config {
	return &Config{
		AppPort:   getEnv("APP_PORT", "3000"),
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		DynamoTables: DynamoTables{
			Users:             getEnv("DYNAMO_TABLE_USERS", "users"),
			Sessions:          getEnv("DYNAMO_TABLE_SESSIONS", "sessions"),
			EmailReservations: getEnv("DYNAMO_TABLE_EMAIL_RESERVATIONS", "email_reservations"),
			OneTimeCodes:      getEnv("DYNAMO_TABLE_ONE_TIME_CODES", "one_time_codes"),
			AuthMethods:       getEnv("DYNAMO_TABLE_AUTH_METHODS", "auth_methods"),
			ServiceAccounts:   getEnv("DYNAMO_TABLE_SERVICE_ACCOUNTS", "service_accounts"),
		},
		SNSRegion: getEnv("SNS_REGION", "us-east-1"),
		KMSKeyID:  getEnv("KMS_KEY_ID", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTPrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", "./private_key.pem"),
		JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "./public_key.pem"),
		JWTIssuer:         getEnv("JWT_ISSUER", "go-signup-mfa"),
		JWTAudience:       getEnv("JWT_AUDIENCE", "go-signup-mfa"),
		JWTExpiry:         time.Duration(getEnvInt("ACCESS_TOKEN_EXPIRY_MINUTES", 60)) * time.Minute,
		IdentityExpiry:    time.Duration(getEnvInt("IDENTITY_TOKEN_EXPIRY_MINUTES", 30)) * time.Minute,
		SignInExpiry:      time.Duration(getEnvInt("SIGNIN_TOKEN_EXPIRY_MINUTES", 5)) * time.Minute,
		RefreshExpiry:     time.Duration(getEnvInt("REFRESH_TOKEN_EXPIRY_DAYS", 30)) * 24 * time.Hour,
		ServiceTokenMax:   time.Duration(getEnvInt("SERVICE_TOKEN_MAX_HOURS", 24)) * time.Hour,
		AccessCookieName:  getEnv("ACCESS_COOKIE_NAME", "access_token"),

		SMTPHost:     getEnv("SMTP_HOST", "localhost"),
		SMTPPort:     getEnv("SMTP_PORT", "1025"),
		SMTPFrom:     getEnv("SMTP_FROM", "noreply@example.com"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),

		Signup: Signup{
			EmailEnabled:   getEnvBool("EMAIL_SIGNUP_ENABLED", true),
			ReservationTTL: time.Duration(getEnvInt("RESERVATION_TTL_SECONDS", 600)) * time.Second,
			AdminEmails:    getEnvList("ADMIN_EMAILS"),
		},
		OTP: OTP{
			MaxAttempts: getEnvInt("OTP_MAX_ATTEMPTS", 5),
			Cooldown:    time.Duration(getEnvInt("OTP_COOLDOWN_SECONDS", 60)) * time.Second,
			DailyLimit:  getEnvInt("OTP_DAILY_LIMIT", 10),
			EmailExpiry: time.Duration(getEnvInt("EMAIL_OTP_EXPIRY_MINUTES", 10)) * time.Minute,
			SMSExpiry:   time.Duration(getEnvInt("SMS_OTP_EXPIRY_MINUTES", 5)) * time.Minute,
			AdminBypass: getEnvBool("OTP_ADMIN_BYPASS_ENABLED", false),
			RolloverTZ:  getEnvLocation("RATE_LIMIT_TIMEZONE", time.UTC),
		},

		TOTPIssuer:        getEnv("TOTP_ISSUER", "go-signup-mfa"),
		TOTPMaxFailures:   getEnvInt("TOTP_MAX_FAILED_ATTEMPTS", 5),
		TOTPLockout:       time.Duration(getEnvInt("TOTP_LOCKOUT_MINUTES", 15)) * time.Minute,
		TrialDays:         getEnvInt("TRIAL_DAYS", 30),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 10),
		AllowedOrigins:    strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
		TrustedProxies:    getEnvPrefixes("TRUSTED_PROXIES"),
	}
}

// getEnvPrefixes parses a comma-separated list of CIDRs or bare addresses. Invalid
// entries are skipped.
func getEnvPrefixes(key string) []netip.Prefix {
	var out []netip.Prefix
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if p, err := netip.ParsePrefix(part); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(part); err == nil {
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvList splits a comma-separated value, lowercasing and trimming each entry.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvLocation(key string, fallback *time.Location) *time.Location {
	if v := os.Getenv(key); v != "" {
		if loc, err := time.LoadLocation(v); err == nil {
			return loc
		}
	}
	return fallback
}
