package jwtinfra

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-signup-mfa/internal/config"
	"github.com/go-signup-mfa/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type TokenType string

const (
	TokenIdentity TokenType = "identity"
	TokenSession  TokenType = "session"
	TokenService  TokenType = "service"
	TokenSignIn   TokenType = "signin"
)

// ScopeProfileCreate is the only scope an identity token carries.
const ScopeProfileCreate = "profile:create"

// ScopeSignInFactor is the only scope a sign-in token carries: it proves the email
// code and can only be traded for a second factor.
const ScopeSignInFactor = "signin:factor"

const defaultSignInExpiry = 5 * time.Minute

var ErrWrongTokenType = errors.New("wrong token type")

// amrCodes are the numeric method references placed in the amr claim.
var amrCodes = map[string]int{
	domain.AMRPassword:    1,
	domain.AMRSMSOTP:      2,
	domain.AMRPasskeys:    3,
	domain.AMRTOTP:        4,
	domain.AMREmailOTP:    5,
	domain.AMRBackupCodes: 6,
}

// Claims holds the JWT payload fields.
type Claims struct {
	TokenType TokenType `json:"token_type"`
	Scope     string    `json:"scope,omitempty"`
	ACR       string    `json:"acr"`
	AMR       []int     `json:"amr,omitempty"`
	AuthTime  int64     `json:"auth_time,omitempty"`
	Role      string    `json:"role,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	IP        string    `json:"ip,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether scope is one of the space-separated scopes in the token.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(strings.Fields(c.Scope), scope)
}

// ServiceAccountID returns the client id of a service token subject, or "".
func (c *Claims) ServiceAccountID() string {
	if c.TokenType != TokenService {
		return ""
	}
	return strings.TrimPrefix(c.Subject, domain.ServiceAccountSubjectPrefix)
}

// SessionInput describes a completed authentication event.
type SessionInput struct {
	UserID    string
	Role      string
	SessionID string
	DeviceID  string
	IP        string
	Methods   []string
	AuthTime  time.Time
}

// Provider signs and verifies RS256 JWTs.
type Provider struct {
	privateKey     *rsa.PrivateKey
	publicKey      *rsa.PublicKey
	issuer         string
	audience       string
	expiry         time.Duration
	identityExpiry time.Duration
	signInExpiry   time.Duration
	now            func() time.Time
}

func NewProvider(cfg *config.Config) (*Provider, error) {
	privBytes, err := os.ReadFile(cfg.JWTPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	privKey, err := jwt.ParseRSAPrivateKeyFromPEM(privBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pubBytes, err := os.ReadFile(cfg.JWTPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pubKey, err := jwt.ParseRSAPublicKeyFromPEM(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	p := &Provider{
		privateKey:     privKey,
		publicKey:      pubKey,
		issuer:         cfg.JWTIssuer,
		audience:       cfg.JWTAudience,
		expiry:         cfg.JWTExpiry,
		identityExpiry: cfg.IdentityExpiry,
		signInExpiry:   cfg.SignInExpiry,
		now:            time.Now,
	}
	if p.signInExpiry <= 0 {
		p.signInExpiry = defaultSignInExpiry
	}
	return p, nil
}

// AccessExpiry is the lifetime of session access tokens.
func (p *Provider) AccessExpiry() time.Duration { return p.expiry }

// IssueIdentityToken signs the narrow token handed out after email verification.
// It can only be used to finish creating the profile.
func (p *Provider) IssueIdentityToken(userID, email, name string) (string, error) {
	now := p.now()
	claims := Claims{
		TokenType:        TokenIdentity,
		Scope:            ScopeProfileCreate,
		ACR:              "0",
		AMR:              AMRCodes([]string{domain.AMREmailOTP}),
		AuthTime:         now.Unix(),
		Email:            email,
		Name:             name,
		RegisteredClaims: p.registered(userID, now, p.identityExpiry),
	}
	return p.sign(claims)
}

// IssueSignInToken signs the short-lived token handed to an existing user once their
// email code is verified. It is accepted only where a second factor is presented.
func (p *Provider) IssueSignInToken(userID, email string) (string, error) {
	now := p.now()
	claims := Claims{
		TokenType:        TokenSignIn,
		Scope:            ScopeSignInFactor,
		ACR:              "1",
		AMR:              AMRCodes([]string{domain.AMREmailOTP}),
		AuthTime:         now.Unix(),
		Email:            email,
		RegisteredClaims: p.registered(userID, now, p.signInExpiry),
	}
	return p.sign(claims)
}

func (p *Provider) SignSession(in SessionInput) (string, error) {
	now := p.now()
	authTime := in.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	claims := Claims{
		TokenType:        TokenSession,
		ACR:              CalculateACR(in.Methods),
		AMR:              AMRCodes(in.Methods),
		AuthTime:         authTime.Unix(),
		Role:             in.Role,
		DeviceID:         in.DeviceID,
		IP:               in.IP,
		SessionID:        in.SessionID,
		RegisteredClaims: p.registered(in.UserID, now, p.expiry),
	}
	return p.sign(claims)
}

func (p *Provider) SignService(accountID string, scopes []string, validity time.Duration) (string, error) {
	now := p.now()
	claims := Claims{
		TokenType:        TokenService,
		Scope:            strings.Join(scopes, " "),
		ACR:              "0",
		RegisteredClaims: p.registered(domain.ServiceAccountSubjectPrefix+accountID, now, validity),
	}
	return p.sign(claims)
}

// Parse validates signature, issuer, audience and expiry without checking the token type.
func (p *Provider) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return p.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Verify parses the token and requires it to be of the expected type, so an identity
// token can never stand in for a session token or the reverse.
func (p *Provider) Verify(tokenStr string, expected TokenType) (*Claims, error) {
	claims, err := p.Parse(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != expected {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongTokenType, claims.TokenType, expected)
	}
	return claims, nil
}

func (p *Provider) registered(subject string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    p.issuer,
		Audience:  jwt.ClaimStrings{p.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (p *Provider) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(p.privateKey)
}

// AMRCodes maps method names to their numeric codes, dropping unknown names and duplicates.
func AMRCodes(methods []string) []int {
	out := make([]int, 0, len(methods))
	for _, m := range methods {
		if c, ok := amrCodes[m]; ok && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// CalculateACR derives the assurance level from the distinct methods used:
// none is "0", one is "1", several are "2.1", several including a passkey are "2.2".
func CalculateACR(methods []string) string {
	distinct := make([]string, 0, len(methods))
	for _, m := range methods {
		if m != "" && !slices.Contains(distinct, m) {
			distinct = append(distinct, m)
		}
	}
	switch len(distinct) {
	case 0:
		return "0"
	case 1:
		return "1"
	}
	if slices.Contains(distinct, domain.AMRPasskeys) {
		return "2.2"
	}
	return "2.1"
}
