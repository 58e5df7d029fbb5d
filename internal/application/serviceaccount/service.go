package serviceaccount

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/infrastructure/logger"
	"github.com/go-signup-mfa/internal/pkg/token"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	clientIDPrefix     = "sa_"
	defaultMaxValidity = time.Hour
)

type Store interface {
	Create(ctx context.Context, a *domain.ServiceAccount) error
	Get(ctx context.Context, clientID string) (*domain.ServiceAccount, error)
	RecordUsage(ctx context.Context, clientID, ip string, at time.Time) error
}

type TokenSigner interface {
	SignService(accountID string, scopes []string, validity time.Duration) (string, error)
}

// Credentials are returned once at creation. The secret is not recoverable afterwards.
type Credentials struct {
	ClientID     string                 `json:"client_id"`
	ClientSecret string                 `json:"client_secret"`
	Account      *domain.ServiceAccount `json:"account"`
}

type TokenRequest struct {
	ClientID        string   `json:"client_id" validate:"required"`
	ClientSecret    string   `json:"client_secret" validate:"required"`
	Scopes          []string `json:"scopes" validate:"omitempty,dive,scope"`
	ValiditySeconds int      `json:"validity_seconds" validate:"omitempty,min=1"`
}

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

type Service interface {
	Create(ctx context.Context, req domain.CreateServiceAccountRequest, createdBy string) (*Credentials, error)
	IssueToken(ctx context.Context, req TokenRequest, ip string) (*Token, error)
}

type ServiceDeps struct {
	Store       Store
	Signer      TokenSigner
	MaxValidity time.Duration
	HashCost    int
	Logger      *zap.Logger
	Now         func() time.Time
}

type service struct {
	store       Store
	signer      TokenSigner
	maxValidity time.Duration
	cost        int
	log         *zap.Logger
	now         func() time.Time
}

func NewService(deps ServiceDeps) Service {
	s := &service{
		store:       deps.Store,
		signer:      deps.Signer,
		maxValidity: deps.MaxValidity,
		cost:        deps.HashCost,
		log:         logger.OrNop(deps.Logger).Named("service_account"),
		now:         deps.Now,
	}
	if s.maxValidity <= 0 {
		s.maxValidity = defaultMaxValidity
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *service) Create(ctx context.Context, req domain.CreateServiceAccountRequest, createdBy string) (*Credentials, error) {
	clientID, err := token.Hex(16)
	if err != nil {
		return nil, err
	}
	clientID = clientIDPrefix + clientID
	secret, err := token.Hex(32)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash client secret: %w", err)
	}

	now := s.now().UTC()
	a := &domain.ServiceAccount{
		ClientID:   clientID,
		Name:       req.Name,
		SecretHash: string(hash),
		Scopes:     req.Scopes,
		AllowedIPs: req.AllowedIPs,
		Enable:     true,
		CreatedBy:  createdBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	s.log.Info("service account created", zap.String("client_id", clientID), zap.String("created_by", createdBy))
	return &Credentials{ClientID: clientID, ClientSecret: secret, Account: a}, nil
}

// IssueToken exchanges client credentials for a short-lived service token. Every
// rejection carries the same code; the reason is only logged.
func (s *service) IssueToken(ctx context.Context, req TokenRequest, ip string) (*Token, error) {
	a, err := s.store.Get(ctx, req.ClientID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, s.deny(req.ClientID, ip, "unknown client")
	}
	if err != nil {
		return nil, err
	}
	if !a.Enable {
		return nil, s.deny(a.ClientID, ip, "disabled")
	}
	if !a.IPAllowed(ip) {
		return nil, s.deny(a.ClientID, ip, "ip not allowed")
	}
	if bcrypt.CompareHashAndPassword([]byte(a.SecretHash), []byte(req.ClientSecret)) != nil {
		return nil, s.deny(a.ClientID, ip, "bad secret")
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = a.Scopes
	}
	for _, sc := range scopes {
		if !slices.Contains(a.Scopes, sc) {
			return nil, s.deny(a.ClientID, ip, "scope not granted: "+sc)
		}
	}

	validity := s.maxValidity
	if req.ValiditySeconds > 0 {
		validity = time.Duration(req.ValiditySeconds) * time.Second
	}
	if validity > s.maxValidity {
		return nil, s.deny(a.ClientID, ip, "validity above maximum")
	}

	tok, err := s.signer.SignService(a.ClientID, scopes, validity)
	if err != nil {
		return nil, fmt.Errorf("sign service token: %w", err)
	}
	if err := s.store.RecordUsage(ctx, a.ClientID, ip, s.now()); err != nil {
		s.log.Warn("service account usage not recorded", zap.String("client_id", a.ClientID), zap.Error(err))
	}
	s.log.Info("service account token issued",
		zap.String("client_id", a.ClientID),
		zap.Strings("scopes", scopes),
		zap.String("ip", ip),
		zap.Duration("validity", validity),
	)
	return &Token{
		AccessToken: tok,
		TokenType:   "Bearer",
		ExpiresIn:   int64(validity.Seconds()),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

func (s *service) deny(clientID, ip, reason string) error {
	s.log.Warn("service account token denied",
		zap.String("client_id", clientID),
		zap.String("ip", ip),
		zap.String("reason", reason),
	)
	return domain.ErrServiceAccountAuthFailed
}
