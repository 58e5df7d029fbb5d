package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-signup-mfa/internal/domain"
	jwtinfra "github.com/go-signup-mfa/internal/infrastructure/jwt"
	"github.com/go-signup-mfa/internal/infrastructure/logger"
	"github.com/go-signup-mfa/internal/pkg/id"
	pkgtoken "github.com/go-signup-mfa/internal/pkg/token"
	"go.uber.org/zap"
)

const defaultRefreshTTL = 30 * 24 * time.Hour

type SessionStore interface {
	Put(ctx context.Context, s *domain.Session) error
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	Disable(ctx context.Context, sessionID string) error
	GetByRefreshToken(ctx context.Context, token string) (*domain.Session, error)
	RotateRefreshToken(ctx context.Context, sessionID, oldToken, newToken string, newExpiry int64) error
}

type UserStore interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
}

type TokenSigner interface {
	SignSession(in jwtinfra.SessionInput) (string, error)
}

// IssueRequest describes a completed authentication event. Methods are AMR names.
type IssueRequest struct {
	UserID   string
	Methods  []string
	DeviceID string
	IP       string
	// User is the account when the caller already holds it. It is read otherwise.
	User *domain.User
}

// Tokens is the full session pair handed to a fully authenticated caller.
type Tokens struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int64           `json:"expires_in"`
	ACR          string          `json:"acr"`
	Session      *domain.Session `json:"session"`
}

type Service interface {
	Issue(ctx context.Context, req IssueRequest) (*Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
	Logout(ctx context.Context, sessionID string) error
	Current(ctx context.Context, sessionID string) (*domain.Session, error)
}

type ServiceDeps struct {
	Sessions   SessionStore
	Users      UserStore
	Signer     TokenSigner
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

type service struct {
	sessions   SessionStore
	users      UserStore
	signer     TokenSigner
	accessTTL  time.Duration
	refreshTTL time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func NewService(deps ServiceDeps) Service {
	s := &service{
		sessions:   deps.Sessions,
		users:      deps.Users,
		signer:     deps.Signer,
		accessTTL:  deps.AccessTTL,
		refreshTTL: deps.RefreshTTL,
		log:        logger.OrNop(deps.Logger).Named("session"),
		now:        deps.Now,
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = defaultRefreshTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Issue persists a session for the user and signs its access token. Callers must only
// invoke it once every factor in req.Methods has been verified.
func (s *service) Issue(ctx context.Context, req IssueRequest) (*Tokens, error) {
	u := req.User
	if u == nil || u.UserID != req.UserID {
		var err error
		if u, err = s.users.Get(ctx, req.UserID); err != nil {
			return nil, err
		}
	}
	if !u.Enable {
		return nil, fmt.Errorf("account disabled: %w", domain.ErrUnauthorized)
	}
	refresh, err := pkgtoken.NewRefreshToken()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sess := &domain.Session{
		SessionID:        id.New(),
		UserID:           u.UserID,
		DeviceID:         req.DeviceID,
		IPAddress:        req.IP,
		Methods:          req.Methods,
		ACR:              jwtinfra.CalculateACR(req.Methods),
		Enable:           true,
		RefreshToken:     refresh,
		RefreshExpiresAt: now.Add(s.refreshTTL).Unix(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.sessions.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	access, err := s.sign(u, sess, now)
	if err != nil {
		return nil, err
	}
	sess.User = u
	s.log.Info("session issued",
		zap.String("user_id", u.UserID),
		zap.String("session_id", sess.SessionID),
		zap.String("acr", sess.ACR),
	)
	return s.tokens(access, refresh, sess), nil
}

// Refresh rotates the refresh token and signs a new access token for the same
// authentication event. A refresh token can be redeemed once.
func (s *service) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	sess, err := s.sessions.GetByRefreshToken(ctx, refreshToken)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrUnauthorized) {
		return nil, fmt.Errorf("invalid refresh token: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !sess.Active(now) {
		return nil, fmt.Errorf("refresh token expired: %w", domain.ErrUnauthorized)
	}
	u, err := s.users.Get(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if !u.Enable {
		return nil, fmt.Errorf("account disabled: %w", domain.ErrUnauthorized)
	}

	next, err := pkgtoken.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	expiry := now.Add(s.refreshTTL).Unix()
	if err := s.sessions.RotateRefreshToken(ctx, sess.SessionID, refreshToken, next, expiry); err != nil {
		return nil, err
	}
	sess.RefreshToken = next
	sess.RefreshExpiresAt = expiry

	access, err := s.sign(u, sess, sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	sess.User = u
	return s.tokens(access, next, sess), nil
}

func (s *service) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.Disable(ctx, sessionID)
}

func (s *service) Current(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Active(s.now()) {
		return nil, fmt.Errorf("session expired: %w", domain.ErrUnauthorized)
	}
	u, err := s.users.Get(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	sess.User = u
	return sess, nil
}

func (s *service) sign(u *domain.User, sess *domain.Session, authTime time.Time) (string, error) {
	access, err := s.signer.SignSession(jwtinfra.SessionInput{
		UserID:    u.UserID,
		Role:      u.Role,
		SessionID: sess.SessionID,
		DeviceID:  sess.DeviceID,
		IP:        sess.IPAddress,
		Methods:   sess.Methods,
		AuthTime:  authTime,
	})
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return access, nil
}

func (s *service) tokens(access, refresh string, sess *domain.Session) *Tokens {
	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTTL / time.Second),
		ACR:          sess.ACR,
		Session:      sess,
	}
}
