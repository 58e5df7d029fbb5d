package mfa

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-signup-mfa/internal/application/totp"
	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/infrastructure/logger"
	"go.uber.org/zap"
)

type Authenticator interface {
	Provision(ctx context.Context, userID, accountLabel string) (*totp.Provisioning, error)
	Verify(ctx context.Context, userID, code string) (bool, error)
	ConfirmEnrollment(ctx context.Context, userID, code string) (bool, error)
	Disable(ctx context.Context, userID string) error
	IsEnabled(ctx context.Context, userID string) (bool, error)
}

type UserStore interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
}

type TOTPStatus struct {
	Enabled bool `json:"enabled"`
}

type CodeRequest struct {
	Code string `json:"code" validate:"required,otp"`
}

// Service manages second factors for users who already have an account.
type Service interface {
	TOTPStatus(ctx context.Context, userID string) (*TOTPStatus, error)
	ProvisionTOTP(ctx context.Context, userID string) (*totp.Provisioning, error)
	ConfirmTOTP(ctx context.Context, userID, code string) error
	DisableTOTP(ctx context.Context, userID, code string) error
}

type ServiceDeps struct {
	Authenticator Authenticator
	Users         UserStore
	Logger        *zap.Logger
}

type service struct {
	auth  Authenticator
	users UserStore
	log   *zap.Logger
}

func NewService(deps ServiceDeps) Service {
	return &service{
		auth:  deps.Authenticator,
		users: deps.Users,
		log:   logger.OrNop(deps.Logger).Named("mfa"),
	}
}

func (s *service) TOTPStatus(ctx context.Context, userID string) (*TOTPStatus, error) {
	ok, err := s.auth.IsEnabled(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &TOTPStatus{Enabled: ok}, nil
}

// ProvisionTOTP labels the authenticator entry with the user's email.
func (s *service) ProvisionTOTP(ctx context.Context, userID string) (*totp.Provisioning, error) {
	u, err := s.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.auth.Provision(ctx, u.UserID, u.Email)
}

func (s *service) ConfirmTOTP(ctx context.Context, userID, code string) error {
	ok, err := s.auth.ConfirmEnrollment(ctx, userID, code)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("no authenticator pending: %w", domain.ErrTOTPVerificationFailed)
	}
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrTOTPVerificationFailed
	}
	return nil
}

// DisableTOTP requires a current code from the authenticator being removed.
func (s *service) DisableTOTP(ctx context.Context, userID, code string) error {
	ok, err := s.auth.Verify(ctx, userID, code)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("authenticator not enabled: %w", domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrTOTPVerificationFailed
	}
	if err := s.auth.Disable(ctx, userID); err != nil {
		return err
	}
	s.log.Info("totp removed by user", zap.String("user_id", userID))
	return nil
}

func (s *service) user(ctx context.Context, userID string) (*domain.User, error) {
	u, err := s.users.Get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrUserNotFound)
	}
	return u, err
}
