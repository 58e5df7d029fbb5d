package account

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/infrastructure/logger"
	"github.com/go-signup-mfa/internal/pkg/id"
	"go.uber.org/zap"
)

// Store commits the reservation confirmation, the user and its first method atomically.
type Store interface {
	Create(ctx context.Context, u *domain.User, m *domain.AuthenticationMethod, now time.Time) error
}

type TrialScheduler interface {
	EnqueueTrialInit(ctx context.Context, userID string) error
}

type CreateRequest struct {
	UserID string
	Email  string
	Name   string
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*domain.User, error)
}

type ServiceDeps struct {
	Store       Store
	Trials      TrialScheduler
	AdminEmails []string
	Logger      *zap.Logger
	Now         func() time.Time
}

type service struct {
	store  Store
	trials TrialScheduler
	admins []string
	log    *zap.Logger
	now    func() time.Time
}

func NewService(deps ServiceDeps) Service {
	s := &service{
		store:  deps.Store,
		trials: deps.Trials,
		admins: deps.AdminEmails,
		log:    logger.OrNop(deps.Logger).Named("account"),
		now:    deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Create confirms the reservation held by req.UserID and writes the user with a
// verified EMAIL_OTP method, all or nothing. Typed failures propagate unchanged;
// anything else surfaces as SIGNUP_FAILED. Trial setup runs after commit and can
// never fail the signup.
func (s *service) Create(ctx context.Context, req CreateRequest) (*domain.User, error) {
	now := s.now().UTC()
	email := domain.NormalizeEmail(req.Email)

	role := domain.RoleUser
	if slices.Contains(s.admins, email) {
		role = domain.RoleAdmin
	}
	u := &domain.User{
		UserID:           req.UserID,
		Name:             req.Name,
		Email:            email,
		Role:             role,
		SubscriptionTier: domain.TierFree,
		DemoMode:         true,
		EmailVerified:    true,
		Enable:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m := &domain.AuthenticationMethod{
		UserID:   req.UserID,
		MethodID: id.New(),
		Type:     domain.AuthMethodEmailOTP,
		Metadata: map[string]string{
			domain.MetaEmail:            email,
			domain.MetaIsVerified:       strconv.FormatBool(true),
			domain.MetaVerificationTime: now.Format(time.RFC3339),
		},
		Verified:   true,
		IsActive:   true,
		VerifiedAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(ctx, u, m, now); err != nil {
		if _, ok := domain.AsCoded(err); ok {
			return nil, err
		}
		s.log.Error("account creation failed", zap.String("user_id", u.UserID), zap.Error(err))
		return nil, fmt.Errorf("create account: %v: %w", err, domain.ErrSignupFailed)
	}
	s.log.Info("account created", zap.String("user_id", u.UserID), zap.String("role", u.Role))

	if s.trials != nil {
		if err := s.trials.EnqueueTrialInit(ctx, u.UserID); err != nil {
			s.log.Warn("trial initialization not scheduled", zap.String("user_id", u.UserID), zap.Error(err))
		}
	}
	return u, nil
}
