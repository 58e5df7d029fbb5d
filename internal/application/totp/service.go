package totp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/infrastructure/logger"
	"github.com/go-signup-mfa/internal/pkg/id"
	"github.com/go-signup-mfa/internal/pkg/qr"
	"github.com/xlzd/gotp"
	"go.uber.org/zap"
)

const (
	secretLength = 32
	period       = 30
	// skewSteps is how many periods either side of now are accepted.
	skewSteps = 1
)

type MethodStore interface {
	Put(ctx context.Context, m *domain.AuthenticationMethod) error
	GetByType(ctx context.Context, userID string, t domain.AuthMethodType) (*domain.AuthenticationMethod, error)
	Update(ctx context.Context, userID, methodID string, updates map[string]interface{}) error
	Delete(ctx context.Context, userID, methodID string) error
}

// Attempts tracks failed codes per user. A locked user gets no further checks
// until the window passes.
type Attempts interface {
	Locked(ctx context.Context, userID string) (bool, error)
	RecordFailure(ctx context.Context, userID string) error
	Reset(ctx context.Context, userID string) error
}

type Sealer interface {
	Seal(ctx context.Context, plaintext, ownerID string) (string, error)
	Open(ctx context.Context, sealed, ownerID string) (string, error)
}

// Provisioning is shown to the user once, to be scanned into an authenticator app.
type Provisioning struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
	QRCode string `json:"qr_code"`
}

type Service interface {
	Provision(ctx context.Context, userID, accountLabel string) (*Provisioning, error)
	Verify(ctx context.Context, userID, code string) (bool, error)
	ConfirmEnrollment(ctx context.Context, userID, code string) (bool, error)
	Activate(ctx context.Context, userID string) error
	Disable(ctx context.Context, userID string) error
	IsEnabled(ctx context.Context, userID string) (bool, error)
}

type ServiceDeps struct {
	Methods  MethodStore
	Sealer   Sealer
	Attempts Attempts // optional
	Issuer   string
	Logger   *zap.Logger
	Now      func() time.Time
}

type service struct {
	methods  MethodStore
	sealer   Sealer
	attempts Attempts
	issuer   string
	log      *zap.Logger
	now      func() time.Time
}

func NewService(deps ServiceDeps) Service {
	s := &service{
		methods:  deps.Methods,
		sealer:   deps.Sealer,
		attempts: deps.Attempts,
		issuer:   deps.Issuer,
		log:      logger.OrNop(deps.Logger).Named("totp"),
		now:      deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Provision stores a fresh, unverified secret for the user, replacing any earlier
// unverified one. A verified authenticator must be disabled before re-enrolling.
func (s *service) Provision(ctx context.Context, userID, accountLabel string) (*Provisioning, error) {
	existing, err := s.method(ctx, userID)
	switch {
	case err == nil && existing.Verified:
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrTOTPAlreadyEnabled)
	case err == nil:
		if err := s.methods.Delete(ctx, userID, existing.MethodID); err != nil {
			return nil, fmt.Errorf("replace pending authenticator: %w", err)
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	secret := gotp.RandomSecret(secretLength)
	sealed, err := s.sealer.Seal(ctx, secret, userID)
	if err != nil {
		return nil, fmt.Errorf("seal totp secret: %w", err)
	}

	now := s.now().UTC()
	m := &domain.AuthenticationMethod{
		UserID:    userID,
		MethodID:  id.New(),
		Type:      domain.AuthMethodTOTP,
		Metadata:  map[string]string{domain.MetaSecret: sealed},
		Verified:  false,
		IsActive:  false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.methods.Put(ctx, m); err != nil {
		return nil, fmt.Errorf("store authenticator: %w", err)
	}

	uri := gotp.NewDefaultTOTP(secret).ProvisioningUri(accountLabel, s.issuer)
	img, err := qr.DataURI(uri)
	if err != nil {
		return nil, err
	}
	return &Provisioning{Secret: secret, URI: uri, QRCode: img}, nil
}

// Verify checks code against the stored secret without changing any state.
func (s *service) Verify(ctx context.Context, userID, code string) (bool, error) {
	m, err := s.method(ctx, userID)
	if err != nil {
		return false, err
	}
	return s.check(ctx, m, code)
}

// ConfirmEnrollment activates the authenticator once the user proves their device
// produces matching codes. A wrong code leaves the method unverified.
func (s *service) ConfirmEnrollment(ctx context.Context, userID, code string) (bool, error) {
	m, err := s.method(ctx, userID)
	if err != nil {
		return false, err
	}
	ok, err := s.check(ctx, m, code)
	if err != nil || !ok {
		return false, err
	}
	if err := s.activate(ctx, m); err != nil {
		return false, err
	}
	return true, nil
}

// Activate marks the pending authenticator verified without checking a code. The
// caller must already have proven a code through Verify.
func (s *service) Activate(ctx context.Context, userID string) error {
	m, err := s.method(ctx, userID)
	if err != nil {
		return err
	}
	return s.activate(ctx, m)
}

func (s *service) activate(ctx context.Context, m *domain.AuthenticationMethod) error {
	now := s.now().UTC()
	updates := map[string]interface{}{
		"last_used_at": now,
	}
	if !m.Verified {
		updates["verified"] = true
		updates["is_active"] = true
		updates["verified_at"] = now
	}
	if err := s.methods.Update(ctx, m.UserID, m.MethodID, updates); err != nil {
		return fmt.Errorf("activate authenticator: %w", err)
	}
	s.log.Info("totp enrollment confirmed", zap.String("user_id", m.UserID))
	return nil
}

// Disable deletes the authenticator outright; enrolling again starts from a new secret.
func (s *service) Disable(ctx context.Context, userID string) error {
	m, err := s.method(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.methods.Delete(ctx, userID, m.MethodID); err != nil {
		return fmt.Errorf("delete authenticator: %w", err)
	}
	s.log.Info("totp disabled", zap.String("user_id", userID))
	return nil
}

func (s *service) IsEnabled(ctx context.Context, userID string) (bool, error) {
	m, err := s.method(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Verified && m.IsActive, nil
}

func (s *service) method(ctx context.Context, userID string) (*domain.AuthenticationMethod, error) {
	return s.methods.GetByType(ctx, userID, domain.AuthMethodTOTP)
}

// check validates code and keeps the per-user failure count. A locked user is
// refused before the secret is opened.
func (s *service) check(ctx context.Context, m *domain.AuthenticationMethod, code string) (bool, error) {
	if s.attempts != nil {
		locked, err := s.attempts.Locked(ctx, m.UserID)
		if err != nil {
			return false, err
		}
		if locked {
			return false, fmt.Errorf("user %s: %w", m.UserID, domain.ErrTOTPRateLimited)
		}
	}
	secret, err := s.sealer.Open(ctx, m.Metadata[domain.MetaSecret], m.UserID)
	if err != nil {
		return false, fmt.Errorf("open totp secret: %w", err)
	}
	ok := validAt(secret, code, s.now())
	if s.attempts == nil {
		return ok, nil
	}
	if !ok {
		if err := s.attempts.RecordFailure(ctx, m.UserID); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := s.attempts.Reset(ctx, m.UserID); err != nil {
		s.log.Warn("failed to reset totp failures", zap.String("user_id", m.UserID), zap.Error(err))
	}
	return true, nil
}

// validAt accepts the code for the current step and skewSteps either side.
func validAt(secret, code string, now time.Time) bool {
	if len(code) != 6 {
		return false
	}
	t := gotp.NewDefaultTOTP(secret)
	ts := now.Unix()
	for step := -skewSteps; step <= skewSteps; step++ {
		want := t.At(ts + int64(step*period))
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return true
		}
	}
	return false
}
