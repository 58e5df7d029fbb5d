package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/infrastructure/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultTTL = 10 * time.Minute

// Store is the persistence contract for email reservations. Create must be an atomic
// create-if-absent.
type Store interface {
	Create(ctx context.Context, res *domain.EmailReservation, now time.Time) error
	Get(ctx context.Context, email string) (*domain.EmailReservation, error)
	Confirm(ctx context.Context, email, userID string, now time.Time) error
	DeletePending(ctx context.Context, email, userID string) error
	ListExpired(ctx context.Context, now time.Time) ([]domain.EmailReservation, error)
	DeleteExpired(ctx context.Context, email string, now time.Time) (bool, error)
}

type UserLookup interface {
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

// ReserveRequest claims Email for the pre-generated UserID. A zero TTL uses the default.
type ReserveRequest struct {
	Email       string
	UserID      string
	SignupType  string
	SessionID   string
	DisplayName string
	TTL         time.Duration
}

type Service interface {
	Reserve(ctx context.Context, req ReserveRequest) (*domain.EmailReservation, error)
	IsAvailable(ctx context.Context, email string) (bool, error)
	Confirm(ctx context.Context, email, userID string) (*domain.EmailReservation, error)
	Release(ctx context.Context, email, userID string) error
	ReservedUserID(ctx context.Context, email string) (string, error)
	Get(ctx context.Context, email string) (*domain.EmailReservation, error)
	SweepExpired(ctx context.Context) (int, error)
}

type ServiceDeps struct {
	Store      Store
	Users      UserLookup
	DefaultTTL time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

type service struct {
	store Store
	users UserLookup
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time
}

func NewService(deps ServiceDeps) Service {
	s := &service{
		store: deps.Store,
		users: deps.Users,
		ttl:   deps.DefaultTTL,
		log:   logger.OrNop(deps.Logger).Named("reservation"),
		now:   deps.Now,
	}
	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *service) Reserve(ctx context.Context, req ReserveRequest) (*domain.EmailReservation, error) {
	email := domain.NormalizeEmail(req.Email)
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	taken, err := s.userExists(ctx, email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("reserve %s: %w", email, domain.ErrEmailAlreadyExists)
	}

	now := s.now().UTC()
	res := &domain.EmailReservation{
		Email:       email,
		UserID:      req.UserID,
		Status:      domain.ReservationPending,
		SignupType:  req.SignupType,
		SessionID:   req.SessionID,
		DisplayName: req.DisplayName,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl).Unix(),
	}
	if err := s.store.Create(ctx, res, now); err != nil {
		return nil, err
	}
	s.log.Debug("email reserved", zap.String("email", email), zap.String("user_id", req.UserID))
	return res, nil
}

// IsAvailable is true when no user owns the email and no valid reservation holds it.
func (s *service) IsAvailable(ctx context.Context, email string) (bool, error) {
	email = domain.NormalizeEmail(email)

	var (
		taken bool
		res   *domain.EmailReservation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		taken, err = s.userExists(gctx, email)
		return err
	})
	g.Go(func() error {
		r, err := s.store.Get(gctx, email)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		res = r
		return err
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	if taken {
		return false, nil
	}
	return res == nil || !res.IsValid(s.now()), nil
}

func (s *service) Confirm(ctx context.Context, email, userID string) (*domain.EmailReservation, error) {
	email = domain.NormalizeEmail(email)
	if err := s.store.Confirm(ctx, email, userID, s.now().UTC()); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, email)
}

// Release drops a PENDING reservation owned by userID. Missing or confirmed rows are
// left untouched and are not an error.
func (s *service) Release(ctx context.Context, email, userID string) error {
	email = domain.NormalizeEmail(email)
	err := s.store.DeletePending(ctx, email, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

func (s *service) ReservedUserID(ctx context.Context, email string) (string, error) {
	res, err := s.Get(ctx, email)
	if err != nil {
		return "", err
	}
	if !res.IsValid(s.now()) {
		return "", fmt.Errorf("reservation for %s expired: %w", res.Email, domain.ErrNotFound)
	}
	return res.UserID, nil
}

func (s *service) Get(ctx context.Context, email string) (*domain.EmailReservation, error) {
	return s.store.Get(ctx, domain.NormalizeEmail(email))
}

// SweepExpired deletes PENDING reservations past their expiry and returns how many
// were removed. Rows reclaimed or confirmed since the scan are skipped.
func (s *service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}
	removed := 0
	for _, res := range expired {
		ok, err := s.store.DeleteExpired(ctx, res.Email, now)
		if err != nil {
			s.log.Warn("failed to delete expired reservation", zap.String("email", res.Email), zap.Error(err))
			continue
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("expired reservations swept", zap.Int("removed", removed), zap.Int("scanned", len(expired)))
	}
	return removed, nil
}

func (s *service) userExists(ctx context.Context, email string) (bool, error) {
	_, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrUserNotFound), errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("look up user by email: %w", err)
	}
}
