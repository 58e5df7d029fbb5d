package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/infrastructure/logger"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	codeDigits = 6
	// Records outlive their expiry by this much so that expiry is reported
	// instead of a missing code.
	ttlGrace = time.Hour
)

// Store persists one code per (recipient, purpose). Consume and IncrementAttempts are
// conditional on the stored hash and return domain.ErrNotFound when it no longer matches.
// Consume also refuses a code whose stored attempts reached maxAttempts.
type Store interface {
	Put(ctx context.Context, c *domain.OneTimeCode) error
	Get(ctx context.Context, recipient, purpose string) (*domain.OneTimeCode, error)
	Delete(ctx context.Context, recipient, purpose string) error
	Consume(ctx context.Context, recipient, purpose, codeHash string, maxAttempts int) error
	IncrementAttempts(ctx context.Context, recipient, purpose, codeHash string) (int, error)
}

// DailyLimiter counts sends per recipient and purpose for the current local day.
type DailyLimiter interface {
	Allow(ctx context.Context, purpose, recipient string, now time.Time) (bool, error)
}

type IssueRequest struct {
	Recipient string
	Purpose   string
	SessionID string
	Metadata  map[string]string
	TTL       time.Duration
}

// Issued carries the plaintext code for out-of-band delivery. It is never stored.
type Issued struct {
	Code      string
	SessionID string
	ExpiresAt time.Time
}

type VerifyRequest struct {
	Recipient string
	Purpose   string
	Code      string
	// SessionID, when set, must match the session the code was issued for.
	SessionID string
}

type Verification struct {
	Result   domain.OTPResult
	Record   *domain.OneTimeCode
	Bypassed bool
}

type Service interface {
	Issue(ctx context.Context, req IssueRequest) (*Issued, error)
	Verify(ctx context.Context, req VerifyRequest) (*Verification, error)
	Discard(ctx context.Context, recipient, purpose string) error
	HasPending(ctx context.Context, recipient, purpose string) (bool, error)
}

type ServiceDeps struct {
	Store       Store
	Limiter     DailyLimiter
	MaxAttempts int
	Cooldown    time.Duration
	DefaultTTL  time.Duration
	// AdminBypass lets the addresses in AdminEmails verify without a code.
	AdminBypass bool
	AdminEmails []string
	HashCost    int
	Logger      *zap.Logger
	Now         func() time.Time
}

type service struct {
	store       Store
	limiter     DailyLimiter
	maxAttempts int
	cooldown    time.Duration
	ttl         time.Duration
	bypass      bool
	admins      []string
	cost        int
	log         *zap.Logger
	now         func() time.Time
}

func NewService(deps ServiceDeps) Service {
	s := &service{
		store:       deps.Store,
		limiter:     deps.Limiter,
		maxAttempts: deps.MaxAttempts,
		cooldown:    deps.Cooldown,
		ttl:         deps.DefaultTTL,
		bypass:      deps.AdminBypass,
		admins:      deps.AdminEmails,
		cost:        deps.HashCost,
		log:         logger.OrNop(deps.Logger).Named("otp"),
		now:         deps.Now,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 5
	}
	if s.ttl <= 0 {
		s.ttl = 10 * time.Minute
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.bypass {
		s.log.Warn("otp admin bypass is enabled", zap.Int("addresses", len(s.admins)))
	}
	return s
}

func (s *service) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	now := s.now().UTC()

	existing, err := s.store.Get(ctx, req.Recipient, req.Purpose)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load one-time code: %w", err)
	}
	if existing != nil && !existing.IsExpired(now) && now.Sub(existing.CreatedAt) < s.cooldown {
		return nil, fmt.Errorf("code sent %s ago: %w", now.Sub(existing.CreatedAt).Round(time.Second), domain.ErrOTPRateLimited)
	}

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, req.Purpose, req.Recipient, now)
		if err != nil {
			return nil, fmt.Errorf("check daily send limit: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("daily send limit reached: %w", domain.ErrOTPRateLimited)
		}
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash code: %w", err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	expiresAt := now.Add(ttl)
	rec := &domain.OneTimeCode{
		Recipient: req.Recipient,
		Purpose:   req.Purpose,
		CodeHash:  string(hash),
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
		CreatedAt: now,
		ExpiresAt: expiresAt.Unix(),
		TTL:       expiresAt.Add(ttlGrace).Unix(),
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("store one-time code: %w", err)
	}
	return &Issued{Code: code, SessionID: req.SessionID, ExpiresAt: expiresAt}, nil
}

// Verify checks, in order: lockout, admin bypass, presence, expiry, session, code.
// A locked code stays locked even for bypass addresses until a new one is issued.
func (s *service) Verify(ctx context.Context, req VerifyRequest) (*Verification, error) {
	now := s.now()
	fields := []zap.Field{zap.String("recipient", req.Recipient), zap.String("purpose", req.Purpose)}

	rec, err := s.store.Get(ctx, req.Recipient, req.Purpose)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load one-time code: %w", err)
	}

	if rec != nil && rec.Attempts >= s.maxAttempts {
		s.log.Info("otp locked", fields...)
		return &Verification{Result: domain.OTPLocked, Record: rec}, nil
	}

	if s.bypass && slices.Contains(s.admins, req.Recipient) {
		if rec != nil {
			if err := s.store.Delete(ctx, req.Recipient, req.Purpose); err != nil && !errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("clear one-time code: %w", err)
			}
		}
		s.log.Warn("otp admin bypass used", fields...)
		return &Verification{Result: domain.OTPValid, Record: rec, Bypassed: true}, nil
	}

	if rec == nil {
		return &Verification{Result: domain.OTPNotFound}, nil
	}

	if rec.IsExpired(now) {
		if err := s.store.Delete(ctx, req.Recipient, req.Purpose); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("failed to delete expired one-time code", append(fields, zap.Error(err))...)
		}
		return &Verification{Result: domain.OTPExpired, Record: rec}, nil
	}

	if req.SessionID != "" && rec.SessionID != req.SessionID {
		return &Verification{Result: domain.OTPInvalid, Record: rec}, nil
	}

	if bcrypt.CompareHashAndPassword([]byte(rec.CodeHash), []byte(req.Code)) == nil {
		err := s.store.Consume(ctx, req.Recipient, req.Purpose, rec.CodeHash, s.maxAttempts)
		if errors.Is(err, domain.ErrNotFound) {
			return s.lostConsume(ctx, req, rec.CodeHash, fields)
		}
		if err != nil {
			return nil, fmt.Errorf("consume one-time code: %w", err)
		}
		return &Verification{Result: domain.OTPValid, Record: rec}, nil
	}

	attempts, err := s.store.IncrementAttempts(ctx, req.Recipient, req.Purpose, rec.CodeHash)
	if errors.Is(err, domain.ErrNotFound) {
		return &Verification{Result: domain.OTPNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record failed attempt: %w", err)
	}
	rec.Attempts = attempts
	if attempts >= s.maxAttempts {
		s.log.Info("otp locked", append(fields, zap.Int("attempts", attempts))...)
		return &Verification{Result: domain.OTPLocked, Record: rec}, nil
	}
	return &Verification{Result: domain.OTPInvalid, Record: rec}, nil
}

// lostConsume re-reads a code whose conditional delete failed. Wrong guesses that
// landed after our read may have locked it; anything else means it was consumed or replaced.
func (s *service) lostConsume(ctx context.Context, req VerifyRequest, codeHash string, fields []zap.Field) (*Verification, error) {
	cur, err := s.store.Get(ctx, req.Recipient, req.Purpose)
	if errors.Is(err, domain.ErrNotFound) {
		return &Verification{Result: domain.OTPNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reload one-time code: %w", err)
	}
	if cur.CodeHash == codeHash && cur.Attempts >= s.maxAttempts {
		s.log.Info("otp locked", append(fields, zap.Int("attempts", cur.Attempts))...)
		return &Verification{Result: domain.OTPLocked, Record: cur}, nil
	}
	return &Verification{Result: domain.OTPNotFound}, nil
}

// Discard removes an issued code, used when delivery fails right after Issue.
func (s *service) Discard(ctx context.Context, recipient, purpose string) error {
	err := s.store.Delete(ctx, recipient, purpose)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

func (s *service) HasPending(ctx context.Context, recipient, purpose string) (bool, error) {
	rec, err := s.store.Get(ctx, recipient, purpose)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !rec.IsExpired(s.now()) && rec.Attempts < s.maxAttempts, nil
}

func generateCode() (string, error) {
	upper := new(big.Int).Exp(big.NewInt(10), big.NewInt(codeDigits), nil)
	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
