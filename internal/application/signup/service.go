package signup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-signup-mfa/internal/application/account"
	"github.com/go-signup-mfa/internal/application/otp"
	"github.com/go-signup-mfa/internal/application/reservation"
	"github.com/go-signup-mfa/internal/application/session"
	"github.com/go-signup-mfa/internal/application/totp"
	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/infrastructure/logger"
	"github.com/go-signup-mfa/internal/infrastructure/smtp"
	"github.com/go-signup-mfa/internal/pkg/id"
	"go.uber.org/zap"
)

// Second factors accepted to complete a signup.
const (
	FactorTOTP = "totp"
	FactorSMS  = "sms"
)

type Reservations interface {
	IsAvailable(ctx context.Context, email string) (bool, error)
	Reserve(ctx context.Context, req reservation.ReserveRequest) (*domain.EmailReservation, error)
	Release(ctx context.Context, email, userID string) error
	Get(ctx context.Context, email string) (*domain.EmailReservation, error)
}

type Codes interface {
	Issue(ctx context.Context, req otp.IssueRequest) (*otp.Issued, error)
	Verify(ctx context.Context, req otp.VerifyRequest) (*otp.Verification, error)
	Discard(ctx context.Context, recipient, purpose string) error
}

type Authenticator interface {
	Provision(ctx context.Context, userID, accountLabel string) (*totp.Provisioning, error)
	Verify(ctx context.Context, userID, code string) (bool, error)
	Activate(ctx context.Context, userID string) error
}

type Accounts interface {
	Create(ctx context.Context, req account.CreateRequest) (*domain.User, error)
}

type Sessions interface {
	Issue(ctx context.Context, req session.IssueRequest) (*session.Tokens, error)
}

type IdentityIssuer interface {
	IssueIdentityToken(userID, email, name string) (string, error)
}

type MethodStore interface {
	Put(ctx context.Context, m *domain.AuthenticationMethod) error
}

type Mailer interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, message string) error
}

type InitiateRequest struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"required,max=100"`
}

type ResendRequest struct {
	Email     string `json:"email" validate:"required,email"`
	SessionID string `json:"session_id" validate:"required"`
}

type VerifyEmailRequest struct {
	Email     string `json:"email" validate:"required,email"`
	SessionID string `json:"session_id" validate:"required"`
	Code      string `json:"code" validate:"required,otp"`
}

type StartSMSRequest struct {
	Phone string `json:"phone" validate:"required,e164"`
}

type CompleteRequest struct {
	Factor   string `json:"factor" validate:"required,oneof=totp sms"`
	Code     string `json:"code" validate:"required,otp"`
	Phone    string `json:"phone" validate:"omitempty,e164"`
	DeviceID string `json:"device_id"`
	IP       string `json:"-"`
}

// Challenge tells the client a code is on its way.
type Challenge struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IdentityResult carries the narrow token proving the email was verified. It never
// includes a refresh token.
type IdentityResult struct {
	IdentityToken string `json:"identity_token"`
	UserID        string `json:"user_id"`
}

// Identity is the verified caller behind an identity token.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

type CompleteResult struct {
	User   *domain.User    `json:"user"`
	Tokens *session.Tokens `json:"tokens"`
}

type Service interface {
	Initiate(ctx context.Context, req InitiateRequest) (*Challenge, error)
	Resend(ctx context.Context, req ResendRequest) (*Challenge, error)
	VerifyEmail(ctx context.Context, req VerifyEmailRequest) (*IdentityResult, error)
	StartTOTP(ctx context.Context, who Identity) (*totp.Provisioning, error)
	StartSMS(ctx context.Context, who Identity, req StartSMSRequest) (*Challenge, error)
	Complete(ctx context.Context, who Identity, req CompleteRequest) (*CompleteResult, error)
}

type ServiceDeps struct {
	Reservations   Reservations
	Codes          Codes
	Authenticator  Authenticator
	Accounts       Accounts
	Sessions       Sessions
	Identity       IdentityIssuer
	Methods        MethodStore
	Mailer         Mailer
	SMS            SMSSender
	EmailEnabled   bool
	ReservationTTL time.Duration
	EmailCodeTTL   time.Duration
	SMSCodeTTL     time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

type service struct {
	ServiceDeps
	log *zap.Logger
}

func NewService(deps ServiceDeps) Service {
	s := &service{ServiceDeps: deps, log: logger.OrNop(deps.Logger).Named("signup")}
	if s.Now == nil {
		s.Now = time.Now
	}
	return s
}

// Initiate reserves the email under a fresh user id and mails a verification code.
// The reservation is released again if the code cannot be delivered.
func (s *service) Initiate(ctx context.Context, req InitiateRequest) (*Challenge, error) {
	if !s.EmailEnabled {
		return nil, fmt.Errorf("email signup: %w", domain.ErrAuthMethodDisabled)
	}
	email := domain.NormalizeEmail(req.Email)

	ok, err := s.Reservations.IsAvailable(ctx, email)
	if err != nil {
		return nil, signupErr(err)
	}
	if !ok {
		return nil, fmt.Errorf("initiate %s: %w", email, domain.ErrEmailAlreadyExists)
	}

	userID, sessionID := id.New(), id.New()
	if _, err := s.Reservations.Reserve(ctx, reservation.ReserveRequest{
		Email:       email,
		UserID:      userID,
		SignupType:  domain.SignupTypeEmailOTP,
		SessionID:   sessionID,
		DisplayName: req.Name,
		TTL:         s.ReservationTTL,
	}); err != nil {
		return nil, signupErr(err)
	}

	ch, err := s.sendEmailCode(ctx, email, req.Name, sessionID, userID)
	if err != nil {
		s.release(ctx, email, userID)
		return nil, err
	}
	s.log.Info("signup initiated", zap.String("user_id", userID), zap.String("session_id", sessionID))
	return ch, nil
}

// Resend re-issues the email code for an in-flight signup, subject to rate limits.
func (s *service) Resend(ctx context.Context, req ResendRequest) (*Challenge, error) {
	res, err := s.pending(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if res.SessionID != req.SessionID {
		return nil, fmt.Errorf("session mismatch: %w", domain.ErrVerificationFailed)
	}
	return s.sendEmailCode(ctx, res.Email, res.DisplayName, res.SessionID, res.UserID)
}

// VerifyEmail consumes the email code and hands out an identity token bound to the
// reserved user id. The code is single-use, so the token can be obtained once.
func (s *service) VerifyEmail(ctx context.Context, req VerifyEmailRequest) (*IdentityResult, error) {
	res, err := s.pending(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if res.SessionID != req.SessionID {
		return nil, fmt.Errorf("session mismatch: %w", domain.ErrVerificationFailed)
	}

	v, err := s.Codes.Verify(ctx, otp.VerifyRequest{
		Recipient: res.Email,
		Purpose:   domain.PurposeEmailSignup,
		Code:      req.Code,
		SessionID: req.SessionID,
	})
	if err != nil {
		return nil, signupErr(err)
	}
	if err := v.Result.Err(); err != nil {
		return nil, err
	}

	token, err := s.Identity.IssueIdentityToken(res.UserID, res.Email, res.DisplayName)
	if err != nil {
		return nil, signupErr(err)
	}
	return &IdentityResult{IdentityToken: token, UserID: res.UserID}, nil
}

func (s *service) StartTOTP(ctx context.Context, who Identity) (*totp.Provisioning, error) {
	if _, err := s.owned(ctx, who); err != nil {
		return nil, err
	}
	p, err := s.Authenticator.Provision(ctx, who.UserID, who.Email)
	if err != nil {
		return nil, signupErr(err)
	}
	return p, nil
}

func (s *service) StartSMS(ctx context.Context, who Identity, req StartSMSRequest) (*Challenge, error) {
	if _, err := s.owned(ctx, who); err != nil {
		return nil, err
	}
	issued, err := s.Codes.Issue(ctx, otp.IssueRequest{
		Recipient: req.Phone,
		Purpose:   domain.PurposeSMSSignup,
		SessionID: who.UserID,
		Metadata:  map[string]string{"user_id": who.UserID},
		TTL:       s.SMSCodeTTL,
	})
	if err != nil {
		return nil, signupErr(err)
	}
	msg := fmt.Sprintf("Your verification code is %s", issued.Code)
	if err := s.SMS.SendSMS(ctx, req.Phone, msg); err != nil {
		s.log.Error("sms delivery failed", zap.String("user_id", who.UserID), zap.Error(err))
		if derr := s.Codes.Discard(ctx, req.Phone, domain.PurposeSMSSignup); derr != nil {
			s.log.Warn("failed to discard undelivered code", zap.Error(derr))
		}
		return nil, fmt.Errorf("%v: %w", err, domain.ErrSMSSendFailed)
	}
	return &Challenge{SessionID: who.UserID, ExpiresAt: issued.ExpiresAt}, nil
}

// Complete verifies the second factor, creates the account and issues the full
// session pair. Nothing is persisted for the user before the factor is proven, and
// the authenticator is only activated once the account exists.
func (s *service) Complete(ctx context.Context, who Identity, req CompleteRequest) (*CompleteResult, error) {
	res, err := s.owned(ctx, who)
	if err != nil {
		return nil, err
	}

	var methods []string
	switch req.Factor {
	case FactorTOTP:
		ok, err := s.Authenticator.Verify(ctx, who.UserID, req.Code)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && !ok) {
			return nil, domain.ErrTOTPVerificationFailed
		}
		if err != nil {
			return nil, signupErr(err)
		}
		methods = []string{domain.AMREmailOTP, domain.AMRTOTP}
	case FactorSMS:
		if req.Phone == "" {
			return nil, fmt.Errorf("phone required for sms factor: %w", domain.ErrBadRequest)
		}
		v, err := s.Codes.Verify(ctx, otp.VerifyRequest{
			Recipient: req.Phone,
			Purpose:   domain.PurposeSMSSignup,
			Code:      req.Code,
			SessionID: who.UserID,
		})
		if err != nil {
			return nil, signupErr(err)
		}
		if err := v.Result.Err(); err != nil {
			return nil, err
		}
		methods = []string{domain.AMREmailOTP, domain.AMRSMSOTP}
	default:
		return nil, fmt.Errorf("unknown factor %q: %w", req.Factor, domain.ErrBadRequest)
	}

	name := who.Name
	if name == "" {
		name = res.DisplayName
	}
	u, err := s.Accounts.Create(ctx, account.CreateRequest{UserID: who.UserID, Email: res.Email, Name: name})
	if err != nil {
		return nil, signupErr(err)
	}

	switch req.Factor {
	case FactorTOTP:
		if err := s.Authenticator.Activate(ctx, u.UserID); err != nil {
			s.log.Error("authenticator not activated", zap.String("user_id", u.UserID), zap.Error(err))
		}
	case FactorSMS:
		s.attachPhone(ctx, u.UserID, req.Phone)
	}

	tokens, err := s.Sessions.Issue(ctx, session.IssueRequest{
		UserID:   u.UserID,
		Methods:  methods,
		DeviceID: req.DeviceID,
		IP:       req.IP,
		User:     u,
	})
	if err != nil {
		return nil, signupErr(err)
	}
	s.log.Info("signup completed", zap.String("user_id", u.UserID), zap.String("factor", req.Factor))
	return &CompleteResult{User: u, Tokens: tokens}, nil
}

func (s *service) sendEmailCode(ctx context.Context, email, name, sessionID, userID string) (*Challenge, error) {
	issued, err := s.Codes.Issue(ctx, otp.IssueRequest{
		Recipient: email,
		Purpose:   domain.PurposeEmailSignup,
		SessionID: sessionID,
		Metadata:  map[string]string{"name": name, "user_id": userID},
		TTL:       s.EmailCodeTTL,
	})
	if err != nil {
		return nil, signupErr(err)
	}
	subject, body := smtp.OTPMessage(domain.PurposeEmailSignup, name, issued.Code, issued.ExpiresAt.Sub(s.Now()).Round(time.Minute))
	if err := s.Mailer.SendEmail(ctx, email, subject, body); err != nil {
		s.log.Error("email delivery failed", zap.String("user_id", userID), zap.Error(err))
		if derr := s.Codes.Discard(ctx, email, domain.PurposeEmailSignup); derr != nil {
			s.log.Warn("failed to discard undelivered code", zap.Error(derr))
		}
		return nil, fmt.Errorf("%v: %w", err, domain.ErrEmailSendFailed)
	}
	return &Challenge{SessionID: sessionID, ExpiresAt: issued.ExpiresAt}, nil
}

// pending returns the reservation for an in-flight signup: present, PENDING and unexpired.
func (s *service) pending(ctx context.Context, email string) (*domain.EmailReservation, error) {
	res, err := s.Reservations.Get(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("no signup in progress: %w", domain.ErrVerificationFailed)
	}
	if err != nil {
		return nil, signupErr(err)
	}
	if res.Status != domain.ReservationPending || res.IsExpired(s.Now()) {
		return nil, fmt.Errorf("signup no longer pending: %w", domain.ErrVerificationFailed)
	}
	return res, nil
}

// owned returns the reservation behind an identity token. The reserved user id must
// still match, since an abandoned reservation can be reclaimed by another signup.
func (s *service) owned(ctx context.Context, who Identity) (*domain.EmailReservation, error) {
	res, err := s.Reservations.Get(ctx, who.Email)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("reservation gone: %w", domain.ErrVerificationFailed)
	}
	if err != nil {
		return nil, signupErr(err)
	}
	if res.UserID != who.UserID {
		return nil, fmt.Errorf("reservation owned by another signup: %w", domain.ErrVerificationFailed)
	}
	if res.Status == domain.ReservationConfirmed {
		return nil, fmt.Errorf("account already created: %w", domain.ErrEmailAlreadyExists)
	}
	return res, nil
}

func (s *service) attachPhone(ctx context.Context, userID, phone string) {
	now := s.Now().UTC()
	m := &domain.AuthenticationMethod{
		UserID:     userID,
		MethodID:   id.New(),
		Type:       domain.AuthMethodSMS,
		Metadata:   map[string]string{domain.MetaPhone: phone, domain.MetaIsVerified: "true"},
		Verified:   true,
		IsActive:   true,
		VerifiedAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Methods.Put(ctx, m); err != nil {
		s.log.Warn("sms method not attached", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *service) release(ctx context.Context, email, userID string) {
	if err := s.Reservations.Release(ctx, email, userID); err != nil {
		s.log.Warn("failed to release reservation", zap.String("email", email), zap.Error(err))
	}
}

// signupErr keeps typed failures and hides everything else behind SIGNUP_FAILED.
func signupErr(err error) error {
	if _, ok := domain.AsCoded(err); ok {
		return err
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrBadRequest) ||
		errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrForbidden) {
		return err
	}
	return fmt.Errorf("%v: %w", err, domain.ErrSignupFailed)
}
