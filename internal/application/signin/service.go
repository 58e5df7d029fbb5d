package signin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-signup-mfa/internal/application/otp"
	"github.com/go-signup-mfa/internal/application/session"
	"github.com/go-signup-mfa/internal/domain"
	"github.com/go-signup-mfa/internal/infrastructure/logger"
	"github.com/go-signup-mfa/internal/infrastructure/smtp"
	"github.com/go-signup-mfa/internal/pkg/id"
	"go.uber.org/zap"
)

// Second factors an existing user can present after the email code.
const (
	FactorTOTP = "totp"
	FactorSMS  = "sms"
)

type Users interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

type MethodStore interface {
	ListByUser(ctx context.Context, userID string) ([]domain.AuthenticationMethod, error)
}

type Codes interface {
	Issue(ctx context.Context, req otp.IssueRequest) (*otp.Issued, error)
	Verify(ctx context.Context, req otp.VerifyRequest) (*otp.Verification, error)
	Discard(ctx context.Context, recipient, purpose string) error
}

type Authenticator interface {
	Verify(ctx context.Context, userID, code string) (bool, error)
}

type Sessions interface {
	Issue(ctx context.Context, req session.IssueRequest) (*session.Tokens, error)
}

type TokenIssuer interface {
	IssueSignInToken(userID, email string) (string, error)
}

type Mailer interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, message string) error
}

type StartRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type VerifyEmailRequest struct {
	Email     string `json:"email" validate:"required,email"`
	SessionID string `json:"session_id" validate:"required"`
	Code      string `json:"code" validate:"required,otp"`
	DeviceID  string `json:"device_id"`
	IP        string `json:"-"`
}

type CompleteRequest struct {
	Factor   string `json:"factor" validate:"required,oneof=totp sms"`
	Code     string `json:"code" validate:"required,otp"`
	DeviceID string `json:"device_id"`
	IP       string `json:"-"`
}

// Challenge tells the client a code is on its way.
type Challenge struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EmailResult either asks for a second factor or, for a user with none enrolled,
// carries the session directly.
type EmailResult struct {
	SignInToken string          `json:"signin_token,omitempty"`
	Factors     []string        `json:"factors,omitempty"`
	Tokens      *session.Tokens `json:"tokens,omitempty"`
}

// Principal is the user behind a sign-in token.
type Principal struct {
	UserID string
	Email  string
}

type Service interface {
	Start(ctx context.Context, req StartRequest) (*Challenge, error)
	VerifyEmail(ctx context.Context, req VerifyEmailRequest) (*EmailResult, error)
	SendSMS(ctx context.Context, who Principal) (*Challenge, error)
	Complete(ctx context.Context, who Principal, req CompleteRequest) (*session.Tokens, error)
}

type ServiceDeps struct {
	Users         Users
	Methods       MethodStore
	Codes         Codes
	Authenticator Authenticator
	Sessions      Sessions
	Tokens        TokenIssuer
	Mailer        Mailer
	SMS           SMSSender
	EmailCodeTTL  time.Duration
	SMSCodeTTL    time.Duration
	Logger        *zap.Logger
	Now           func() time.Time
}

type service struct {
	ServiceDeps
	log *zap.Logger
}

func NewService(deps ServiceDeps) Service {
	s := &service{ServiceDeps: deps, log: logger.OrNop(deps.Logger).Named("signin")}
	if s.Now == nil {
		s.Now = time.Now
	}
	return s
}

// Start mails a sign-in code to an existing, enabled user. Unknown and disabled
// addresses get an identical challenge and no mail.
func (s *service) Start(ctx context.Context, req StartRequest) (*Challenge, error) {
	email := domain.NormalizeEmail(req.Email)
	sessionID := id.New()

	u, err := s.Users.GetByEmail(ctx, email)
	if isUnknownUser(err) || (err == nil && !u.Enable) {
		s.log.Info("signin requested for unknown or disabled account")
		return &Challenge{SessionID: sessionID, ExpiresAt: s.Now().Add(s.EmailCodeTTL)}, nil
	}
	if err != nil {
		return nil, err
	}

	issued, err := s.Codes.Issue(ctx, otp.IssueRequest{
		Recipient: email,
		Purpose:   domain.PurposeEmailAuth,
		SessionID: sessionID,
		Metadata:  map[string]string{"user_id": u.UserID},
		TTL:       s.EmailCodeTTL,
	})
	if err != nil {
		return nil, err
	}
	subject, body := smtp.OTPMessage(domain.PurposeEmailAuth, u.Name, issued.Code, issued.ExpiresAt.Sub(s.Now()).Round(time.Minute))
	if err := s.Mailer.SendEmail(ctx, email, subject, body); err != nil {
		s.log.Error("email delivery failed", zap.String("user_id", u.UserID), zap.Error(err))
		if derr := s.Codes.Discard(ctx, email, domain.PurposeEmailAuth); derr != nil {
			s.log.Warn("failed to discard undelivered code", zap.Error(derr))
		}
		return nil, fmt.Errorf("%v: %w", err, domain.ErrEmailSendFailed)
	}
	s.log.Info("signin started", zap.String("user_id", u.UserID), zap.String("session_id", sessionID))
	return &Challenge{SessionID: sessionID, ExpiresAt: issued.ExpiresAt}, nil
}

// VerifyEmail consumes the email code. Users with an enrolled second factor get a
// sign-in token naming the factors they may present; users without one are signed
// in at single-factor assurance.
func (s *service) VerifyEmail(ctx context.Context, req VerifyEmailRequest) (*EmailResult, error) {
	email := domain.NormalizeEmail(req.Email)
	u, err := s.Users.GetByEmail(ctx, email)
	if isUnknownUser(err) || (err == nil && !u.Enable) {
		return nil, fmt.Errorf("signin %s: %w", email, domain.ErrVerificationFailed)
	}
	if err != nil {
		return nil, err
	}

	v, err := s.Codes.Verify(ctx, otp.VerifyRequest{
		Recipient: email,
		Purpose:   domain.PurposeEmailAuth,
		Code:      req.Code,
		SessionID: req.SessionID,
	})
	if err != nil {
		return nil, err
	}
	if err := v.Result.Err(); err != nil {
		return nil, err
	}

	f, err := s.enrolled(ctx, u.UserID)
	if err != nil {
		return nil, err
	}
	if len(f.names()) == 0 {
		tokens, err := s.Sessions.Issue(ctx, session.IssueRequest{
			UserID:   u.UserID,
			Methods:  []string{domain.AMREmailOTP},
			DeviceID: req.DeviceID,
			IP:       req.IP,
			User:     u,
		})
		if err != nil {
			return nil, err
		}
		s.log.Info("signin completed without second factor", zap.String("user_id", u.UserID))
		return &EmailResult{Tokens: tokens}, nil
	}

	token, err := s.Tokens.IssueSignInToken(u.UserID, email)
	if err != nil {
		return nil, err
	}
	return &EmailResult{SignInToken: token, Factors: f.names()}, nil
}

// SendSMS texts a code to the phone on the user's verified SMS method.
func (s *service) SendSMS(ctx context.Context, who Principal) (*Challenge, error) {
	f, err := s.enrolled(ctx, who.UserID)
	if err != nil {
		return nil, err
	}
	if f.phone == "" {
		return nil, fmt.Errorf("no sms factor: %w", domain.ErrAuthMethodDisabled)
	}

	issued, err := s.Codes.Issue(ctx, otp.IssueRequest{
		Recipient: f.phone,
		Purpose:   domain.PurposeSMSAuth,
		SessionID: who.UserID,
		Metadata:  map[string]string{"user_id": who.UserID},
		TTL:       s.SMSCodeTTL,
	})
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("Your sign-in code is %s", issued.Code)
	if err := s.SMS.SendSMS(ctx, f.phone, msg); err != nil {
		s.log.Error("sms delivery failed", zap.String("user_id", who.UserID), zap.Error(err))
		if derr := s.Codes.Discard(ctx, f.phone, domain.PurposeSMSAuth); derr != nil {
			s.log.Warn("failed to discard undelivered code", zap.Error(derr))
		}
		return nil, fmt.Errorf("%v: %w", err, domain.ErrSMSSendFailed)
	}
	return &Challenge{SessionID: who.UserID, ExpiresAt: issued.ExpiresAt}, nil
}

// Complete checks the second factor and issues the full session pair.
func (s *service) Complete(ctx context.Context, who Principal, req CompleteRequest) (*session.Tokens, error) {
	u, err := s.Users.Get(ctx, who.UserID)
	if err != nil {
		return nil, err
	}
	if !u.Enable {
		return nil, fmt.Errorf("account disabled: %w", domain.ErrUnauthorized)
	}
	f, err := s.enrolled(ctx, who.UserID)
	if err != nil {
		return nil, err
	}

	var method string
	switch req.Factor {
	case FactorTOTP:
		if !f.totp {
			return nil, fmt.Errorf("no totp factor: %w", domain.ErrAuthMethodDisabled)
		}
		ok, err := s.Authenticator.Verify(ctx, who.UserID, req.Code)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && !ok) {
			return nil, domain.ErrTOTPVerificationFailed
		}
		if err != nil {
			return nil, err
		}
		method = domain.AMRTOTP
	case FactorSMS:
		if f.phone == "" {
			return nil, fmt.Errorf("no sms factor: %w", domain.ErrAuthMethodDisabled)
		}
		v, err := s.Codes.Verify(ctx, otp.VerifyRequest{
			Recipient: f.phone,
			Purpose:   domain.PurposeSMSAuth,
			Code:      req.Code,
			SessionID: who.UserID,
		})
		if err != nil {
			return nil, err
		}
		if err := v.Result.Err(); err != nil {
			return nil, err
		}
		method = domain.AMRSMSOTP
	default:
		return nil, fmt.Errorf("unknown factor %q: %w", req.Factor, domain.ErrBadRequest)
	}

	tokens, err := s.Sessions.Issue(ctx, session.IssueRequest{
		UserID:   u.UserID,
		Methods:  []string{domain.AMREmailOTP, method},
		DeviceID: req.DeviceID,
		IP:       req.IP,
		User:     u,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("signin completed", zap.String("user_id", u.UserID), zap.String("factor", req.Factor))
	return tokens, nil
}

type factors struct {
	totp  bool
	phone string
}

func (f factors) names() []string {
	var out []string
	if f.totp {
		out = append(out, FactorTOTP)
	}
	if f.phone != "" {
		out = append(out, FactorSMS)
	}
	return out
}

// enrolled collects the verified, active second factors of a user.
func (s *service) enrolled(ctx context.Context, userID string) (factors, error) {
	var f factors
	methods, err := s.Methods.ListByUser(ctx, userID)
	if err != nil {
		return f, fmt.Errorf("list auth methods: %w", err)
	}
	for _, m := range methods {
		if !m.Verified || !m.IsActive {
			continue
		}
		switch m.Type {
		case domain.AuthMethodTOTP:
			f.totp = true
		case domain.AuthMethodSMS:
			if p := m.Metadata[domain.MetaPhone]; p != "" {
				f.phone = p
			}
		}
	}
	return f, nil
}

func isUnknownUser(err error) bool {
	return errors.Is(err, domain.ErrUserNotFound) || errors.Is(err, domain.ErrNotFound)
}
