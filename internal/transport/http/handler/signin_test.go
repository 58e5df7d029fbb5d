package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-signup-mfa/internal/application/session"
	"github.com/go-signup-mfa/internal/application/signin"
	"github.com/go-signup-mfa/internal/domain"
	jwtinfra "github.com/go-signup-mfa/internal/infrastructure/jwt"
	"github.com/go-signup-mfa/internal/transport/http/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSignInSvc struct{ mock.Mock }

func (m *mockSignInSvc) Start(ctx context.Context, req signin.StartRequest) (*signin.Challenge, error) {
	args := m.Called(ctx, req)
	if c, _ := args.Get(0).(*signin.Challenge); c != nil {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSignInSvc) VerifyEmail(ctx context.Context, req signin.VerifyEmailRequest) (*signin.EmailResult, error) {
	args := m.Called(ctx, req)
	if r, _ := args.Get(0).(*signin.EmailResult); r != nil {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSignInSvc) SendSMS(ctx context.Context, who signin.Principal) (*signin.Challenge, error) {
	args := m.Called(ctx, who)
	if c, _ := args.Get(0).(*signin.Challenge); c != nil {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSignInSvc) Complete(ctx context.Context, who signin.Principal, req signin.CompleteRequest) (*session.Tokens, error) {
	args := m.Called(ctx, who, req)
	if t, _ := args.Get(0).(*session.Tokens); t != nil {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func withSignIn(r *http.Request, userID, email string) *http.Request {
	claims := &jwtinfra.Claims{TokenType: jwtinfra.TokenSignIn, Scope: jwtinfra.ScopeSignInFactor, Email: email}
	claims.Subject = userID
	return r.WithContext(middleware.WithClaims(r.Context(), claims))
}

func TestSignInStart_Accepted(t *testing.T) {
	svc := &mockSignInSvc{}
	svc.On("Start", mock.Anything, signin.StartRequest{Email: "a@b.com"}).Return(&signin.Challenge{SessionID: "s1"}, nil)

	rr := httptest.NewRecorder()
	NewSignInHandler(svc).Start(rr, jsonReq(t, http.MethodPost, "/", map[string]string{"email": "a@b.com"}))
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Contains(t, rr.Body.String(), `"session_id":"s1"`)
}

func TestSignInVerifyEmail_ReturnsFactors(t *testing.T) {
	svc := &mockSignInSvc{}
	svc.On("VerifyEmail", mock.Anything, signin.VerifyEmailRequest{
		Email: "a@b.com", SessionID: "s1", Code: "123456", IP: "198.51.100.4",
	}).Return(&signin.EmailResult{SignInToken: "signin.jwt", Factors: []string{"totp"}}, nil)

	req := jsonReq(t, http.MethodPost, "/", map[string]string{"email": "a@b.com", "session_id": "s1", "code": "123456"})
	req.RemoteAddr = "198.51.100.4:443"
	rr := httptest.NewRecorder()
	NewSignInHandler(svc).VerifyEmail(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var out signin.EmailResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, "signin.jwt", out.SignInToken)
	assert.Equal(t, []string{"totp"}, out.Factors)
	assert.NotContains(t, rr.Body.String(), "tokens")
}

func TestSignInComplete_LockedAuthenticatorIs429(t *testing.T) {
	svc := &mockSignInSvc{}
	svc.On("Complete", mock.Anything, signin.Principal{UserID: "u1", Email: "a@b.com"}, mock.Anything).
		Return(nil, domain.ErrTOTPRateLimited)

	rr := httptest.NewRecorder()
	req := withSignIn(jsonReq(t, http.MethodPost, "/", map[string]string{"factor": "totp", "code": "123456"}), "u1", "a@b.com")
	NewSignInHandler(svc).Complete(rr, req)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), "TOTP_RATE_LIMITED")
}

func TestSignInComplete_RejectsUnknownFactor(t *testing.T) {
	svc := &mockSignInSvc{}
	rr := httptest.NewRecorder()
	req := withSignIn(jsonReq(t, http.MethodPost, "/", map[string]string{"factor": "email", "code": "123456"}), "u1", "a@b.com")
	NewSignInHandler(svc).Complete(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	svc.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}
