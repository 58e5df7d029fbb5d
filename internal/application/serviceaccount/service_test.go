package serviceaccount

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-signup-mfa/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type mockStore struct{ mock.Mock }

func (m *mockStore) Create(ctx context.Context, a *domain.ServiceAccount) error {
	return m.Called(ctx, a).Error(0)
}

func (m *mockStore) Get(ctx context.Context, clientID string) (*domain.ServiceAccount, error) {
	args := m.Called(ctx, clientID)
	if a := args.Get(0); a != nil {
		return a.(*domain.ServiceAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) RecordUsage(ctx context.Context, clientID, ip string, at time.Time) error {
	return m.Called(ctx, clientID, ip, at).Error(0)
}

type mockSigner struct{ mock.Mock }

func (m *mockSigner) SignService(accountID string, scopes []string, validity time.Duration) (string, error) {
	args := m.Called(accountID, scopes, validity)
	return args.String(0), args.Error(1)
}

var fixedNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newService(store Store, signer TokenSigner) Service {
	return NewService(ServiceDeps{
		Store:    store,
		Signer:   signer,
		HashCost: bcrypt.MinCost,
		Now:      func() time.Time { return fixedNow },
	})
}

func account(t *testing.T, secret string, ips ...string) *domain.ServiceAccount {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return &domain.ServiceAccount{
		ClientID:   "sa_abc",
		Name:       "billing",
		SecretHash: string(hash),
		Scopes:     []string{"users:read", "users:write"},
		AllowedIPs: ips,
		Enable:     true,
	}
}

func TestCreate_HashesSecret(t *testing.T) {
	store := &mockStore{}
	var stored *domain.ServiceAccount
	store.On("Create", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { stored = args.Get(1).(*domain.ServiceAccount) }).
		Return(nil)

	creds, err := newService(store, &mockSigner{}).Create(context.Background(),
		domain.CreateServiceAccountRequest{Name: "billing", Scopes: []string{"users:read"}}, "admin-1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(creds.ClientID, "sa_"))
	assert.Len(t, creds.ClientSecret, 64)
	require.NotNil(t, stored)
	assert.NotEqual(t, creds.ClientSecret, stored.SecretHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.SecretHash), []byte(creds.ClientSecret)))
	assert.Equal(t, "admin-1", stored.CreatedBy)
	assert.True(t, stored.Enable)
	assert.Equal(t, fixedNow, stored.CreatedAt)
}

func TestIssueToken_Success(t *testing.T) {
	store, signer := &mockStore{}, &mockSigner{}
	store.On("Get", mock.Anything, "sa_abc").Return(account(t, "s3cret", "10.0.0.1"), nil)
	store.On("RecordUsage", mock.Anything, "sa_abc", "10.0.0.1", fixedNow).Return(nil)
	signer.On("SignService", "sa_abc", []string{"users:read"}, 10*time.Minute).Return("svc-token", nil)

	tok, err := newService(store, signer).IssueToken(context.Background(), TokenRequest{
		ClientID:        "sa_abc",
		ClientSecret:    "s3cret",
		Scopes:          []string{"users:read"},
		ValiditySeconds: 600,
	}, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "svc-token", tok.AccessToken)
	assert.Equal(t, int64(600), tok.ExpiresIn)
	assert.Equal(t, "users:read", tok.Scope)
	store.AssertExpectations(t)
}

func TestIssueToken_DefaultsToGrantedScopesAndMaxValidity(t *testing.T) {
	store, signer := &mockStore{}, &mockSigner{}
	store.On("Get", mock.Anything, "sa_abc").Return(account(t, "s3cret"), nil)
	store.On("RecordUsage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	signer.On("SignService", "sa_abc", []string{"users:read", "users:write"}, time.Hour).Return("t", nil)

	tok, err := newService(store, signer).IssueToken(context.Background(),
		TokenRequest{ClientID: "sa_abc", ClientSecret: "s3cret"}, "192.168.1.1")
	require.NoError(t, err)
	assert.Equal(t, "users:read users:write", tok.Scope)
}

func TestIssueToken_Rejections(t *testing.T) {
	disabled := func(t *testing.T) *domain.ServiceAccount {
		a := account(t, "s3cret")
		a.Enable = false
		return a
	}
	cases := []struct {
		name string
		acct func(t *testing.T) *domain.ServiceAccount
		req  TokenRequest
		ip   string
	}{
		{"disabled", disabled, TokenRequest{ClientID: "sa_abc", ClientSecret: "s3cret"}, "1.1.1.1"},
		{"ip not allowed", func(t *testing.T) *domain.ServiceAccount { return account(t, "s3cret", "10.0.0.1") },
			TokenRequest{ClientID: "sa_abc", ClientSecret: "s3cret"}, "10.0.0.2"},
		{"bad secret", func(t *testing.T) *domain.ServiceAccount { return account(t, "s3cret") },
			TokenRequest{ClientID: "sa_abc", ClientSecret: "guess"}, "1.1.1.1"},
		{"scope escalation", func(t *testing.T) *domain.ServiceAccount { return account(t, "s3cret") },
			TokenRequest{ClientID: "sa_abc", ClientSecret: "s3cret", Scopes: []string{"admin"}}, "1.1.1.1"},
		{"validity too long", func(t *testing.T) *domain.ServiceAccount { return account(t, "s3cret") },
			TokenRequest{ClientID: "sa_abc", ClientSecret: "s3cret", ValiditySeconds: 7200}, "1.1.1.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, signer := &mockStore{}, &mockSigner{}
			store.On("Get", mock.Anything, "sa_abc").Return(tc.acct(t), nil)

			_, err := newService(store, signer).IssueToken(context.Background(), tc.req, tc.ip)
			assert.ErrorIs(t, err, domain.ErrServiceAccountAuthFailed)
			signer.AssertNotCalled(t, "SignService", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestIssueToken_UnknownClient(t *testing.T) {
	store := &mockStore{}
	store.On("Get", mock.Anything, "sa_nope").Return(nil, domain.ErrNotFound)

	_, err := newService(store, &mockSigner{}).IssueToken(context.Background(),
		TokenRequest{ClientID: "sa_nope", ClientSecret: "x"}, "1.1.1.1")
	assert.ErrorIs(t, err, domain.ErrServiceAccountAuthFailed)
}
