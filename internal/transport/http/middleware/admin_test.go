package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-signup-mfa/internal/domain"
	jwtinfra "github.com/go-signup-mfa/internal/infrastructure/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions map[string]*domain.Session

func (f fakeSessions) Get(_ context.Context, id string) (*domain.Session, error) {
	if s, ok := f[id]; ok {
		return s, nil
	}
	return nil, domain.ErrNotFound
}

type fakeUsers map[string]*domain.User

func (f fakeUsers) Get(_ context.Context, id string) (*domain.User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, domain.ErrNotFound
}

const cookieName = "access_token"

var guardNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newGuard(t *testing.T) (func(http.Handler) http.Handler, *jwtinfra.Provider) {
	t.Helper()
	p := newTestProvider(t)
	sessions := fakeSessions{
		"sess-admin":   {SessionID: "sess-admin", UserID: "admin", Enable: true, RefreshExpiresAt: guardNow.Add(time.Hour).Unix()},
		"sess-user":    {SessionID: "sess-user", UserID: "user", Enable: true, RefreshExpiresAt: guardNow.Add(time.Hour).Unix()},
		"sess-expired": {SessionID: "sess-expired", UserID: "admin", Enable: true, RefreshExpiresAt: guardNow.Add(-time.Hour).Unix()},
		"sess-off":     {SessionID: "sess-off", UserID: "admin", Enable: false, RefreshExpiresAt: guardNow.Add(time.Hour).Unix()},
	}
	users := fakeUsers{
		"admin": {UserID: "admin", Role: domain.RoleAdmin, Enable: true},
		"user":  {UserID: "user", Role: domain.RoleUser, Enable: true},
	}
	return AdminGuard(AdminGuardDeps{
		Verifier:   p,
		Sessions:   sessions,
		Users:      users,
		CookieName: cookieName,
		Now:        func() time.Time { return guardNow },
	}), p
}

func serveGuard(guard func(http.Handler) http.Handler, req *http.Request) (*httptest.ResponseRecorder, *Principal) {
	var got *Principal
	h := guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr, got
}

func withCookie(value string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/users/x", nil)
	req.AddCookie(&http.Cookie{Name: cookieName, Value: value})
	return req
}

func TestAdminGuard_NoCredential(t *testing.T) {
	guard, _ := newGuard(t)
	rr, _ := serveGuard(guard, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdminGuard_ServiceToken(t *testing.T) {
	guard, p := newGuard(t)
	tok, err := p.SignService("sa_1", []string{"users:read"}, time.Hour)
	require.NoError(t, err)

	rr, principal := serveGuard(guard, withBearer(tok))
	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, principal)
	assert.Equal(t, PrincipalService, principal.Kind)
	assert.Equal(t, "sa_1", principal.ID)
	assert.Equal(t, []string{"users:read"}, principal.Scopes)
}

func TestAdminGuard_SessionTokenRoles(t *testing.T) {
	guard, p := newGuard(t)
	adminTok, err := p.SignSession(jwtinfra.SessionInput{UserID: "admin"})
	require.NoError(t, err)
	userTok, err := p.SignSession(jwtinfra.SessionInput{UserID: "user"})
	require.NoError(t, err)

	rr, principal := serveGuard(guard, withCookie(adminTok))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, PrincipalUser, principal.Kind)
	assert.Equal(t, domain.RoleAdmin, principal.Role)

	rr, _ = serveGuard(guard, withBearer(userTok))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAdminGuard_RoleComesFromStoreNotToken(t *testing.T) {
	guard, p := newGuard(t)
	tok, err := p.SignSession(jwtinfra.SessionInput{UserID: "user", Role: domain.RoleAdmin})
	require.NoError(t, err)

	rr, _ := serveGuard(guard, withBearer(tok))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAdminGuard_IdentityTokenRejected(t *testing.T) {
	guard, p := newGuard(t)
	tok, err := p.IssueIdentityToken("admin", "a@b.com", "A")
	require.NoError(t, err)

	rr, _ := serveGuard(guard, withBearer(tok))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdminGuard_OpaqueSession(t *testing.T) {
	guard, _ := newGuard(t)
	cases := map[string]int{
		"sess-admin":   http.StatusOK,
		"sess-user":    http.StatusForbidden,
		"sess-expired": http.StatusUnauthorized,
		"sess-off":     http.StatusUnauthorized,
		"sess-unknown": http.StatusUnauthorized,
	}
	for id, want := range cases {
		rr, _ := serveGuard(guard, withCookie(id))
		assert.Equal(t, want, rr.Code, id)
	}
}

func TestAdminGuard_CookieBeforeHeader(t *testing.T) {
	guard, _ := newGuard(t)
	req := withCookie("sess-admin")
	req.Header.Set("Authorization", "Bearer sess-user")

	rr, principal := serveGuard(guard, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "admin", principal.ID)
}

func TestAdminGuard_GarbageJWT(t *testing.T) {
	guard, _ := newGuard(t)
	rr, _ := serveGuard(guard, withBearer("eyJhbGciOiJub25lIn0.e30."))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
